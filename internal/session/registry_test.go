package session

import (
	"errors"
	"testing"
	"time"
)

func TestRegistry_PutGetRemove(t *testing.T) {
	r := NewRegistry(nil)
	r.Put(Entry{SID: "000001", ChannelID: "ch-1", Count: 2})

	e, ok := r.Get("000001")
	if !ok || e.Count != 2 || e.ChannelID != "ch-1" {
		t.Fatalf("Get = %+v, %v", e, ok)
	}
	if sid, ok := r.SessionForChannel("ch-1"); !ok || sid != "000001" {
		t.Errorf("SessionForChannel = %q, %v", sid, ok)
	}

	r.Remove("000001")
	if r.Has("000001") {
		t.Error("entry should be removed")
	}
	if _, ok := r.SessionForChannel("ch-1"); ok {
		t.Error("channel index should be cleared")
	}
	r.Remove("000001") // no-op
}

func TestRegistry_PutReplacesChannelIndex(t *testing.T) {
	r := NewRegistry(nil)
	r.Put(Entry{SID: "000001", ChannelID: "old"})
	r.Put(Entry{SID: "000001", ChannelID: "new"})
	if _, ok := r.SessionForChannel("old"); ok {
		t.Error("stale channel mapping should be dropped")
	}
	if sid, _ := r.SessionForChannel("new"); sid != "000001" {
		t.Errorf("SessionForChannel(new) = %q", sid)
	}
}

func TestRegistry_SubscribeRequiresEntry(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Subscribe("000001", func(string) {})
	if !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("err = %v, want ErrUnknownSession", err)
	}
}

func TestRegistry_SubscribersInOrder(t *testing.T) {
	r := NewRegistry(nil)
	r.Put(Entry{SID: "000001"})
	var got []string
	a, _ := r.Subscribe("000001", func(p string) { got = append(got, "a:"+p) })
	_, _ = r.Subscribe("000001", func(p string) { got = append(got, "b:"+p) })

	for _, fn := range r.Subscribers("000001") {
		fn("x")
	}
	if len(got) != 2 || got[0] != "a:x" || got[1] != "b:x" {
		t.Fatalf("got %v", got)
	}

	r.Unsubscribe("000001", a)
	if n := len(r.Subscribers("000001")); n != 1 {
		t.Errorf("subscribers = %d, want 1", n)
	}
	if e, _ := r.Get("000001"); e.Subscribers != 1 {
		t.Errorf("Entry.Subscribers = %d, want 1", e.Subscribers)
	}
}

func TestRegistry_UnsubscribeAfterRemoveIsNoop(t *testing.T) {
	r := NewRegistry(nil)
	r.Put(Entry{SID: "000001"})
	id, _ := r.Subscribe("000001", func(string) {})
	r.Remove("000001")
	r.Unsubscribe("000001", id)
	r.Unsubscribe("000001", "never-registered")
}

func TestRegistry_RemoveDropsSubscribers(t *testing.T) {
	r := NewRegistry(nil)
	r.Put(Entry{SID: "000001"})
	_, _ = r.Subscribe("000001", func(string) {})
	r.Remove("000001")
	r.Put(Entry{SID: "000001"})
	if n := len(r.Subscribers("000001")); n != 0 {
		t.Errorf("subscribers after re-create = %d, want 0", n)
	}
}

func TestRegistry_ReplaceCarriesSubscribers(t *testing.T) {
	r := NewRegistry(nil)
	r.Put(Entry{SID: "000001"})
	r.Put(Entry{SID: "000002"})
	_, _ = r.Subscribe("000001", func(string) {})
	_, _ = r.Subscribe("000002", func(string) {})

	r.Replace([]Entry{{SID: "000001", Count: 4}})

	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
	if n := len(r.Subscribers("000001")); n != 1 {
		t.Errorf("000001 subscribers = %d, want 1", n)
	}
	if r.Has("000002") {
		t.Error("000002 should be gone")
	}
}

func TestRegistry_IdleSinceAndTouch(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(clock.Now)
	start := clock.Now()
	r.Put(Entry{SID: "000001", LastActivity: start})
	r.Put(Entry{SID: "000002", LastActivity: start})

	clock.Advance(time.Hour)
	r.Touch("000002")

	idle := r.IdleSince(start.Add(time.Minute))
	if len(idle) != 1 || idle[0] != "000001" {
		t.Errorf("IdleSince = %v, want [000001]", idle)
	}
}

func TestRegistry_SnapshotSorted(t *testing.T) {
	r := NewRegistry(nil)
	for _, sid := range []string{"000003", "000001", "000002"} {
		r.Put(Entry{SID: sid})
	}
	snap := r.Snapshot()
	for i, want := range []string{"000001", "000002", "000003"} {
		if snap[i].SID != want {
			t.Errorf("snap[%d] = %s, want %s", i, snap[i].SID, want)
		}
	}
}
