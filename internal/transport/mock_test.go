package transport

import (
	"context"
	"errors"
	"testing"
)

func newConnectedMock(t *testing.T) *MockAdapter {
	t.Helper()
	m := NewMockAdapter()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return m
}

func TestMockAdapter_RequiresConnect(t *testing.T) {
	m := NewMockAdapter()
	if _, err := m.CreateChannel(context.Background(), "x"); err == nil {
		t.Fatal("expected error before Connect")
	}
	if _, err := m.Listen(context.Background()); err == nil {
		t.Fatal("expected Listen error before Connect")
	}
}

func TestMockAdapter_HistoryMostRecentFirst(t *testing.T) {
	m := newConnectedMock(t)
	ctx := context.Background()
	ch, _ := m.CreateChannel(ctx, "sessions")
	for _, c := range []string{"a", "b", "c"} {
		if _, err := m.PostMessage(ctx, ch, c); err != nil {
			t.Fatalf("post: %v", err)
		}
	}

	msgs, err := m.History(ctx, ch, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "c" || msgs[1].Content != "b" {
		t.Fatalf("history = %+v, want [c b]", msgs)
	}

	all, _ := m.History(ctx, ch, 0)
	if len(all) != 3 {
		t.Errorf("unbounded history len = %d, want 3", len(all))
	}
}

func TestMockAdapter_DeleteMissingIsNotFound(t *testing.T) {
	m := newConnectedMock(t)
	ctx := context.Background()
	ch, _ := m.CreateChannel(ctx, "x")

	if err := m.DeleteMessage(ctx, ch, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteMessage err = %v, want ErrNotFound", err)
	}
	if err := m.DeleteChannel(ctx, ch); err != nil {
		t.Fatalf("DeleteChannel: %v", err)
	}
	if err := m.DeleteChannel(ctx, ch); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteChannel err = %v, want ErrNotFound", err)
	}
}

func TestMockAdapter_FailOn(t *testing.T) {
	m := newConnectedMock(t)
	boom := errors.New("boom")
	m.FailOn("CreateChannel", boom)

	if _, err := m.CreateChannel(context.Background(), "x"); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	m.FailOn("CreateChannel", nil)
	if _, err := m.CreateChannel(context.Background(), "x"); err != nil {
		t.Fatalf("after clear: %v", err)
	}
	if got := m.Calls("CreateChannel"); got != 2 {
		t.Errorf("Calls = %d, want 2", got)
	}
}

func TestFindChannel(t *testing.T) {
	chs := []Channel{{ID: "1", Name: "general"}, {ID: "2", Name: "000042"}}
	if id, ok := FindChannel(chs, "000042"); !ok || id != "2" {
		t.Errorf("FindChannel = %q, %v; want 2, true", id, ok)
	}
	if _, ok := FindChannel(chs, "missing"); ok {
		t.Error("expected missing channel to be absent")
	}
}
