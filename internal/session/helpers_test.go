package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/stealthchat/internal/transport"
)

// ---------------------------------------------------------------------------
// Shared test helpers
// ---------------------------------------------------------------------------

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	engine   *Engine
	adapter  *transport.MockAdapter
	sessions string // sessions channel ID
	clock    *fakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	m := transport.NewMockAdapter()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	sessions := m.AddChannel("sessions")
	clock := newFakeClock()
	e, err := NewEngine(EngineOpts{
		Adapter:           m,
		SessionsChannelID: sessions,
		Now:               clock.Now,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &testEnv{engine: e, adapter: m, sessions: sessions, clock: clock}
}

func (env *testEnv) count(t *testing.T, sid string) (int, bool) {
	t.Helper()
	n, ok, err := env.engine.Store().ReadCount(context.Background(), sid)
	if err != nil {
		t.Fatalf("ReadCount(%s): %v", sid, err)
	}
	return n, ok
}

func (env *testEnv) start(t *testing.T) string {
	t.Helper()
	sid, err := env.engine.StartSession(context.Background())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	return sid
}

// sequence returns an intN replacement that yields values in order, then
// repeats the last one.
func sequence(vals ...int) func(int) int {
	var mu sync.Mutex
	i := 0
	return func(int) int {
		mu.Lock()
		defer mu.Unlock()
		v := vals[i]
		if i < len(vals)-1 {
			i++
		}
		return v
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
