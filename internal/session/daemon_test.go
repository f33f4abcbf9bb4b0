package session

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/stealthchat/internal/transport"
)

// syncBuffer is a goroutine-safe bytes.Buffer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func inboundFor(channelID string) transport.InboundMessage {
	return transport.InboundMessage{ChannelID: channelID, Text: "payload", FromSelf: true}
}

func TestNewDaemon_Validation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := NewDaemon(DaemonOpts{Engine: env.engine}); err == nil {
		t.Error("expected error for nil adapter")
	}
	if _, err := NewDaemon(DaemonOpts{Adapter: env.adapter}); err == nil {
		t.Error("expected error for nil engine")
	}
}

func TestNewDaemon_WarnsWithoutReaper(t *testing.T) {
	env := newTestEnv(t)
	var out bytes.Buffer
	if _, err := NewDaemon(DaemonOpts{Adapter: env.adapter, Engine: env.engine, Out: &out}); err != nil {
		t.Fatalf("NewDaemon: %v", err)
	}
	if !strings.Contains(out.String(), "no reaper") {
		t.Errorf("output = %q", out.String())
	}
}

type runningDaemon struct {
	daemon *Daemon
	out    *syncBuffer
	cancel context.CancelFunc
	errCh  chan error
}

func startDaemon(t *testing.T, env *testEnv) *runningDaemon {
	t.Helper()
	out := &syncBuffer{}
	d, err := NewDaemon(DaemonOpts{Adapter: env.adapter, Engine: env.engine, Out: out})
	if err != nil {
		t.Fatalf("NewDaemon: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	select {
	case <-d.Booted():
	case err := <-errCh:
		cancel()
		t.Fatalf("Run returned before boot: %v", err)
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("daemon did not boot")
	}
	return &runningDaemon{daemon: d, out: out, cancel: cancel, errCh: errCh}
}

func (r *runningDaemon) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.errCh:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemonRun_ReconcilesOnBoot(t *testing.T) {
	env := newTestEnv(t)
	env.adapter.AddChannel("123456")
	env.adapter.AddMessage(env.sessions, "123456|4", true)

	rd := startDaemon(t, env)
	defer rd.stop(t)

	entry, ok := env.engine.Session("123456")
	if !ok || entry.Count != 4 {
		t.Fatalf("entry = %+v, %v", entry, ok)
	}
	waitFor(t, "online", func() bool { return strings.Contains(rd.out.String(), "Online") })
	if !strings.Contains(rd.out.String(), "Recovered 1 sessions") {
		t.Errorf("output = %q", rd.out.String())
	}
}

func TestDaemonRun_DispatchesInbound(t *testing.T) {
	env := newTestEnv(t)
	rd := startDaemon(t, env)
	defer rd.stop(t)

	sid := env.start(t)
	entry, _ := env.engine.Session(sid)
	got := make(chan string, 1)
	if _, err := env.engine.Subscribe(sid, func(p string) { got <- p }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	env.adapter.SimulateInbound(inboundFor(entry.ChannelID))
	select {
	case p := <-got:
		if p != "payload" {
			t.Errorf("payload = %q", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber not called")
	}
}

func TestDaemonRun_ReconcilesAfterReconnect(t *testing.T) {
	env := newTestEnv(t)
	rd := startDaemon(t, env)
	defer rd.stop(t)

	// Another process starts a session while this one is disconnected.
	env.adapter.AddChannel("654321")
	env.adapter.AddMessage(env.sessions, "654321|2", true)
	env.adapter.SimulateReconnect()

	waitFor(t, "reconcile after reconnect", func() bool {
		return env.engine.Registry().Has("654321")
	})
}

func TestDaemonRun_ShutdownClosesAdapter(t *testing.T) {
	env := newTestEnv(t)
	rd := startDaemon(t, env)
	rd.stop(t)

	if _, err := env.adapter.ListChannels(context.Background()); err == nil {
		t.Error("adapter should be closed after shutdown")
	}
	if !strings.Contains(rd.out.String(), "Stopped") {
		t.Errorf("output = %q", rd.out.String())
	}
}

func TestDaemonRun_ConnectError(t *testing.T) {
	m := transport.NewMockAdapter()
	m.FailOn("Connect", errors.New("bad token"))
	sessions := m.AddChannel("sessions")
	e, err := NewEngine(EngineOpts{Adapter: m, SessionsChannelID: sessions})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	d, err := NewDaemon(DaemonOpts{Adapter: m, Engine: e, Out: &syncBuffer{}})
	if err != nil {
		t.Fatalf("NewDaemon: %v", err)
	}
	if err := d.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "bad token") {
		t.Fatalf("Run = %v, want connect error", err)
	}
}

func TestDaemonRun_ReconcileErrorAbortsBoot(t *testing.T) {
	env := newTestEnv(t)
	env.adapter.FailOn("History", errors.New("no access"))
	d, err := NewDaemon(DaemonOpts{Adapter: env.adapter, Engine: env.engine, Out: &syncBuffer{}})
	if err != nil {
		t.Fatalf("NewDaemon: %v", err)
	}
	if err := d.Run(context.Background()); err == nil {
		t.Fatal("expected reconcile error")
	}
	select {
	case <-d.Booted():
		t.Error("daemon should not report booted")
	default:
	}
}

func TestDaemonRun_RunsReaper(t *testing.T) {
	env := newTestEnv(t)
	env.adapter.AddChannel("111111")
	env.adapter.AddMessage(env.sessions, "111111|1", true)
	r, err := NewReaper(ReaperOpts{
		Engine:        env.engine,
		IdleTimeout:   time.Minute,
		SweepInterval: 10 * time.Millisecond,
		Now:           env.clock.Now,
	})
	if err != nil {
		t.Fatalf("NewReaper: %v", err)
	}
	d, err := NewDaemon(DaemonOpts{Adapter: env.adapter, Engine: env.engine, Reaper: r, Out: &syncBuffer{}})
	if err != nil {
		t.Fatalf("NewDaemon: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	<-d.Booted()

	env.clock.Advance(time.Hour)
	waitFor(t, "idle session reaped", func() bool { return !env.engine.Registry().Has("111111") })
}
