package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/stealthchat/internal/session"
	"github.com/zulandar/stealthchat/internal/transport"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	engine  *session.Engine
	adapter *transport.MockAdapter
	router  *gin.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	m := transport.NewMockAdapter()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	e, err := session.NewEngine(session.EngineOpts{
		Adapter:           m,
		SessionsChannelID: m.AddChannel("sessions"),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &testEnv{engine: e, adapter: m, router: NewRouter(e)}
}

func (env *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestStart_NilEngine(t *testing.T) {
	err := Start(context.Background(), StartOpts{})
	if err == nil {
		t.Fatal("expected error for nil engine")
	}
	if !strings.Contains(err.Error(), "engine is required") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "engine is required")
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestSessions_Lifecycle(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/sessions", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("start status = %d, body %s", w.Code, w.Body)
	}
	started := decode[countResponse](t, w)
	if started.SID == "" || started.Count != 1 {
		t.Fatalf("start = %+v", started)
	}

	w = env.do(t, http.MethodPost, "/api/sessions/"+started.SID+"/join", "")
	if got := decode[countResponse](t, w); w.Code != http.StatusOK || got.Count != 2 {
		t.Fatalf("join = %d %+v", w.Code, got)
	}

	w = env.do(t, http.MethodGet, "/api/sessions/"+started.SID, "")
	if got := decode[session.Entry](t, w); got.Count != 2 || got.ChannelID == "" {
		t.Errorf("get = %+v", got)
	}

	w = env.do(t, http.MethodGet, "/api/sessions", "")
	list := decode[struct {
		Sessions []session.Entry `json:"sessions"`
	}](t, w)
	if len(list.Sessions) != 1 || list.Sessions[0].SID != started.SID {
		t.Errorf("list = %+v", list)
	}

	env.do(t, http.MethodPost, "/api/sessions/"+started.SID+"/leave", "")
	w = env.do(t, http.MethodPost, "/api/sessions/"+started.SID+"/leave", "")
	if got := decode[countResponse](t, w); got.Count != 0 {
		t.Errorf("final leave count = %d, want 0", got.Count)
	}

	w = env.do(t, http.MethodGet, "/api/sessions/"+started.SID, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("get after teardown = %d, want 404", w.Code)
	}
}

func TestJoin_UnknownSession(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/sessions/424242/join", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestStart_TransportError(t *testing.T) {
	env := newTestEnv(t)
	env.adapter.FailOn("CreateChannel", errors.New("boom"))
	w := env.do(t, http.MethodPost, "/api/sessions", "")
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}

func TestSend(t *testing.T) {
	env := newTestEnv(t)
	sid, err := env.engine.StartSession(context.Background())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	entry, _ := env.engine.Session(sid)

	w := env.do(t, http.MethodPost, "/api/sessions/"+sid+"/messages", `{"payload":"gAAAA-opaque"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	msgs := env.adapter.Messages(entry.ChannelID)
	if len(msgs) != 1 || msgs[0].Content != "gAAAA-opaque" {
		t.Errorf("channel messages = %+v", msgs)
	}
}

func TestSend_Validation(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(t, http.MethodPost, "/api/sessions/000001/messages", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("empty payload status = %d, want 400", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/sessions/000001/messages", `{"payload":"x"}`); w.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", w.Code)
	}
}

func TestReconcile(t *testing.T) {
	env := newTestEnv(t)
	sid, _ := env.engine.StartSession(context.Background())
	env.engine.Registry().Remove(sid)

	w := env.do(t, http.MethodPost, "/api/reconcile", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if _, ok := env.engine.Session(sid); !ok {
		t.Error("reconcile did not recover session")
	}
}

func TestStream_UnknownSession(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/sessions/999999/stream", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestStream_RelaysPayloads(t *testing.T) {
	env := newTestEnv(t)
	sid, _ := env.engine.StartSession(context.Background())
	entry, _ := env.engine.Session(sid)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/sessions/"+sid+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	events := readEvents(resp)
	if ev := <-events; ev != "connected" {
		t.Fatalf("first event = %q, want connected", ev)
	}

	env.engine.HandleInbound(transport.InboundMessage{ChannelID: entry.ChannelID, Text: "cipher", FromSelf: true})

	select {
	case ev := <-events:
		if !strings.HasPrefix(ev, "payload ") || !strings.Contains(ev, `"payload":"cipher"`) {
			t.Errorf("event = %q", ev)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for payload event")
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e, _ := env.engine.Session(sid); e.Subscribers == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("subscription not removed after client disconnect")
}

// readEvents yields "name data" for each SSE event read from resp.
func TestStream_EndsAfterTeardown(t *testing.T) {
	prev := liveCheckInterval
	liveCheckInterval = 10 * time.Millisecond
	t.Cleanup(func() { liveCheckInterval = prev })

	env := newTestEnv(t)
	sid, _ := env.engine.StartSession(context.Background())

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/sessions/"+sid+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	events := readEvents(resp)
	if ev := <-events; ev != "connected" {
		t.Fatalf("first event = %q, want connected", ev)
	}
	if _, err := env.engine.LeaveSession(context.Background(), sid); err != nil {
		t.Fatalf("LeaveSession: %v", err)
	}

	var last string
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if !strings.HasPrefix(last, "ended ") || !strings.Contains(last, sid) {
					t.Errorf("last event = %q, want ended", last)
				}
				return
			}
			last = ev
		case <-ctx.Done():
			t.Fatal("stream still open after teardown")
		}
	}
}

func readEvents(resp *http.Response) <-chan string {
	out := make(chan string, 8)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(resp.Body)
		var name string
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				if name == "connected" {
					out <- name
				} else {
					out <- name + " " + strings.TrimPrefix(line, "data: ")
				}
			}
		}
	}()
	return out
}

func TestWriteSSE(t *testing.T) {
	var b strings.Builder
	writeSSE(&b, "payload", payloadEvent{SID: "000001", Payload: "x"})
	want := "event: payload\ndata: {\"sid\":\"000001\",\"payload\":\"x\"}\n\n"
	if b.String() != want {
		t.Errorf("writeSSE = %q, want %q", b.String(), want)
	}
}
