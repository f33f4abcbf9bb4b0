package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func TestSessions_Empty(t *testing.T) {
	configPath, _ := writeLocalConfig(t)
	out, err := runCmd(t, "", "sessions", "--config", configPath)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if !strings.Contains(out, "No live sessions.") {
		t.Errorf("output = %q", out)
	}
}

func TestSessions_ListsRecovered(t *testing.T) {
	configPath, cfg := writeLocalConfig(t)
	ctx := context.Background()

	adapter, sessionsChannelID, err := createAdapter(ctx, cfg)
	if err != nil {
		t.Fatalf("createAdapter: %v", err)
	}
	if err := connectAndWait(ctx, adapter); err != nil {
		t.Fatal(err)
	}
	engine, err := newEngine(cfg, adapter, sessionsChannelID)
	if err != nil {
		t.Fatal(err)
	}
	sid, err := engine.StartSession(ctx)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := engine.JoinSession(ctx, sid); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}
	adapter.Close()

	out, err := runCmd(t, "", "sessions", "--config", configPath)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if !strings.Contains(out, "SID") || !strings.Contains(out, "MEMBERS") {
		t.Errorf("missing header: %s", out)
	}
	var found bool
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 3 && fields[0] == sid && fields[1] == "2" {
			found = true
		}
	}
	if !found {
		t.Errorf("session %s with 2 members not listed: %s", sid, out)
	}
	if !strings.Contains(out, "1 sessions") {
		t.Errorf("missing summary: %s", out)
	}
}

func TestSessions_MissingConfig(t *testing.T) {
	_, err := runCmd(t, "", "sessions", "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error")
	}
}
