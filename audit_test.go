package classauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func collectEvents(t *testing.T, sink *ChannelSink, want int) []AuditEvent {
	t.Helper()

	events := make([]AuditEvent, 0, want)
	timeout := time.After(2 * time.Second)
	for len(events) < want {
		select {
		case event := <-sink.Events():
			events = append(events, event)
		case <-timeout:
			t.Fatalf("timed out waiting for events: have %d want %d", len(events), want)
		}
	}
	return events
}

func newAuditedEngine(t *testing.T, mutate func(*Config)) (*Engine, *mockUserProvider, *ChannelSink, func()) {
	t.Helper()

	mr, rdb := newTestRedis(t)
	up := newMockProvider()
	sink := NewChannelSink(64)

	cfg := testConfig()
	cfg.Audit.Enabled = true
	cfg.Audit.BufferSize = 64
	cfg.Audit.DropIfFull = false
	if mutate != nil {
		mutate(&cfg)
	}

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserProvider(up).
		WithAuditSink(sink).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	cleanup := func() {
		engine.Close()
		mr.Close()
	}
	return engine, up, sink, cleanup
}

func TestAuditLoginEvents(t *testing.T) {
	engine, up, sink, cleanup := newAuditedEngine(t, nil)
	defer cleanup()

	ctx := WithClientIP(context.Background(), "203.0.113.9")
	user := seedUser(t, engine, up, "alice@example.com", "correct horse battery")

	if _, err := engine.Login(ctx, "alice@example.com", "correct horse battery"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if _, err := engine.Login(ctx, "alice@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	events := collectEvents(t, sink, 2)

	success := events[0]
	if success.EventType != "login_success" || !success.Success {
		t.Fatalf("unexpected first event: %+v", success)
	}
	if success.UserID != user.UserID || success.FamilyID == "" {
		t.Fatalf("login_success missing identity: %+v", success)
	}
	if success.IP != "203.0.113.9" {
		t.Fatalf("client IP not propagated: %+v", success)
	}

	failure := events[1]
	if failure.EventType != "login_failure" || failure.Success {
		t.Fatalf("unexpected second event: %+v", failure)
	}
	if failure.Error != "invalid_credentials" {
		t.Fatalf("unexpected error code %q", failure.Error)
	}
	if failure.Metadata["reason"] != "password_mismatch" {
		t.Fatalf("unexpected metadata: %+v", failure.Metadata)
	}
}

func TestAuditReuseEscalationEvents(t *testing.T) {
	engine, up, sink, cleanup := newAuditedEngine(t, nil)
	defer cleanup()

	ctx := context.Background()
	seedUser(t, engine, up, "alice@example.com", "correct horse battery")

	pair, err := engine.Login(ctx, "alice@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if _, err := engine.Refresh(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if _, err := engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("expected ErrRefreshReuse, got %v", err)
	}

	// login_success, refresh_success, refresh_reuse_detected, family_revoked
	events := collectEvents(t, sink, 4)

	types := make([]string, len(events))
	for i, event := range events {
		types[i] = event.EventType
	}
	joined := strings.Join(types, ",")
	if joined != "login_success,refresh_success,refresh_reuse_detected,family_revoked" {
		t.Fatalf("unexpected event sequence: %s", joined)
	}

	revoked := events[3]
	if !revoked.Success || revoked.FamilyID == "" {
		t.Fatalf("unexpected family_revoked event: %+v", revoked)
	}
	if revoked.Metadata["cause"] != "refresh_reuse" {
		t.Fatalf("unexpected metadata: %+v", revoked.Metadata)
	}
}

func TestAuditDisabledEmitsNothing(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	up := newMockProvider()
	engine := newTestEngine(t, rdb, up, nil)
	seedUser(t, engine, up, "alice@example.com", "correct horse battery")

	if _, err := engine.Login(context.Background(), "alice@example.com", "correct horse battery"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if engine.AuditDropped() != 0 {
		t.Fatal("disabled audit must not count drops")
	}
}

func TestAuditDropIfFull(t *testing.T) {
	d := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 1,
		DropIfFull: true,
	}, blockingSink{})
	defer d.Close()

	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), AuditEvent{EventType: "login_success"})
	}

	if d.Dropped() == 0 {
		t.Fatal("expected dropped events with a full buffer")
	}
}

type blockingSink struct{}

func (blockingSink) Emit(ctx context.Context, event AuditEvent) {
	time.Sleep(50 * time.Millisecond)
}

func TestJSONWriterSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)

	sink.Emit(context.Background(), AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: "logout_session",
		UserID:    "u1",
		Success:   true,
	})
	sink.Emit(context.Background(), AuditEvent{
		EventType: "login_failure",
		Error:     "invalid_credentials",
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 JSON lines, got %d", len(lines))
	}

	var first AuditEvent
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("invalid JSON line: %v", err)
	}
	if first.EventType != "logout_session" || first.UserID != "u1" || !first.Success {
		t.Fatalf("round trip mismatch: %+v", first)
	}
}

func TestDispatcherDrainsOnClose(t *testing.T) {
	sink := NewChannelSink(16)
	d := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 16,
		DropIfFull: false,
	}, sink)

	for i := 0; i < 5; i++ {
		d.Emit(context.Background(), AuditEvent{EventType: "logout_all"})
	}
	d.Close()

	received := 0
	for {
		select {
		case <-sink.Events():
			received++
		default:
			if received != 5 {
				t.Fatalf("expected 5 drained events, got %d", received)
			}
			return
		}
	}
}
