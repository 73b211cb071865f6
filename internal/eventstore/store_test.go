package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{RequestID: "r", Type: "job.created"}); err != nil {
		t.Fatalf("ephemeral append should be a no-op: %v", err)
	}
	events, err := es.ListRequestEvents(ctx, "r", 10)
	if err != nil || events != nil {
		t.Fatalf("expected no events from ephemeral store, got %v %v", events, err)
	}
	if !es.Healthy(ctx) {
		t.Fatal("ephemeral store should report healthy")
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	requestID := "req-123"
	if err := es.AppendRequest(context.Background(), requestID, "127.0.0.1", "internal"); err != nil {
		t.Fatalf("append request: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{RequestID: requestID, Type: "upload.completed", Payload: []byte(`{"bytes":10}`)}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{RequestID: requestID, JobID: "job-1", Type: "job.created"}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	events, err := es.ListRequestEvents(context.Background(), requestID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if string(events[0].Payload) != `{"bytes":10}` {
		t.Fatalf("unexpected payload: %s", events[0].Payload)
	}
	if events[0].JobID != "" || events[1].JobID != "job-1" {
		t.Fatalf("unexpected job ids %q %q", events[0].JobID, events[1].JobID)
	}
	if events[1].CreatedAt.IsZero() {
		t.Fatal("expected created_at to round-trip")
	}
}

func TestPruneByDaysAndRequests(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendRequest(context.Background(), "old-request", "client", "internal"); err != nil {
		t.Fatalf("append request: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{RequestID: "old-request", Type: "job.created"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendRequest(context.Background(), "new-request", "client", "internal"); err != nil {
		t.Fatalf("append request: %v", err)
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListRequestEvents(context.Background(), "old-request", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old request pruned")
	}
}
