package eventstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: RetentionEphemeral}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	d, err := es.Append(ctx, Dictation{ModelID: "base", Text: "not kept"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if d.ID == "" {
		t.Fatal("expected id assigned even when not stored")
	}
	recent, err := es.Recent(ctx, 10)
	if err != nil || len(recent) != 0 {
		t.Fatalf("expected empty history, got %v, %v", recent, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "dictations.db"), RetentionMode: RetentionPersistent}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	first, err := es.Append(context.Background(), Dictation{ModelID: "base", Language: "en", Text: "hello", DurationMS: 420})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := es.Append(context.Background(), Dictation{ModelID: "small", Language: "de", Text: "hallo"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	recent, err := es.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 dictations, got %d", len(recent))
	}
	if recent[0].Text != "hallo" {
		t.Fatalf("expected newest first, got %q", recent[0].Text)
	}

	got, err := es.Get(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Text != "hello" || got.DurationMS != 420 || got.Language != "en" {
		t.Fatalf("unexpected dictation %+v", got)
	}
	if _, err := es.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionHistoryClearedOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dictations.db")
	cfg := config.EventStoreConfig{Path: path, RetentionMode: RetentionSession}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := es.Append(context.Background(), Dictation{ModelID: "base", Text: "previous run"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = es.Close()

	es, err = Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	recent, err := es.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 0 {
		t.Fatalf("expected session history cleared, got %d", len(recent))
	}
}

func TestPruneByDaysAndEntries(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "dictations.db"), RetentionMode: RetentionPersistent, RetentionDays: 1, MaxEntries: 2}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if _, err := es.Append(context.Background(), Dictation{ModelID: "base", Text: "old"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, text := range []string{"one", "two", "three"} {
		if _, err := es.Append(context.Background(), Dictation{ModelID: "base", Text: text}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	recent, err := es.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 dictations after prune, got %d", len(recent))
	}
	if recent[0].Text != "three" || recent[1].Text != "two" {
		t.Fatalf("expected newest entries kept, got %q and %q", recent[0].Text, recent[1].Text)
	}
}
