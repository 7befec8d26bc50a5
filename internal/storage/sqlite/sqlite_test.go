package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/michaelbrown/kernelbox/internal/storage"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening memory db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndGetEvent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	e := &storage.Event{
		ID:       "abc12345-0000-0000-0000-000000000000",
		Kind:     storage.EventKernelCreated,
		KernelID: "kernel-1",
		Message:  "kernel created",
		Details:  map[string]any{"elapsed_ms": float64(812)},
	}
	if err := s.RecordEvent(ctx, e); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}

	got, err := s.GetEvent(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}

	if got.Kind != storage.EventKernelCreated {
		t.Errorf("kind = %q, want %q", got.Kind, storage.EventKernelCreated)
	}
	if got.KernelID != "kernel-1" {
		t.Errorf("kernel_id = %q, want %q", got.KernelID, "kernel-1")
	}
	if got.Details["elapsed_ms"] != float64(812) {
		t.Errorf("details = %v", got.Details)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at should not be zero")
	}
}

func TestRecordEventAssignsID(t *testing.T) {
	s := testStore(t)
	e := &storage.Event{Kind: storage.EventKernelInterrupted}
	if err := s.RecordEvent(context.Background(), e); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if e.ID == "" {
		t.Error("RecordEvent should assign an ID")
	}
}

func TestRecordEventRejectsUnknownKind(t *testing.T) {
	s := testStore(t)
	err := s.RecordEvent(context.Background(), &storage.Event{Kind: "bogus"})
	if err == nil {
		t.Fatal("expected CHECK constraint failure for unknown kind")
	}
}

func TestGetEventByPrefix(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	e := &storage.Event{ID: "abc12345-0000", Kind: storage.EventKernelCreated}
	if err := s.RecordEvent(ctx, e); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetEvent(ctx, "abc12345")
	if err != nil {
		t.Fatalf("GetEvent by prefix: %v", err)
	}
	if got.ID != e.ID {
		t.Errorf("got ID %q, want %q", got.ID, e.ID)
	}
}

func TestGetEventAmbiguousPrefix(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"abc00000", "abc11111"} {
		if err := s.RecordEvent(ctx, &storage.Event{ID: id, Kind: storage.EventKernelCreated}); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := s.GetEvent(ctx, "abc"); err == nil {
		t.Fatal("expected error for ambiguous prefix")
	}
	if _, err := s.GetEvent(ctx, "zzz"); err == nil {
		t.Fatal("expected error for missing event")
	}
}

func TestListEventsOrderAndFilter(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	kinds := []storage.EventKind{
		storage.EventKernelCreated,
		storage.EventKernelRestartFailed,
		storage.EventKernelRestarted,
	}
	for i, k := range kinds {
		e := &storage.Event{Kind: k, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := s.RecordEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.ListEvents(ctx, storage.EventListOptions{})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d events, want 3", len(all))
	}
	if all[0].Kind != storage.EventKernelRestarted {
		t.Errorf("newest event = %q, want %q", all[0].Kind, storage.EventKernelRestarted)
	}

	failed, err := s.ListEvents(ctx, storage.EventListOptions{Kind: storage.EventKernelRestartFailed})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 {
		t.Errorf("filtered %d events, want 1", len(failed))
	}

	page, err := s.ListEvents(ctx, storage.EventListOptions{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].Kind != storage.EventKernelRestartFailed {
		t.Errorf("page = %+v", page)
	}
}

func TestPruneEvents(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	old := &storage.Event{Kind: storage.EventKernelCreated, CreatedAt: now.Add(-48 * time.Hour)}
	recent := &storage.Event{Kind: storage.EventKernelCreated, CreatedAt: now}
	for _, e := range []*storage.Event{old, recent} {
		if err := s.RecordEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.PruneEvents(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneEvents: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	if _, err := s.GetEvent(ctx, recent.ID); err != nil {
		t.Errorf("recent event should survive: %v", err)
	}
}
