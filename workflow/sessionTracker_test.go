package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/staysync_backend/models"
)

type fakeSessionStore struct {
	mu     sync.Mutex
	nextId uint
	rows   map[uint]models.ScanSession
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{rows: make(map[uint]models.ScanSession)}
}

func (s *fakeSessionStore) Create(_ context.Context, session *models.ScanSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextId++
	session.ID = s.nextId
	s.rows[session.ID] = *session
	return nil
}

func (s *fakeSessionStore) Update(_ context.Context, id uint, updates map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return errors.New("no such session")
	}
	for key, value := range updates {
		switch key {
		case "status":
			row.Status = value.(string)
		case "started_at":
			row.StartedAt = value.(*time.Time)
		case "completed_at":
			row.CompletedAt = value.(*time.Time)
		case "duration_ms":
			row.DurationMs = value.(int64)
		case "last_error":
			row.LastError = value.(string)
		case "processed_count":
			row.ProcessedCount = value.(int)
		case "skipped_count":
			row.SkippedCount = value.(int)
		case "error_count":
			row.ErrorCount = value.(int)
		case "total_count":
			row.TotalCount = value.(int)
		case "cursor":
			row.Cursor = value.(string)
		case "current_code":
			row.CurrentCode = value.(string)
		}
	}
	s.rows[id] = row
	return nil
}

func (s *fakeSessionStore) Get(_ context.Context, id uint) (*models.ScanSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (s *fakeSessionStore) GetLatestByHost(_ context.Context, hostId string) (*models.ScanSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.ScanSession
	for _, row := range s.rows {
		if row.HostId != hostId {
			continue
		}
		if latest == nil || row.ID > latest.ID {
			copied := row
			latest = &copied
		}
	}
	return latest, nil
}

func (s *fakeSessionStore) ListActive(_ context.Context) ([]models.ScanSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active []models.ScanSession
	for _, row := range s.rows {
		if !models.IsTerminalSessionStatus(row.Status) {
			active = append(active, row)
		}
	}
	return active, nil
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newFakeSessionStore()
	tracker := NewSessionTracker(store, nil, time.Minute)

	session, err := tracker.Create(ctx, "host-1", 2025, models.ScanTriggeredManual)
	if err != nil {
		t.Fatal(err)
	}
	if session.Status != models.ScanSessionStatusQueued {
		t.Fatalf("new session status = %s", session.Status)
	}

	if err := tracker.Start(ctx, session.ID); err != nil {
		t.Fatal(err)
	}
	if err := tracker.Touch(ctx, session.ID, Progress{Processed: 3, Skipped: 1, CurrentCode: "HMABCDEFGH"}); err != nil {
		t.Fatal(err)
	}
	if err := tracker.Touch(ctx, session.ID, Progress{Processed: 2, Errors: 1}); err != nil {
		t.Fatal(err)
	}

	got, err := tracker.Get(ctx, "host-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ProcessedCount != 5 || got.SkippedCount != 1 || got.ErrorCount != 1 {
		t.Fatalf("counters = %d/%d/%d", got.ProcessedCount, got.SkippedCount, got.ErrorCount)
	}
	if got.CurrentCode != "HMABCDEFGH" {
		t.Fatalf("current code = %q", got.CurrentCode)
	}

	if err := tracker.Complete(ctx, session.ID); err != nil {
		t.Fatal(err)
	}
	final, err := tracker.GetById(ctx, session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != models.ScanSessionStatusCompleted || final.CompletedAt == nil {
		t.Fatalf("final = %s completedAt=%v", final.Status, final.CompletedAt)
	}

	if err := tracker.Touch(ctx, session.ID, Progress{Processed: 1}); !errors.Is(err, ErrSessionTerminal) {
		t.Fatalf("touch after complete = %v", err)
	}
}

func TestSessionCrashRestoreKeepsCounters(t *testing.T) {
	ctx := context.Background()
	store := newFakeSessionStore()

	tracker := NewSessionTracker(store, nil, time.Minute)
	session, err := tracker.Create(ctx, "host-1", 2024, models.ScanTriggeredSystem)
	if err != nil {
		t.Fatal(err)
	}
	if err := tracker.Start(ctx, session.ID); err != nil {
		t.Fatal(err)
	}
	if err := tracker.Touch(ctx, session.ID, Progress{Processed: 7, Errors: 2, Cursor: "page-3"}); err != nil {
		t.Fatal(err)
	}

	// New tracker over the same store simulates a process restart.
	restarted := NewSessionTracker(store, nil, time.Minute)
	if err := restarted.RestoreActive(ctx); err != nil {
		t.Fatal(err)
	}

	restored, err := restarted.GetById(ctx, session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if restored.Status != models.ScanSessionStatusRunning {
		t.Fatalf("restored status = %s", restored.Status)
	}
	if restored.ProcessedCount != 7 || restored.ErrorCount != 2 || restored.Cursor != "page-3" {
		t.Fatalf("restored counters = %d/%d cursor=%q", restored.ProcessedCount, restored.ErrorCount, restored.Cursor)
	}

	// The restored session keeps accepting updates.
	if err := restarted.Touch(ctx, session.ID, Progress{Processed: 1}); err != nil {
		t.Fatal(err)
	}
	after, _ := restarted.GetById(ctx, session.ID)
	if after.ProcessedCount != 8 {
		t.Fatalf("processed after restore = %d", after.ProcessedCount)
	}
}

func TestSessionCompletedEntryEvictsAfterTTL(t *testing.T) {
	ctx := context.Background()
	store := newFakeSessionStore()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tracker := NewSessionTracker(store, clock, 5*time.Minute)

	session, err := tracker.Create(ctx, "host-1", 2025, models.ScanTriggeredManual)
	if err != nil {
		t.Fatal(err)
	}
	if err := tracker.Start(ctx, session.ID); err != nil {
		t.Fatal(err)
	}
	if err := tracker.Complete(ctx, session.ID); err != nil {
		t.Fatal(err)
	}

	// Inside the TTL the terminal entry is still served from cache.
	if got, err := tracker.Get(ctx, "host-1"); err != nil || got.Status != models.ScanSessionStatusCompleted {
		t.Fatalf("within ttl: %v %v", got, err)
	}

	now = now.Add(6 * time.Minute)
	got, err := tracker.Get(ctx, "host-1")
	// After eviction the lookup falls back to the store.
	if err != nil {
		t.Fatalf("after ttl: %v", err)
	}
	if got.Status != models.ScanSessionStatusCompleted {
		t.Fatalf("store fallback status = %s", got.Status)
	}
}

func TestGetPrefersRunningOverLingeringCompleted(t *testing.T) {
	ctx := context.Background()
	store := newFakeSessionStore()
	// Long TTL keeps the completed entry cached alongside the running one.
	tracker := NewSessionTracker(store, nil, time.Hour)

	first, err := tracker.Create(ctx, "host-1", 2024, models.ScanTriggeredManual)
	if err != nil {
		t.Fatal(err)
	}
	_ = tracker.Start(ctx, first.ID)
	if err := tracker.Complete(ctx, first.ID); err != nil {
		t.Fatal(err)
	}

	second, err := tracker.Create(ctx, "host-1", 2025, models.ScanTriggeredManual)
	if err != nil {
		t.Fatal(err)
	}
	_ = tracker.Start(ctx, second.ID)

	// Map iteration order must not leak through: every lookup returns the
	// running session while one exists.
	for i := 0; i < 20; i++ {
		got, err := tracker.Get(ctx, "host-1")
		if err != nil {
			t.Fatal(err)
		}
		if got.ID != second.ID || got.Status != models.ScanSessionStatusRunning {
			t.Fatalf("iteration %d: got session %d status %s", i, got.ID, got.Status)
		}
	}

	// Once the running session finishes too, the newest terminal one wins.
	if err := tracker.Complete(ctx, second.ID); err != nil {
		t.Fatal(err)
	}
	got, err := tracker.Get(ctx, "host-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != second.ID {
		t.Fatalf("after completion got session %d", got.ID)
	}
}

func TestSessionFailRecordsLastError(t *testing.T) {
	ctx := context.Background()
	tracker := NewSessionTracker(newFakeSessionStore(), nil, time.Minute)

	session, _ := tracker.Create(ctx, "host-2", 2025, models.ScanTriggeredManual)
	_ = tracker.Start(ctx, session.ID)
	if err := tracker.Fail(ctx, session.ID, errors.New("credential permanently invalid")); err != nil {
		t.Fatal(err)
	}

	got, err := tracker.GetById(ctx, session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ScanSessionStatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if got.LastError != "credential permanently invalid" {
		t.Fatalf("last error = %q", got.LastError)
	}
}

func TestSessionCancelStopsDequeue(t *testing.T) {
	ctx := context.Background()
	tracker := NewSessionTracker(newFakeSessionStore(), nil, time.Minute)

	session, _ := tracker.Create(ctx, "host-3", 2025, models.ScanTriggeredManual)
	_ = tracker.Start(ctx, session.ID)

	if tracker.IsCancelled(ctx, session.ID) {
		t.Fatal("running session reported cancelled")
	}
	if err := tracker.Cancel(ctx, session.ID); err != nil {
		t.Fatal(err)
	}
	if !tracker.IsCancelled(ctx, session.ID) {
		t.Fatal("cancelled session not reported")
	}
}
