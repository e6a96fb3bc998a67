package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/staysync_backend/config"
	"bitbucket.org/mmdatafocus/staysync_backend/models"
	"bitbucket.org/mmdatafocus/staysync_backend/utils"
	"gorm.io/gorm"
)

var ErrSessionNotFound = errors.New("scan session not found")
var ErrSessionTerminal = errors.New("scan session is already terminal")

// SessionStore is the persistence surface the tracker writes through. The
// gorm implementation is the production one; tests inject a fake.
type SessionStore interface {
	Create(ctx context.Context, session *models.ScanSession) error
	Update(ctx context.Context, id uint, updates map[string]interface{}) error
	Get(ctx context.Context, id uint) (*models.ScanSession, error)
	// GetLatestByHost returns the host's newest session of any status; status
	// reads fall back to it when nothing is cached.
	GetLatestByHost(ctx context.Context, hostId string) (*models.ScanSession, error)
	ListActive(ctx context.Context) ([]models.ScanSession, error)
}

// SessionTracker is the dual-layer progress tracker for scan runs: an
// in-memory cache that is authoritative while a session runs in this process,
// backed by a persisted record updated on every meaningful transition.
// Completed entries linger in cache for completedTTL, then evict; the
// persisted row stays for audit.
type SessionTracker struct {
	store        SessionStore
	clock        func() time.Time
	completedTTL time.Duration

	mu    sync.Mutex
	cache map[uint]*trackedSession
}

type trackedSession struct {
	session models.ScanSession
	evictAt time.Time // zero while the session is active
}

func NewSessionTracker(store SessionStore, clock func() time.Time, completedTTL time.Duration) *SessionTracker {
	if clock == nil {
		clock = time.Now
	}
	if completedTTL <= 0 {
		completedTTL = 10 * time.Minute
	}
	return &SessionTracker{
		store:        store,
		clock:        clock,
		completedTTL: completedTTL,
		cache:        make(map[uint]*trackedSession),
	}
}

// Create persists a new queued session and caches it.
func (t *SessionTracker) Create(ctx context.Context, hostId string, scanYear int, triggeredBy string) (*models.ScanSession, error) {
	session := &models.ScanSession{
		HostId:      hostId,
		ScanYear:    scanYear,
		Status:      models.ScanSessionStatusQueued,
		TriggeredBy: triggeredBy,
	}
	if err := t.store.Create(ctx, session); err != nil {
		return nil, err
	}
	t.put(*session)
	return session, nil
}

func (t *SessionTracker) Start(ctx context.Context, id uint) error {
	now := t.clock()
	return t.transition(ctx, id, models.ScanSessionStatusRunning, map[string]interface{}{
		"status":     models.ScanSessionStatusRunning,
		"started_at": &now,
	}, func(s *models.ScanSession) {
		s.Status = models.ScanSessionStatusRunning
		s.StartedAt = &now
	})
}

// Progress is one Touch delta.
type Progress struct {
	Processed   int
	Skipped     int
	Errors      int
	Cursor      string
	CurrentCode string
}

// Touch applies a progress delta; the cache copy is updated first and the
// persisted row follows.
func (t *SessionTracker) Touch(ctx context.Context, id uint, delta Progress) error {
	session, err := t.load(ctx, id)
	if err != nil {
		return err
	}
	if models.IsTerminalSessionStatus(session.Status) {
		return ErrSessionTerminal
	}

	session.ProcessedCount += delta.Processed
	session.SkippedCount += delta.Skipped
	session.ErrorCount += delta.Errors
	if delta.Cursor != "" {
		session.Cursor = delta.Cursor
	}
	if delta.CurrentCode != "" {
		session.CurrentCode = delta.CurrentCode
	}
	t.put(*session)

	return t.store.Update(ctx, id, map[string]interface{}{
		"processed_count": session.ProcessedCount,
		"skipped_count":   session.SkippedCount,
		"error_count":     session.ErrorCount,
		"cursor":          session.Cursor,
		"current_code":    session.CurrentCode,
	})
}

func (t *SessionTracker) SetTotal(ctx context.Context, id uint, total int) error {
	session, err := t.load(ctx, id)
	if err != nil {
		return err
	}
	session.TotalCount = total
	t.put(*session)
	return t.store.Update(ctx, id, map[string]interface{}{"total_count": total})
}

func (t *SessionTracker) Pause(ctx context.Context, id uint) error {
	return t.transition(ctx, id, models.ScanSessionStatusPaused, map[string]interface{}{
		"status": models.ScanSessionStatusPaused,
	}, func(s *models.ScanSession) {
		s.Status = models.ScanSessionStatusPaused
	})
}

func (t *SessionTracker) Resume(ctx context.Context, id uint) error {
	return t.transition(ctx, id, models.ScanSessionStatusRunning, map[string]interface{}{
		"status": models.ScanSessionStatusRunning,
	}, func(s *models.ScanSession) {
		s.Status = models.ScanSessionStatusRunning
	})
}

func (t *SessionTracker) Complete(ctx context.Context, id uint) error {
	return t.close(ctx, id, models.ScanSessionStatusCompleted, "")
}

func (t *SessionTracker) Fail(ctx context.Context, id uint, cause error) error {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	return t.close(ctx, id, models.ScanSessionStatusFailed, message)
}

func (t *SessionTracker) Cancel(ctx context.Context, id uint) error {
	return t.close(ctx, id, models.ScanSessionStatusCancelled, "")
}

// Get returns the host's session: a live cache entry when one exists (a
// lingering terminal entry only when nothing is running), otherwise the
// persisted record, repopulating the cache (lazy restore).
func (t *SessionTracker) Get(ctx context.Context, hostId string) (*models.ScanSession, error) {
	t.mu.Lock()
	t.evictExpiredLocked()
	var best *trackedSession
	for _, entry := range t.cache {
		if entry.session.HostId != hostId {
			continue
		}
		if best == nil || betterGetCandidate(&entry.session, &best.session) {
			best = entry
		}
	}
	if best != nil {
		session := best.session
		t.mu.Unlock()
		return &session, nil
	}
	t.mu.Unlock()

	session, err := t.store.GetLatestByHost(ctx, hostId)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	t.put(*session)
	return session, nil
}

func (t *SessionTracker) GetById(ctx context.Context, id uint) (*models.ScanSession, error) {
	return t.load(ctx, id)
}

// IsCancelled is the worker's dequeue gate: in-flight work finishes, but no
// new event starts once the session was cancelled.
func (t *SessionTracker) IsCancelled(ctx context.Context, id uint) bool {
	session, err := t.load(ctx, id)
	if err != nil {
		return false
	}
	return session.Status == models.ScanSessionStatusCancelled
}

// RestoreActive loads every persisted session still in flight back into the
// cache. Called once on process start; nothing is replayed automatically.
func (t *SessionTracker) RestoreActive(ctx context.Context) error {
	sessions, err := t.store.ListActive(ctx)
	if err != nil {
		return err
	}
	for i := range sessions {
		t.put(sessions[i])
	}
	return nil
}

func (t *SessionTracker) transition(ctx context.Context, id uint, toStatus string, updates map[string]interface{}, apply func(*models.ScanSession)) error {
	session, err := t.load(ctx, id)
	if err != nil {
		return err
	}
	if models.IsTerminalSessionStatus(session.Status) {
		return ErrSessionTerminal
	}
	apply(session)
	t.put(*session)
	return t.store.Update(ctx, id, updates)
}

func (t *SessionTracker) close(ctx context.Context, id uint, status string, lastError string) error {
	session, err := t.load(ctx, id)
	if err != nil {
		return err
	}
	if models.IsTerminalSessionStatus(session.Status) {
		return ErrSessionTerminal
	}

	now := t.clock()
	session.Status = status
	session.CompletedAt = &now
	if session.StartedAt != nil {
		session.DurationMs = now.Sub(*session.StartedAt).Milliseconds()
	}
	if lastError != "" {
		session.LastError = lastError
	}

	t.mu.Lock()
	t.cache[id] = &trackedSession{session: *session, evictAt: now.Add(t.completedTTL)}
	t.mu.Unlock()

	updates := map[string]interface{}{
		"status":       status,
		"completed_at": &now,
		"duration_ms":  session.DurationMs,
	}
	if lastError != "" {
		updates["last_error"] = lastError
	}
	return t.store.Update(ctx, id, updates)
}

// load resolves cache-first, then store (lazy restore).
func (t *SessionTracker) load(ctx context.Context, id uint) (*models.ScanSession, error) {
	t.mu.Lock()
	t.evictExpiredLocked()
	if entry, ok := t.cache[id]; ok {
		session := entry.session
		t.mu.Unlock()
		return &session, nil
	}
	t.mu.Unlock()

	session, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	t.put(*session)
	return session, nil
}

func (t *SessionTracker) put(session models.ScanSession) {
	t.mu.Lock()
	entry := &trackedSession{session: session}
	if models.IsTerminalSessionStatus(session.Status) {
		entry.evictAt = t.clock().Add(t.completedTTL)
	}
	t.cache[session.ID] = entry
	t.mu.Unlock()
}

// betterGetCandidate prefers a live session over a lingering terminal one,
// then the newer of two sessions in the same class.
func betterGetCandidate(candidate, current *models.ScanSession) bool {
	candidateTerminal := models.IsTerminalSessionStatus(candidate.Status)
	currentTerminal := models.IsTerminalSessionStatus(current.Status)
	if candidateTerminal != currentTerminal {
		return currentTerminal
	}
	return candidate.ID > current.ID
}

func (t *SessionTracker) evictExpiredLocked() {
	now := t.clock()
	for id, entry := range t.cache {
		if !entry.evictAt.IsZero() && now.After(entry.evictAt) {
			delete(t.cache, id)
		}
	}
}

// gormSessionStore is the production SessionStore over the shared DB handle.
type gormSessionStore struct{}

func NewGormSessionStore() SessionStore {
	return gormSessionStore{}
}

func (gormSessionStore) Create(ctx context.Context, session *models.ScanSession) error {
	return config.GetDB().WithContext(ctx).Create(session).Error
}

func (gormSessionStore) Update(ctx context.Context, id uint, updates map[string]interface{}) error {
	return config.GetDB().WithContext(ctx).
		Model(&models.ScanSession{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (gormSessionStore) Get(ctx context.Context, id uint) (*models.ScanSession, error) {
	session, err := models.GetScanSession(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	return session, err
}

func (gormSessionStore) GetLatestByHost(ctx context.Context, hostId string) (*models.ScanSession, error) {
	var session models.ScanSession
	err := config.GetDB().WithContext(ctx).
		Where("host_id = ?", hostId).
		Order("id desc").
		Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (gormSessionStore) ListActive(ctx context.Context) ([]models.ScanSession, error) {
	return models.ListActiveScanSessions(ctx)
}
