package mailsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/staysync_backend/config"
	"bitbucket.org/mmdatafocus/staysync_backend/models"
	"bitbucket.org/mmdatafocus/staysync_backend/upstream"
	"bitbucket.org/mmdatafocus/staysync_backend/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Error taxonomy codes recorded on ScanError rows.
const (
	ErrorCodeParseMismatch       = "parse_mismatch"
	ErrorCodeNoMatch             = "no_match"
	ErrorCodeTransientUpstream   = "transient_upstream"
	ErrorCodePersistenceConflict = "persistence_conflict"
)

const searchPageSize = 100

// Worker drives one scan run end to end: search, fetch, classify, resolve,
// merge, reconcile, with the session tracker recording progress throughout.
// Merges for the same confirmation code are serialized by a keyed mutex;
// different reservations may proceed concurrently.
type Worker struct {
	tracker    *workflow.SessionTracker
	classifier Classifier
	engine     *Engine
	resolver   *Resolver
	queue      *upstream.AccessQueue
	policy     upstream.RetryPolicy
	newSource  func(ctx context.Context, refreshToken string) (upstream.MessageSource, error)

	mu        sync.Mutex
	codeLocks map[string]*sync.Mutex
}

func NewWorker(tracker *workflow.SessionTracker) *Worker {
	return &Worker{
		tracker:    tracker,
		classifier: NewClassifier(),
		engine:     NewEngine(),
		resolver:   NewResolver(),
		queue:      upstream.NewAccessQueueFromEnv(),
		policy:     upstream.DefaultRetryPolicy(),
		newSource:  upstream.NewGmailSource,
		codeLocks:  make(map[string]*sync.Mutex),
	}
}

// ProcessScanRun executes one scan run. Per-event failures are recorded and
// counted but never abort the run; only session-fatal conditions (credential
// permanently invalid, persistence unreachable) mark the session failed.
func (w *Worker) ProcessScanRun(ctx context.Context, payload ScanRunPayload) error {
	logger := config.GetLogger()

	lock, err := workflow.AcquireScanLock(ctx, payload.HostId)
	if err != nil {
		return err
	}
	defer workflow.ReleaseScanLock(ctx, lock)

	session, err := w.resolveSession(ctx, payload)
	if err != nil {
		return err
	}
	if err := w.tracker.Start(ctx, session.ID); err != nil {
		return err
	}

	connection, err := models.GetMailboxConnection(ctx, payload.HostId)
	if err != nil {
		return w.failSession(ctx, session.ID, fmt.Errorf("no connected mailbox for host: %w", err))
	}
	source, err := w.newSource(ctx, os.Getenv(connection.AuthSecretRef))
	if err != nil {
		return w.failSession(ctx, session.ID, err)
	}
	_ = connection.TouchScan(ctx, false)

	query := buildScanQuery(payload.ScanYear)
	cursor := session.Cursor
	total := session.TotalCount

	for {
		if w.tracker.IsCancelled(ctx, session.ID) {
			logger.WithFields(logrus.Fields{"module": "mailsync", "session_id": session.ID}).Info("scan cancelled; stopping dequeue")
			return w.tracker.Cancel(ctx, session.ID)
		}

		var ids []string
		var nextCursor string
		err := w.callUpstream(ctx, source, func(ctx context.Context) error {
			var searchErr error
			ids, nextCursor, searchErr = source.Search(ctx, query, cursor, searchPageSize)
			return searchErr
		})
		if err != nil {
			if upstream.IsAuthExpired(err) {
				return w.failSession(ctx, session.ID, err)
			}
			return w.failSession(ctx, session.ID, fmt.Errorf("search failed: %w", err))
		}

		total += len(ids)
		if err := w.tracker.SetTotal(ctx, session.ID, total); err != nil {
			return w.failSession(ctx, session.ID, err)
		}

		for _, messageId := range ids {
			if w.tracker.IsCancelled(ctx, session.ID) {
				return w.tracker.Cancel(ctx, session.ID)
			}
			if err := w.waitWhilePaused(ctx, session.ID); err != nil {
				return err
			}
			w.processMessage(ctx, session.ID, payload.HostId, source, messageId)
		}

		if nextCursor == "" {
			break
		}
		cursor = nextCursor
		if err := w.tracker.Touch(ctx, session.ID, workflow.Progress{Cursor: cursor}); err != nil {
			return w.failSession(ctx, session.ID, err)
		}
		workflow.RefreshScanLock(ctx, lock, payload.HostId)
	}

	_ = connection.TouchScan(ctx, true)
	return w.tracker.Complete(ctx, session.ID)
}

func (w *Worker) resolveSession(ctx context.Context, payload ScanRunPayload) (*models.ScanSession, error) {
	if payload.SessionId != 0 {
		return w.tracker.GetById(ctx, payload.SessionId)
	}
	triggeredBy := payload.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = models.ScanTriggeredSystem
	}
	return w.tracker.Create(ctx, payload.HostId, payload.ScanYear, triggeredBy)
}

// processMessage handles one message id; every failure path records a
// ScanError and bumps the error counter without stopping the run.
func (w *Worker) processMessage(ctx context.Context, sessionId uint, hostId string, source upstream.MessageSource, messageId string) {
	logger := config.GetLogger()

	var message *upstream.Message
	err := w.callUpstream(ctx, source, func(ctx context.Context) error {
		var fetchErr error
		message, fetchErr = source.Fetch(ctx, messageId)
		return fetchErr
	})
	if err != nil {
		w.recordEventError(ctx, sessionId, hostId, "", messageId, ErrorCodeTransientUpstream, err, true, nil)
		return
	}

	event, err := w.classifier.Classify(message.Subject, message.From, message.Body, message.ReceivedAt)
	if err != nil {
		w.recordEventError(ctx, sessionId, hostId, "", messageId, ErrorCodeParseMismatch, err, false, nil)
		return
	}
	if event == nil {
		_ = w.tracker.Touch(ctx, sessionId, workflow.Progress{Skipped: 1})
		return
	}
	event.MessageId = message.Id
	event.ThreadId = message.ThreadId

	if err := w.processEvent(ctx, sessionId, hostId, event); err != nil {
		logger.WithFields(logrus.Fields{
			"module":     "mailsync",
			"session_id": sessionId,
			"message_id": messageId,
			"kind":       string(event.Kind),
		}).Warn("event failed: " + err.Error())
		return
	}
	_ = w.tracker.Touch(ctx, sessionId, workflow.Progress{Processed: 1, CurrentCode: event.ConfirmationCode})
}

func (w *Worker) processEvent(ctx context.Context, sessionId uint, hostId string, event *TypedEvent) error {
	code := event.ConfirmationCode
	viaResolver := false
	if code == "" {
		resolved, ok := w.resolveWeakKey(ctx, hostId, event)
		if !ok {
			w.queueUnresolved(ctx, sessionId, hostId, event)
			return nil
		}
		code = resolved
		event.ConfirmationCode = code
		viaResolver = true
	}

	unlock := w.lockCode(hostId + ":" + code)
	defer unlock()

	// A redelivered message that already left an evidence row was fully
	// merged before; re-running the merge would only churn the lock version.
	if event.MessageId != "" {
		if existing, err := models.GetReservation(ctx, hostId, code); err == nil {
			if seen, _ := models.HasEvidence(ctx, existing.ID, event.Kind, event.MessageId); seen {
				return nil
			}
		}
	}

	var payoutRecord *models.PayoutRecord
	if event.Kind == models.EventKindPayout {
		record, err := w.recordPayout(ctx, hostId, event)
		if err != nil {
			w.recordEventError(ctx, sessionId, hostId, string(event.Kind), event.MessageId, ErrorCodePersistenceConflict, err, true, event)
			return err
		}
		payoutRecord = record
	}

	settledTotal, settledCount := w.settledPayouts(ctx, hostId, code)

	saved, err := models.SaveReservationWithRetry(ctx, hostId, code, func(existing *models.Reservation) (*models.Reservation, error) {
		return w.engine.Merge(existing, event, settledTotal, settledCount), nil
	})
	if err != nil {
		errorCode := ErrorCodePersistenceConflict
		if !errors.Is(err, models.ErrReservationConflict) {
			errorCode = ErrorCodeTransientUpstream
		}
		w.recordEventError(ctx, sessionId, hostId, string(event.Kind), event.MessageId, errorCode, err, true, event)
		return err
	}

	// The match is written after the merge so it always points at a real row,
	// even when this payout is the first thing ever seen for the stay. A later
	// cancellation then finds the settled sum instead of voiding the money.
	if payoutRecord != nil {
		if err := models.CreatePayoutMatch(ctx, newPayoutMatch(hostId, payoutRecord.ID, saved.ID, viaResolver, event.Confidence)); err != nil {
			w.recordEventError(ctx, sessionId, hostId, string(event.Kind), event.MessageId, ErrorCodePersistenceConflict, err, true, event)
		}
	}

	payloadJson, _ := json.Marshal(event)
	_ = models.AppendEvidence(ctx, &models.EvidenceLink{
		HostId:        hostId,
		ReservationId: saved.ID,
		EventKind:     event.Kind,
		MessageId:     event.MessageId,
		ThreadId:      event.ThreadId,
		Subject:       event.Subject,
		EventAt:       event.EventAt,
		PayloadJSON:   payloadJson,
	})

	switch event.Kind {
	case models.EventKindChangeRequest, models.EventKindModification, models.EventKindPayout:
		if err := w.runReconcilePasses(ctx, hostId, code, saved.ID); err != nil {
			w.recordEventError(ctx, sessionId, hostId, string(event.Kind), event.MessageId, ErrorCodePersistenceConflict, err, true, event)
		}
	}
	return nil
}

func (w *Worker) resolveWeakKey(ctx context.Context, hostId string, event *TypedEvent) (string, bool) {
	candidates, err := models.ListReservationsByHost(ctx, hostId)
	if err != nil {
		return "", false
	}
	switch event.Kind {
	case models.EventKindPayout:
		if match, ok := w.resolver.ResolvePayout(event, candidates); ok {
			return match.ConfirmationCode, true
		}
	case models.EventKindChangeRequest:
		if match, ok := w.resolver.ResolveChangeRequest(event, candidates); ok {
			return match.ConfirmationCode, true
		}
	}
	return "", false
}

// queueUnresolved implements the NoMatch branch: the event is parked for a
// later attempt, never discarded.
func (w *Worker) queueUnresolved(ctx context.Context, sessionId uint, hostId string, event *TypedEvent) {
	payloadJson, _ := json.Marshal(event)
	err := models.QueueUnresolvedEvent(ctx, &models.UnresolvedEvent{
		HostId:      hostId,
		EventKind:   event.Kind,
		MessageId:   event.MessageId,
		ThreadId:    event.ThreadId,
		Subject:     event.Subject,
		EventAt:     event.EventAt,
		PayloadJSON: payloadJson,
	})
	if err != nil {
		w.recordEventError(ctx, sessionId, hostId, string(event.Kind), event.MessageId, ErrorCodePersistenceConflict, err, true, event)
		return
	}
	w.recordEventError(ctx, sessionId, hostId, string(event.Kind), event.MessageId, ErrorCodeNoMatch,
		errors.New("no reservation matched above threshold"), true, event)
}

// recordPayout persists the payout itself; linking it to a reservation
// happens after the merge, once the reservation row is guaranteed to exist.
func (w *Worker) recordPayout(ctx context.Context, hostId string, event *TypedEvent) (*models.PayoutRecord, error) {
	amount, ok := event.PayoutAmount()
	if !ok {
		return nil, nil
	}
	return models.UpsertPayoutRecord(ctx, &models.PayoutRecord{
		HostId:     hostId,
		MessageId:  event.MessageId,
		ThreadId:   event.ThreadId,
		Amount:     amount,
		Currency:   event.Currency,
		PayoutAt:   event.EventAt,
		GuestName:  event.GuestName,
		CheckinAt:  event.CheckinAt,
		CheckoutAt: event.CheckoutAt,
	})
}

func newPayoutMatch(hostId string, payoutRecordId uint, reservationId uint, viaResolver bool, confidence float64) *models.PayoutMatch {
	method := models.MatchMethodExplicitCode
	if viaResolver {
		method = models.MatchMethodAmountTime
	}
	return &models.PayoutMatch{
		HostId:         hostId,
		PayoutRecordId: payoutRecordId,
		ReservationId:  reservationId,
		Confidence:     confidence,
		MatchMethod:    method,
	}
}

func (w *Worker) settledPayouts(ctx context.Context, hostId string, code string) (decimal.Decimal, int) {
	reservation, err := models.GetReservation(ctx, hostId, code)
	if err != nil {
		return decimal.Zero, 0
	}
	total, count, err := models.SettledPayoutTotal(ctx, reservation.ID)
	if err != nil {
		return decimal.Zero, 0
	}
	return total, count
}

// runReconcilePasses re-reads the evidence trail and applies the change and
// payout-date passes inside the optimistic-lock retry loop.
func (w *Worker) runReconcilePasses(ctx context.Context, hostId string, code string, reservationId uint) error {
	evidence, err := models.ListEvidence(ctx, reservationId)
	if err != nil {
		return err
	}
	payoutEvidence, err := models.ListEvidenceByKind(ctx, reservationId, models.EventKindPayout)
	if err != nil {
		return err
	}
	_, err = models.SaveReservationWithRetry(ctx, hostId, code, func(existing *models.Reservation) (*models.Reservation, error) {
		if existing == nil {
			return nil, nil
		}
		next := *existing
		changedA := ReconcileChanges(&next, evidence)
		changedB := ReconcilePayoutDates(&next, payoutEvidence)
		if !changedA && !changedB {
			// Nothing to write.
			return nil, nil
		}
		return &next, nil
	})
	return err
}

func (w *Worker) callUpstream(ctx context.Context, source upstream.MessageSource, call func(ctx context.Context) error) error {
	return w.queue.Do(ctx, func(ctx context.Context) error {
		return upstream.CallWithRetry(ctx, w.policy, source.RefreshAuth, call)
	})
}

func (w *Worker) waitWhilePaused(ctx context.Context, sessionId uint) error {
	for {
		session, err := w.tracker.GetById(ctx, sessionId)
		if err != nil {
			return err
		}
		if session.Status != models.ScanSessionStatusPaused {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (w *Worker) lockCode(key string) func() {
	w.mu.Lock()
	lock, ok := w.codeLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		w.codeLocks[key] = lock
	}
	w.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (w *Worker) recordEventError(ctx context.Context, sessionId uint, hostId string, kind string, messageId string, code string, cause error, retryable bool, event *TypedEvent) {
	logger := config.GetLogger()
	config.LogError(logger, "mailsync", "processMessage", code, messageId, cause)

	var payloadJson []byte
	if event != nil {
		payloadJson, _ = json.Marshal(event)
	}
	_ = models.CreateScanError(ctx, &models.ScanError{
		ScanSessionId: sessionId,
		HostId:        hostId,
		EventKind:     kind,
		MessageId:     messageId,
		ErrorCode:     code,
		Message:       cause.Error(),
		PayloadJSON:   payloadJson,
		Retryable:     retryable,
	})
	_ = w.tracker.Touch(ctx, sessionId, workflow.Progress{Errors: 1})
}

func (w *Worker) failSession(ctx context.Context, sessionId uint, cause error) error {
	if err := w.tracker.Fail(ctx, sessionId, cause); err != nil {
		config.LogError(config.GetLogger(), "mailsync", "failSession", "could not mark session failed", sessionId, err)
	}
	return cause
}

func buildScanQuery(year int) string {
	query := fmt.Sprintf("after:%d/01/01 before:%d/01/01", year, year+1)
	if from := strings.TrimSpace(os.Getenv("MAIL_SEARCH_FROM")); from != "" {
		query = "from:" + from + " " + query
	}
	return query
}

// RetryUnresolved re-runs the resolver for every parked weak-key event of a
// host against the current reservation set. Returns how many got resolved.
func (w *Worker) RetryUnresolved(ctx context.Context, hostId string) (int, error) {
	events, err := models.ListUnresolvedEvents(ctx, hostId)
	if err != nil {
		return 0, err
	}
	resolved := 0
	for i := range events {
		row := &events[i]
		var event TypedEvent
		if err := json.Unmarshal(row.PayloadJSON, &event); err != nil {
			_ = models.MarkUnresolvedTried(ctx, row.ID)
			continue
		}
		code, ok := w.resolveWeakKey(ctx, hostId, &event)
		if !ok {
			_ = models.MarkUnresolvedTried(ctx, row.ID)
			continue
		}
		event.ConfirmationCode = code
		if err := w.processEvent(ctx, 0, hostId, &event); err != nil {
			_ = models.MarkUnresolvedTried(ctx, row.ID)
			continue
		}
		reservation, err := models.GetReservation(ctx, hostId, code)
		if err == nil {
			_ = models.MarkUnresolvedResolved(ctx, row.ID, reservation.ID)
			resolved++
		}
	}
	return resolved, nil
}
