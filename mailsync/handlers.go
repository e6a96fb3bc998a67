package mailsync

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/staysync_backend/config"
	"bitbucket.org/mmdatafocus/staysync_backend/models"
	"bitbucket.org/mmdatafocus/staysync_backend/utils"
	"bitbucket.org/mmdatafocus/staysync_backend/workflow"
	"github.com/gin-gonic/gin"
)

// Handlers bundles the HTTP surface of the sync service. All routes expect
// the auth middleware to have put host_id into the request context.
type Handlers struct {
	tracker *workflow.SessionTracker
	worker  *Worker
}

func NewHandlers(tracker *workflow.SessionTracker, worker *Worker) *Handlers {
	return &Handlers{tracker: tracker, worker: worker}
}

type triggerScanRequest struct {
	ScanYear int  `json:"scan_year" binding:"required,min=2008,max=2100"`
	Async    bool `json:"async"`
}

// TriggerScan creates a queued session and either publishes the run for
// asynchronous processing or drives it inline.
func (h *Handlers) TriggerScan(c *gin.Context) {
	hostId, _ := utils.GetHostIdFromContext(c.Request.Context())
	if hostId == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing host scope"})
		return
	}

	var req triggerScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
		return
	}

	session, err := h.tracker.Create(c.Request.Context(), hostId, req.ScanYear, models.ScanTriggeredManual)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	payload := ScanRunPayload{
		HostId:      hostId,
		ScanYear:    req.ScanYear,
		SessionId:   session.ID,
		TriggeredBy: models.ScanTriggeredManual,
	}
	if req.Async {
		if err := PublishScanRun(c.Request.Context(), payload); err != nil {
			config.LogError(config.GetLogger(), "mailsync", "TriggerScan", "publish failed", hostId, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not enqueue scan"})
			return
		}
		c.JSON(http.StatusAccepted, NewScanStatusResponse(session))
		return
	}

	go func() {
		// Detach from the request: inline runs outlive the HTTP call.
		ctx, cancel := contextWithHost(hostId)
		defer cancel()
		_ = h.worker.ProcessScanRun(ctx, payload)
	}()
	c.JSON(http.StatusAccepted, NewScanStatusResponse(session))
}

// MailboxStatus reports the host's mailbox link: provider, address, scan stamps.
func (h *Handlers) MailboxStatus(c *gin.Context) {
	hostId, _ := utils.GetHostIdFromContext(c.Request.Context())
	connection, err := models.GetMailboxConnection(c.Request.Context(), hostId)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"connected": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"connected": true, "connection": connection})
}

// ScanStatus reports the host's most recent session.
func (h *Handlers) ScanStatus(c *gin.Context) {
	hostId, _ := utils.GetHostIdFromContext(c.Request.Context())
	session, err := h.tracker.Get(c.Request.Context(), hostId)
	if err != nil {
		if errors.Is(err, workflow.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no scan session for host"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, NewScanStatusResponse(session))
}

// ScanHistory lists recent sessions for the host.
func (h *Handlers) ScanHistory(c *gin.Context) {
	hostId, _ := utils.GetHostIdFromContext(c.Request.Context())
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	sessions, err := models.ListScanSessionsByHost(c.Request.Context(), hostId, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]ScanStatusResponse, 0, len(sessions))
	for i := range sessions {
		out = append(out, NewScanStatusResponse(&sessions[i]))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// ScanDetail returns one session with its per-event errors.
func (h *Handlers) ScanDetail(c *gin.Context) {
	hostId, _ := utils.GetHostIdFromContext(c.Request.Context())
	sessionId, err := parseUintParam(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	session, err := h.tracker.GetById(c.Request.Context(), sessionId)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if session.HostId != hostId {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	scanErrors, err := models.ListScanErrors(c.Request.Context(), sessionId)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session": NewScanStatusResponse(session),
		"errors":  scanErrors,
	})
}

func (h *Handlers) PauseScan(c *gin.Context)  { h.transition(c, h.tracker.Pause) }
func (h *Handlers) ResumeScan(c *gin.Context) { h.transition(c, h.tracker.Resume) }
func (h *Handlers) CancelScan(c *gin.Context) { h.transition(c, h.tracker.Cancel) }

func (h *Handlers) transition(c *gin.Context, apply func(ctx context.Context, id uint) error) {
	hostId, _ := utils.GetHostIdFromContext(c.Request.Context())
	sessionId, err := parseUintParam(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}
	session, err := h.tracker.GetById(c.Request.Context(), sessionId)
	if err != nil || session.HostId != hostId {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err := apply(c.Request.Context(), sessionId); err != nil {
		if errors.Is(err, workflow.ErrSessionTerminal) {
			c.JSON(http.StatusConflict, gin.H{"error": "session already finished"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	refreshed, _ := h.tracker.GetById(c.Request.Context(), sessionId)
	c.JSON(http.StatusOK, NewScanStatusResponse(refreshed))
}

// ListReservations returns the host's reconciled reservations.
func (h *Handlers) ListReservations(c *gin.Context) {
	hostId, _ := utils.GetHostIdFromContext(c.Request.Context())
	reservations, err := models.ListReservationsByHost(c.Request.Context(), hostId)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reservations": reservations})
}

// ReservationDetail returns one reservation with its evidence trail.
func (h *Handlers) ReservationDetail(c *gin.Context) {
	hostId, _ := utils.GetHostIdFromContext(c.Request.Context())
	code := c.Param("code")

	reservation, err := models.GetReservation(c.Request.Context(), hostId, code)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "reservation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	evidence, err := models.ListEvidence(c.Request.Context(), reservation.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"reservation": reservation,
		"evidence":    evidence,
	})
}

// ListUnmatchedPayouts lists payout records no reservation has claimed yet,
// the operator's view into money that arrived without a matching stay.
func (h *Handlers) ListUnmatchedPayouts(c *gin.Context) {
	hostId, _ := utils.GetHostIdFromContext(c.Request.Context())
	records, err := models.ListUnmatchedPayouts(c.Request.Context(), hostId)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payouts": records})
}

// ListUnresolved lists parked weak-key events.
func (h *Handlers) ListUnresolved(c *gin.Context) {
	hostId, _ := utils.GetHostIdFromContext(c.Request.Context())
	events, err := models.ListUnresolvedEvents(c.Request.Context(), hostId)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"unresolved": events})
}

// RetryUnresolved re-runs the resolver over the parked events.
func (h *Handlers) RetryUnresolved(c *gin.Context) {
	hostId, _ := utils.GetHostIdFromContext(c.Request.Context())
	resolved, err := h.worker.RetryUnresolved(c.Request.Context(), hostId)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": resolved})
}

func parseUintParam(c *gin.Context, name string) (uint, error) {
	raw := c.Param(name)
	parsed, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint(parsed), nil
}

// contextWithHost builds a detached context for inline scan runs; the bound
// is generous since a full-year scan at one fetch per second takes a while.
func contextWithHost(hostId string) (context.Context, context.CancelFunc) {
	base, cancel := context.WithTimeout(context.Background(), 4*time.Hour)
	return utils.SetHostIdInContext(base, hostId), cancel
}
