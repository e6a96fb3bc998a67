package mailsync

import (
	"time"

	"bitbucket.org/mmdatafocus/staysync_backend/models"
	"github.com/shopspring/decimal"
)

// TypedEvent is one structured update extracted from a single message.
// Every extracted field is optional; absence means the message said nothing
// about it, not that the value is zero.
type TypedEvent struct {
	Kind             models.EventKind `json:"kind"`
	ConfirmationCode string           `json:"confirmation_code,omitempty"`

	GuestName  string     `json:"guest_name,omitempty"`
	CheckinAt  *time.Time `json:"checkin_at,omitempty"`
	CheckoutAt *time.Time `json:"checkout_at,omitempty"`
	Nights     int        `json:"nights,omitempty"`

	Currency string                     `json:"currency,omitempty"`
	Money    map[string]decimal.Decimal `json:"money,omitempty"`

	// Change-request extraction: the stated pre-change and requested dates.
	OriginalCheckinAt  *time.Time `json:"original_checkin_at,omitempty"`
	OriginalCheckoutAt *time.Time `json:"original_checkout_at,omitempty"`
	NewCheckinAt       *time.Time `json:"new_checkin_at,omitempty"`
	NewCheckoutAt      *time.Time `json:"new_checkout_at,omitempty"`

	Confidence float64 `json:"confidence"`

	MessageId string    `json:"message_id"`
	ThreadId  string    `json:"thread_id,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	EventAt   time.Time `json:"event_at"`
}

// PayoutAmount returns the settled amount of a payout event.
func (e *TypedEvent) PayoutAmount() (decimal.Decimal, bool) {
	if e.Money == nil {
		return decimal.Zero, false
	}
	amount, ok := e.Money[models.MoneyFieldEarnings]
	return amount, ok
}

// ScanRunPayload is the pubsub message body that triggers one scan run.
type ScanRunPayload struct {
	HostId      string `json:"host_id" binding:"required"`
	ScanYear    int    `json:"scan_year" binding:"required"`
	SessionId   uint   `json:"session_id"`
	TriggeredBy string `json:"triggered_by"`
}

// ScanStatusResponse is the API shape for session progress.
type ScanStatusResponse struct {
	SessionId      uint   `json:"session_id"`
	HostId         string `json:"host_id"`
	ScanYear       int    `json:"scan_year"`
	Status         string `json:"status"`
	TotalCount     int    `json:"total_count"`
	ProcessedCount int    `json:"processed_count"`
	SkippedCount   int    `json:"skipped_count"`
	ErrorCount     int    `json:"error_count"`
	CurrentCode    string `json:"current_code,omitempty"`
	LastError      string `json:"last_error,omitempty"`
	StartedAt      string `json:"started_at,omitempty"`
	CompletedAt    string `json:"completed_at,omitempty"`
}

func NewScanStatusResponse(session *models.ScanSession) ScanStatusResponse {
	resp := ScanStatusResponse{
		SessionId:      session.ID,
		HostId:         session.HostId,
		ScanYear:       session.ScanYear,
		Status:         session.Status,
		TotalCount:     session.TotalCount,
		ProcessedCount: session.ProcessedCount,
		SkippedCount:   session.SkippedCount,
		ErrorCount:     session.ErrorCount,
		CurrentCode:    session.CurrentCode,
		LastError:      session.LastError,
	}
	if session.StartedAt != nil {
		resp.StartedAt = session.StartedAt.Format(time.RFC3339)
	}
	if session.CompletedAt != nil {
		resp.CompletedAt = session.CompletedAt.Format(time.RFC3339)
	}
	return resp
}
