package models

// EventKind classifies one parsed host email.
type EventKind string

const (
	EventKindCreation      EventKind = "creation"
	EventKindReminder      EventKind = "reminder"
	EventKindModification  EventKind = "modification"
	EventKindCancellation  EventKind = "cancellation"
	EventKindChangeRequest EventKind = "change_request"
	EventKindPayout        EventKind = "payout"

	// EventKindDerived marks a money value computed from the arithmetic
	// identity rather than extracted from any message. Provenance only;
	// the classifier never emits it.
	EventKindDerived EventKind = "derived"
)

func (k EventKind) Valid() bool {
	switch k {
	case EventKindCreation, EventKindReminder, EventKindModification,
		EventKindCancellation, EventKindChangeRequest, EventKindPayout:
		return true
	}
	return false
}

// ReservationStatus is the lifecycle state of a reservation.
type ReservationStatus string

const (
	ReservationStatusExpecting           ReservationStatus = "expecting"
	ReservationStatusCompleted           ReservationStatus = "completed"
	ReservationStatusCancelled           ReservationStatus = "cancelled"
	ReservationStatusCancelledWithPayout ReservationStatus = "cancelled_with_payout"
)

func (s ReservationStatus) IsCancelled() bool {
	return s == ReservationStatusCancelled || s == ReservationStatusCancelledWithPayout
}

const (
	ScanSessionStatusQueued    = "queued"
	ScanSessionStatusRunning   = "running"
	ScanSessionStatusPaused    = "paused"
	ScanSessionStatusCompleted = "completed"
	ScanSessionStatusFailed    = "failed"
	ScanSessionStatusCancelled = "cancelled"
)

// IsTerminalSessionStatus reports whether a session status can no longer change.
func IsTerminalSessionStatus(status string) bool {
	switch status {
	case ScanSessionStatusCompleted, ScanSessionStatusFailed, ScanSessionStatusCancelled:
		return true
	}
	return false
}

const (
	ScanTriggeredManual = "manual"
	ScanTriggeredRetry  = "retry"
	ScanTriggeredSystem = "system"
)

const (
	MailboxProviderGmail = "gmail"
)

const (
	MailboxStatusConnected    = "connected"
	MailboxStatusDisconnected = "disconnected"
	MailboxStatusError        = "error"
)

// MatchMethod records how a weak-key event was linked to a reservation.
const (
	MatchMethodExplicitCode = "explicit_code"
	MatchMethodAmountTime   = "amount_time"
	MatchMethodNameDate     = "name_date"
	MatchMethodManual       = "manual"
)

const (
	UserRoleAdmin = "ADMIN"
	UserRoleHost  = "HOST"
)
