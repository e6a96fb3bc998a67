package mailsync

import (
	"strings"

	"bitbucket.org/mmdatafocus/staysync_backend/models"
)

// Subject-text heuristics live here so the merge engine only ever sees the
// kind enum. Anything that wants to second-guess a classification goes
// through DetectIntent, never through its own string matching.

var cancellationPhrases = []string{
	"reservation cancelled",
	"reservation canceled",
	"booking cancelled",
	"booking canceled",
	"cancelled by guest",
	"canceled by guest",
	"cancellation confirmed",
}

var changeRequestPhrases = []string{
	"wants to change",
	"requested to change",
	"change request",
	"alteration request",
	"wants to alter",
}

var payoutPhrases = []string{
	"payout of",
	"payout sent",
	"you've been paid",
	"a payout was sent",
}

// DetectIntent inspects subject text and returns the event kind it strongly
// indicates, or empty when the text is not conclusive.
func DetectIntent(subject string) models.EventKind {
	normalized := strings.ToLower(strings.TrimSpace(subject))
	for _, phrase := range cancellationPhrases {
		if strings.Contains(normalized, phrase) {
			return models.EventKindCancellation
		}
	}
	for _, phrase := range changeRequestPhrases {
		if strings.Contains(normalized, phrase) {
			return models.EventKindChangeRequest
		}
	}
	for _, phrase := range payoutPhrases {
		if strings.Contains(normalized, phrase) {
			return models.EventKindPayout
		}
	}
	return ""
}
