package platform

import (
	"errors"
	"fmt"
	"strings"
)

// UploadErrorKind classifies publisher upload failures.
type UploadErrorKind int

const (
	// UploadTransient covers network blips and 5xx answers; retryable.
	UploadTransient UploadErrorKind = iota
	// UploadRateLimited is the platform telling us to slow down.
	UploadRateLimited
	// UploadSpamRisk is the platform's abuse signal; the loop reacts with
	// a self-imposed cooldown.
	UploadSpamRisk
	// UploadPermanent means the item itself is unacceptable (bad format,
	// policy violation); retrying the same bytes is pointless.
	UploadPermanent
)

func (k UploadErrorKind) String() string {
	switch k {
	case UploadTransient:
		return "transient"
	case UploadRateLimited:
		return "rate_limited"
	case UploadSpamRisk:
		return "spam_risk"
	case UploadPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// UploadError is the typed failure surface for Publisher.UploadVideo.
// Core code branches on Kind, never on message text.
type UploadError struct {
	Kind UploadErrorKind
	Msg  string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %s", e.Kind, e.Msg)
}

// IsSpamRisk reports whether err carries the platform's abuse signal.
func IsSpamRisk(err error) bool {
	var ue *UploadError
	return errors.As(err, &ue) && ue.Kind == UploadSpamRisk
}

// Raw platform message fragments. These live only here, at the adapter
// boundary; nothing in the loop matches on text.
var spamSignatures = []string{
	"spam_risk",
	"spam risk",
	"too_many_pending_share",
	"reached the limit",
}

var rateSignatures = []string{
	"rate limit",
	"rate_limit_exceeded",
	"too many requests",
}

// ClassifyUploadMessage maps a raw platform error message to a typed
// UploadError. Adapters call this once at the HTTP boundary.
func ClassifyUploadMessage(msg string) *UploadError {
	low := strings.ToLower(msg)
	for _, sig := range spamSignatures {
		if strings.Contains(low, sig) {
			return &UploadError{Kind: UploadSpamRisk, Msg: msg}
		}
	}
	for _, sig := range rateSignatures {
		if strings.Contains(low, sig) {
			return &UploadError{Kind: UploadRateLimited, Msg: msg}
		}
	}
	return &UploadError{Kind: UploadTransient, Msg: msg}
}
