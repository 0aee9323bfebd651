package services

import "errors"

// Pipeline error taxonomy. Retryable errors are absorbed into the offline
// queue when offline-tolerant mode is on; terminal ones surface immediately
// so the client can fall back to manual entry.
var (
	// ErrImageInvalid: payload cannot be decoded or is below the minimum
	// resolution. The user must recapture.
	ErrImageInvalid = errors.New("image invalid")

	// ErrRecognitionUnavailable: the vision inference endpoint failed at the
	// transport level. Retryable.
	ErrRecognitionUnavailable = errors.New("recognition unavailable")

	// ErrNoCandidates: inference succeeded but found nothing. Terminal —
	// a valid outcome routed to manual entry, never retried.
	ErrNoCandidates = errors.New("no candidates found")

	// ErrNutritionUnavailable: the food database failed at the transport
	// level. Retryable.
	ErrNutritionUnavailable = errors.New("food database unavailable")

	// ErrRecordNotFound: the food database has no match for the label.
	// Terminal, routed to manual entry.
	ErrRecordNotFound = errors.New("nutrition record not found")

	// ErrHealthUnavailable: the health platform is unreachable. Retryable.
	ErrHealthUnavailable = errors.New("health store unavailable")

	// ErrHealthPermissionDenied: the platform rejected our grant. Fatal,
	// only fixable by the user in OS settings; never auto-retried.
	ErrHealthPermissionDenied = errors.New("health permission denied")

	// ErrEntryNotFound: no such ledger entry for this user.
	ErrEntryNotFound = errors.New("ledger entry not found")

	// ErrConflictingEdit: a racing edit already applied a newer modification.
	// Last writer wins; the entry itself is never dropped.
	ErrConflictingEdit = errors.New("conflicting edit")
)

// IsRetryable reports whether an error should be absorbed by the offline
// queue rather than surfaced as final.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRecognitionUnavailable) ||
		errors.Is(err, ErrNutritionUnavailable) ||
		errors.Is(err, ErrHealthUnavailable)
}
