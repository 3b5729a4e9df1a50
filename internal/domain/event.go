package domain

import "time"

// Audit event kinds recorded in the events table. The update coordinator
// schedules work off the most recent EventDownloadSuccess and EventPurge
// timestamps.
const (
	EventDownloadAttempt = "download_attempt"
	EventDownloadSuccess = "download_success"
	EventDownloadError   = "download_error"
	EventPurge           = "purge"
)

// AuditEvent is a durable record of an operational action.
type AuditEvent struct {
	Timestamp time.Time
	Kind      string
	// Details holds free-form structured context, serialized as JSON.
	Details string
	// Period is the upper bound of the data range the event pertains to
	// (purge events). Nil when the event describes no particular range.
	Period *time.Time
}
