package webhook

import (
	"github.com/converthub/converthub-go/client"
)

// Event types pushed by the conversion service.
const (
	EventConversionCompleted = "conversion.completed"
	EventConversionFailed    = "conversion.failed"
	EventConversionCancelled = "conversion.cancelled"
	EventConversionProgress  = "conversion.progress"
	EventUploadCompleted     = "upload.completed"
)

// Progress carries an intermediate progress report.
type Progress struct {
	Percentage float64 `json:"percentage"`
	Status     string  `json:"status"`
}

// Event is one inbound webhook notification. Instances are transient: they
// are created per request and discarded after processing, with only the
// dedup record retained.
type Event struct {
	EventID   string              `json:"event_id"`
	Type      string              `json:"event"`
	JobID     string              `json:"job_id"`
	Status    string              `json:"status"`
	Timestamp string              `json:"timestamp"`
	SessionID string              `json:"session_id"`
	Result    *client.JobResult   `json:"result,omitempty"`
	Error     *client.RemoteError `json:"error,omitempty"`
	Progress  *Progress           `json:"progress,omitempty"`

	// Raw is the verbatim request payload, kept for handlers that need
	// fields this struct does not model.
	Raw []byte `json:"-"`
}

// TerminalStatus maps the event onto the job state machine. The second
// return is false for progress and other non-terminal notifications.
func (e *Event) TerminalStatus() (client.JobStatus, bool) {
	switch e.Type {
	case EventConversionCompleted:
		return client.StatusCompleted, true
	case EventConversionFailed:
		return client.StatusFailed, true
	case EventConversionCancelled:
		return client.StatusCancelled, true
	case EventConversionProgress, EventUploadCompleted:
		return "", false
	}

	// Some senders carry the status as a plain field instead of an event
	// type.
	if s := client.ParseStatus(e.Status); s.Terminal() {
		return s, true
	}
	return "", false
}
