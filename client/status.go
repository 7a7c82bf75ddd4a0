package client

// JobStatus is the remote lifecycle state of a conversion job.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transition can occur from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// statusRank orders statuses along the job state machine. A poll result with
// a lower rank than the last observation is a stale read and must not
// overwrite it.
func statusRank(s JobStatus) int {
	switch s {
	case StatusQueued:
		return 1
	case StatusProcessing:
		return 2
	case StatusCompleted, StatusFailed, StatusCancelled:
		return 3
	default:
		return 0
	}
}

// ParseStatus maps a remote status string, including known aliases, onto
// the canonical set.
func ParseStatus(raw string) JobStatus {
	switch raw {
	case "pending":
		return StatusQueued
	case "canceled":
		return StatusCancelled
	}
	return JobStatus(raw)
}
