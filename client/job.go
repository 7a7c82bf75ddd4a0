package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// JobResult describes a completed conversion's artifact.
type JobResult struct {
	DownloadURL string `json:"download_url"`
	Format      string `json:"format"`
	FileSize    int64  `json:"file_size"`
	ExpiresAt   string `json:"expires_at"`
}

// jobEnvelope is the wire shape of a job returned by submit, finalize and
// status endpoints.
type jobEnvelope struct {
	JobID          string       `json:"job_id"`
	Status         string       `json:"status"`
	SourceFormat   string       `json:"source_format"`
	TargetFormat   string       `json:"target_format"`
	CreatedAt      string       `json:"created_at"`
	UpdatedAt      string       `json:"updated_at"`
	ProcessingTime string       `json:"processing_time"`
	Result         *JobResult   `json:"result"`
	Error          *RemoteError `json:"error"`
}

// Job is a handle on a remote conversion job. Status observations are
// monotonic with respect to the job state machine: a stale poll can never
// regress a later observation, and the first terminal status wins.
type Job struct {
	client *Client
	id     string

	mu        sync.Mutex
	status    JobStatus
	result    *JobResult
	remoteErr *RemoteError
	deleted   bool
}

// Job re-attaches a handle to an existing job id, for example one persisted
// from an earlier run or received through a webhook.
func (c *Client) Job(id string) *Job {
	return &Job{client: c, id: id}
}

func (c *Client) jobFromEnvelope(env *jobEnvelope) *Job {
	j := &Job{client: c, id: env.JobID}
	j.observe(env)
	return j
}

// ID returns the opaque remote job identifier.
func (j *Job) ID() string {
	return j.id
}

// LastStatus returns the most recent status observation without polling.
// It is empty until the first observation.
func (j *Job) LastStatus() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Result returns the result metadata once the job completed, nil before.
func (j *Job) Result() *JobResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// FailureReason returns the remote error reported for a failed job, nil
// otherwise.
func (j *Job) FailureReason() *RemoteError {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.remoteErr
}

// observe merges a remote report into the handle. Reports ranking below the
// current observation are discarded; once terminal, conflicting later
// reports are no-ops.
func (j *Job) observe(env *jobEnvelope) JobStatus {
	status := ParseStatus(env.Status)

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status.Terminal() {
		return j.status
	}
	if statusRank(status) < statusRank(j.status) {
		return j.status
	}

	j.status = status
	if env.Result != nil {
		j.result = env.Result
	}
	if env.Error != nil {
		j.remoteErr = env.Error
	}
	return j.status
}

// Status polls the remote job once and returns its effective status.
func (j *Job) Status(ctx context.Context) (JobStatus, error) {
	var env jobEnvelope
	if err := j.client.doJSON(ctx, http.MethodGet, "/jobs/"+j.id, nil, &env, true); err != nil {
		return "", err
	}
	return j.observe(&env), nil
}

// Wait polls the job at pollInterval until it reaches a terminal status,
// backing off when the service signals rate limiting. It returns
// ErrWaitTimeout if timeout elapses first (timeout <= 0 means no limit),
// and the context error when the caller cancels the wait; the job itself is
// left in its current remote state.
func (j *Job) Wait(parent context.Context, pollInterval, timeout time.Duration) (JobStatus, error) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	// The deadline rides a derived context so it also bounds a poll whose
	// transport retries run long.
	ctx := parent
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(parent, deadline)
		defer cancel()
	}

	rateLimitStreak := 0
	for {
		status, err := j.Status(ctx)
		switch {
		case err == nil:
			if status.Terminal() {
				return status, nil
			}
			rateLimitStreak = 0

		case isRateLimited(err):
			// Back off instead of surfacing: the poll budget is a soft
			// ceiling, not a failure.
			rateLimitStreak++
			j.client.logger.Warn("status poll rate limited, backing off",
				slog.String("job_id", j.id),
				slog.Int("streak", rateLimitStreak),
			)

		default:
			return "", waitErr(parent, timeout, err)
		}

		delay := pollInterval
		if rateLimitStreak > 0 {
			delay = pollInterval << uint(rateLimitStreak)
			if delay > j.client.retry.MaxDelay {
				delay = j.client.retry.MaxDelay
			}
		}

		if !deadline.IsZero() && time.Now().Add(delay).After(deadline) {
			return "", ErrWaitTimeout
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return "", waitErr(parent, timeout, err)
		}
	}
}

// waitErr maps an expiry of Wait's own deadline onto ErrWaitTimeout while
// letting caller cancellation through untouched.
func waitErr(parent context.Context, timeout time.Duration, err error) error {
	if timeout > 0 && parent.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return ErrWaitTimeout
	}
	return err
}

// Cancel asks the remote side to cancel the job. Cancelling a job already
// in a terminal state returns ErrAlreadyTerminal, which signals "already
// done" rather than a failed request.
func (j *Job) Cancel(ctx context.Context) error {
	j.mu.Lock()
	terminal := j.status.Terminal()
	j.mu.Unlock()
	if terminal {
		return ErrAlreadyTerminal
	}

	resp, err := j.client.do(ctx, http.MethodDelete, "/jobs/"+j.id, nil, nil, true)
	if err != nil {
		var remote *RemoteError
		if errors.As(err, &remote) && remote.Code == CodeConversionFailed {
			// The job finished before the cancel landed.
			return ErrAlreadyTerminal
		}
		return err
	}
	drainClose(resp)

	j.observe(&jobEnvelope{Status: string(StatusCancelled)})
	return nil
}

// Download streams the converted artifact. It returns NotReadyError unless
// the job has completed; the caller must close the returned reader.
func (j *Job) Download(ctx context.Context) (io.ReadCloser, error) {
	j.mu.Lock()
	status := j.status
	result := j.result
	j.mu.Unlock()

	if status != StatusCompleted {
		// Refresh: the job may have finished since the last observation.
		polled, err := j.Status(ctx)
		if err != nil {
			return nil, err
		}
		if polled != StatusCompleted {
			return nil, &NotReadyError{Status: polled}
		}
		result = j.Result()
	}

	if result == nil || result.DownloadURL == "" {
		return nil, &NotReadyError{Status: StatusCompleted}
	}

	// The download URL is absolute and pre-authorized, so it bypasses the
	// API transport.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, result.DownloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := j.client.httpc.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "download", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		drainClose(resp)
		return nil, &RemoteError{Message: fmt.Sprintf("download returned status %d", resp.StatusCode)}
	}
	return resp.Body, nil
}

// Delete removes the stored artifact for the job. A repeated delete returns
// ErrAlreadyDeleted, which callers doing fire-and-forget cleanup may ignore.
func (j *Job) Delete(ctx context.Context) error {
	j.mu.Lock()
	deleted := j.deleted
	j.mu.Unlock()
	if deleted {
		return ErrAlreadyDeleted
	}

	resp, err := j.client.do(ctx, http.MethodDelete, "/jobs/"+j.id+"/destroy", nil, nil, true)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return ErrAlreadyDeleted
		}
		return err
	}
	drainClose(resp)

	j.mu.Lock()
	j.deleted = true
	j.mu.Unlock()
	return nil
}

func isRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}
