package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/converthub/converthub-go/client"
	"github.com/converthub/converthub-go/internal/webhook/dedup"
)

// SignatureHeader carries the HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Webhook-Signature"

// maxBodySize bounds inbound payloads before any processing.
const maxBodySize = 1 << 20

// Handler is the user-supplied callback invoked exactly once per job's
// first terminal report.
type Handler func(ctx context.Context, event *Event) error

// FailurePolicy decides what happens when the handler fails. It is a
// required configuration choice, never inferred.
type FailurePolicy string

const (
	// PolicyAck acknowledges the delivery anyway: the failure is logged
	// locally and the remote side does not retry.
	PolicyAck FailurePolicy = "ack"
	// PolicyRetry releases the dedup record and answers 500 so the remote
	// side redelivers.
	PolicyRetry FailurePolicy = "retry"
)

// Config holds the settings for a Receiver.
type Config struct {
	// Secret is the shared secret the sender signs payloads with.
	Secret string
	// Store is the dedup record; the check-and-mark is atomic per job.
	Store dedup.Store
	// Handler receives each job's first terminal event.
	Handler Handler
	// Policy is applied when Handler returns an error.
	Policy FailurePolicy
	// Logger for request diagnostics.
	Logger *slog.Logger
	// Publisher, when set, fans accepted events out to downstream
	// consumers. Publish failures never fail the delivery.
	Publisher Publisher
}

// Publisher republishes an accepted event for downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, body []byte, contentType string) error
}

// Receiver is the stateless-per-request webhook endpoint. It authenticates,
// deduplicates and dispatches inbound notifications; all mutable state
// lives in the dedup Store, so a Receiver tolerates concurrent deliveries
// for the same job.
type Receiver struct {
	secret    []byte
	store     dedup.Store
	handler   Handler
	policy    FailurePolicy
	logger    *slog.Logger
	publisher Publisher
}

// NewReceiver validates cfg and builds a Receiver.
func NewReceiver(cfg *Config) (*Receiver, error) {
	if cfg == nil {
		return nil, errors.New("webhook config is required")
	}
	if cfg.Secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("dedup store is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("event handler is required")
	}
	if cfg.Policy != PolicyAck && cfg.Policy != PolicyRetry {
		return nil, fmt.Errorf("failure policy must be %q or %q, got %q", PolicyAck, PolicyRetry, cfg.Policy)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
	}

	return &Receiver{
		secret:    []byte(cfg.Secret),
		store:     cfg.Store,
		handler:   cfg.Handler,
		policy:    cfg.Policy,
		logger:    logger,
		publisher: cfg.Publisher,
	}, nil
}

// Handle processes POST /webhook. Authenticity is checked on the raw body
// before any parsing; failures produce no side effects.
func (r *Receiver) Handle(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	if !r.verifySignature(raw, c.GetHeader(SignatureHeader)) {
		r.logger.Warn("rejected webhook with invalid signature",
			slog.String("ip", c.ClientIP()),
		)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var event Event
	if err := json.Unmarshal(raw, &event); err != nil || event.JobID == "" {
		r.logger.Error("rejected malformed webhook payload",
			slog.Int("body_size", len(raw)),
			slog.Any("error", err),
		)
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}
	event.Raw = raw

	status, terminal := event.TerminalStatus()
	if !terminal {
		// Progress and upload notifications carry no terminal state; they
		// are acknowledged without touching the dedup record.
		r.logger.Info("acknowledged non-terminal event",
			slog.String("event", event.Type),
			slog.String("job_id", event.JobID),
		)
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "job_id": event.JobID})
		return
	}

	ctx := c.Request.Context()

	recorded, created, err := r.store.PutIfAbsent(ctx, event.JobID, status)
	if err != nil {
		r.logger.Error("dedup store failure",
			slog.String("job_id", event.JobID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "dedup store unavailable"})
		return
	}
	if !created {
		// Duplicate delivery, or a conflicting terminal report after the
		// first one won. Acknowledge without re-invoking the handler.
		r.logger.Info("acknowledged duplicate event",
			slog.String("job_id", event.JobID),
			slog.String("reported_status", string(status)),
			slog.String("recorded_status", string(recorded)),
		)
		c.JSON(http.StatusOK, gin.H{
			"status":          "duplicate",
			"job_id":          event.JobID,
			"recorded_status": string(recorded),
		})
		return
	}

	if err := r.dispatch(ctx, &event); err != nil {
		r.logger.Error("event handler failed",
			slog.String("job_id", event.JobID),
			slog.String("status", string(status)),
			slog.String("policy", string(r.policy)),
			slog.Any("error", err),
		)
		if r.policy == PolicyRetry {
			if forgetErr := r.store.Forget(ctx, event.JobID); forgetErr != nil {
				r.logger.Error("failed to release dedup record",
					slog.String("job_id", event.JobID),
					slog.Any("error", forgetErr),
				)
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "handler failed"})
			return
		}
	}

	r.publish(ctx, &event)

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"job_id": event.JobID,
	})
}

// dispatch invokes the user handler, converting panics into errors so a
// misbehaving handler never crashes the receiver.
func (r *Receiver) dispatch(ctx context.Context, event *Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return r.handler(ctx, event)
}

func (r *Receiver) publish(ctx context.Context, event *Event) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, event.Raw, "application/json"); err != nil {
		r.logger.Error("failed to republish event",
			slog.String("job_id", event.JobID),
			slog.Any("error", err),
		)
	}
}

func (r *Receiver) verifySignature(payload []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, r.secret)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign computes the hex HMAC-SHA256 signature for a payload. Exposed for
// senders and tests.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// LogHandler returns a Handler that records terminal events, mirroring what
// a deployment without custom processing needs.
func LogHandler(logger *slog.Logger) Handler {
	return func(_ context.Context, event *Event) error {
		status, _ := event.TerminalStatus()
		switch status {
		case client.StatusCompleted:
			attrs := []any{
				slog.String("job_id", event.JobID),
			}
			if event.Result != nil {
				attrs = append(attrs,
					slog.String("format", event.Result.Format),
					slog.Int64("file_size", event.Result.FileSize),
					slog.String("download_url", event.Result.DownloadURL),
				)
			}
			logger.Info("conversion completed", attrs...)
		case client.StatusFailed:
			attrs := []any{
				slog.String("job_id", event.JobID),
			}
			if event.Error != nil {
				attrs = append(attrs,
					slog.String("code", event.Error.Code),
					slog.String("message", event.Error.Message),
				)
			}
			logger.Error("conversion failed", attrs...)
		default:
			logger.Info("job reached terminal state",
				slog.String("job_id", event.JobID),
				slog.String("status", string(status)),
			)
		}
		return nil
	}
}
