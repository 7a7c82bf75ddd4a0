package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"sync"
)

const (
	// MaxUploadSize is the service's hard cap for chunked uploads.
	MaxUploadSize = 2 << 30
	// DefaultChunkSize is used when the caller does not pick one.
	DefaultChunkSize = 5 << 20
)

// ProgressFunc observes upload progress. Observations are monotonically
// non-decreasing in bytesTransferred; parts skipped on resume count as
// transferred.
type ProgressFunc func(bytesTransferred, totalBytes int64)

// UploadConfig describes a new chunked upload session.
type UploadConfig struct {
	// Filename reported to the service.
	Filename string
	// Size of the source file in bytes.
	Size int64
	// ChunkSize per part. Defaults to DefaultChunkSize; the final part may
	// be shorter.
	ChunkSize int64
	// TargetFormat the file is converted to after assembly.
	TargetFormat string
	// WebhookURL optionally registered for completion notifications.
	WebhookURL string
	// Store persists the resume record after every acknowledged part so an
	// interrupted upload can continue without re-sending completed parts.
	Store ResumeStore
	// OnProgress, when set, observes transfer progress.
	OnProgress ProgressFunc
}

// UploadSession drives the three-phase chunked upload protocol: init, part
// transfers, finalize. A session has a single owner; methods must not be
// called concurrently with Upload.
type UploadSession struct {
	client *Client
	cfg    UploadConfig

	id         string
	expiresAt  string
	totalParts int

	mu          sync.Mutex
	acked       map[int]bool
	transferred int64
	finalized   bool
}

type uploadInitResponse struct {
	SessionID string `json:"session_id"`
	ExpiresAt string `json:"expires_at"`
}

// NewUpload declares a new chunked upload session with the remote side.
// It fails with ErrSizeExceeded before any network call when the file is
// over the service cap.
func (c *Client) NewUpload(ctx context.Context, cfg UploadConfig) (*UploadSession, error) {
	if cfg.Size <= 0 {
		return nil, errors.New("upload size must be positive")
	}
	if cfg.Size > MaxUploadSize {
		return nil, ErrSizeExceeded
	}
	if cfg.TargetFormat == "" {
		return nil, errors.New("target format is required")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}

	totalParts := int((cfg.Size + cfg.ChunkSize - 1) / cfg.ChunkSize)

	payload := map[string]interface{}{
		"filename":      cfg.Filename,
		"file_size":     cfg.Size,
		"total_chunks":  totalParts,
		"target_format": cfg.TargetFormat,
		"metadata": map[string]interface{}{
			"chunk_size": cfg.ChunkSize,
		},
	}
	if cfg.WebhookURL != "" {
		payload["webhook_url"] = cfg.WebhookURL
	}

	var initResp uploadInitResponse
	if err := c.doJSON(ctx, http.MethodPost, "/upload/init", payload, &initResp, false); err != nil {
		return nil, err
	}
	if initResp.SessionID == "" {
		return nil, errors.New("upload init response missing session id")
	}

	s := &UploadSession{
		client:     c,
		cfg:        cfg,
		id:         initResp.SessionID,
		expiresAt:  initResp.ExpiresAt,
		totalParts: totalParts,
		acked:      make(map[int]bool, totalParts),
	}

	c.logger.Info("upload session created",
		slog.String("session_id", s.id),
		slog.String("filename", cfg.Filename),
		slog.Int64("file_size", cfg.Size),
		slog.Int("total_parts", totalParts),
	)

	if err := s.persist(); err != nil {
		return nil, err
	}
	return s, nil
}

// ResumeUpload re-attaches to a previously persisted session and continues
// from the first unacknowledged part. It never re-issues init for a session
// still open. cfg supplies local concerns only (Store, OnProgress); sizes
// come from the record.
func (c *Client) ResumeUpload(record *ResumeRecord, cfg UploadConfig) (*UploadSession, error) {
	if record == nil || record.SessionID == "" {
		return nil, errors.New("resume record is missing a session id")
	}
	if record.TotalSize <= 0 || record.ChunkSize <= 0 {
		return nil, errors.New("resume record has invalid sizes")
	}

	cfg.Filename = record.Filename
	cfg.Size = record.TotalSize
	cfg.ChunkSize = record.ChunkSize

	acked := make(map[int]bool, len(record.AcknowledgedParts))
	var transferred int64
	for _, idx := range record.AcknowledgedParts {
		if idx < 0 || idx >= record.TotalParts || acked[idx] {
			continue
		}
		acked[idx] = true
		transferred += record.partSize(idx)
	}

	return &UploadSession{
		client:      c,
		cfg:         cfg,
		id:          record.SessionID,
		totalParts:  record.TotalParts,
		acked:       acked,
		transferred: transferred,
	}, nil
}

// reattachSession builds a bare handle for a session whose parts were
// acknowledged elsewhere. Completeness is left to the remote side.
func (c *Client) reattachSession(id string) *UploadSession {
	return &UploadSession{client: c, id: id, acked: map[int]bool{}}
}

// ID returns the remote-issued session identifier.
func (s *UploadSession) ID() string {
	return s.id
}

// ExpiresAt returns the session expiry reported at init, when known.
func (s *UploadSession) ExpiresAt() string {
	return s.expiresAt
}

// TotalParts returns the declared part count.
func (s *UploadSession) TotalParts() int {
	return s.totalParts
}

// Acknowledged returns the sorted indices of parts the remote side has
// confirmed.
func (s *UploadSession) Acknowledged() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	parts := make([]int, 0, len(s.acked))
	for idx := range s.acked {
		parts = append(parts, idx)
	}
	sort.Ints(parts)
	return parts
}

// Upload reads the source sequentially and transfers every part the remote
// side has not yet acknowledged. Already-acknowledged parts are consumed
// from the reader but not re-sent. A failed part is retried on its own with
// the client's backoff policy; the session is never restarted.
func (s *UploadSession) Upload(ctx context.Context, r io.Reader) error {
	buf := make([]byte, s.cfg.ChunkSize)

	for idx := 0; idx < s.totalParts; idx++ {
		want := s.partSize(idx)
		chunk := buf[:want]
		if _, err := io.ReadFull(r, chunk); err != nil {
			return fmt.Errorf("failed to read part %d: %w", idx, err)
		}

		s.mu.Lock()
		skip := s.acked[idx]
		s.mu.Unlock()

		if skip {
			s.advance(int64(len(chunk)))
			continue
		}

		if err := s.uploadPart(ctx, idx, chunk); err != nil {
			return err
		}
	}
	return nil
}

// uploadPart transfers a single chunk tagged with its index and content
// checksum, then records the acknowledgement durably.
func (s *UploadSession) uploadPart(ctx context.Context, idx int, chunk []byte) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("chunk", "chunk")
	if err != nil {
		return fmt.Errorf("failed to create chunk form: %w", err)
	}
	if _, err := part.Write(chunk); err != nil {
		return fmt.Errorf("failed to buffer chunk: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finish chunk form: %w", err)
	}

	sum := sha256.Sum256(chunk)

	header := http.Header{}
	header.Set("Content-Type", writer.FormDataContentType())
	header.Set("X-Chunk-Checksum", hex.EncodeToString(sum[:]))

	// Re-sending the same byte range is safe on the remote side, so a part
	// rides the idempotent retry policy.
	path := "/upload/" + s.id + "/chunks/" + strconv.Itoa(idx)
	resp, err := s.client.do(ctx, http.MethodPost, path, header, body.Bytes(), true)
	if err != nil {
		return fmt.Errorf("part %d: %w", idx, err)
	}
	drainClose(resp)

	s.mu.Lock()
	s.acked[idx] = true
	s.mu.Unlock()

	s.client.logger.Debug("part acknowledged",
		slog.String("session_id", s.id),
		slog.Int("part", idx),
		slog.Int("size", len(chunk)),
	)

	if err := s.persist(); err != nil {
		return err
	}
	s.advance(int64(len(chunk)))
	return nil
}

// Complete finalizes the session: the remote side assembles the file and
// starts the conversion. It fails with ErrPartsIncomplete while parts are
// missing. Finalize is idempotent at the remote side per the service
// contract, so it is retried like any idempotent request.
func (s *UploadSession) Complete(ctx context.Context) (*Job, error) {
	s.mu.Lock()
	done := s.finalized
	missing := s.totalParts > 0 && len(s.acked) < s.totalParts
	s.mu.Unlock()

	if done {
		return nil, errors.New("upload session already finalized")
	}
	if missing {
		return nil, ErrPartsIncomplete
	}

	var env jobEnvelope
	if err := s.client.doJSON(ctx, http.MethodPost, "/upload/"+s.id+"/complete", struct{}{}, &env, true); err != nil {
		return nil, err
	}
	if env.JobID == "" {
		return nil, errors.New("finalize response missing job id")
	}

	s.mu.Lock()
	s.finalized = true
	s.mu.Unlock()

	s.client.logger.Info("upload finalized",
		slog.String("session_id", s.id),
		slog.String("job_id", env.JobID),
	)

	if s.cfg.Store != nil {
		if err := s.cfg.Store.Delete(s.id); err != nil {
			s.client.logger.Warn("failed to delete resume record",
				slog.String("session_id", s.id),
				slog.Any("error", err),
			)
		}
	}
	return s.client.jobFromEnvelope(&env), nil
}

// Record snapshots the session for external persistence.
func (s *UploadSession) Record() *ResumeRecord {
	return &ResumeRecord{
		SessionID:         s.id,
		Filename:          s.cfg.Filename,
		TotalSize:         s.cfg.Size,
		ChunkSize:         s.cfg.ChunkSize,
		TotalParts:        s.totalParts,
		AcknowledgedParts: s.Acknowledged(),
	}
}

func (s *UploadSession) partSize(idx int) int {
	if idx == s.totalParts-1 {
		if rem := s.cfg.Size % s.cfg.ChunkSize; rem != 0 {
			return int(rem)
		}
	}
	return int(s.cfg.ChunkSize)
}

func (s *UploadSession) persist() error {
	if s.cfg.Store == nil {
		return nil
	}
	if err := s.cfg.Store.Save(s.Record()); err != nil {
		return fmt.Errorf("failed to persist resume record: %w", err)
	}
	return nil
}

func (s *UploadSession) advance(n int64) {
	s.mu.Lock()
	s.transferred += n
	transferred := s.transferred
	s.mu.Unlock()

	if s.cfg.OnProgress != nil {
		s.cfg.OnProgress(transferred, s.cfg.Size)
	}
}
