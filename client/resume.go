package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrResumeNotFound is returned by a ResumeStore when no record exists for
// the session id.
var ErrResumeNotFound = errors.New("resume record not found")

// ResumeRecord is the serializable resume state of an upload session. The
// caller is responsible for storing it between process runs.
type ResumeRecord struct {
	SessionID         string `json:"session_id"`
	Filename          string `json:"filename"`
	TotalSize         int64  `json:"total_size"`
	ChunkSize         int64  `json:"chunk_size"`
	TotalParts        int    `json:"total_parts"`
	AcknowledgedParts []int  `json:"acknowledged_parts"`
}

func (r *ResumeRecord) partSize(idx int) int64 {
	if idx == r.TotalParts-1 {
		if rem := r.TotalSize % r.ChunkSize; rem != 0 {
			return rem
		}
	}
	return r.ChunkSize
}

// ResumeStore persists upload resume records so an interrupted upload can
// continue after a local crash without re-sending completed parts.
type ResumeStore interface {
	Save(record *ResumeRecord) error
	Load(sessionID string) (*ResumeRecord, error)
	Delete(sessionID string) error
}

// FileResumeStore keeps one JSON file per session under a directory.
// Writes go through a temp file and rename so a crash never leaves a
// half-written record.
type FileResumeStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileResumeStore creates the directory when missing.
func NewFileResumeStore(dir string) (*FileResumeStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create resume directory: %w", err)
	}
	return &FileResumeStore{dir: dir}, nil
}

func (s *FileResumeStore) path(sessionID string) string {
	// Session ids are remote-issued; flatten anything path-like.
	name := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(sessionID)
	return filepath.Join(s.dir, name+".json")
}

func (s *FileResumeStore) Save(record *ResumeRecord) error {
	if record == nil || record.SessionID == "" {
		return errors.New("resume record is missing a session id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode resume record: %w", err)
	}

	target := s.path(record.SessionID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write resume record: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("failed to commit resume record: %w", err)
	}
	return nil
}

func (s *FileResumeStore) Load(sessionID string) (*ResumeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrResumeNotFound
		}
		return nil, fmt.Errorf("failed to read resume record: %w", err)
	}

	var record ResumeRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse resume record: %w", err)
	}
	return &record, nil
}

func (s *FileResumeStore) Delete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete resume record: %w", err)
	}
	return nil
}
