// Package dedup provides the atomic first-terminal-wins record the webhook
// receiver uses to recognize and discard duplicate deliveries.
package dedup

import (
	"container/list"
	"context"
	"sync"

	"github.com/converthub/converthub-go/client"
)

// Store records the first terminal status observed per job. Implementations
// must make PutIfAbsent atomic per key: two concurrent deliveries for the
// same job must agree on a single winner.
type Store interface {
	// PutIfAbsent records status as the job's terminal status unless one is
	// already on record. It returns the status on record and whether this
	// call created it.
	PutIfAbsent(ctx context.Context, jobID string, status client.JobStatus) (client.JobStatus, bool, error)

	// Forget releases the record so a redelivery can be processed again.
	// Used by the retry failure policy after a handler error.
	Forget(ctx context.Context, jobID string) error

	Close() error
}

// MemoryStore is a bounded in-process Store. When the capacity is reached
// the oldest record is evicted, keeping the dedup window over recent events.
type MemoryStore struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List
}

type memoryEntry struct {
	jobID  string
	status client.JobStatus
}

// NewMemoryStore creates a store holding up to capacity records.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemoryStore{
		capacity: capacity,
		entries:  make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (s *MemoryStore) PutIfAbsent(_ context.Context, jobID string, status client.JobStatus) (client.JobStatus, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.entries[jobID]; ok {
		return elem.Value.(*memoryEntry).status, false, nil
	}

	for s.order.Len() >= s.capacity {
		oldest := s.order.Front()
		s.order.Remove(oldest)
		delete(s.entries, oldest.Value.(*memoryEntry).jobID)
	}

	s.entries[jobID] = s.order.PushBack(&memoryEntry{jobID: jobID, status: status})
	return status, true, nil
}

func (s *MemoryStore) Forget(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.entries[jobID]; ok {
		s.order.Remove(elem)
		delete(s.entries, jobID)
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
