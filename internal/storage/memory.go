package storage

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/lorawan-server/single-chan-pktfwd/internal/models"
)

// MemoryStore keeps the most recent frames in memory. It is used when no
// database is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	capacity int
	frames   []*models.Frame // oldest first
}

// NewMemoryStore creates a store holding at most capacity frames
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryStore{capacity: capacity}
}

// BeginTx returns the store itself; writes are applied immediately
func (s *MemoryStore) BeginTx(ctx context.Context) (Store, error) { return s, nil }

// Commit is a no-op
func (s *MemoryStore) Commit() error { return nil }

// Rollback is a no-op
func (s *MemoryStore) Rollback() error { return nil }

// EnsureSchema is a no-op
func (s *MemoryStore) EnsureSchema(ctx context.Context) error { return nil }

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }

// CreateFrame appends a frame, evicting the oldest when full
func (s *MemoryStore) CreateFrame(ctx context.Context, frame *models.Frame) error {
	if frame.ID == uuid.Nil {
		frame.ID = uuid.New()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.frames) == s.capacity {
		copy(s.frames, s.frames[1:])
		s.frames = s.frames[:len(s.frames)-1]
	}
	s.frames = append(s.frames, frame)
	return nil
}

// GetFrame gets a frame by id
func (s *MemoryStore) GetFrame(ctx context.Context, id uuid.UUID) (*models.Frame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, f := range s.frames {
		if f.ID == id {
			return f, nil
		}
	}
	return nil, ErrNotFound
}

// ListFrames lists frames, newest first
func (s *MemoryStore) ListFrames(ctx context.Context, filter FrameFilter) ([]*models.Frame, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.Frame
	for i := len(s.frames) - 1; i >= 0; i-- {
		f := s.frames[i]
		if filter.Direction != "" && f.Direction != filter.Direction {
			continue
		}
		if filter.SessionID != nil && f.SessionID != *filter.SessionID {
			continue
		}
		matched = append(matched, f)
	}

	count := int64(len(matched))
	if filter.Offset >= len(matched) {
		return nil, count, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, count, nil
}
