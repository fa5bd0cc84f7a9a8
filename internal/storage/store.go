package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/lorawan-server/single-chan-pktfwd/internal/models"
)

// Common errors
var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidData = errors.New("invalid data")
)

// FrameFilter narrows ListFrames
type FrameFilter struct {
	Direction models.Direction // empty for both
	SessionID *uuid.UUID
	Limit     int
	Offset    int
}

// Store defines the frame journal storage interface
type Store interface {
	// Transaction support
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	EnsureSchema(ctx context.Context) error

	// Frame methods
	CreateFrame(ctx context.Context, frame *models.Frame) error
	GetFrame(ctx context.Context, id uuid.UUID) (*models.Frame, error)
	ListFrames(ctx context.Context, filter FrameFilter) ([]*models.Frame, int64, error)

	Close() error
}
