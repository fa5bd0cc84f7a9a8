package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/single-chan-pktfwd/internal/models"
)

const frameColumns = `id, session_id, gateway_id, direction, token, tmst, frequency,
    data_rate, coding_rate, rssi, snr, payload, outcome, details, created_at`

// CreateFrame creates a frame record
func (s *PostgresStore) CreateFrame(ctx context.Context, frame *models.Frame) error {
	if frame.ID == uuid.Nil {
		frame.ID = uuid.New()
	}

	if frame.CreatedAt.IsZero() {
		frame.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO forwarder_frames (` + frameColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := s.getDB().ExecContext(ctx, query,
		frame.ID, frame.SessionID, frame.GatewayID[:], string(frame.Direction),
		int(frame.Token), int64(frame.Tmst), frame.Frequency,
		frame.DataRate, frame.CodingRate, frame.RSSI, frame.SNR,
		frame.Payload, frame.Outcome, frame.Details, frame.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert frame: %w", err)
	}

	return nil
}

// GetFrame gets a frame by id
func (s *PostgresStore) GetFrame(ctx context.Context, id uuid.UUID) (*models.Frame, error) {
	query := `SELECT ` + frameColumns + ` FROM forwarder_frames WHERE id = $1`

	frame, err := scanFrame(s.getDB().QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return frame, nil
}

// ListFrames lists frames, newest first
func (s *PostgresStore) ListFrames(ctx context.Context, filter FrameFilter) ([]*models.Frame, int64, error) {
	var (
		conds []string
		args  []interface{}
	)
	if filter.Direction != "" {
		args = append(args, string(filter.Direction))
		conds = append(conds, fmt.Sprintf("direction = $%d", len(args)))
	}
	if filter.SessionID != nil {
		args = append(args, *filter.SessionID)
		conds = append(conds, fmt.Sprintf("session_id = $%d", len(args)))
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	// Get count
	var count int64
	err := s.getDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM forwarder_frames"+where, args...).Scan(&count)
	if err != nil {
		return nil, 0, err
	}

	// Get rows
	args = append(args, filter.Limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM forwarder_frames%s
        ORDER BY created_at DESC
        LIMIT $%d OFFSET $%d`, frameColumns, where, len(args)-1, len(args))

	rows, err := s.getDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var frames []*models.Frame
	for rows.Next() {
		frame, err := scanFrame(rows)
		if err != nil {
			return nil, 0, err
		}
		frames = append(frames, frame)
	}

	return frames, count, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFrame(row rowScanner) (*models.Frame, error) {
	frame := &models.Frame{}
	var (
		gatewayID []byte
		direction string
		token     int
		tmst      int64
	)

	err := row.Scan(
		&frame.ID, &frame.SessionID, &gatewayID, &direction, &token, &tmst,
		&frame.Frequency, &frame.DataRate, &frame.CodingRate, &frame.RSSI, &frame.SNR,
		&frame.Payload, &frame.Outcome, &frame.Details, &frame.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(gatewayID) != len(frame.GatewayID) {
		return nil, fmt.Errorf("%w: gateway id of %d bytes", ErrInvalidData, len(gatewayID))
	}
	copy(frame.GatewayID[:], gatewayID)
	frame.Direction = models.Direction(direction)
	frame.Token = uint16(token)
	frame.Tmst = uint32(tmst)

	return frame, nil
}
