package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/single-chan-pktfwd/pkg/lorawan"
)

// Direction of a radio frame
type Direction string

const (
	DirectionUplink   Direction = "uplink"
	DirectionDownlink Direction = "downlink"
)

// Frame outcomes besides the TX_ACK error codes used for downlinks
const (
	OutcomeForwarded  = "FORWARDED"
	OutcomeCRCError   = "CRC_ERROR"
	OutcomeSendFailed = "SEND_FAILED"
	OutcomeScheduled  = "SCHEDULED"
	OutcomeReplaced   = "REPLACED"
)

// Frame represents a radio frame handled by the forwarder
type Frame struct {
	ID        uuid.UUID     `json:"id" db:"id"`
	SessionID uuid.UUID     `json:"sessionId" db:"session_id"`
	GatewayID lorawan.EUI64 `json:"gatewayId" db:"gateway_id"`
	Direction Direction     `json:"direction" db:"direction"`

	// Protocol
	Token uint16 `json:"token" db:"token"`
	Tmst  uint32 `json:"tmst" db:"tmst"`

	// Radio
	Frequency  float64 `json:"frequency" db:"frequency"`
	DataRate   string  `json:"dataRate" db:"data_rate"`
	CodingRate string  `json:"codingRate,omitempty" db:"coding_rate"`
	RSSI       int     `json:"rssi" db:"rssi"`
	SNR        float64 `json:"snr" db:"snr"`

	Payload []byte `json:"payload" db:"payload"`

	// FORWARDED / CRC_ERROR / SEND_FAILED for uplinks,
	// a TX_ACK error code, SCHEDULED, REPLACED or SEND_FAILED for downlinks
	Outcome string    `json:"outcome" db:"outcome"`
	Details Variables `json:"details,omitempty" db:"details"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// NewFrame creates a frame record with a fresh id
func NewFrame(sessionID uuid.UUID, gatewayID lorawan.EUI64, dir Direction) *Frame {
	return &Frame{
		ID:        uuid.New(),
		SessionID: sessionID,
		GatewayID: gatewayID,
		Direction: dir,
		CreatedAt: time.Now().UTC(),
	}
}
