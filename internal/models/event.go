package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/single-chan-pktfwd/pkg/lorawan"
	"github.com/lorawan-server/single-chan-pktfwd/pkg/semtech"
)

// EventType represents event types
type EventType string

const (
	EventTypeUplink   EventType = "rx"
	EventTypeDownlink EventType = "tx"
	EventTypeTXAck    EventType = "txack"
	EventTypeStats    EventType = "stat"
)

// StatReport is a stat packet pushed to the server
type StatReport struct {
	SessionID uuid.UUID     `json:"sessionId"`
	GatewayID lorawan.EUI64 `json:"gatewayId"`
	Stat      semtech.Stat  `json:"stat"`
	CreatedAt time.Time     `json:"createdAt"`
}

// TXAckReport is a TX_ACK sent to the server
type TXAckReport struct {
	SessionID  uuid.UUID       `json:"sessionId"`
	GatewayID  lorawan.EUI64   `json:"gatewayId"`
	DownlinkID uuid.UUID       `json:"downlinkId"`
	Token      uint16          `json:"token"`
	Error      semtech.TxError `json:"error"`
	CreatedAt  time.Time       `json:"createdAt"`
}
