// Package stats holds the forwarder statistics counters.
package stats

import (
	"sync/atomic"

	"github.com/lorawan-server/single-chan-pktfwd/pkg/semtech"
)

// Statistics tracks the counters reported in the stat packet.
// Each counter has a single writer role; all fields are safe for concurrent access.
type Statistics struct {
	rxCount       atomic.Uint32 // uplink path
	rxOKCount     atomic.Uint32 // uplink path
	rxForwarded   atomic.Uint32 // uplink path
	downlinkCount atomic.Uint32 // server session
	txCount       atomic.Uint32 // downlink scheduler / radio actor
	pendingTxDone atomic.Int32
}

// Snapshot is a plain-value copy of Statistics for reading.
type Snapshot struct {
	RXCount       uint32 `json:"rxCount"`
	RXOKCount     uint32 `json:"rxOkCount"`
	RXForwarded   uint32 `json:"rxForwardedCount"`
	DownlinkCount uint32 `json:"downlinkReceivedCount"`
	TXCount       uint32 `json:"txCount"`
}

// New returns zeroed statistics
func New() *Statistics {
	return &Statistics{}
}

// IncRX counts a frame received from the radio
func (s *Statistics) IncRX() { s.rxCount.Add(1) }

// IncRXOK counts a received frame with a valid CRC
func (s *Statistics) IncRXOK() { s.rxOKCount.Add(1) }

// IncRXForwarded counts a frame forwarded to the server
func (s *Statistics) IncRXForwarded() { s.rxForwarded.Add(1) }

// IncDownlink counts a PULL_RESP received from the server
func (s *Statistics) IncDownlink() { s.downlinkCount.Add(1) }

// ExpectTXDone registers the TX_DONE completion of a transmission about to be
// started. It must be called before the driver Send, which may report
// TX_DONE before it returns. Follow with CountTX or CancelTXDone.
func (s *Statistics) ExpectTXDone() {
	s.pendingTxDone.Add(1)
}

// CountTX counts a transmission registered with ExpectTXDone that succeeded
func (s *Statistics) CountTX() {
	s.txCount.Add(1)
}

// CancelTXDone withdraws the completion registered for a failed transmission
func (s *Statistics) CancelTXDone() {
	for {
		n := s.pendingTxDone.Load()
		if n <= 0 || s.pendingTxDone.CompareAndSwap(n, n-1) {
			return
		}
	}
}

// IncTX counts a completed transmission started by the forwarder whose
// TX_DONE has not been observed yet.
func (s *Statistics) IncTX() {
	s.ExpectTXDone()
	s.CountTX()
}

// TXDone handles a TX_DONE event from the radio. Completions of transmissions
// registered with ExpectTXDone are absorbed; unsolicited ones are counted here.
// It reports whether the event was counted.
func (s *Statistics) TXDone() bool {
	for {
		n := s.pendingTxDone.Load()
		if n <= 0 {
			s.txCount.Add(1)
			return true
		}
		if s.pendingTxDone.CompareAndSwap(n, n-1) {
			return false
		}
	}
}

// Snapshot returns a point-in-time copy of all counters. Individual counters
// may be momentarily stale relative to each other.
func (s *Statistics) Snapshot() Snapshot {
	return Snapshot{
		RXCount:       s.rxCount.Load(),
		RXOKCount:     s.rxOKCount.Load(),
		RXForwarded:   s.rxForwarded.Load(),
		DownlinkCount: s.downlinkCount.Load(),
		TXCount:       s.txCount.Load(),
	}
}

// StatCounters converts the snapshot for the stat packet builder
func (s Snapshot) StatCounters() semtech.StatCounters {
	return semtech.StatCounters{
		RXNb: s.RXCount,
		RXOk: s.RXOKCount,
		RXFw: s.RXForwarded,
		DWNb: s.DownlinkCount,
		TXNb: s.TXCount,
	}
}
