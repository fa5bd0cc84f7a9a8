// Package radio defines the contract between the forwarder and a LoRa radio
// driver, plus the monotonic radio clock used for downlink scheduling.
package radio

import (
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrNotStarted = errors.New("radio not started")
	ErrTimeout    = errors.New("radio timeout")
	ErrNoFrame    = errors.New("no frame available")
)

// Config holds the LoRa modem configuration passed to Begin
type Config struct {
	Frequency       float64 // MHz
	Bandwidth       float64 // kHz
	SpreadingFactor int     // 6..12
	CodingRate      int     // denominator, 5..8 (4/5 .. 4/8)
	SyncWord        uint8
	Power           int // dBm
	Preamble        int
	CRC             bool
	IQInverted      bool
	Blocking        bool
}

// EventKind is a bitmask of radio events
type EventKind uint8

// Radio events
const (
	RXDone EventKind = 1 << iota
	TXDone
)

// Has reports whether all bits of f are set
func (k EventKind) Has(f EventKind) bool {
	return k&f == f
}

func (k EventKind) String() string {
	switch k {
	case RXDone:
		return "RX_DONE"
	case TXDone:
		return "TX_DONE"
	case RXDone | TXDone:
		return "RX_DONE|TX_DONE"
	}
	return fmt.Sprintf("EVENT(0x%02x)", uint8(k))
}

// Status is the receive status code reported with a frame
type Status int

// Receive status codes
const (
	StatusOK Status = iota
	StatusCRCError
	StatusHeaderError
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusCRCError:
		return "CRC_ERROR"
	case StatusHeaderError:
		return "HEADER_ERROR"
	case StatusTimeout:
		return "RX_TIMEOUT"
	}
	return fmt.Sprintf("STATUS(%d)", int(s))
}

// Driver is a LoRa radio. Events delivers RX_DONE / TX_DONE notifications; the
// channel is closed when the driver is closed.
type Driver interface {
	Begin(cfg Config) error
	Send(payload []byte) error
	Recv() ([]byte, Status, error)
	SNR() float64
	Events() <-chan EventKind
	Close() error
}

// RSSIReader is implemented by drivers able to report the RSSI of the last frame
type RSSIReader interface {
	RSSI() int
}

// Clock is the radio clock: a microsecond tick counter wrapping at 2^32
type Clock interface {
	Ticks() uint32
}

// MonotonicClock derives radio ticks from the process monotonic clock
type MonotonicClock struct {
	start time.Time
}

// NewMonotonicClock creates a clock starting at zero ticks
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{start: time.Now()}
}

// Ticks returns microseconds since start, modulo 2^32
func (c *MonotonicClock) Ticks() uint32 {
	return uint32(time.Since(c.start) / time.Microsecond)
}
