package radio

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

// RYLR896 limits
const (
	rylrMaxPayload     = 240
	rylrDefaultBaud    = 115200
	rylrCommandTimeout = 3 * time.Second
)

// RYLR896 bandwidth codes (AT+PARAMETER second field), keyed by kHz
var rylrBandwidths = []struct {
	khz  float64
	code int
}{
	{7.8, 0}, {10.4, 1}, {15.6, 2}, {20.8, 3}, {31.25, 4},
	{41.7, 5}, {62.5, 6}, {125, 7}, {250, 8}, {500, 9},
}

type rcvFrame struct {
	address uint16
	payload []byte
	rssi    int
	snr     float64
}

// RYLR896 drives a REYAX RYLR896 module over its UART AT-command interface.
// The module only delivers frames with a valid CRC.
type RYLR896 struct {
	portName   string
	baud       int
	cmdTimeout time.Duration
	open       func(name string, baud int) (io.ReadWriteCloser, error)

	mu   sync.Mutex // serializes AT commands
	port io.ReadWriteCloser

	eventMu sync.RWMutex // guards events against close
	closed  bool
	events  chan EventKind
	frames  chan rcvFrame
	replies chan string
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once

	rssi atomic.Int32
	snr  atomic.Uint64
}

var (
	_ Driver     = (*RYLR896)(nil)
	_ RSSIReader = (*RYLR896)(nil)
)

// NewRYLR896 creates a driver for the module attached to portName
func NewRYLR896(portName string, baud int) *RYLR896 {
	if baud == 0 {
		baud = rylrDefaultBaud
	}
	return &RYLR896{
		portName:   portName,
		baud:       baud,
		cmdTimeout: rylrCommandTimeout,
		open:       openSerial,
		events:     make(chan EventKind, 32),
		frames:     make(chan rcvFrame, 32),
		replies:    make(chan string, 4),
		done:       make(chan struct{}),
	}
}

func openSerial(name string, baud int) (io.ReadWriteCloser, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	return serial.Open(name, mode)
}

// Begin opens the serial port and configures the modem
func (r *RYLR896) Begin(cfg Config) error {
	port, err := r.open(r.portName, r.baud)
	if err != nil {
		return fmt.Errorf("open serial port %s: %w", r.portName, err)
	}

	r.mu.Lock()
	r.port = port
	r.mu.Unlock()

	r.wg.Add(1)
	go r.readLoop(port)

	bw, err := rylrBandwidthCode(cfg.Bandwidth)
	if err != nil {
		r.Close()
		return err
	}

	commands := []string{
		"AT",
		fmt.Sprintf("AT+BAND=%d", int64(math.Round(cfg.Frequency*1e6))),
		fmt.Sprintf("AT+PARAMETER=%d,%d,%d,%d", cfg.SpreadingFactor, bw, clamp(cfg.CodingRate-4, 1, 4), clamp(cfg.Preamble, 4, 7)),
		fmt.Sprintf("AT+CRFOP=%d", clamp(cfg.Power, 0, 15)),
	}

	for _, cmd := range commands {
		if err := r.command(cmd); err != nil {
			r.Close()
			return fmt.Errorf("configure radio: %w", err)
		}
	}

	log.Info().
		Str("port", r.portName).
		Float64("freq", cfg.Frequency).
		Int("sf", cfg.SpreadingFactor).
		Float64("bw", cfg.Bandwidth).
		Msg("RYLR896 radio configured")

	return nil
}

// Send transmits payload; a TX_DONE event follows the module acknowledgement
func (r *RYLR896) Send(payload []byte) error {
	if len(payload) > rylrMaxPayload {
		return fmt.Errorf("payload too large: %d > %d bytes", len(payload), rylrMaxPayload)
	}
	if bytes.ContainsAny(payload, "\r\n") {
		return fmt.Errorf("payload contains line terminators")
	}

	if err := r.command(fmt.Sprintf("AT+SEND=0,%d,%s", len(payload), payload)); err != nil {
		return err
	}

	r.emit(TXDone)
	return nil
}

// Recv returns the oldest received frame
func (r *RYLR896) Recv() ([]byte, Status, error) {
	select {
	case f := <-r.frames:
		r.rssi.Store(int32(f.rssi))
		r.snr.Store(math.Float64bits(f.snr))
		return f.payload, StatusOK, nil
	default:
		return nil, StatusTimeout, ErrNoFrame
	}
}

// RSSI of the last frame returned by Recv
func (r *RYLR896) RSSI() int {
	return int(r.rssi.Load())
}

// SNR of the last frame returned by Recv
func (r *RYLR896) SNR() float64 {
	return math.Float64frombits(r.snr.Load())
}

// Events returns the event channel
func (r *RYLR896) Events() <-chan EventKind {
	return r.events
}

// Close closes the serial port and the event channel
func (r *RYLR896) Close() error {
	var err error
	r.once.Do(func() {
		close(r.done)

		r.mu.Lock()
		if r.port != nil {
			err = r.port.Close()
		}
		r.mu.Unlock()

		r.wg.Wait()

		r.eventMu.Lock()
		r.closed = true
		close(r.events)
		r.eventMu.Unlock()
	})
	return err
}

// command writes an AT command and waits for +OK / +ERR
func (r *RYLR896) command(cmd string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.port == nil {
		return ErrNotStarted
	}

	// 丢弃过期的应答
	for len(r.replies) > 0 {
		<-r.replies
	}

	if _, err := io.WriteString(r.port, cmd+"\r\n"); err != nil {
		return fmt.Errorf("write %q: %w", cmd, err)
	}

	timer := time.NewTimer(r.cmdTimeout)
	defer timer.Stop()

	select {
	case reply := <-r.replies:
		if strings.HasPrefix(reply, "+ERR") {
			return fmt.Errorf("command %q rejected: %s", commandName(cmd), reply)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("command %q: %w", commandName(cmd), ErrTimeout)
	case <-r.done:
		return ErrNotStarted
	}
}

func (r *RYLR896) readLoop(port io.Reader) {
	defer r.wg.Done()

	reader := bufio.NewReader(port)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			select {
			case <-r.done:
			default:
				log.Error().Err(err).Str("port", r.portName).Msg("RYLR896 read failed")
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
		case strings.HasPrefix(line, "+RCV="):
			f, err := parseRCV(line)
			if err != nil {
				log.Warn().Err(err).Str("line", line).Msg("RYLR896 bad +RCV line")
				continue
			}
			select {
			case r.frames <- f:
				r.emit(RXDone)
			default:
				log.Warn().Msg("RYLR896 frame queue full, frame dropped")
			}
		case strings.HasPrefix(line, "+OK"), strings.HasPrefix(line, "+ERR"):
			select {
			case r.replies <- line:
			default:
			}
		default:
			log.Debug().Str("line", line).Msg("RYLR896")
		}
	}
}

// emit may race with Close when Send completes during shutdown
func (r *RYLR896) emit(k EventKind) {
	r.eventMu.RLock()
	defer r.eventMu.RUnlock()
	if r.closed {
		return
	}

	select {
	case r.events <- k:
	default:
		log.Warn().Stringer("event", k).Msg("radio event queue full, event dropped")
	}
}

// parseRCV parses "+RCV=<address>,<length>,<data>,<rssi>,<snr>"
func parseRCV(line string) (rcvFrame, error) {
	var f rcvFrame

	body, ok := strings.CutPrefix(line, "+RCV=")
	if !ok {
		return f, fmt.Errorf("not a +RCV line")
	}

	parts := strings.SplitN(body, ",", 3)
	if len(parts) != 3 {
		return f, fmt.Errorf("missing fields")
	}

	addr, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return f, fmt.Errorf("address: %w", err)
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil || n < 0 {
		return f, fmt.Errorf("length %q invalid", parts[1])
	}

	rest := parts[2]
	if len(rest) < n+1 || rest[n] != ',' {
		return f, fmt.Errorf("data shorter than length %d", n)
	}

	tail := strings.Split(rest[n+1:], ",")
	if len(tail) != 2 {
		return f, fmt.Errorf("missing rssi/snr")
	}

	rssi, err := strconv.Atoi(tail[0])
	if err != nil {
		return f, fmt.Errorf("rssi: %w", err)
	}
	snr, err := strconv.ParseFloat(tail[1], 64)
	if err != nil {
		return f, fmt.Errorf("snr: %w", err)
	}

	f.address = uint16(addr)
	f.payload = []byte(rest[:n])
	f.rssi = rssi
	f.snr = snr
	return f, nil
}

func rylrBandwidthCode(khz float64) (int, error) {
	for _, b := range rylrBandwidths {
		if math.Abs(b.khz-khz) < 0.05 {
			return b.code, nil
		}
	}
	return 0, fmt.Errorf("unsupported bandwidth %.2f kHz", khz)
}

func commandName(cmd string) string {
	if i := strings.IndexByte(cmd, '='); i > 0 {
		return cmd[:i]
	}
	return cmd
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
