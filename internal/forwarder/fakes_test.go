package forwarder

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/single-chan-pktfwd/internal/models"
	"github.com/lorawan-server/single-chan-pktfwd/internal/radio"
	"github.com/lorawan-server/single-chan-pktfwd/pkg/lorawan"
	"github.com/lorawan-server/single-chan-pktfwd/pkg/semtech"
)

var testGatewayID = lorawan.EUI64{0xaa, 0x55, 0x5a, 0x00, 0x00, 0x00, 0x00, 0x01}

var errClosed = errors.New("use of closed connection")

// fakeTransport records datagrams and flags concurrent Send calls
type fakeTransport struct {
	sendDelay time.Duration

	mu      sync.Mutex
	sent    [][]byte
	sendErr error

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	inflight atomic.Int32
	overlap  atomic.Bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (t *fakeTransport) Send(datagram []byte) error {
	if t.inflight.Add(1) > 1 {
		t.overlap.Store(true)
	}
	defer t.inflight.Add(-1)

	if t.sendDelay > 0 {
		time.Sleep(t.sendDelay)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return &TransportError{Op: "send", Err: t.sendErr}
	}
	t.sent = append(t.sent, append([]byte(nil), datagram...))
	return nil
}

func (t *fakeTransport) Receive(buf []byte) (int, error) {
	select {
	case data := <-t.inbound:
		return copy(buf, data), nil
	case <-t.closed:
		return 0, &TransportError{Op: "receive", Err: errClosed}
	case <-time.After(2 * time.Millisecond):
		return 0, ErrNoData
	}
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// frames decodes every datagram sent so far
func (t *fakeTransport) frames(tb testing.TB) []*semtech.Frame {
	tb.Helper()

	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*semtech.Frame, 0, len(t.sent))
	for _, d := range t.sent {
		f, err := semtech.Decode(d)
		require.NoError(tb, err)
		out = append(out, f)
	}
	return out
}

func (t *fakeTransport) framesOf(tb testing.TB, typ semtech.MessageType) []*semtech.Frame {
	var out []*semtech.Frame
	for _, f := range t.frames(tb) {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

type rxFrame struct {
	payload []byte
	status  radio.Status
}

// fakeDriver is a radio driver recording transmitted frames
type fakeDriver struct {
	mu      sync.Mutex
	sent    [][]byte
	sendErr error

	// txDoneInSend raises TX_DONE before Send returns, as the RYLR896 does
	txDoneInSend bool
	sendDelay    time.Duration

	events chan radio.EventKind
	rx     chan rxFrame
	snr    float64
	rssi   int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		events: make(chan radio.EventKind, 256),
		rx:     make(chan rxFrame, 256),
		snr:    9.5,
		rssi:   -57,
	}
}

func (d *fakeDriver) Begin(radio.Config) error { return nil }

func (d *fakeDriver) Send(payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		return d.sendErr
	}
	d.sent = append(d.sent, append([]byte(nil), payload...))
	if d.txDoneInSend {
		d.events <- radio.TXDone
		time.Sleep(d.sendDelay)
	}
	return nil
}

func (d *fakeDriver) Recv() ([]byte, radio.Status, error) {
	select {
	case f := <-d.rx:
		return f.payload, f.status, nil
	default:
		return nil, radio.StatusTimeout, radio.ErrNoFrame
	}
}

func (d *fakeDriver) SNR() float64 { return d.snr }

func (d *fakeDriver) RSSI() int { return d.rssi }

func (d *fakeDriver) Events() <-chan radio.EventKind { return d.events }

func (d *fakeDriver) Close() error { return nil }

// receive queues a frame and raises RX_DONE
func (d *fakeDriver) receive(payload []byte, status radio.Status) {
	d.rx <- rxFrame{payload: payload, status: status}
	d.events <- radio.RXDone
}

func (d *fakeDriver) transmitted() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.sent...)
}

// fakeClock is a settable radio clock
type fakeClock struct {
	ticks atomic.Uint32
}

func (c *fakeClock) Ticks() uint32 { return c.ticks.Load() }

func (c *fakeClock) set(v uint32) { c.ticks.Store(v) }

// manualTimers captures scheduled callbacks instead of running them
type manualTimers struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	d       time.Duration
	f       func()
	stopped atomic.Bool
}

func (t *manualTimer) Stop() bool {
	return !t.stopped.Swap(true)
}

func (m *manualTimers) after(d time.Duration, f func()) stopper {
	t := &manualTimer{d: d, f: f}
	m.mu.Lock()
	m.timers = append(m.timers, t)
	m.mu.Unlock()
	return t
}

func (m *manualTimers) get(i int) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timers[i]
}

func (m *manualTimers) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// recordingObserver collects observed activity
type recordingObserver struct {
	mu     sync.Mutex
	frames []*models.Frame
	stats  []*models.StatReport
	acks   []*models.TXAckReport
}

func (o *recordingObserver) ObserveFrame(f *models.Frame) {
	o.mu.Lock()
	o.frames = append(o.frames, f)
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveStat(r *models.StatReport) {
	o.mu.Lock()
	o.stats = append(o.stats, r)
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveTXAck(r *models.TXAckReport) {
	o.mu.Lock()
	o.acks = append(o.acks, r)
	o.mu.Unlock()
}

func (o *recordingObserver) outcomes() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for _, f := range o.frames {
		out = append(out, f.Outcome)
	}
	return out
}

type testEnv struct {
	session   *Session
	transport *fakeTransport
	driver    *fakeDriver
	clock     *fakeClock
	timers    *manualTimers
	observer  *recordingObserver
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	cfg := Config{
		GatewayID:  testGatewayID,
		ServerAddr: "127.0.0.1:1700",
		Frequency:  868.1,
		DataRate:   "SF7BW125",
		CodingRate: "4/5",
	}
	if mutate != nil {
		mutate(&cfg)
	}

	env := &testEnv{
		transport: newFakeTransport(),
		driver:    newFakeDriver(),
		clock:     &fakeClock{},
		timers:    &manualTimers{},
		observer:  &recordingObserver{},
	}
	env.session = NewSession(cfg, env.transport, env.driver,
		WithClock(env.clock),
		WithObserver(env.observer),
	)
	env.session.scheduler.after = env.timers.after
	return env
}

// pullResp encodes a PULL_RESP datagram
func pullResp(t *testing.T, token uint16, body string) []byte {
	t.Helper()
	f := &semtech.Frame{Version: semtech.ProtocolVersion, Token: token, Type: semtech.PullResp, Payload: []byte(body)}
	data, err := f.MarshalBinary()
	require.NoError(t, err)
	return data
}

func txAckError(t *testing.T, f *semtech.Frame) semtech.TxError {
	t.Helper()
	var pkt semtech.TXAckPacket
	require.NoError(t, json.Unmarshal(f.Payload, &pkt))
	return pkt.TXPKAck.Error
}
