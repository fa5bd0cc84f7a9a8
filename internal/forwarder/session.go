package forwarder

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/single-chan-pktfwd/internal/metrics"
	"github.com/lorawan-server/single-chan-pktfwd/internal/models"
	"github.com/lorawan-server/single-chan-pktfwd/internal/radio"
	"github.com/lorawan-server/single-chan-pktfwd/internal/stats"
	"github.com/lorawan-server/single-chan-pktfwd/pkg/lorawan"
	"github.com/lorawan-server/single-chan-pktfwd/pkg/semtech"
)

// 会话默认值
const (
	DefaultStatInterval  = 30 * time.Second
	DefaultPullInterval  = 60500 * time.Millisecond
	DefaultPollInterval  = 20 * time.Millisecond
	DefaultReceiveBuffer = 2048
)

// State 会话状态
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// MarshalText 以字符串形式输出
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config 网关身份与会话参数，构造后不再修改
type Config struct {
	GatewayID  lorawan.EUI64
	ServerAddr string
	Location   semtech.Location

	// 信道
	Frequency  float64 // MHz
	DataRate   string  // e.g. SF7BW125
	CodingRate string  // e.g. 4/5

	StatInterval  time.Duration
	PullInterval  time.Duration
	PollInterval  time.Duration
	Guard         uint32 // µs
	MaxLead       uint32 // µs
	AckScheduled  bool
	ReceiveBuffer int
}

func (c *Config) setDefaults() {
	if c.StatInterval == 0 {
		c.StatInterval = DefaultStatInterval
	}
	if c.PullInterval == 0 {
		c.PullInterval = DefaultPullInterval
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Guard == 0 {
		c.Guard = DefaultGuard
	}
	if c.MaxLead == 0 {
		c.MaxLead = DefaultMaxLead
	}
	if c.ReceiveBuffer == 0 {
		c.ReceiveBuffer = DefaultReceiveBuffer
	}
	if c.CodingRate == "" {
		c.CodingRate = "4/5"
	}
}

// Option 会话可选依赖
type Option func(*Session)

// WithClock 设置射频时钟
func WithClock(c radio.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithStatistics 使用外部统计对象
func WithStatistics(st *stats.Statistics) Option {
	return func(s *Session) { s.stats = st }
}

// WithObserver 追加活动通知，可多次使用
func WithObserver(o Observer) Option {
	return func(s *Session) { s.observer = append(s.observer, o) }
}

// WithMetrics 设置 prometheus 指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithTimeSource 设置墙钟（NTP 校正后的时间）
func WithTimeSource(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

type tokenSlot struct {
	token uint16
	sent  time.Time
	valid bool
}

// Status 会话状态快照
type Status struct {
	SessionID  uuid.UUID      `json:"sessionId"`
	GatewayID  lorawan.EUI64  `json:"gatewayId"`
	ServerAddr string         `json:"serverAddr"`
	State      State          `json:"state"`
	StartedAt  *time.Time     `json:"startedAt,omitempty"`
	Stats      stats.Snapshot `json:"stats"`
	Pending    *Downlink      `json:"pendingDownlink,omitempty"`
}

// Session 与网络服务器的会话：定时上报 stat、PULL_DATA 保活、
// 分发服务器回复，并运行射频事件处理。
type Session struct {
	id        uuid.UUID
	cfg       Config
	transport Transport
	driver    radio.Driver
	clock     radio.Clock
	stats     *stats.Statistics
	scheduler *Scheduler
	observer  Observers
	metrics   *metrics.Metrics
	now       func() time.Time

	// 所有套接字发送都持有 sendMu
	sendMu  sync.Mutex
	radioMu sync.Mutex

	tokenMu   sync.Mutex
	pushToken tokenSlot
	pullToken tokenSlot

	state     atomic.Int32
	startedAt atomic.Pointer[time.Time]
	stopCh    chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewSession 创建会话。transport 与 driver 需已就绪（driver.Begin 已调用）。
func NewSession(cfg Config, transport Transport, driver radio.Driver, opts ...Option) *Session {
	cfg.setDefaults()

	s := &Session{
		id:        uuid.New(),
		cfg:       cfg,
		transport: transport,
		driver:    driver,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = radio.NewMonotonicClock()
	}
	if s.stats == nil {
		s.stats = stats.New()
	}

	s.scheduler = NewScheduler(s.clock, cfg.Guard, cfg.MaxLead, s.fireDownlink)
	s.scheduler.OnReplace = func(dl *Downlink) {
		s.observeDownlink(dl, models.OutcomeReplaced)
	}
	return s
}

// ID 会话 ID
func (s *Session) ID() uuid.UUID {
	return s.id
}

// State 当前状态
func (s *Session) State() State {
	return State(s.state.Load())
}

// Statistics 统计计数
func (s *Session) Statistics() *stats.Statistics {
	return s.stats
}

// Done 在会话进入 stopped 后关闭
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Status 返回会话状态快照
func (s *Session) Status() Status {
	st := Status{
		SessionID:  s.id,
		GatewayID:  s.cfg.GatewayID,
		ServerAddr: s.cfg.ServerAddr,
		State:      s.State(),
		StartedAt:  s.startedAt.Load(),
		Stats:      s.stats.Snapshot(),
	}
	if dl, ok := s.scheduler.Pending(); ok {
		st.Pending = &dl
	}
	return st
}

// Run 启动会话并阻塞，直到 Stop 被调用或 ctx 取消
func (s *Session) Run(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return ErrSessionStarted
	}

	started := s.now()
	s.startedAt.Store(&started)

	log.Info().
		Str("session", s.id.String()).
		Str("gateway", s.cfg.GatewayID.String()).
		Str("server", s.cfg.ServerAddr).
		Float64("freq", s.cfg.Frequency).
		Str("datr", s.cfg.DataRate).
		Msg("转发会话启动")

	s.wg.Add(2)
	go s.radioLoop()
	go s.tickLoop()

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.stopCh:
		}
	}()

	s.receiveLoop()
	s.wg.Wait()

	s.state.Store(int32(StateStopped))
	close(s.done)

	log.Info().Str("session", s.id.String()).Msg("转发会话已停止")
	return nil
}

// Stop 进入 stopping：取消定时器、关闭套接字、通知射频处理退出。
// Run 在射频处理返回后进入 stopped。
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		wasIdle := s.state.CompareAndSwap(int32(StateIdle), int32(StateStopped))
		if !wasIdle {
			s.state.Store(int32(StateStopping))
		}

		close(s.stopCh)
		s.scheduler.Stop()

		s.sendMu.Lock()
		if err := s.transport.Close(); err != nil {
			log.Warn().Err(err).Msg("关闭套接字失败")
		}
		s.sendMu.Unlock()

		if wasIdle {
			close(s.done)
		}
	})
}

func (s *Session) stopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// tickLoop 初次上报后按周期发送 stat 和 PULL_DATA
func (s *Session) tickLoop() {
	defer s.wg.Done()

	s.pushStat()
	s.pullData()

	statTicker := time.NewTicker(s.cfg.StatInterval)
	defer statTicker.Stop()
	pullTicker := time.NewTicker(s.cfg.PullInterval)
	defer pullTicker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-statTicker.C:
			s.pushStat()
		case <-pullTicker.C:
			s.pullData()
		}
	}
}

// receiveLoop 接收并分发服务器数据报
func (s *Session) receiveLoop() {
	buf := make([]byte, s.cfg.ReceiveBuffer)

	for !s.stopping() {
		n, err := s.transport.Receive(buf)
		if err != nil {
			if errors.Is(err, ErrNoData) {
				continue
			}
			if s.stopping() {
				return
			}

			log.Warn().Err(err).Msg("接收 UDP 数据报错误")
			s.metrics.TransportError("receive")

			// 持续错误时（如 ICMP 端口不可达）按轮询周期退避
			select {
			case <-s.stopCh:
				return
			case <-time.After(s.cfg.PollInterval):
			}
			continue
		}

		s.dispatch(buf[:n])
	}
}

// dispatch 按包类型处理服务器回复
func (s *Session) dispatch(data []byte) {
	frame, err := semtech.Decode(data)
	if err != nil {
		log.Warn().Err(err).Int("size", len(data)).Msg("丢弃无法解析的数据报")
		s.metrics.MalformedDatagram()
		return
	}

	switch frame.Type {
	case semtech.PushAck:
		s.matchAck(semtech.PushAck, &s.pushToken, frame.Token)
	case semtech.PullAck:
		s.matchAck(semtech.PullAck, &s.pullToken, frame.Token)
	case semtech.PullResp:
		s.handlePullResp(frame)
	default:
		log.Warn().
			Stringer("type", frame.Type).
			Uint16("token", frame.Token).
			Msg("忽略非服务器下发的包类型")
	}
}

func (s *Session) matchAck(kind semtech.MessageType, slot *tokenSlot, token uint16) {
	s.tokenMu.Lock()
	expected := *slot
	matched := expected.valid && expected.token == token
	if matched {
		slot.valid = false
	}
	s.tokenMu.Unlock()

	if !matched {
		log.Warn().
			Stringer("type", kind).
			Uint16("token", token).
			Uint16("expected", expected.token).
			Msg("确认令牌不匹配")
		return
	}

	latency := time.Since(expected.sent)
	s.metrics.AckLatency(kind.String(), latency)
	log.Debug().
		Stringer("type", kind).
		Uint16("token", token).
		Dur("latency", latency).
		Msg("收到确认")
}

// handlePullResp 处理下行：立即发送或交给调度器
func (s *Session) handlePullResp(frame *semtech.Frame) {
	s.stats.IncDownlink()
	s.metrics.DownlinkReceived()

	txpk := frame.TXPK
	payload, err := txpk.Payload()
	if err != nil {
		log.Warn().Err(err).Uint16("token", frame.Token).Msg("下行数据 base64 解码失败，丢弃")
		return
	}

	dl := &Downlink{
		ID:         uuid.New(),
		Token:      frame.Token,
		Immediate:  txpk.Immediate(),
		Payload:    payload,
		DataRate:   txpk.Datr.String(),
		Frequency:  txpk.Freq,
		Power:      txpk.Powe,
		ReceivedAt: s.now(),
	}
	if txpk.Tmst != nil {
		dl.Tmst = *txpk.Tmst
	}

	if dl.Frequency != 0 && dl.Frequency != s.cfg.Frequency {
		log.Warn().
			Float64("freq", dl.Frequency).
			Float64("channel", s.cfg.Frequency).
			Msg("单信道网关，在配置频率上发送")
	}

	if dl.Immediate {
		// 立即发送，成功后回复 TX_ACK NONE
		if err := s.transmit(dl); err != nil {
			log.Error().Err(err).Str("downlink", dl.ID.String()).Msg("立即下行发送失败")
			return
		}
		s.sendTXAck(dl, semtech.TxErrNone)
		return
	}

	err = s.scheduler.Schedule(dl)
	if err != nil {
		var te *TimingError
		if errors.As(err, &te) {
			s.observeDownlink(dl, string(te.Reason))
			s.sendTXAck(dl, te.Reason)
			return
		}
		log.Warn().Err(err).Str("downlink", dl.ID.String()).Msg("下行未调度")
		return
	}

	s.metrics.ScheduleLead(time.Duration(dl.Offset) * time.Microsecond)
	s.observeDownlink(dl, models.OutcomeScheduled)

	if s.cfg.AckScheduled {
		s.sendTXAck(dl, semtech.TxErrNone)
	}
}

// fireDownlink 定时器回调
func (s *Session) fireDownlink(dl *Downlink) {
	if err := s.transmit(dl); err != nil {
		log.Error().Err(err).Str("downlink", dl.ID.String()).Msg("定时下行发送失败")
		return
	}
	log.Info().
		Str("downlink", dl.ID.String()).
		Uint32("tmst", dl.Tmst).
		Uint32("now", s.clock.Ticks()).
		Msg("定时下行已发送")
}

// transmit 是唯一调用 radio Send 的路径
func (s *Session) transmit(dl *Downlink) error {
	s.radioMu.Lock()
	// 驱动可能在 Send 返回前就上报 TX_DONE
	s.stats.ExpectTXDone()
	err := s.driver.Send(dl.Payload)
	if err == nil {
		s.stats.CountTX()
	} else {
		s.stats.CancelTXDone()
	}
	s.radioMu.Unlock()

	if err != nil {
		s.observeDownlink(dl, models.OutcomeSendFailed)
		return err
	}

	s.metrics.Transmitted()
	s.observeDownlink(dl, string(semtech.TxErrNone))
	return nil
}

func (s *Session) sendTXAck(dl *Downlink, e semtech.TxError) {
	frame, err := semtech.NewFrame(semtech.TxAck, dl.Token, s.cfg.GatewayID, semtech.NewTXAckPacket(e))
	if err != nil {
		log.Error().Err(err).Msg("构建 TX_ACK 失败")
		return
	}
	if err := s.send(frame); err != nil {
		log.Warn().Err(err).Uint16("token", dl.Token).Msg("发送 TX_ACK 失败")
		return
	}

	s.metrics.TXAck(string(e))
	s.observer.ObserveTXAck(&models.TXAckReport{
		SessionID:  s.id,
		GatewayID:  s.cfg.GatewayID,
		DownlinkID: dl.ID,
		Token:      dl.Token,
		Error:      e,
		CreatedAt:  s.now().UTC(),
	})
}

// pushStat 发送 stat PUSH_DATA
func (s *Session) pushStat() {
	pkt := semtech.NewStatPacket(s.now(), s.cfg.Location, s.stats.Snapshot().StatCounters())

	if err := s.push(pkt); err != nil {
		log.Warn().Err(err).Msg("发送 stat 失败")
		return
	}

	s.metrics.StatPushed()
	s.observer.ObserveStat(&models.StatReport{
		SessionID: s.id,
		GatewayID: s.cfg.GatewayID,
		Stat:      pkt.Stat,
		CreatedAt: s.now().UTC(),
	})
	log.Debug().
		Uint32("rxnb", pkt.Stat.RXNb).
		Uint32("rxok", pkt.Stat.RXOk).
		Uint32("rxfw", pkt.Stat.RXFw).
		Uint32("dwnb", pkt.Stat.DWNb).
		Uint32("txnb", pkt.Stat.TXNb).
		Msg("已发送 stat")
}

// pullData 发送 PULL_DATA 保活
func (s *Session) pullData() {
	token := newToken()
	frame, err := semtech.NewFrame(semtech.PullData, token, s.cfg.GatewayID, nil)
	if err != nil {
		log.Error().Err(err).Msg("构建 PULL_DATA 失败")
		return
	}

	s.remember(&s.pullToken, token)
	if err := s.send(frame); err != nil {
		log.Warn().Err(err).Msg("发送 PULL_DATA 失败")
	}
}

// push 以新令牌发送 PUSH_DATA
func (s *Session) push(body interface{}) error {
	token := newToken()
	frame, err := semtech.NewFrame(semtech.PushData, token, s.cfg.GatewayID, body)
	if err != nil {
		return err
	}

	s.remember(&s.pushToken, token)
	return s.send(frame)
}

func (s *Session) remember(slot *tokenSlot, token uint16) {
	s.tokenMu.Lock()
	*slot = tokenSlot{token: token, sent: time.Now(), valid: true}
	s.tokenMu.Unlock()
}

// send 编码并在 sendMu 保护下发送
func (s *Session) send(frame *semtech.Frame) error {
	data, err := frame.MarshalBinary()
	if err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.stopping() {
		return &TransportError{Op: "send", Err: errSessionStopping}
	}
	if err := s.transport.Send(data); err != nil {
		s.metrics.TransportError("send")
		return err
	}
	return nil
}

func (s *Session) observeDownlink(dl *Downlink, outcome string) {
	f := models.NewFrame(s.id, s.cfg.GatewayID, models.DirectionDownlink)
	f.Token = dl.Token
	f.Tmst = dl.Tmst
	f.Frequency = dl.Frequency
	f.DataRate = dl.DataRate
	f.Payload = dl.Payload
	f.Outcome = outcome
	f.Details = models.Variables{
		"downlinkId": dl.ID.String(),
		"immediate":  dl.Immediate,
		"offsetUs":   dl.Offset,
	}
	s.observer.ObserveFrame(f)
}

// newToken 生成 2 字节随机令牌
func newToken() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint16(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint16(b[:])
}
