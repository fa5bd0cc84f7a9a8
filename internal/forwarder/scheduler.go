package forwarder

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/single-chan-pktfwd/internal/radio"
	"github.com/lorawan-server/single-chan-pktfwd/pkg/semtech"
)

// 调度默认值（微秒）
const (
	DefaultGuard   uint32 = 15000
	DefaultMaxLead uint32 = 20000000
)

// Downlink 一个待发送的下行
type Downlink struct {
	ID        uuid.UUID `json:"id"`
	Token     uint16    `json:"token"`
	Immediate bool      `json:"immediate"`
	Tmst      uint32    `json:"tmst"`
	Payload   []byte    `json:"payload"`
	DataRate  string    `json:"dataRate"`
	Frequency float64   `json:"frequency"`
	Power     int       `json:"power"`

	Offset      uint32    `json:"offset"` // µs，调度时计算
	ReceivedAt  time.Time `json:"receivedAt"`
	ScheduledAt time.Time `json:"scheduledAt"`
}

// Offset 计算 tmst - now - guard，32 位无符号取模。
// 负数结果即加上 2^32（假定目标在一个回绕周期内）。
func Offset(tmst, now, guard uint32) uint32 {
	return tmst - now - guard
}

type stopper interface {
	Stop() bool
}

type afterFunc func(d time.Duration, f func()) stopper

func stdAfterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

type scheduled struct {
	downlink *Downlink
	timer    stopper
}

// Scheduler 把服务器给出的 tmst 转换为本地定时发送。
// 同一时刻最多只有一个待发下行，新下行替换尚未触发的旧下行。
type Scheduler struct {
	clock    radio.Clock
	guard    uint32
	maxLead  uint32
	transmit func(*Downlink)
	after    afterFunc

	// OnReplace 在未触发的下行被替换时调用
	OnReplace func(*Downlink)

	mu      sync.Mutex
	pending *scheduled
	stopped bool
}

// NewScheduler 创建调度器；transmit 在定时器触发时调用
func NewScheduler(clock radio.Clock, guard, maxLead uint32, transmit func(*Downlink)) *Scheduler {
	return &Scheduler{
		clock:    clock,
		guard:    guard,
		maxLead:  maxLead,
		transmit: transmit,
		after:    stdAfterFunc,
	}
}

// Schedule 对下行分类：超出窗口返回 *TimingError (TOO_LATE)，否则设置定时器
func (s *Scheduler) Schedule(dl *Downlink) error {
	now := s.clock.Ticks()
	offset := Offset(dl.Tmst, now, s.guard)

	if offset > s.maxLead {
		log.Warn().
			Str("downlink", dl.ID.String()).
			Uint32("tmst", dl.Tmst).
			Uint32("now", now).
			Uint32("offset_us", offset).
			Msg("下行时间已不可达 (TOO_LATE)")
		return &TimingError{Reason: semtech.TxErrTooLate, Offset: offset, Max: s.maxLead}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrSchedulerStopped
	}

	if prev := s.pending; prev != nil {
		prev.timer.Stop()
		log.Warn().
			Str("replaced", prev.downlink.ID.String()).
			Str("downlink", dl.ID.String()).
			Msg("替换尚未发送的下行")
		if s.OnReplace != nil {
			s.OnReplace(prev.downlink)
		}
	}

	dl.Offset = offset
	dl.ScheduledAt = time.Now()

	entry := &scheduled{downlink: dl}
	entry.timer = s.after(time.Duration(offset)*time.Microsecond, func() {
		s.fire(entry)
	})
	s.pending = entry

	log.Info().
		Str("downlink", dl.ID.String()).
		Uint32("tmst", dl.Tmst).
		Uint32("now", now).
		Dur("delay", time.Duration(offset)*time.Microsecond).
		Msg("下行已调度")

	return nil
}

func (s *Scheduler) fire(entry *scheduled) {
	s.mu.Lock()
	if s.stopped || s.pending != entry {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	s.mu.Unlock()

	s.transmit(entry.downlink)
}

// Pending 返回尚未触发的下行副本
func (s *Scheduler) Pending() (Downlink, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil {
		return Downlink{}, false
	}
	return *s.pending.downlink, true
}

// Stop 取消定时器；之后的下行不会再被调度
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	if s.pending != nil {
		s.pending.timer.Stop()
		s.pending = nil
	}
}
