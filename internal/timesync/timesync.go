// Package timesync corrects the wall clock used in protocol timestamps with NTP.
package timesync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/beevik/ntp"
	"github.com/rs/zerolog/log"
)

// ErrSyncFailed NTP 交换失败
var ErrSyncFailed = errors.New("time sync failed")

// QueryFunc 返回本地时钟相对服务器的偏移
type QueryFunc func(server string, timeout time.Duration) (time.Duration, error)

// Config NTP 参数
type Config struct {
	Server     string
	Period     time.Duration
	RetryDelay time.Duration
	Timeout    time.Duration
}

// Clock 经 NTP 偏移校正的墙钟
type Clock struct {
	cfg   Config
	query QueryFunc

	offset   atomic.Int64
	synced   atomic.Bool
	lastSync atomic.Pointer[time.Time]
}

// New 创建时钟；同步之前 Now 等同 time.Now
func New(cfg Config) *Clock {
	if cfg.Period == 0 {
		cfg.Period = time.Hour
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Clock{cfg: cfg, query: queryNTP}
}

func queryNTP(server string, timeout time.Duration) (time.Duration, error) {
	resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}

// Now 校正后的 UTC 时间
func (c *Clock) Now() time.Time {
	return time.Now().Add(c.Offset()).UTC()
}

// Offset 当前应用的偏移
func (c *Clock) Offset() time.Duration {
	return time.Duration(c.offset.Load())
}

// Synced 是否至少同步成功一次
func (c *Clock) Synced() bool {
	return c.synced.Load()
}

// LastSync 最近一次成功同步的时间
func (c *Clock) LastSync() (time.Time, bool) {
	t := c.lastSync.Load()
	if t == nil {
		return time.Time{}, false
	}
	return *t, true
}

// Sync 执行一次 NTP 交换
func (c *Clock) Sync() error {
	offset, err := c.query(c.cfg.Server, c.cfg.Timeout)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSyncFailed, c.cfg.Server, err)
	}

	c.offset.Store(int64(offset))
	c.synced.Store(true)
	now := time.Now()
	c.lastSync.Store(&now)

	log.Info().
		Str("server", c.cfg.Server).
		Dur("offset", offset).
		Msg("NTP 时间同步完成")
	return nil
}

// Run 启动时同步，之后每个周期同步一次；失败按固定间隔无限重试。
// 阻塞直到 ctx 取消。
func (c *Clock) Run(ctx context.Context) {
	for {
		if err := c.syncUntilSuccess(ctx); err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.Period):
		}
	}
}

func (c *Clock) syncUntilSuccess(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		err := c.Sync()
		if err == nil {
			return nil
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("retry_in", c.cfg.RetryDelay).
			Msg("NTP 同步失败，稍后重试")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.RetryDelay):
		}
	}
}
