package forwarder

import (
	"errors"
	"fmt"
	"time"

	"github.com/lorawan-server/single-chan-pktfwd/pkg/semtech"
)

// Common errors
var (
	// ErrNoData 接收超时，没有可读的数据报（不是错误）
	ErrNoData = errors.New("no data available")

	// ErrTimingRejected 下行时间窗口不可达
	ErrTimingRejected = errors.New("downlink timing rejected")

	ErrSessionStarted   = errors.New("session already started")
	ErrSchedulerStopped = errors.New("scheduler stopped")

	errSessionStopping = errors.New("session stopping")
)

// TransportError 套接字发送/接收失败
type TransportError struct {
	Op  string // send | receive
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("udp %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// TimingError 下行被拒绝，携带返回给服务器的 TxError
type TimingError struct {
	Reason semtech.TxError
	Offset uint32 // µs
	Max    uint32 // µs
}

func (e *TimingError) Error() string {
	return fmt.Sprintf("downlink %s: offset %v exceeds %v",
		e.Reason, time.Duration(e.Offset)*time.Microsecond, time.Duration(e.Max)*time.Microsecond)
}

func (e *TimingError) Unwrap() error {
	return ErrTimingRejected
}
