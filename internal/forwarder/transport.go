package forwarder

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// Transport 与网络服务器之间的数据报通道
type Transport interface {
	// Send 发送一个完整的数据报
	Send(datagram []byte) error
	// Receive 等待一个数据报；超时返回 ErrNoData
	Receive(buf []byte) (int, error)
	Close() error
}

// UDPTransport 连接到服务器地址的 UDP 套接字。
// 内核只投递来自该地址的数据报。
type UDPTransport struct {
	conn        *net.UDPConn
	pollTimeout time.Duration
	closeOnce   sync.Once
	closeErr    error
}

// DialUDP 解析服务器地址并建立连接
func DialUDP(addr string, pollTimeout time.Duration) (*UDPTransport, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve server address %s: %w", addr, err)
	}

	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial server %s: %w", addr, err)
	}

	return &UDPTransport{conn: conn, pollTimeout: pollTimeout}, nil
}

// LocalAddr 本地地址
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// RemoteAddr 服务器地址
func (t *UDPTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// Send 发送数据报
func (t *UDPTransport) Send(datagram []byte) error {
	if _, err := t.conn.Write(datagram); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// Receive 最多阻塞 pollTimeout
func (t *UDPTransport) Receive(buf []byte) (int, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(t.pollTimeout)); err != nil {
		return 0, &TransportError{Op: "receive", Err: err}
	}

	n, err := t.conn.Read(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return 0, ErrNoData
		}
		return 0, &TransportError{Op: "receive", Err: err}
	}
	return n, nil
}

// Close 关闭套接字，可重复调用
func (t *UDPTransport) Close() error {
	t.closeOnce.Do(func() { t.closeErr = t.conn.Close() })
	return t.closeErr
}
