package forwarder

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDPTransport(t *testing.T) {
	server, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer server.Close()

	tr, err := DialUDP(server.LocalAddr().String(), 20*time.Millisecond)
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Send([]byte{0x02, 0x12, 0x34, 0x02}))

	buf := make([]byte, 64)
	require.NoError(t, server.SetReadDeadline(time.Now().Add(time.Second)))
	n, addr, err := server.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x12, 0x34, 0x02}, buf[:n])

	// 无数据时超时返回 ErrNoData
	_, err = tr.Receive(buf)
	assert.ErrorIs(t, err, ErrNoData)

	_, err = server.WriteToUDP([]byte{0x02, 0x12, 0x34, 0x04}, addr)
	require.NoError(t, err)

	var got []byte
	require.Eventually(t, func() bool {
		n, err := tr.Receive(buf)
		if err != nil {
			return false
		}
		got = append([]byte(nil), buf[:n]...)
		return true
	}, time.Second, time.Millisecond)
	assert.Equal(t, []byte{0x02, 0x12, 0x34, 0x04}, got)
}

func TestUDPTransportClosed(t *testing.T) {
	tr, err := DialUDP("127.0.0.1:1700", 10*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	_, err = tr.Receive(make([]byte, 16))
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "receive", te.Op)
	assert.False(t, errors.Is(err, ErrNoData))

	err = tr.Send([]byte{0x02})
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "send", te.Op)
}

func TestDialUDPBadAddress(t *testing.T) {
	_, err := DialUDP("not an address", time.Millisecond)
	assert.Error(t, err)
}

func TestUDPTransportCloseTwice(t *testing.T) {
	tr, err := DialUDP("127.0.0.1:1700", 10*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())
}
