package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/single-chan-pktfwd/internal/models"
	"github.com/lorawan-server/single-chan-pktfwd/internal/radio"
	"github.com/lorawan-server/single-chan-pktfwd/pkg/semtech"
)

const helloPullResp = `{"txpk":{"tmst":%d,"data":"SGVsbG8=","datr":"SF7BW125","freq":868.1}}`

func TestPullRespScheduledHello(t *testing.T) {
	env := newTestEnv(t, nil)
	const x uint32 = 40_000_000
	env.clock.set(x - DefaultGuard - 100)

	env.session.dispatch(pullResp(t, 0x1234, fmt.Sprintf(helloPullResp, x)))

	require.Equal(t, 1, env.timers.count())
	assert.Equal(t, 100*time.Microsecond, env.timers.get(0).d)
	assert.Empty(t, env.driver.transmitted())
	assert.Equal(t, uint32(1), env.session.Statistics().Snapshot().DownlinkCount)

	env.timers.get(0).f()

	require.Len(t, env.driver.transmitted(), 1)
	assert.Equal(t, []byte("Hello"), env.driver.transmitted()[0])
	assert.Equal(t, uint32(1), env.session.Statistics().Snapshot().TXCount)

	// 定时下行默认不回复 TX_ACK
	assert.Empty(t, env.transport.framesOf(t, semtech.TxAck))
	assert.Equal(t, []string{models.OutcomeScheduled, string(semtech.TxErrNone)}, env.observer.outcomes())
}

func TestPullRespTooLate(t *testing.T) {
	env := newTestEnv(t, nil)
	const x uint32 = 40_000_000
	env.clock.set(x - DefaultGuard - 25_000_000)

	env.session.dispatch(pullResp(t, 0xbeef, fmt.Sprintf(helloPullResp, x)))

	assert.Equal(t, 0, env.timers.count())
	assert.Empty(t, env.driver.transmitted())

	acks := env.transport.framesOf(t, semtech.TxAck)
	require.Len(t, acks, 1)
	assert.Equal(t, uint16(0xbeef), acks[0].Token)
	assert.Equal(t, testGatewayID, acks[0].GatewayID)
	assert.Equal(t, semtech.TxErrTooLate, txAckError(t, acks[0]))

	var body map[string]map[string]string
	require.NoError(t, json.Unmarshal(acks[0].Payload, &body))
	assert.Equal(t, "TOO_LATE", body["txpk_ack"]["error"])
}

func TestPullRespImmediate(t *testing.T) {
	env := newTestEnv(t, nil)

	env.session.dispatch(pullResp(t, 0x0042, `{"txpk":{"imme":true,"data":"SGVsbG8=","datr":"SF7BW125","freq":868.1}}`))

	require.Len(t, env.driver.transmitted(), 1)
	assert.Equal(t, []byte("Hello"), env.driver.transmitted()[0])

	acks := env.transport.framesOf(t, semtech.TxAck)
	require.Len(t, acks, 1)
	assert.Equal(t, uint16(0x0042), acks[0].Token)
	assert.Equal(t, semtech.TxErrNone, txAckError(t, acks[0]))
	assert.Equal(t, 0, env.timers.count())
}

func TestPullRespWithoutTmstIsImmediate(t *testing.T) {
	env := newTestEnv(t, nil)

	env.session.dispatch(pullResp(t, 7, `{"txpk":{"data":"SGVsbG8=","datr":"SF7BW125","freq":868.1}}`))

	assert.Len(t, env.driver.transmitted(), 1)
	assert.Len(t, env.transport.framesOf(t, semtech.TxAck), 1)
}

func TestPullRespImmeOverridesTmst(t *testing.T) {
	env := newTestEnv(t, nil)

	env.session.dispatch(pullResp(t, 7, `{"txpk":{"imme":true,"tmst":99999999,"data":"SGVsbG8=","datr":"SF7BW125","freq":868.1}}`))

	assert.Equal(t, 0, env.timers.count())
	assert.Len(t, env.driver.transmitted(), 1)
}

func TestPullRespAckScheduled(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.AckScheduled = true })
	const x uint32 = 40_000_000
	env.clock.set(x - DefaultGuard - 1000)

	env.session.dispatch(pullResp(t, 0x0101, fmt.Sprintf(helloPullResp, x)))

	acks := env.transport.framesOf(t, semtech.TxAck)
	require.Len(t, acks, 1)
	assert.Equal(t, semtech.TxErrNone, txAckError(t, acks[0]))
	assert.Equal(t, 1, env.timers.count())
}

func TestPullRespBadBase64Dropped(t *testing.T) {
	env := newTestEnv(t, nil)

	env.session.dispatch(pullResp(t, 1, `{"txpk":{"imme":true,"data":"!!not base64!!","datr":"SF7BW125","freq":868.1}}`))

	assert.Empty(t, env.driver.transmitted())
	assert.Empty(t, env.transport.frames(t))
	assert.Equal(t, uint32(1), env.session.Statistics().Snapshot().DownlinkCount)
}

func TestPullRespImmediateSendFailureNotAcked(t *testing.T) {
	env := newTestEnv(t, nil)
	env.driver.sendErr = errors.New("radio busy")

	env.session.dispatch(pullResp(t, 1, `{"txpk":{"imme":true,"data":"SGVsbG8=","datr":"SF7BW125","freq":868.1}}`))

	assert.Empty(t, env.transport.framesOf(t, semtech.TxAck))
	assert.Equal(t, uint32(0), env.session.Statistics().Snapshot().TXCount)
	assert.Equal(t, []string{models.OutcomeSendFailed}, env.observer.outcomes())
}

func TestDispatchMalformedDropped(t *testing.T) {
	env := newTestEnv(t, nil)

	env.session.dispatch([]byte{0x02, 0x00})
	env.session.dispatch(pullResp(t, 1, `{"nottxpk":{}}`))
	env.session.dispatch(pullResp(t, 1, `not json`))

	assert.Empty(t, env.transport.frames(t))
	assert.Equal(t, uint32(0), env.session.Statistics().Snapshot().DownlinkCount)
}

func TestAckTokenMatching(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.session

	s.pullData()
	pulls := env.transport.framesOf(t, semtech.PullData)
	require.Len(t, pulls, 1)
	token := pulls[0].Token

	ack := func(typ semtech.MessageType, token uint16) []byte {
		data, err := (&semtech.Frame{Type: typ, Token: token}).MarshalBinary()
		require.NoError(t, err)
		return data
	}

	s.dispatch(ack(semtech.PullAck, token+1))
	assert.True(t, s.pullToken.valid)

	s.dispatch(ack(semtech.PullAck, token))
	assert.False(t, s.pullToken.valid)

	s.pushStat()
	pushes := env.transport.framesOf(t, semtech.PushData)
	require.Len(t, pushes, 1)
	s.dispatch(ack(semtech.PushAck, pushes[0].Token))
	assert.False(t, s.pushToken.valid)
}

func TestPushStatContents(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Location = semtech.Location{Latitude: 46.24, Longitude: 3.25, Altitude: 100}
	})
	st := env.session.Statistics()
	st.IncRX()
	st.IncRXOK()
	st.IncDownlink()

	env.session.pushStat()

	pushes := env.transport.framesOf(t, semtech.PushData)
	require.Len(t, pushes, 1)
	assert.Equal(t, testGatewayID, pushes[0].GatewayID)

	var pkt semtech.StatPacket
	require.NoError(t, json.Unmarshal(pushes[0].Payload, &pkt))
	assert.Equal(t, uint32(1), pkt.Stat.RXNb)
	assert.Equal(t, uint32(1), pkt.Stat.RXOk)
	assert.Equal(t, uint32(0), pkt.Stat.RXFw)
	assert.Equal(t, uint32(1), pkt.Stat.DWNb)
	assert.Equal(t, 46.24, pkt.Stat.Lati)
	assert.Equal(t, semtech.DefaultAckRatio, pkt.Stat.ACKR)
	assert.Len(t, env.observer.stats, 1)
}

func TestUplinkForwarded(t *testing.T) {
	env := newTestEnv(t, nil)
	env.clock.set(777)
	env.driver.rx <- rxFrame{payload: []byte("uplink"), status: radio.StatusOK}

	env.session.handleRadioEvent(radio.RXDone)

	pushes := env.transport.framesOf(t, semtech.PushData)
	require.Len(t, pushes, 1)

	var pkt semtech.RXPacket
	require.NoError(t, json.Unmarshal(pushes[0].Payload, &pkt))
	require.Len(t, pkt.RXPK, 1)
	rx := pkt.RXPK[0]
	assert.Equal(t, uint32(777), rx.Tmst)
	assert.Equal(t, 868.1, rx.Freq)
	assert.Equal(t, "SF7BW125", rx.Datr)
	assert.Equal(t, "4/5", rx.Codr)
	assert.Equal(t, -57, rx.RSSI)
	assert.Equal(t, 9.5, rx.LSNR)
	assert.Equal(t, 6, rx.Size)
	assert.Equal(t, int8(semtech.CRCOK), rx.Stat)

	snap := env.session.Statistics().Snapshot()
	assert.Equal(t, uint32(1), snap.RXCount)
	assert.Equal(t, uint32(1), snap.RXOKCount)
	assert.Equal(t, uint32(1), snap.RXForwarded)
	assert.Equal(t, []string{models.OutcomeForwarded}, env.observer.outcomes())
}

func TestUplinkCRCErrorNotForwarded(t *testing.T) {
	env := newTestEnv(t, nil)
	env.driver.rx <- rxFrame{payload: []byte("bad"), status: radio.StatusCRCError}

	env.session.handleRadioEvent(radio.RXDone)

	assert.Empty(t, env.transport.frames(t))
	snap := env.session.Statistics().Snapshot()
	assert.Equal(t, uint32(1), snap.RXCount)
	assert.Equal(t, uint32(0), snap.RXOKCount)
	assert.Equal(t, uint32(0), snap.RXForwarded)
	assert.Equal(t, []string{models.OutcomeCRCError}, env.observer.outcomes())
}

func TestTXDoneNotDoubleCounted(t *testing.T) {
	env := newTestEnv(t, nil)

	env.session.dispatch(pullResp(t, 1, `{"txpk":{"imme":true,"data":"SGVsbG8=","datr":"SF7BW125","freq":868.1}}`))
	env.session.handleRadioEvent(radio.TXDone)
	assert.Equal(t, uint32(1), env.session.Statistics().Snapshot().TXCount)

	// 驱动独立完成的发送计数
	env.session.handleRadioEvent(radio.TXDone)
	assert.Equal(t, uint32(2), env.session.Statistics().Snapshot().TXCount)
}

func TestTXDoneDuringSendNotDoubleCounted(t *testing.T) {
	env := newTestEnv(t, nil)
	env.driver.txDoneInSend = true
	env.driver.sendDelay = 5 * time.Millisecond
	errCh := runSession(t, env)

	env.transport.inbound <- pullResp(t, 3, `{"txpk":{"imme":true,"data":"SGVsbG8=","datr":"SF7BW125","freq":868.1}}`)
	waitUntil(t, func() bool {
		return len(env.transport.framesOf(t, semtech.TxAck)) == 1 && len(env.driver.events) == 0
	}, "immediate downlink not acked")

	assert.Len(t, env.driver.transmitted(), 1)
	assert.Equal(t, uint32(1), env.session.Statistics().Snapshot().TXCount)

	// 之后独立完成的发送仍然计数
	env.driver.events <- radio.TXDone
	waitUntil(t, func() bool {
		return env.session.Statistics().Snapshot().TXCount == 2
	}, "unsolicited TX_DONE not counted")

	env.session.Stop()
	require.NoError(t, <-errCh)
}

func TestTXDoneAfterFailedSendCounted(t *testing.T) {
	env := newTestEnv(t, nil)
	env.driver.sendErr = errors.New("radio busy")

	env.session.dispatch(pullResp(t, 4, `{"txpk":{"imme":true,"data":"SGVsbG8=","datr":"SF7BW125","freq":868.1}}`))
	assert.Equal(t, uint32(0), env.session.Statistics().Snapshot().TXCount)

	env.session.handleRadioEvent(radio.TXDone)
	assert.Equal(t, uint32(1), env.session.Statistics().Snapshot().TXCount)
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond, msg)
}

func runSession(t *testing.T, env *testEnv) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- env.session.Run(context.Background()) }()
	waitUntil(t, func() bool { return env.session.State() == StateRunning }, "session not running")
	return errCh
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.Equal(t, StateIdle, env.session.State())

	errCh := runSession(t, env)

	// 启动时立即发送 stat 与 PULL_DATA
	waitUntil(t, func() bool {
		return len(env.transport.framesOf(t, semtech.PushData)) == 1 &&
			len(env.transport.framesOf(t, semtech.PullData)) == 1
	}, "initial stat and pull not sent")

	assert.ErrorIs(t, env.session.Run(context.Background()), ErrSessionStarted)

	// 待发下行在停止后不会发送
	const x uint32 = 40_000_000
	env.clock.set(x - DefaultGuard - 1000)
	env.transport.inbound <- pullResp(t, 9, fmt.Sprintf(helloPullResp, x))
	waitUntil(t, func() bool { return env.timers.count() == 1 }, "downlink not scheduled")

	env.session.Stop()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	assert.Equal(t, StateStopped, env.session.State())
	assert.True(t, env.transport.isClosed())
	assert.True(t, env.timers.get(0).stopped.Load())
	<-env.session.Done()

	env.timers.get(0).f()
	assert.Empty(t, env.driver.transmitted())
}

func TestSessionContextCancel(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- env.session.Run(ctx) }()
	waitUntil(t, func() bool { return env.session.State() == StateRunning }, "session not running")

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, StateStopped, env.session.State())
}

func TestStopBeforeRun(t *testing.T) {
	env := newTestEnv(t, nil)
	env.session.Stop()

	assert.Equal(t, StateStopped, env.session.State())
	<-env.session.Done()
	assert.ErrorIs(t, env.session.Run(context.Background()), ErrSessionStarted)
}

func TestStatisticsUnderInterleaving(t *testing.T) {
	const n, m = 50, 20

	env := newTestEnv(t, func(c *Config) { c.StatInterval = time.Millisecond })
	errCh := runSession(t, env)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			env.driver.receive([]byte(fmt.Sprintf("frame-%d", i)), radio.StatusOK)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < m; i++ {
			env.driver.events <- radio.TXDone
		}
	}()
	wg.Wait()

	st := env.session.Statistics()
	waitUntil(t, func() bool {
		s := st.Snapshot()
		return s.RXForwarded == n && s.TXCount == m
	}, "events not processed")

	env.session.Stop()
	require.NoError(t, <-errCh)

	snap := st.Snapshot()
	assert.Equal(t, uint32(n), snap.RXCount)
	assert.Equal(t, uint32(n), snap.RXOKCount)
	assert.Equal(t, uint32(n), snap.RXForwarded)
	assert.Equal(t, uint32(m), snap.TXCount)
}

func TestConcurrentSendsNeverInterleave(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.StatInterval = time.Millisecond
		c.PullInterval = time.Millisecond
	})
	env.transport.sendDelay = 200 * time.Microsecond
	errCh := runSession(t, env)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				env.driver.receive([]byte(fmt.Sprintf("u%d-%d", i, j)), radio.StatusOK)
				env.transport.inbound <- pullResp(t, uint16(j), `{"txpk":{"imme":true,"data":"SGVsbG8=","datr":"SF7BW125","freq":868.1}}`)
			}
		}(i)
	}
	wg.Wait()

	waitUntil(t, func() bool {
		return env.session.Statistics().Snapshot().RXForwarded == 100 &&
			len(env.transport.framesOf(t, semtech.TxAck)) == 100
	}, "traffic not processed")

	env.session.Stop()
	require.NoError(t, <-errCh)

	assert.False(t, env.transport.overlap.Load(), "concurrent datagram writes")
	for _, f := range env.transport.frames(t) {
		if f.Type.HasBody() {
			assert.True(t, json.Valid(f.Payload))
		}
	}
}

func TestSessionStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	const x uint32 = 40_000_000
	env.clock.set(x - DefaultGuard - 1000)
	env.session.dispatch(pullResp(t, 3, fmt.Sprintf(helloPullResp, x)))

	st := env.session.Status()
	assert.Equal(t, env.session.ID(), st.SessionID)
	assert.Equal(t, testGatewayID, st.GatewayID)
	assert.Equal(t, StateIdle, st.State)
	require.NotNil(t, st.Pending)
	assert.Equal(t, x, st.Pending.Tmst)
	assert.Equal(t, uint32(1), st.Stats.DownlinkCount)

	data, err := json.Marshal(st)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"idle"`)
}

func TestObserversFanOut(t *testing.T) {
	env := newTestEnv(t, nil)
	second := &recordingObserver{}
	WithObserver(second)(env.session)

	env.session.pushStat()

	assert.Len(t, env.observer.stats, 1)
	assert.Len(t, second.stats, 1)
}
