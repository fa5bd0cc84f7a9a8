package forwarder

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/single-chan-pktfwd/internal/models"
	"github.com/lorawan-server/single-chan-pktfwd/internal/radio"
	"github.com/lorawan-server/single-chan-pktfwd/pkg/semtech"
)

// radioLoop 射频事件处理：从 driver 事件通道读取 RX_DONE / TX_DONE
func (s *Session) radioLoop() {
	defer s.wg.Done()

	events := s.driver.Events()
	for {
		select {
		case <-s.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				log.Warn().Msg("射频事件通道已关闭")
				return
			}
			s.handleRadioEvent(ev)
		}
	}
}

func (s *Session) handleRadioEvent(ev radio.EventKind) {
	if ev.Has(radio.RXDone) {
		s.handleRX()
	}
	if ev.Has(radio.TXDone) {
		if s.stats.TXDone() {
			log.Debug().Msg("驱动报告独立完成的发送")
		}
	}
}

// handleRX 读取一帧，构建 rxpk 并以 PUSH_DATA 转发
func (s *Session) handleRX() {
	payload, status, err := s.driver.Recv()
	if err != nil {
		if errors.Is(err, radio.ErrNoFrame) {
			log.Debug().Msg("RX_DONE 但没有可读的帧")
			return
		}
		log.Warn().Err(err).Msg("读取射频帧失败")
		return
	}

	s.stats.IncRX()

	info := semtech.RxInfo{
		Time:       s.now(),
		Tmst:       s.clock.Ticks(),
		Frequency:  s.cfg.Frequency,
		DataRate:   s.cfg.DataRate,
		CodingRate: s.cfg.CodingRate,
		CRCStatus:  semtech.CRCOK,
		SNR:        s.driver.SNR(),
		Payload:    payload,
	}
	if r, ok := s.driver.(radio.RSSIReader); ok {
		info.RSSI = r.RSSI()
	}

	frame := s.uplinkFrame(info)

	if status != radio.StatusOK {
		s.metrics.UplinkReceived(false)
		log.Warn().
			Stringer("status", status).
			Int("size", len(payload)).
			Msg("接收帧校验失败，不转发")
		frame.Outcome = models.OutcomeCRCError
		s.observer.ObserveFrame(frame)
		return
	}

	s.stats.IncRXOK()
	s.metrics.UplinkReceived(true)

	if err := s.push(semtech.NewRXPacket(info)); err != nil {
		log.Warn().Err(err).Int("size", len(payload)).Msg("转发上行失败")
		frame.Outcome = models.OutcomeSendFailed
		s.observer.ObserveFrame(frame)
		return
	}

	s.stats.IncRXForwarded()
	s.metrics.UplinkForwarded()

	frame.Outcome = models.OutcomeForwarded
	s.observer.ObserveFrame(frame)

	log.Info().
		Uint32("tmst", info.Tmst).
		Int("rssi", info.RSSI).
		Float64("snr", info.SNR).
		Int("size", len(payload)).
		Msg("上行已转发")
}

func (s *Session) uplinkFrame(info semtech.RxInfo) *models.Frame {
	f := models.NewFrame(s.id, s.cfg.GatewayID, models.DirectionUplink)
	f.Tmst = info.Tmst
	f.Frequency = info.Frequency
	f.DataRate = info.DataRate
	f.CodingRate = info.CodingRate
	f.RSSI = info.RSSI
	f.SNR = info.SNR
	f.Payload = info.Payload
	return f
}
