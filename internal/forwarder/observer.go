package forwarder

import (
	"github.com/lorawan-server/single-chan-pktfwd/internal/models"
)

// Observer 接收转发器活动通知（事件镜像、帧日志）。实现不得阻塞。
type Observer interface {
	ObserveFrame(f *models.Frame)
	ObserveStat(r *models.StatReport)
	ObserveTXAck(r *models.TXAckReport)
}

// Observers 依次通知多个 Observer
type Observers []Observer

func (o Observers) ObserveFrame(f *models.Frame) {
	for _, obs := range o {
		obs.ObserveFrame(f)
	}
}

func (o Observers) ObserveStat(r *models.StatReport) {
	for _, obs := range o {
		obs.ObserveStat(r)
	}
}

func (o Observers) ObserveTXAck(r *models.TXAckReport) {
	for _, obs := range o {
		obs.ObserveTXAck(r)
	}
}
