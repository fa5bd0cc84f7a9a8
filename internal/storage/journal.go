package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/single-chan-pktfwd/internal/models"
)

const journalWriteTimeout = 5 * time.Second

// Journal writes frames to a Store from a background worker. Frames are
// dropped with a warning when the queue is full.
type Journal struct {
	store Store
	queue chan *models.Frame

	dropped atomic.Uint64
	closeMu sync.RWMutex
	closed  bool
	done    chan struct{}
}

// NewJournal starts the writer goroutine
func NewJournal(store Store, queueSize int) *Journal {
	if queueSize <= 0 {
		queueSize = 256
	}
	j := &Journal{
		store: store,
		queue: make(chan *models.Frame, queueSize),
		done:  make(chan struct{}),
	}
	go j.run()
	return j
}

// Store returns the underlying store
func (j *Journal) Store() Store {
	return j.store
}

// Dropped returns the number of frames dropped on overflow
func (j *Journal) Dropped() uint64 {
	return j.dropped.Load()
}

// ObserveFrame queues a frame for writing
func (j *Journal) ObserveFrame(f *models.Frame) {
	j.closeMu.RLock()
	defer j.closeMu.RUnlock()

	if j.closed {
		return
	}

	select {
	case j.queue <- f:
	default:
		n := j.dropped.Add(1)
		log.Warn().
			Str("frame", f.ID.String()).
			Uint64("dropped", n).
			Msg("帧日志队列已满，丢弃")
	}
}

// ObserveStat is not journaled
func (j *Journal) ObserveStat(*models.StatReport) {}

// ObserveTXAck is not journaled
func (j *Journal) ObserveTXAck(*models.TXAckReport) {}

// Close flushes queued frames and stops the writer
func (j *Journal) Close() {
	j.closeMu.Lock()
	if j.closed {
		j.closeMu.Unlock()
		return
	}
	j.closed = true
	close(j.queue)
	j.closeMu.Unlock()

	<-j.done
}

func (j *Journal) run() {
	defer close(j.done)

	for f := range j.queue {
		ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
		if err := j.store.CreateFrame(ctx, f); err != nil {
			log.Error().Err(err).Str("frame", f.ID.String()).Msg("写入帧日志失败")
		}
		cancel()
	}
}
