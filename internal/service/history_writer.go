package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/QingMing-Bot/pc-manager/internal/domain"
	"github.com/QingMing-Bot/pc-manager/internal/repository"
)

// HistoryWriter 异步批量写入动作历史
type HistoryWriter struct {
	store         repository.HistoryStore
	ch            chan *domain.ActionHistory
	stop          chan struct{}
	flushInterval time.Duration
	batchSize     int
	dropped       atomic.Int64
	log           *zap.Logger
	wg            sync.WaitGroup
	closeOnce     sync.Once
}

func NewHistoryWriter(store repository.HistoryStore, flushInterval time.Duration, batchSize int, log *zap.Logger) *HistoryWriter {
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 20
	}
	if log == nil {
		log = zap.NewNop()
	}
	hw := &HistoryWriter{
		store:         store,
		ch:            make(chan *domain.ActionHistory, batchSize*4),
		stop:          make(chan struct{}),
		flushInterval: flushInterval,
		batchSize:     batchSize,
		log:           log,
	}
	hw.wg.Add(1)
	go hw.loop()
	return hw
}

func (w *HistoryWriter) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()
	batch := make([]*domain.ActionHistory, 0, w.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := w.store.InsertBatch(ctx, batch); err != nil {
			w.log.Error("history flush failed", zap.Int("rows", len(batch)), zap.Error(err))
		}
		cancel()
		batch = make([]*domain.ActionHistory, 0, w.batchSize)
	}
	for {
		select {
		case h := <-w.ch:
			batch = append(batch, h)
			if len(batch) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.stop:
			// 排空缓冲
			for {
				select {
				case h := <-w.ch:
					batch = append(batch, h)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Write 不阻塞; 缓冲满时丢弃
func (w *HistoryWriter) Write(h domain.ActionHistory) {
	select {
	case w.ch <- &h:
	default:
		n := w.dropped.Add(1)
		w.log.Warn("history buffer full, entry dropped", zap.String("machine", h.MachineName),
			zap.String("action", h.Action), zap.Int64("dropped_total", n))
	}
}

// Dropped returns the number of entries lost to a full buffer.
func (w *HistoryWriter) Dropped() int64 { return w.dropped.Load() }

// Close flushes pending entries and stops the writer.
func (w *HistoryWriter) Close() {
	w.closeOnce.Do(func() { close(w.stop) })
	w.wg.Wait()
}

// RunRetention trims history every interval until ctx is done.
func RunRetention(ctx context.Context, store repository.HistoryStore, every time.Duration, days, maxRows int, log *zap.Logger) {
	if days <= 0 && maxRows <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Cleanup(ctx, days, maxRows); err != nil && ctx.Err() == nil {
				log.Warn("history cleanup failed", zap.Error(err))
			}
		}
	}
}
