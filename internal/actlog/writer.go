package actlog

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Writer decouples activation logging from the turn-processing critical
// path. Batches are consumed by a single goroutine, which preserves write
// order per conversation. A full buffer or a persistently failing sink drops
// batches with a warning; logging must never block or fail a turn.
type Writer struct {
	sink   Sink
	logger *zap.Logger

	ch     chan []Entry
	done   chan struct{}
	closed sync.Once
}

// NewWriter starts the background writer with the given buffer size.
func NewWriter(sink Sink, bufferSize int, logger *zap.Logger) *Writer {
	w := &Writer{
		sink:   sink,
		logger: logger,
		ch:     make(chan []Entry, bufferSize),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

// Enqueue submits a batch for asynchronous persistence. Never blocks: if the
// buffer is full the batch is dropped and a warning is logged.
func (w *Writer) Enqueue(entries []Entry) {
	if len(entries) == 0 {
		return
	}
	select {
	case w.ch <- entries:
	default:
		w.logger.Warn("activation log buffer full, dropping batch",
			zap.Int("entries", len(entries)))
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for batch := range w.ch {
		w.write(batch)
	}
}

// write persists one batch with a short exponential backoff. A batch that
// still fails after the retries is dropped; the failure never propagates.
func (w *Writer) write(batch []Entry) {
	op := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return w.sink.Append(ctx, batch)
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(op, policy); err != nil {
		w.logger.Error("activation log write failed, dropping batch",
			zap.Int("entries", len(batch)), zap.Error(err))
	}
}

// Close flushes buffered batches and stops the writer.
func (w *Writer) Close() {
	w.closed.Do(func() {
		close(w.ch)
	})
	<-w.done
}
