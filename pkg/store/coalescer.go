package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	coalesceBatchSize = 100
	coalesceInterval  = 2 * time.Second
)

// WriteCoalescer buffers upserts and flushes them in the background so that
// request handling never waits on BadgerDB writes.
type WriteCoalescer struct {
	store   *ResultStore
	logger  *zap.Logger
	lock    sync.Mutex
	pending []Record
	wake    chan struct{}
}

func NewWriteCoalescer(store *ResultStore, logger *zap.Logger) *WriteCoalescer {
	return &WriteCoalescer{
		store:  store,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue buffers one record. It never blocks.
func (c *WriteCoalescer) Enqueue(record Record) {
	c.lock.Lock()
	c.pending = append(c.pending, record)
	full := len(c.pending) >= coalesceBatchSize
	c.lock.Unlock()
	if full {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

// EnqueueMany buffers multiple records. It never blocks.
func (c *WriteCoalescer) EnqueueMany(records []Record) {
	c.lock.Lock()
	c.pending = append(c.pending, records...)
	full := len(c.pending) >= coalesceBatchSize
	c.lock.Unlock()
	if full {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

// Run flushes pending records whenever the buffer fills up or the flush
// interval passes, and does a final flush when ctx is done.
// Meant to be called in a new goroutine.
func (c *WriteCoalescer) Run(ctx context.Context) {
	c.logger.Debug("Starting write coalescer")
	ticker := time.NewTicker(coalesceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Flush()
			c.logger.Debug("Stopping write coalescer")
			return
		case <-ticker.C:
			c.Flush()
		case <-c.wake:
			c.Flush()
		}
	}
}

// Flush writes all pending records now.
func (c *WriteCoalescer) Flush() {
	c.lock.Lock()
	pending := c.pending
	c.pending = nil
	c.lock.Unlock()
	if len(pending) == 0 {
		return
	}
	if err := c.store.UpsertMany(pending); err != nil {
		c.logger.Error("Couldn't flush coalesced upserts", zap.Error(err), zap.Int("recordCount", len(pending)))
		return
	}
	c.logger.Debug("Flushed coalesced upserts", zap.Int("recordCount", len(pending)))
}
