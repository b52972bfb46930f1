package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// FindingBuffer buffers archive records for batch insertion.
// It flushes on either batch size threshold or time interval,
// whichever comes first. When the buffer reaches max capacity the
// oldest records are dropped. Add never waits on the repository: only
// the flush loop, Flush and Close insert.
type FindingBuffer struct {
	repo          FindingRepository
	logger        *zap.Logger
	batchSize     int
	flushInterval time.Duration
	maxSize       int

	mu       sync.Mutex
	buffer   []*FindingRecord
	flushCh  chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopped  atomic.Bool
	dropped  atomic.Int64
	flushed  atomic.Int64
	inserted atomic.Int64
}

// FindingBufferConfig holds FindingBuffer configuration.
type FindingBufferConfig struct {
	// BatchSize is the number of records to trigger a flush.
	BatchSize int

	// FlushInterval is the time interval to trigger a flush.
	FlushInterval time.Duration

	// MaxSize is the maximum buffer size. When reached, oldest records are dropped.
	MaxSize int
}

// NewFindingBuffer creates a new buffer and starts its flush loop.
func NewFindingBuffer(repo FindingRepository, config *FindingBufferConfig, logger *zap.Logger) *FindingBuffer {
	if config.BatchSize == 0 {
		config.BatchSize = 500
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.MaxSize == 0 {
		config.MaxSize = 50000
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &FindingBuffer{
		repo:          repo,
		logger:        logger.Named("archive_buffer"),
		batchSize:     config.BatchSize,
		flushInterval: config.FlushInterval,
		maxSize:       config.MaxSize,
		buffer:        make([]*FindingRecord, 0, config.BatchSize),
		flushCh:       make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}

	go b.flushLoop()
	return b
}

// Add adds a record to the buffer.
func (b *FindingBuffer) Add(rec *FindingRecord) error {
	return b.AddBatch([]*FindingRecord{rec})
}

// AddBatch adds multiple records to the buffer. Reaching the batch size
// wakes the flush loop.
func (b *FindingBuffer) AddBatch(records []*FindingRecord) error {
	if b.stopped.Load() {
		return nil
	}

	b.mu.Lock()

	newLen := len(b.buffer) + len(records)
	if newLen > b.maxSize {
		toDrop := newLen - b.maxSize
		if toDrop >= len(b.buffer) {
			b.dropped.Add(int64(len(b.buffer)))
			b.buffer = b.buffer[:0]
			keep := b.maxSize
			if keep > len(records) {
				keep = len(records)
			}
			drop := len(records) - keep
			b.dropped.Add(int64(drop))
			records = records[drop:]
		} else {
			b.dropped.Add(int64(toDrop))
			b.buffer = b.buffer[toDrop:]
		}
		b.logger.Warn("archive buffer overflow", zap.Int("dropped", toDrop))
	}

	b.buffer = append(b.buffer, records...)
	shouldFlush := len(b.buffer) >= b.batchSize
	b.mu.Unlock()

	if shouldFlush {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// Flush forces a flush of the current buffer.
func (b *FindingBuffer) Flush() error {
	b.mu.Lock()
	if len(b.buffer) == 0 {
		b.mu.Unlock()
		return nil
	}

	toFlush := b.buffer
	b.buffer = make([]*FindingRecord, 0, b.batchSize)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := b.repo.InsertBatch(ctx, toFlush); err != nil {
		// Put records back at the front so they go out with the next flush.
		b.mu.Lock()
		b.buffer = append(toFlush, b.buffer...)
		if len(b.buffer) > b.maxSize {
			excess := len(b.buffer) - b.maxSize
			b.dropped.Add(int64(excess))
			b.buffer = b.buffer[excess:]
		}
		b.mu.Unlock()
		return err
	}

	b.flushed.Add(1)
	b.inserted.Add(int64(len(toFlush)))
	return nil
}

func (b *FindingBuffer) flushLoop() {
	defer close(b.doneCh)
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	// After a failed insert, size-triggered flushes wait for the next tick.
	var failedAt time.Time
	flush := func() {
		if err := b.Flush(); err != nil {
			failedAt = time.Now()
			b.logger.Error("flush failed", zap.Error(err))
			return
		}
		failedAt = time.Time{}
	}

	for {
		select {
		case <-ticker.C:
			flush()
		case <-b.flushCh:
			if failedAt.IsZero() || time.Since(failedAt) >= b.flushInterval {
				flush()
			}
		case <-b.stopCh:
			if err := b.Flush(); err != nil {
				b.logger.Error("final flush failed", zap.Error(err))
			}
			return
		}
	}
}

// Close stops the buffer and flushes remaining records.
func (b *FindingBuffer) Close() error {
	if b.stopped.Swap(true) {
		return nil
	}
	close(b.stopCh)
	<-b.doneCh
	return nil
}

// Stats returns buffer statistics.
func (b *FindingBuffer) Stats() FindingBufferStats {
	b.mu.Lock()
	pending := len(b.buffer)
	b.mu.Unlock()

	return FindingBufferStats{
		Pending:  pending,
		Dropped:  b.dropped.Load(),
		Flushed:  b.flushed.Load(),
		Inserted: b.inserted.Load(),
	}
}

// FindingBufferStats contains buffer statistics.
type FindingBufferStats struct {
	// Pending is the number of records waiting to be flushed.
	Pending int

	// Dropped is the total number of records dropped due to backpressure.
	Dropped int64

	// Flushed is the total number of flush operations.
	Flushed int64

	// Inserted is the total number of records successfully inserted.
	Inserted int64
}
