package duckdb

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinytelemetry/errtally/internal/metrics"
)

// DefaultFlushQueueSize is the number of batches that can be queued for async flushing.
const DefaultFlushQueueSize = 64

// InboxBatchWriter persists a batch of inbox lines.
type InboxBatchWriter interface {
	InsertInboxBatch(lines []InboxLine) error
}

// InboxBuffer batches incoming lines and flushes them to the inbox
// asynchronously. Add never blocks on DuckDB writes.
type InboxBuffer struct {
	writer        InboxBatchWriter
	mu            sync.Mutex
	pending       []InboxLine
	flushChan     chan []InboxLine
	maxBatch      int
	flushInterval time.Duration
	done          chan struct{}
	wg            sync.WaitGroup
	tickWg        sync.WaitGroup
	stopOnce      sync.Once

	backpressureCount atomic.Int64
	lastBPLog         atomic.Int64
}

// InboxBufferConfig holds tunable parameters for the inbox buffer.
type InboxBufferConfig struct {
	BatchSize      int
	FlushInterval  time.Duration
	FlushQueueSize int
}

// NewInboxBuffer creates a buffer that flushes to writer.
func NewInboxBuffer(writer InboxBatchWriter, conf ...InboxBufferConfig) *InboxBuffer {
	batchSize := 500
	flushInterval := 250 * time.Millisecond
	flushQueueSize := DefaultFlushQueueSize
	if len(conf) > 0 {
		if conf[0].BatchSize > 0 {
			batchSize = conf[0].BatchSize
		}
		if conf[0].FlushInterval > 0 {
			flushInterval = conf[0].FlushInterval
		}
		if conf[0].FlushQueueSize > 0 {
			flushQueueSize = conf[0].FlushQueueSize
		}
	}

	b := &InboxBuffer{
		writer:        writer,
		pending:       make([]InboxLine, 0, batchSize),
		flushChan:     make(chan []InboxLine, flushQueueSize),
		maxBatch:      batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}

	b.wg.Add(1)
	go b.flushWorker()

	b.wg.Add(1)
	b.tickWg.Add(1)
	go b.tickLoop()

	return b
}

func (b *InboxBuffer) tickLoop() {
	defer b.wg.Done()
	defer b.tickWg.Done()
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.drainPending()
		case <-b.done:
			b.drainPending()
			return
		}
	}
}

// logBackpressure warns at most once per 10 seconds about inline flushes.
func (b *InboxBuffer) logBackpressure() {
	count := b.backpressureCount.Add(1)
	now := time.Now().Unix()
	last := b.lastBPLog.Load()
	if now-last >= 10 && b.lastBPLog.CompareAndSwap(last, now) {
		log.Printf("duckdb: backpressure, %d inline inbox flushes", count)
	}
}

func (b *InboxBuffer) drainPending() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = make([]InboxLine, 0, b.maxBatch)
	b.mu.Unlock()
	b.enqueue(batch)
}

func (b *InboxBuffer) enqueue(batch []InboxLine) {
	select {
	case b.flushChan <- batch:
	default:
		b.logBackpressure()
		b.flushBatch(batch)
	}
}

func (b *InboxBuffer) flushWorker() {
	defer b.wg.Done()
	for batch := range b.flushChan {
		b.flushBatch(batch)
	}
}

// Add queues a line. A zero ReceivedAt is stamped with the current time.
func (b *InboxBuffer) Add(line InboxLine) {
	if line.ReceivedAt.IsZero() {
		line.ReceivedAt = time.Now().UTC()
	}

	b.mu.Lock()
	b.pending = append(b.pending, line)
	var batch []InboxLine
	if len(b.pending) >= b.maxBatch {
		batch = b.pending
		b.pending = make([]InboxLine, 0, b.maxBatch)
	}
	b.mu.Unlock()

	if batch != nil {
		b.enqueue(batch)
	}
}

// Stop flushes remaining lines and waits for all writes to complete.
func (b *InboxBuffer) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.tickWg.Wait()
		close(b.flushChan)
		b.wg.Wait()
	})
}

func (b *InboxBuffer) flushBatch(batch []InboxLine) {
	if len(batch) == 0 {
		return
	}
	if err := b.writer.InsertInboxBatch(batch); err != nil {
		log.Printf("duckdb: inbox flush error: %v", err)
		return
	}
	bySource := make(map[string]int)
	for _, l := range batch {
		bySource[l.Source]++
	}
	for src, n := range bySource {
		metrics.ObserveInbox(src, n)
	}
}
