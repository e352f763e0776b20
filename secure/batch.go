package secure

import (
	"sync"
	"time"
)

// BatchConfig is the record-batching configuration spec §6 lists.
type BatchConfig struct {
	Enabled             bool
	MaxBatchSize        int
	MinMessageSize      int
	MaxMessagesPerBatch int
	MaxDelay            time.Duration
}

type queuedRecord struct {
	data     []byte
	queuedAt time.Time
}

// Batcher implements spec §4.4's optional record batching: records at or
// above MinMessageSize are queued and drained as one transport write once
// any trigger fires. It runs a dedicated background goroutine, the same
// shape smux/shaper.go uses for its own write-coalescing loop.
type Batcher struct {
	cfg    BatchConfig
	sendFn func([]byte) error

	mu         sync.Mutex
	queue      []queuedRecord
	totalBytes int

	closed chan struct{}
	done   chan struct{}
}

// NewBatcher builds a Batcher that writes drained batches through sendFn.
// If cfg.Enabled is false, Enqueue always sends immediately and no
// background goroutine is started.
func NewBatcher(cfg BatchConfig, sendFn func([]byte) error) *Batcher {
	b := &Batcher{
		cfg:    cfg,
		sendFn: sendFn,
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	if cfg.Enabled {
		go b.run()
	} else {
		close(b.done)
	}
	return b
}

// Enqueue accepts one outgoing record. Records shorter than
// cfg.MinMessageSize, or all records when batching is disabled, are sent
// immediately.
func (b *Batcher) Enqueue(record []byte) error {
	if !b.cfg.Enabled || len(record) < b.cfg.MinMessageSize {
		return b.sendFn(record)
	}

	b.mu.Lock()
	b.queue = append(b.queue, queuedRecord{data: record, queuedAt: time.Now()})
	b.totalBytes += len(record)
	trigger := b.totalBytes >= b.cfg.MaxBatchSize || len(b.queue) >= b.cfg.MaxMessagesPerBatch
	b.mu.Unlock()

	if trigger {
		return b.drain()
	}
	return nil
}

func (b *Batcher) drain() error {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return nil
	}
	buf := make([]byte, 0, b.totalBytes)
	for _, r := range b.queue {
		buf = append(buf, r.data...)
	}
	b.queue = nil
	b.totalBytes = 0
	b.mu.Unlock()

	return b.sendFn(buf)
}

func (b *Batcher) run() {
	defer close(b.done)
	interval := b.cfg.MaxDelay / 4
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			expired := len(b.queue) > 0 && time.Since(b.queue[0].queuedAt) >= b.cfg.MaxDelay
			b.mu.Unlock()
			if expired {
				b.drain()
			}
		case <-b.closed:
			return
		}
	}
}

// Close stops the background drain goroutine and flushes any remaining
// queued records (spec §4.4: "flushed on shutdown").
func (b *Batcher) Close() error {
	if b.cfg.Enabled {
		close(b.closed)
		<-b.done
	}
	return b.drain()
}
