package runlog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/kafka"
)

// Publisher is the write side of the run-event topic.
type Publisher interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// Collector buffers run events and publishes them in batches, when the
// buffer reaches batchSize or every flushInterval. Tracking never blocks the
// request path; events beyond maxBuffered are dropped with a warning.
type Collector struct {
	publisher     Publisher
	mu            sync.Mutex
	buffer        []kafka.Event
	batchSize     int
	maxBuffered   int
	flushInterval time.Duration
	flushCh       chan struct{}
	dropped       uint64
	logger        *slog.Logger
	done          chan struct{}
}

func NewCollector(publisher Publisher, batchSize int, flushInterval time.Duration) *Collector {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Collector{
		publisher:     publisher,
		buffer:        make([]kafka.Event, 0, batchSize),
		batchSize:     batchSize,
		maxBuffered:   batchSize * 10,
		flushInterval: flushInterval,
		flushCh:       make(chan struct{}, 1),
		logger:        slog.Default().With("component", "run-collector"),
		done:          make(chan struct{}),
	}
}

// Start launches the flush loop. It returns immediately; the loop ends with
// a final flush once ctx is cancelled.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.flush(ctx)
			case <-c.flushCh:
				c.flush(ctx)
			case <-ctx.Done():
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				c.flush(flushCtx)
				cancel()
				return
			}
		}
	}()
	c.logger.Info("run collector started", "batch_size", c.batchSize, "flush_interval", c.flushInterval)
}

// Track queues one event, keyed by source so a source's runs stay ordered
// within a partition.
func (c *Collector) Track(ev RunEvent) {
	c.mu.Lock()
	if len(c.buffer) >= c.maxBuffered {
		c.dropped++
		dropped := c.dropped
		c.mu.Unlock()
		c.logger.Warn("run event dropped (buffer full)", "dropped_total", dropped)
		return
	}
	c.buffer = append(c.buffer, kafka.Event{Key: ev.Source, Value: ev})
	full := len(c.buffer) >= c.batchSize
	c.mu.Unlock()

	if full {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
}

// Close waits for the flush loop to finish. Cancel the Start context first.
func (c *Collector) Close() {
	<-c.done
}

// Buffered returns the number of events waiting to be published.
func (c *Collector) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

func (c *Collector) flush(ctx context.Context) {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]kafka.Event, 0, c.batchSize)
	c.mu.Unlock()

	if err := c.publisher.PublishBatch(ctx, batch); err != nil {
		c.logger.Error("run event flush failed", "batch_size", len(batch), "error", err)
		c.mu.Lock()
		c.buffer = append(batch, c.buffer...)
		if len(c.buffer) > c.maxBuffered {
			dropped := len(c.buffer) - c.maxBuffered
			c.buffer = c.buffer[:c.maxBuffered]
			c.dropped += uint64(dropped)
			c.logger.Warn("run events dropped after failed flush", "dropped", dropped)
		}
		c.mu.Unlock()
		return
	}
	c.logger.Debug("run events flushed", "events", len(batch))
}
