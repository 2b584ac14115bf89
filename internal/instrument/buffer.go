package instrument

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventSink persists a batch of events.
type EventSink interface {
	WriteEvents(ctx context.Context, events []Event) error
}

// EventBuffer collects events in memory and periodically flushes them to
// the sink in one batch.
type EventBuffer struct {
	mu      sync.Mutex
	events  []Event
	sink    EventSink
	logger  *zap.SugaredLogger
	maxSize int
	ticker  *time.Ticker
	done    chan struct{}
	stop    sync.Once
}

// NewEventBuffer creates a buffer that flushes on a timer or when full.
func NewEventBuffer(sink EventSink, maxSize int, flushIntervalMs int, logger *zap.SugaredLogger) *EventBuffer {
	if maxSize <= 0 {
		maxSize = 500
	}
	if flushIntervalMs <= 0 {
		flushIntervalMs = 100
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	eb := &EventBuffer{
		sink:    sink,
		logger:  logger,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	eb.ticker = time.NewTicker(time.Duration(flushIntervalMs) * time.Millisecond)
	go eb.run()
	return eb
}

func (eb *EventBuffer) run() {
	for {
		select {
		case <-eb.done:
			return
		case <-eb.ticker.C:
			eb.Flush()
		}
	}
}

// Enqueue adds an event to the buffer. If the buffer is full, a flush
// is triggered asynchronously.
func (eb *EventBuffer) Enqueue(event Event) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	eb.mu.Lock()
	eb.events = append(eb.events, event)
	shouldFlush := len(eb.events) >= eb.maxSize
	eb.mu.Unlock()
	if shouldFlush {
		go eb.Flush()
	}
}

// Len returns the number of events waiting for the next flush.
func (eb *EventBuffer) Len() int {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	return len(eb.events)
}

// Flush writes all buffered events to the sink. A failed batch is dropped.
func (eb *EventBuffer) Flush() {
	eb.mu.Lock()
	if len(eb.events) == 0 {
		eb.mu.Unlock()
		return
	}
	batch := eb.events
	eb.events = nil
	eb.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eb.sink.WriteEvents(ctx, batch); err != nil {
		eb.logger.Errorw("event buffer flush failed", "events", len(batch), "error", err)
	}
}

// Stop halts the background ticker and flushes remaining events.
func (eb *EventBuffer) Stop() {
	eb.stop.Do(func() {
		eb.ticker.Stop()
		close(eb.done)
		eb.Flush()
	})
}
