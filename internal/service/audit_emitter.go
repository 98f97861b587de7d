// Package service wires the domain layers into the per-request proxy flow
// and the background workers around it.
package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cerberus-gate/cerberus/internal/domain/audit"
)

// AuditEmitter persists decisions asynchronously: a bounded in-process
// channel feeds a background worker that batches writes. The hot path is
// never blocked; when the channel is full past the send timeout, the
// decision is dropped and counted.
type AuditEmitter struct {
	store         audit.Store
	decisions     chan audit.Decision
	wg            sync.WaitGroup
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration

	channelSize int
	sendTimeout time.Duration // 0 = drop immediately when full
	dropCount   atomic.Int64

	warningThreshold int          // depth percent that triggers a warning log
	lastWarning      atomic.Int64 // rate-limits warnings (unix nanos)

	adaptiveFlushThreshold int // depth percent that quarters the flush interval
}

// EmitterOption configures an AuditEmitter.
type EmitterOption func(*AuditEmitter)

// WithBatchSize sets how many decisions are batched per store write.
func WithBatchSize(size int) EmitterOption {
	return func(e *AuditEmitter) { e.batchSize = size }
}

// WithFlushInterval sets the periodic flush interval.
func WithFlushInterval(interval time.Duration) EmitterOption {
	return func(e *AuditEmitter) { e.flushInterval = interval }
}

// WithChannelSize sets the decision channel buffer size.
func WithChannelSize(size int) EmitterOption {
	return func(e *AuditEmitter) {
		e.decisions = make(chan audit.Decision, size)
		e.channelSize = size
	}
}

// WithSendTimeout sets the backpressure budget: 0 drops immediately when
// the channel is full, >0 blocks up to the timeout before dropping.
func WithSendTimeout(timeout time.Duration) EmitterOption {
	return func(e *AuditEmitter) { e.sendTimeout = timeout }
}

// WithWarningThreshold sets the channel depth percentage (0-100) above
// which a capacity warning is logged.
func WithWarningThreshold(percent int) EmitterOption {
	return func(e *AuditEmitter) { e.warningThreshold = clampPercent(percent) }
}

// WithAdaptiveFlushThreshold sets the depth percentage above which the
// flush interval drops to a quarter. 0 disables adaptive flushing.
func WithAdaptiveFlushThreshold(percent int) EmitterOption {
	return func(e *AuditEmitter) { e.adaptiveFlushThreshold = clampPercent(percent) }
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// NewAuditEmitter builds an emitter over a decision store.
func NewAuditEmitter(store audit.Store, logger *slog.Logger, opts ...EmitterOption) *AuditEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	const defaultChannelSize = 1000
	e := &AuditEmitter{
		store:                  store,
		decisions:              make(chan audit.Decision, defaultChannelSize),
		logger:                 logger,
		batchSize:              100,
		flushInterval:          time.Second,
		channelSize:            defaultChannelSize,
		sendTimeout:            100 * time.Millisecond,
		warningThreshold:       80,
		adaptiveFlushThreshold: 80,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start begins the background worker.
func (e *AuditEmitter) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.worker(ctx)
}

// Emit hands a decision to the background worker. Fast non-blocking send
// first; when the channel is full, blocks up to the send timeout, then
// drops with a counter increment. Never returns an error to the hot path.
func (e *AuditEmitter) Emit(decision audit.Decision) {
	if e.warningThreshold > 0 {
		depth := len(e.decisions)
		if depth >= e.channelSize*e.warningThreshold/100 {
			e.warnChannelDepth(depth)
		}
	}

	select {
	case e.decisions <- decision:
		return
	default:
	}

	if e.sendTimeout <= 0 {
		e.recordDrop(decision)
		return
	}

	select {
	case e.decisions <- decision:
	case <-time.After(e.sendTimeout):
		e.recordDrop(decision)
	}
}

func (e *AuditEmitter) recordDrop(decision audit.Decision) {
	drops := e.dropCount.Add(1)
	e.logger.Warn("audit decision dropped",
		"request_id", decision.RequestID,
		"direction", decision.Direction,
		"total_drops", drops,
	)
}

// warnChannelDepth logs a capacity warning at most once per second.
func (e *AuditEmitter) warnChannelDepth(depth int) {
	now := time.Now().UnixNano()
	last := e.lastWarning.Load()
	if now-last < int64(time.Second) {
		return
	}
	if e.lastWarning.CompareAndSwap(last, now) {
		e.logger.Warn("audit channel approaching capacity",
			"depth", depth,
			"capacity", e.channelSize,
			"percent", depth*100/e.channelSize,
		)
	}
}

// DroppedDecisions returns the total dropped decisions, for metrics.
func (e *AuditEmitter) DroppedDecisions() int64 {
	return e.dropCount.Load()
}

// ChannelDepth returns the current channel usage, for monitoring.
func (e *AuditEmitter) ChannelDepth() int {
	return len(e.decisions)
}

// ChannelCapacity returns the channel buffer size.
func (e *AuditEmitter) ChannelCapacity() int {
	return e.channelSize
}

// Stop closes the channel and waits for the worker to drain and flush.
func (e *AuditEmitter) Stop() {
	close(e.decisions)
	e.wg.Wait()
}

func (e *AuditEmitter) worker(ctx context.Context) {
	defer e.wg.Done()

	batch := make([]audit.Decision, 0, e.batchSize)
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	fastMode := false

	for {
		select {
		case decision, ok := <-e.decisions:
			if !ok {
				if len(batch) > 0 {
					flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					e.flush(flushCtx, batch)
					cancel()
				}
				return
			}
			batch = append(batch, decision)

			shouldFlush := len(batch) >= e.batchSize
			if !shouldFlush && e.adaptiveFlushThreshold > 0 {
				if e.depthPercent() >= e.adaptiveFlushThreshold {
					shouldFlush = true
				}
			}
			if shouldFlush {
				e.flush(ctx, batch)
				batch = batch[:0]
			}

			if e.adaptiveFlushThreshold > 0 {
				percent := e.depthPercent()
				if percent >= e.adaptiveFlushThreshold && !fastMode {
					ticker.Reset(e.flushInterval / 4)
					fastMode = true
				} else if percent < e.adaptiveFlushThreshold && fastMode {
					ticker.Reset(e.flushInterval)
					fastMode = false
				}
			}

		case <-ticker.C:
			if len(batch) > 0 {
				e.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			// Drain whatever the producers managed to enqueue, then a
			// final bounded flush.
		drain:
			for {
				select {
				case decision, ok := <-e.decisions:
					if !ok {
						break drain
					}
					batch = append(batch, decision)
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				e.flush(flushCtx, batch)
				cancel()
			}
			return
		}
	}
}

func (e *AuditEmitter) depthPercent() int {
	return len(e.decisions) * 100 / e.channelSize
}

// flush writes a batch. Errors are logged, never propagated: audit must
// not fail proxy operations.
func (e *AuditEmitter) flush(ctx context.Context, batch []audit.Decision) {
	if err := e.store.WriteBatch(ctx, batch); err != nil {
		e.logger.Error("failed to write audit batch",
			"error", err,
			"count", len(batch),
		)
	}
}
