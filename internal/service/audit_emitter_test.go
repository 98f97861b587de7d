package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/cerberus-gate/cerberus/internal/domain/audit"
	"github.com/cerberus-gate/cerberus/internal/domain/governance"
)

// recordingAuditStore collects written batches for assertions.
type recordingAuditStore struct {
	mu      sync.Mutex
	batches [][]audit.Decision
	delay   time.Duration
}

func (s *recordingAuditStore) WriteBatch(_ context.Context, decisions []audit.Decision) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := make([]audit.Decision, len(decisions))
	copy(batch, decisions)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *recordingAuditStore) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func testDecision(i int) audit.Decision {
	return audit.Decision{
		DecisionID:  fmt.Sprintf("dec-%d", i),
		RequestID:   fmt.Sprintf("req-%d", i),
		TenantID:    "t-1",
		Direction:   governance.DirectionRequest,
		FinalAction: governance.ActionAllow,
		CreatedAt:   time.Now().UTC(),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAuditEmitterDrainsOnStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &recordingAuditStore{}
	e := NewAuditEmitter(store, discardLogger(),
		WithBatchSize(10),
		WithFlushInterval(time.Hour), // only the drain flushes
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	for i := 0; i < 7; i++ {
		e.Emit(testDecision(i))
	}
	e.Stop()

	if got := store.total(); got != 7 {
		t.Errorf("decisions persisted = %d, want 7", got)
	}
}

func TestAuditEmitterBatchFlush(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &recordingAuditStore{}
	e := NewAuditEmitter(store, discardLogger(),
		WithBatchSize(3),
		WithFlushInterval(time.Hour),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	for i := 0; i < 3; i++ {
		e.Emit(testDecision(i))
	}

	deadline := time.After(2 * time.Second)
	for store.total() < 3 {
		select {
		case <-deadline:
			t.Fatalf("batch not flushed, persisted = %d", store.total())
		case <-time.After(10 * time.Millisecond):
		}
	}

	e.Stop()
}

func TestAuditEmitterOverflowDropsWithCounter(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &recordingAuditStore{delay: 50 * time.Millisecond}
	e := NewAuditEmitter(store, discardLogger(),
		WithChannelSize(2),
		WithSendTimeout(10*time.Millisecond),
		WithBatchSize(1),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	for i := 0; i < 10; i++ {
		e.Emit(testDecision(i))
	}

	time.Sleep(150 * time.Millisecond)

	if e.DroppedDecisions() == 0 {
		t.Error("expected drops with a tiny channel and slow store")
	}
	if e.ChannelCapacity() != 2 {
		t.Errorf("capacity = %d, want 2", e.ChannelCapacity())
	}

	e.Stop()
}

func TestAuditEmitterChannelDepthWarning(t *testing.T) {
	defer goleak.VerifyNone(t)

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))
	store := &recordingAuditStore{delay: 100 * time.Millisecond}

	e := NewAuditEmitter(store, logger,
		WithChannelSize(10),
		WithWarningThreshold(80),
		WithSendTimeout(0),
	)

	// Worker not started: fill the channel directly to 90%.
	for i := 0; i < 9; i++ {
		select {
		case e.decisions <- testDecision(i):
		default:
			t.Fatalf("channel unexpectedly full at %d", i)
		}
	}

	e.Emit(testDecision(9))

	if !strings.Contains(logBuf.String(), "approaching capacity") {
		t.Errorf("expected capacity warning, logs: %s", logBuf.String())
	}

	close(e.decisions)
	for range e.decisions {
	}
}

func TestAuditEmitterNeverBlocksHotPath(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &recordingAuditStore{delay: time.Second}
	e := NewAuditEmitter(store, discardLogger(),
		WithChannelSize(1),
		WithSendTimeout(0),
		WithBatchSize(1),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	start := time.Now()
	for i := 0; i < 100; i++ {
		e.Emit(testDecision(i))
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("100 emits took %s with zero send timeout", elapsed)
	}

	e.Stop()
}
