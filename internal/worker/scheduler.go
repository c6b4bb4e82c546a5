package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ChargeMail/internal/errs"
	"ChargeMail/internal/metrics"
)

// ErrCycleRunning is returned by RunOnce when another cycle holds the guard.
var ErrCycleRunning = errs.New("a processing cycle is already running")

// MaxBatchSize bounds a single cycle. A claimed batch has to drain within
// the stale window, so RunOnce clamps larger limits to this.
const MaxBatchSize = 500

type BatchProcessor interface {
	ProcessBatch(ctx context.Context, batchSize int) (Result, error)
}

// Scheduler drives the processor on a fixed interval. At most one cycle
// runs at a time within the process; ticks and triggers that arrive while
// a cycle is in flight are dropped, not queued.
type Scheduler struct {
	processor BatchProcessor
	interval  time.Duration
	batchSize int
	log       *zap.Logger

	busy atomic.Bool
	wg   sync.WaitGroup

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func NewScheduler(processor BatchProcessor, interval time.Duration, batchSize int, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	batchSize = min(batchSize, MaxBatchSize)
	return &Scheduler{
		processor: processor,
		interval:  interval,
		batchSize: batchSize,
		log:       logger.Named("scheduler"),
	}
}

// Start begins periodic processing and kicks off an immediate cycle.
// Calling Start on a running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop != nil {
		s.log.Debug("scheduler already running")
		return
	}

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(ctx, s.stop, s.done)

	s.log.Info("email scheduler started",
		zap.Duration("interval", s.interval),
		zap.Int("batch_size", s.batchSize),
	)

	s.TriggerProcessing(ctx)
}

// Stop halts future ticks. A cycle already in flight is allowed to finish;
// use Wait to block on it. Calling Stop on a stopped scheduler does nothing.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done

	s.log.Info("email scheduler stopped")
}

// Wait blocks until cycles started by TriggerProcessing have returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}

// Processing reports whether a cycle is in flight.
func (s *Scheduler) Processing() bool {
	return s.busy.Load()
}

// TriggerProcessing starts a cycle in the background unless one is already
// running. It reports whether a cycle was started.
func (s *Scheduler) TriggerProcessing(ctx context.Context) bool {
	if !s.busy.CompareAndSwap(false, true) {
		metrics.CyclesSkipped.Inc()
		s.log.Debug("cycle already running, trigger skipped")
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, _ = s.cycle(ctx, s.batchSize)
	}()
	return true
}

// RunOnce runs one cycle synchronously with the given batch size, or the
// configured one when limit <= 0.
func (s *Scheduler) RunOnce(ctx context.Context, limit int) (Result, error) {
	if limit <= 0 {
		limit = s.batchSize
	}
	limit = min(limit, MaxBatchSize)
	if !s.busy.CompareAndSwap(false, true) {
		metrics.CyclesSkipped.Inc()
		return Result{}, ErrCycleRunning
	}
	return s.cycle(ctx, limit)
}

func (s *Scheduler) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return

		case <-ctx.Done():
			s.log.Info("scheduler context cancelled")
			s.release(done)
			return

		case <-ticker.C:
			if !s.busy.CompareAndSwap(false, true) {
				metrics.CyclesSkipped.Inc()
				s.log.Debug("cycle already running, tick skipped")
				continue
			}
			_, _ = s.cycle(ctx, s.batchSize)
		}
	}
}

// release clears the running state if it still belongs to the loop that
// owns done, so a later Start can begin a fresh loop.
func (s *Scheduler) release(done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == done {
		s.stop, s.done = nil, nil
	}
}

// cycle runs one batch. The caller must hold the busy guard; cycle
// releases it. Cancelling ctx does not abort a cycle that has started.
func (s *Scheduler) cycle(ctx context.Context, limit int) (res Result, err error) {
	defer s.busy.Store(false)
	defer func() {
		if r := recover(); r != nil {
			err = errs.Newf("processing cycle panicked: %v", r)
			s.log.Error("processing cycle panicked", zap.Any("panic", r))
		}
	}()

	res, err = s.processor.ProcessBatch(context.WithoutCancel(ctx), limit)
	if err != nil {
		s.log.Error("processing cycle failed",
			zap.Error(err),
			zap.Strings("stack", errs.ExtractStackLines(err, 5)),
		)
	}
	return res, err
}
