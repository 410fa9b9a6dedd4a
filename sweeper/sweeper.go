// Package sweeper runs the stale-claim release routine: executions
// claimed by a worker that died without releasing them are returned to
// pending after sitting locked longer than a threshold.
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loomrun/loom/execution"
)

// Sweeper periodically calls execution.Store.ReleaseStaleClaims.
type Sweeper struct {
	store     execution.Store
	interval  time.Duration
	threshold time.Duration
	logger    *slog.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// New creates a Sweeper. interval is how often it checks for stale
// claims; threshold is how old a lock must be (by locked_at) before its
// execution is considered abandoned.
func New(store execution.Store, interval, threshold time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:     store,
		interval:  interval,
		threshold: threshold,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the sweep loop. It returns immediately.
func (s *Sweeper) Start(_ context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	s.wg.Add(1)
	go s.loop()
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	released, err := s.store.ReleaseStaleClaims(context.Background(), s.threshold)
	if err != nil {
		s.logger.Error("release stale claims failed", slog.String("error", err.Error()))
		return
	}
	if released > 0 {
		s.logger.Info("released stale claims",
			slog.Int64("count", released),
			slog.Duration("threshold", s.threshold),
		)
	}
}
