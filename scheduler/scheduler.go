// Package scheduler runs the periodic maintenance jobs of the social
// engine: presence expiry sweeps and idempotency record purges.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TaskFn is one run of a periodic job. The context is canceled when the
// run exceeds its interval or the scheduler stops.
type TaskFn func(ctx context.Context) error

// TaskStats reports how a job has been doing.
type TaskStats struct {
	Interval time.Duration `json:"interval"`
	Runs     int64         `json:"runs"`
	Failures int64         `json:"failures"`
	LastRun  time.Time     `json:"last_run,omitempty"`
	LastErr  string        `json:"last_error,omitempty"`
}

// Scheduler manages periodic tasks.
type Scheduler struct {
	mu      sync.Mutex
	tickers map[string]*tickerEntry
	logger  *zap.Logger
	ctx     context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

type tickerEntry struct {
	ticker *time.Ticker
	stopCh chan struct{}
	stats  TaskStats
}

// New creates a new Scheduler.
func New(logger *zap.Logger) *Scheduler {
	ctx, stop := context.WithCancel(context.Background())
	return &Scheduler{
		tickers: make(map[string]*tickerEntry),
		logger:  logger,
		ctx:     ctx,
		stop:    stop,
	}
}

// AddTicker registers a task to run on a fixed interval.
// If a task with the same name exists, it is replaced.
func (s *Scheduler) AddTicker(name string, interval time.Duration, fn TaskFn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.tickers[name]; ok {
		close(old.stopCh)
		delete(s.tickers, name)
	}

	entry := &tickerEntry{
		ticker: time.NewTicker(interval),
		stopCh: make(chan struct{}),
		stats:  TaskStats{Interval: interval},
	}
	s.tickers[name] = entry

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer entry.ticker.Stop()
		for {
			select {
			case <-entry.ticker.C:
				err := s.run(name, interval, fn)
				s.record(entry, err)
			case <-entry.stopCh:
				return
			case <-s.ctx.Done():
				return
			}
		}
	}()
	s.logger.Info("scheduler task registered", zap.String("name", name), zap.Duration("interval", interval))
}

func (s *Scheduler) run(name string, interval time.Duration, fn TaskFn) (err error) {
	ctx, cancel := context.WithTimeout(s.ctx, interval)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler task panicked",
				zap.String("task", name),
				zap.Any("recover", r))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if err = fn(ctx); err != nil {
		s.logger.Warn("scheduler task failed", zap.String("task", name), zap.Error(err))
	}
	return err
}

func (s *Scheduler) record(entry *tickerEntry, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.stats.Runs++
	entry.stats.LastRun = time.Now()
	entry.stats.LastErr = ""
	if err != nil {
		entry.stats.Failures++
		entry.stats.LastErr = err.Error()
	}
}

// Remove stops and removes a ticker by name.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.tickers[name]; ok {
		close(entry.stopCh)
		delete(s.tickers, name)
	}
}

// Stop stops all tasks and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.stop()
	s.wg.Wait()
}

// ListTickers returns the names of all registered ticker tasks, sorted.
func (s *Scheduler) ListTickers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tickers))
	for name := range s.tickers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns a copy of every task's counters.
func (s *Scheduler) Stats() map[string]TaskStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]TaskStats, len(s.tickers))
	for name, e := range s.tickers {
		out[name] = e.stats
	}
	return out
}
