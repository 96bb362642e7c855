// Package sampler owns the periodic sample-and-publish timer and lets it be
// reprogrammed at runtime.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/r0bb10/hydro-node/internal/metrics"
	"github.com/r0bb10/hydro-node/internal/store"
	"github.com/r0bb10/hydro-node/internal/telemetry"
)

var (
	// ErrInvalidInterval is returned for an interval outside [1, 86400] seconds
	ErrInvalidInterval = errors.New("invalid interval")
	// ErrPersist is returned when the new interval could not be stored
	ErrPersist = errors.New("persist interval")
)

// IntervalStore persists the sampling interval
type IntervalStore interface {
	SaveInterval(seconds int) error
}

// Job performs one sample-and-publish cycle
type Job interface {
	Report(ctx context.Context) error
}

// Scheduler fires Job every interval seconds. The timer handle is a cron
// entry that Configure replaces under mu.
type Scheduler struct {
	mu       sync.Mutex
	cron     *cron.Cron
	entry    cron.EntryID
	interval int

	cycle sync.Mutex // one sample cycle at a time

	store   IntervalStore
	job     Job
	metrics *metrics.Recorder
	ctx     context.Context
}

// New creates a scheduler armed with the persisted interval. Call Start to begin firing.
func New(st IntervalStore, job Job, initial int, rec *metrics.Recorder) *Scheduler {
	if !valid(initial) {
		initial = store.DefaultInterval
	}
	s := &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.PrintfLogger(log.Default())),
		)),
		store:    st,
		job:      job,
		metrics:  rec,
		ctx:      context.Background(),
		interval: initial,
	}
	s.entry = s.cron.Schedule(every(initial), cron.FuncJob(s.OnTick))
	rec.Interval(initial)
	return s
}

func valid(seconds int) bool {
	return seconds >= store.MinInterval && seconds <= store.MaxInterval
}

func every(seconds int) cron.ConstantDelaySchedule {
	return cron.Every(time.Duration(seconds) * time.Second)
}

// Start begins firing. ctx is handed to every cycle.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
}

// Stop halts the timer and waits for a running cycle to finish
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Interval returns the active interval in seconds
func (s *Scheduler) Interval() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Configure validates, persists and applies a new interval. On any error the
// previous interval and timer stay in effect.
func (s *Scheduler) Configure(seconds int) error {
	if !valid(seconds) {
		return fmt.Errorf("%w: %d", ErrInvalidInterval, seconds)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.SaveInterval(seconds); err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}

	s.cron.Remove(s.entry)
	s.entry = s.cron.Schedule(every(seconds), cron.FuncJob(s.OnTick))
	s.interval = seconds
	s.metrics.Interval(seconds)
	log.Printf("Sampling interval set to %ds", seconds)
	return nil
}

// OnTick is the timer callback
func (s *Scheduler) OnTick() {
	if err := s.SampleNow(); err != nil && !errors.Is(err, telemetry.ErrOffline) {
		log.Printf("Failed to report telemetry: %v", err)
	}
}

// SampleNow runs one cycle out of band, serialized with timer cycles
func (s *Scheduler) SampleNow() error {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	s.cycle.Lock()
	defer s.cycle.Unlock()
	return s.job.Report(ctx)
}
