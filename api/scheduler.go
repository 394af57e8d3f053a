/*
scheduler.go - Scheduled expiration sweeps

PURPOSE:
  Runs Engine.RunMaintenance on a cron schedule and on demand from the
  maintenance endpoint. The engine already guards against overlapping runs
  across processes with a store lock; the scheduler adds in-process
  bookkeeping (last report) and a clean shutdown.

SCHEDULE:
  Standard 5-field cron expressions ("0 3 * * *" is daily at 03:00) and
  descriptors ("@hourly", "@every 6h"). A cron tick that fires while the
  previous run is still going is skipped.

SHUTDOWN:
  Stop cancels the context of any run in flight, scheduled or manual, and
  waits for it to return. The engine checks cancellation between customers
  and leaves a cursor, so the next run resumes where this one stopped.

USAGE:
  scheduler, err := NewMaintenanceScheduler(engine, "0 3 * * *", log)
  scheduler.Start()
  // ... later
  scheduler.Stop(ctx)

SEE ALSO:
  - handlers.go: RunMaintenance endpoint (manual trigger)
  - loyalty/maintenance.go: The sweep itself
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/warp/loyalty-engine/loyalty"
)

// DefaultMaintenanceSchedule runs the sweep daily at 03:00 server time.
const DefaultMaintenanceSchedule = "0 3 * * *"

var ErrSchedulerStopped = errors.New("maintenance scheduler stopped")

// Maintainer runs one maintenance sweep. *loyalty.Engine implements it.
type Maintainer interface {
	RunMaintenance(ctx context.Context) (loyalty.MaintenanceReport, error)
}

// MaintenanceScheduler handles automated expiration sweeps.
type MaintenanceScheduler struct {
	engine Maintainer
	log    logrus.FieldLogger
	cron   *cron.Cron
	spec   string

	// base is cancelled by Stop; every run derives from it.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
	last    *loyalty.MaintenanceReport
	lastErr error
}

// NewMaintenanceScheduler validates spec and creates a stopped scheduler.
func NewMaintenanceScheduler(engine Maintainer, spec string, log logrus.FieldLogger) (*MaintenanceScheduler, error) {
	if spec == "" {
		spec = DefaultMaintenanceSchedule
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", spec, err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "maintenance")

	cronLog := cron.PrintfLogger(log)
	base, cancel := context.WithCancel(context.Background())
	return &MaintenanceScheduler{
		engine: engine,
		log:    log,
		cron:   cron.New(cron.WithLogger(cronLog), cron.WithChain(cron.SkipIfStillRunning(cronLog))),
		spec:   spec,
		base:   base,
		cancel: cancel,
	}, nil
}

// Start begins firing on the schedule. Calling Start twice is a no-op.
func (s *MaintenanceScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if _, err := s.cron.AddFunc(s.spec, s.scheduledRun); err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	s.cron.Start()
	s.started = true
	s.log.WithField("schedule", s.spec).Info("maintenance scheduler started")
	return nil
}

// Stop halts the schedule, cancels any run in flight and waits for it, or
// for ctx to end.
func (s *MaintenanceScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
	cronDone := s.cron.Stop().Done()

	runsDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(runsDone)
	}()

	for _, done := range []<-chan struct{}{cronDone, runsDone} {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.log.Info("maintenance scheduler stopped")
	return nil
}

// RunNow runs a sweep immediately. The run ends when either ctx or the
// scheduler is stopped.
func (s *MaintenanceScheduler) RunNow(ctx context.Context) (loyalty.MaintenanceReport, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return loyalty.MaintenanceReport{}, ErrSchedulerStopped
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.base, cancel)
	defer stop()

	report, err := s.engine.RunMaintenance(runCtx)

	s.mu.Lock()
	s.last, s.lastErr = &report, err
	s.mu.Unlock()
	return report, err
}

// Last returns the most recent report and its error. The report is nil
// until a run has finished.
func (s *MaintenanceScheduler) Last() (*loyalty.MaintenanceReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.lastErr
}

// NextRun returns when the schedule fires next, or the zero time when the
// scheduler is not started.
func (s *MaintenanceScheduler) NextRun() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *MaintenanceScheduler) scheduledRun() {
	report, err := s.RunNow(s.base)
	log := s.log.WithFields(logrus.Fields{
		"run_id":         report.RunID,
		"customers":      report.CustomersScanned,
		"expired_lots":   report.ExpiredLots,
		"expired_points": report.ExpiredPoints,
		"warnings":       report.WarningsEmitted,
		"tier_changes":   report.TierChanges,
		"failures":       len(report.Failures),
	})
	switch {
	case errors.Is(err, ErrSchedulerStopped):
		return
	case errors.Is(err, loyalty.ErrMaintenanceLockLost):
		log.WithError(err).Warn("maintenance stopped: run lock taken over, next run resumes")
	case errors.Is(err, loyalty.ErrMaintenanceRunning):
		log.Info("maintenance skipped: another run holds the lock")
	case err != nil:
		log.WithError(err).Error("scheduled maintenance failed")
	case report.Cancelled:
		log.Warn("scheduled maintenance cancelled, next run resumes")
	default:
		log.Info("scheduled maintenance finished")
	}
}
