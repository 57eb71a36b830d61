package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSweepSchedule runs the expiry sweep once a minute.
const DefaultSweepSchedule = "@every 1m"

// JobFunc is a scheduled job. Its error is logged and reported to OnResult.
type JobFunc func(ctx context.Context) error

// Sweeper runs the gate's expiry sweep and other housekeeping jobs on cron
// schedules. Jobs never overlap with themselves.
type Sweeper struct {
	cron    *cron.Cron
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration

	// OnResult, when set, observes every job run.
	OnResult func(job string, took time.Duration, err error)
}

// NewSweeper creates a sweeper. Schedules are evaluated in UTC.
func NewSweeper(logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		timeout: 5 * time.Minute,
	}
}

// AddJob schedules fn under name. spec accepts standard five-field cron
// expressions and descriptors such as "@every 1m".
func (s *Sweeper) AddJob(name, spec string, fn JobFunc) error {
	_, err := s.cron.AddFunc(spec, func() { s.runJob(name, fn) })
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	s.logger.Info("scheduled job", zap.String("job", name), zap.String("schedule", spec))
	return nil
}

// AddGate schedules the gate's expiry sweep.
func (s *Sweeper) AddGate(g *Gate, spec string) error {
	if spec == "" {
		spec = DefaultSweepSchedule
	}
	return s.AddJob("approval-sweep", spec, func(ctx context.Context) error {
		_, err := g.Sweep(ctx)
		return err
	})
}

func (s *Sweeper) runJob(name string, fn JobFunc) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job %s panicked: %v", name, r)
			}
		}()
		return fn(ctx)
	}()
	took := time.Since(start)

	if err != nil {
		s.logger.Error("scheduled job failed", zap.String("job", name), zap.Duration("took", took), zap.Error(err))
	} else {
		s.logger.Debug("scheduled job finished", zap.String("job", name), zap.Duration("took", took))
	}
	if s.OnResult != nil {
		s.OnResult(name, took, err)
	}
}

// Start begins running scheduled jobs in the background.
func (s *Sweeper) Start() { s.cron.Start() }

// Stop stops scheduling, cancels running jobs and waits for them to return or
// for ctx to expire.
func (s *Sweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
