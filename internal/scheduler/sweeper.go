package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"orangecat/governance/internal/store"
)

const (
	DefaultSweepSpec = "0 * * * * *"
	defaultBatchSize = 500
	sweepRunTimeout  = 50 * time.Second
	sweepLeaseTTL    = sweepRunTimeout + 10*time.Second
	sweepLeaseName   = "sweep"
)

// Locker grants a named lease to one holder at a time across processes.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (unlock func(context.Context) error, ok bool, err error)
}

type SweepOptions struct {
	// Spec is a cron expression with a leading seconds field.
	Spec      string
	Workers   int
	BatchSize int
	// Locker, when set, keeps scheduled sweeps of several replicas from overlapping.
	Locker Locker
}

type SweepReport struct {
	Scanned  int `json:"scanned"`
	Passed   int `json:"passed"`
	Failed   int `json:"failed"`
	Executed int `json:"executed"`
	Errors   int `json:"errors"`
	Skipped  int `json:"skipped"`
}

// Sweeper resolves active proposals whose window closed without a further vote.
type Sweeper struct {
	store     dataStore
	evaluator *Evaluator
	logger    *zap.Logger
	opts      SweepOptions

	pool     pond.Pool
	cron     *cron.Cron
	inflight *xsync.Map[string, struct{}]
}

func NewSweeper(store dataStore, evaluator *Evaluator, logger *zap.Logger, opts SweepOptions) *Sweeper {
	if opts.Spec == "" {
		opts.Spec = DefaultSweepSpec
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	return &Sweeper{
		store:     store,
		evaluator: evaluator,
		logger:    logger,
		opts:      opts,
		pool:      pond.NewPool(opts.Workers, pond.WithQueueSize(opts.BatchSize)),
		inflight:  xsync.NewMap[string, struct{}](),
	}
}

// SweepOnce evaluates every expired active proposal once on the worker pool. A proposal already
// being evaluated by an overlapping sweep is skipped.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	expired, err := s.store.ListExpiredActive(ctx, s.evaluator.now(), s.opts.BatchSize)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list expired proposals: %w", err)
	}

	var report SweepReport
	var passed, failed, executed, errs, skipped atomic.Int64
	report.Scanned = len(expired)

	group := s.pool.NewGroupContext(ctx)
	for _, proposal := range expired {
		id := proposal.ID
		if _, loaded := s.inflight.LoadOrStore(id, struct{}{}); loaded {
			skipped.Add(1)
			continue
		}
		group.Submit(func() {
			defer s.inflight.Delete(id)
			eval, err := s.evaluator.Evaluate(ctx, id)
			if err != nil {
				errs.Add(1)
				s.logger.Warn("sweep evaluation failed", zap.String("proposal_id", id), zap.Error(err))
				return
			}
			if !eval.Resolved {
				return
			}
			if eval.Outcome.Status == store.StatusPassed {
				passed.Add(1)
			} else {
				failed.Add(1)
			}
			if eval.Result != nil {
				executed.Add(1)
			}
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		return SweepReport{}, fmt.Errorf("sweep: %w", err)
	}

	report.Passed = int(passed.Load())
	report.Failed = int(failed.Load())
	report.Executed = int(executed.Load())
	report.Errors = int(errs.Load())
	report.Skipped = int(skipped.Load())
	return report, nil
}

// Start schedules RunScheduled on the configured cron spec.
func (s *Sweeper) Start(ctx context.Context) error {
	logger := cronLogger{s.logger.Sugar()}
	s.cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)))
	_, err := s.cron.AddFunc(s.opts.Spec, func() { s.RunScheduled(ctx) })
	if err != nil {
		return fmt.Errorf("schedule sweep %q: %w", s.opts.Spec, err)
	}
	s.cron.Start()
	s.logger.Info("sweep scheduled", zap.String("spec", s.opts.Spec), zap.Int("workers", s.opts.Workers))
	return nil
}

// RunScheduled performs one bounded sweep, skipping it when another process holds the sweep
// lease. It reports whether a sweep ran.
func (s *Sweeper) RunScheduled(ctx context.Context) bool {
	rctx, cancel := context.WithTimeout(ctx, sweepRunTimeout)
	defer cancel()

	if s.opts.Locker != nil {
		unlock, ok, err := s.opts.Locker.TryLock(rctx, sweepLeaseName, sweepLeaseTTL)
		if err != nil {
			s.logger.Warn("sweep lease unavailable", zap.Error(err))
			return false
		}
		if !ok {
			s.logger.Debug("sweep lease held elsewhere")
			return false
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("release sweep lease", zap.Error(err))
			}
		}()
	}

	report, err := s.SweepOnce(rctx)
	if err != nil {
		s.logger.Error("sweep failed", zap.Error(err))
		return true
	}
	if report.Scanned > 0 {
		s.logger.Info("sweep finished",
			zap.Int("scanned", report.Scanned),
			zap.Int("passed", report.Passed),
			zap.Int("failed", report.Failed),
			zap.Int("executed", report.Executed),
			zap.Int("errors", report.Errors),
		)
	}
	return true
}

// Stop waits for a running sweep to finish and releases the worker pool.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.pool.StopAndWait()
}

type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
