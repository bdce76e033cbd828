package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultRetentionSchedule runs retention once an hour.
const DefaultRetentionSchedule = "@hourly"

// Retention periodically prunes terminal snapshots older than a TTL.
type Retention struct {
	store    SnapshotStore
	ttl      time.Duration
	schedule string
	logger   *zap.Logger
	now      func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewRetention validates the cron schedule (five fields or a descriptor
// such as "@every 30m") and returns an unstarted Retention.
func NewRetention(s SnapshotStore, ttl time.Duration, schedule string, logger *zap.Logger) (*Retention, error) {
	if schedule == "" {
		schedule = DefaultRetentionSchedule
	}
	if _, err := cronParser().Parse(schedule); err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retention{store: s, ttl: ttl, schedule: schedule, logger: logger, now: time.Now}, nil
}

func cronParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// Start schedules the pruning job. Overlapping runs are skipped.
func (r *Retention) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return fmt.Errorf("retention already started")
	}

	clog := cronLogger{r.logger.Sugar()}
	c := cron.New(
		cron.WithParser(cronParser()),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	if _, err := c.AddFunc(r.schedule, func() {
		if _, err := r.RunOnce(context.Background()); err != nil {
			r.logger.Error("snapshot retention failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule retention: %w", err)
	}
	c.Start()
	r.cron = c
	r.logger.Info("snapshot retention started",
		zap.String("schedule", r.schedule), zap.Duration("ttl", r.ttl))
	return nil
}

// Stop unschedules the job and waits for a running sweep to finish.
func (r *Retention) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	r.logger.Info("snapshot retention stopped")
}

// RunOnce prunes terminal snapshots last updated more than ttl ago. A
// non-positive ttl keeps everything.
func (r *Retention) RunOnce(ctx context.Context) (int, error) {
	if r.ttl <= 0 {
		return 0, nil
	}
	cutoff := r.now().Add(-r.ttl)
	n, err := r.store.PruneSnapshots(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	if n > 0 {
		r.logger.Info("pruned snapshots", zap.Int("count", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
