package backup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/stashguard/stashguard/internal/metrics"
	"github.com/stashguard/stashguard/internal/models"
)

// SchedulerStore is the persistence surface the scheduler needs. Store
// access is scoped per tick, never held across a backup run.
type SchedulerStore interface {
	Ping(ctx context.Context) error
	DueSchedules(ctx context.Context, now time.Time) ([]*models.BackupSchedule, error)
	UpdateSchedule(ctx context.Context, sched *models.BackupSchedule) error
	CreateScheduleLog(ctx context.Context, l *models.BackupScheduleLog) error
	UpdateScheduleLog(ctx context.Context, l *models.BackupScheduleLog) error
	LastCompletedBackupTime(ctx context.Context) (*time.Time, error)
	CreateBackupLog(ctx context.Context, l *models.BackupLog) error
}

// AutoBackupConfig is the single global auto-backup policy driven by the
// legacy loop.
type AutoBackupConfig struct {
	Enabled       bool             `yaml:"enabled"`
	Frequency     models.Frequency `yaml:"frequency"`
	RetentionDays int              `yaml:"retention_days"`
}

// SchedulerOptions bundles the scheduler's dependencies.
type SchedulerOptions struct {
	Store      SchedulerStore
	Executor   *Executor
	Retention  *RetentionManager
	AutoBackup AutoBackupConfig
	Clock      func() time.Time
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
}

// Scheduler is the time-driven control loop: a once-per-minute tick runs
// the global auto-backup policy, executes due user schedules, and always
// sweeps retention. It is an explicit service with its own lifecycle; one
// failing schedule never stops the others or the loop.
type Scheduler struct {
	store      SchedulerStore
	executor   *Executor
	retention  *RetentionManager
	autoBackup AutoBackupConfig
	clock      func() time.Time
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewScheduler creates a stopped Scheduler.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}
	return &Scheduler{
		store:      opts.Store,
		executor:   opts.Executor,
		retention:  opts.Retention,
		autoBackup: opts.AutoBackup,
		clock:      opts.Clock,
		metrics:    opts.Metrics,
		logger:     opts.Logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start launches the scheduler loop. Startup is supervised: if the store
// is unreachable, it retries with exponential backoff instead of crashing
// the process. Start returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.supervise(ctx)
}

// Stop halts the tick loop. In-flight tick work finishes on its own.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
	s.running = false
}

func (s *Scheduler) supervise(ctx context.Context) {
	backoff := time.Second
	for {
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.store.Ping(pingCtx)
		cancel()
		if err == nil {
			break
		}
		s.logger.Warn().Err(err).Dur("backoff", backoff).Msg("store unreachable, delaying scheduler startup")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < time.Minute {
			backoff *= 2
		}
	}

	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc("@every 1m", func() { s.Tick(ctx) }); err != nil {
		s.logger.Error().Err(err).Msg("scheduler tick registration failed")
		return
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cron = c
	s.mu.Unlock()

	c.Start()
	s.logger.Info().Bool("auto_backup", s.autoBackup.Enabled).Msg("scheduler started")

	<-ctx.Done()
	s.Stop()
}

// Tick runs one scheduler iteration: the legacy auto-backup policy, all
// due user schedules, and a retention sweep.
func (s *Scheduler) Tick(ctx context.Context) {
	s.metrics.ScheduleTicks.Inc()
	now := s.clock()

	s.runAutoBackup(ctx, now)
	s.runDueSchedules(ctx, now)

	if _, err := s.retention.Sweep(ctx, s.autoBackup.RetentionDays, now); err != nil {
		s.logger.Error().Err(err).Msg("retention sweep failed")
	}
}

// runAutoBackup triggers a full backup when the time since the last
// completed backup exceeds the configured frequency threshold.
func (s *Scheduler) runAutoBackup(ctx context.Context, now time.Time) {
	if !s.autoBackup.Enabled {
		return
	}

	last, err := s.store.LastCompletedBackupTime(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("last backup lookup failed")
		return
	}
	if last != nil && now.Sub(*last) < autoBackupThreshold(s.autoBackup.Frequency) {
		return
	}

	log := models.NewBackupLog(nil, models.ActionAutomatedBackupStarted, models.LogStatusInProgress,
		"automated backup triggered", "scheduler")
	if err := s.store.CreateBackupLog(ctx, log); err != nil {
		s.logger.Warn().Err(err).Msg("audit log write failed")
	}

	_, err = s.executor.ExecuteSync(ctx, Request{
		Name:          "automated-" + now.Format("2006-01-02-1504"),
		Description:   "automated backup",
		Kind:          models.BackupKindFull,
		Location:      models.StorageLocationLocal,
		RetentionDays: s.autoBackup.RetentionDays,
		CreatedBy:     "scheduler",
	})
	switch {
	case errors.Is(err, ErrBackupInProgress):
		s.logger.Debug().Msg("automated backup skipped, a run is already active")
	case err != nil:
		s.logger.Error().Err(err).Msg("automated backup failed")
	}
}

// autoBackupThreshold maps the legacy frequency setting to a duration.
func autoBackupThreshold(freq models.Frequency) time.Duration {
	switch freq {
	case models.FrequencyWeekly:
		return 7 * 24 * time.Hour
	case models.FrequencyMonthly:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

func (s *Scheduler) runDueSchedules(ctx context.Context, now time.Time) {
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("due schedule lookup failed")
		return
	}

	for _, sched := range due {
		if err := ctx.Err(); err != nil {
			return
		}
		s.runSchedule(ctx, sched, now)
	}
}

// runSchedule executes one due schedule. Failures still advance nextRun
// and increment counters so a failing schedule never wedges.
func (s *Scheduler) runSchedule(ctx context.Context, sched *models.BackupSchedule, now time.Time) {
	runLog := models.NewBackupScheduleLog(sched.ID, sched.NextRun, s.clock())
	if err := s.store.CreateScheduleLog(ctx, runLog); err != nil {
		s.logger.Warn().Err(err).Str("schedule_id", sched.ID.String()).Msg("schedule log write failed")
	}

	b, err := s.executor.ExecuteSync(ctx, Request{
		Name:          fmt.Sprintf("%s %s", sched.Name, now.Format("2006-01-02 15:04")),
		Description:   sched.Description,
		Kind:          sched.BackupType,
		Location:      sched.Location,
		Encrypted:     sched.IsEncrypted,
		RetentionDays: sched.RetentionDays,
		CreatedBy:     sched.CreatedBy,
	})
	if err != nil {
		runLog.Fail(err.Error())
		sched.RecordRun(false, now)
		s.logger.Error().Err(err).Str("schedule", sched.Name).Msg("scheduled backup failed")
	} else {
		runLog.Complete(b.ID)
		sched.RecordRun(true, now)
		s.logger.Info().Str("schedule", sched.Name).Str("backup_id", b.ID.String()).Msg("scheduled backup completed")
	}

	if err := s.store.UpdateScheduleLog(ctx, runLog); err != nil {
		s.logger.Warn().Err(err).Str("schedule_id", sched.ID.String()).Msg("schedule log update failed")
	}
	if err := s.store.UpdateSchedule(ctx, sched); err != nil {
		s.logger.Error().Err(err).Str("schedule_id", sched.ID.String()).Msg("schedule update failed")
	}
}
