// Package runner orchestrates the backup workflow.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fgeck/borg-timemachine/internal/lock"
	"github.com/fgeck/borg-timemachine/internal/models"
	"github.com/fgeck/borg-timemachine/internal/schedule"
	"github.com/fgeck/borg-timemachine/internal/services/borg"
	"github.com/fgeck/borg-timemachine/internal/services/metrics"
	"github.com/fgeck/borg-timemachine/internal/services/notify"
	"github.com/fgeck/borg-timemachine/internal/services/ssh"
	"github.com/fgeck/borg-timemachine/internal/services/wol"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// Run errors. ErrJobsFailed wins when a job failed alongside a repository step.
var (
	ErrJobsFailed       = errors.New("one or more jobs failed")
	ErrRepositoryFailed = errors.New("repository step failed")
)

// reportTimeout bounds metrics and notification delivery, which still run
// after the run context was cancelled.
const reportTimeout = 2 * time.Minute

// Service defines the interface for the backup runner.
type Service interface {
	Run(ctx context.Context, cfg models.BackupConfig, token *lock.Token) (*models.RunSummary, error)
}

// Impl implements the runner Service interface.
type Impl struct {
	borgSvc    borg.Service
	wolSvc     wol.Service
	sshSvc     ssh.Service
	notifySvc  notify.Service
	metricsSvc metrics.Service
	clock      clock.Clock
	hostname   string
	logger     zerolog.Logger
}

// New creates a new runner service.
func New(logger zerolog.Logger) *Impl {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Impl{
		borgSvc:    borg.New(logger),
		wolSvc:     wol.New(logger),
		sshSvc:     ssh.New(logger),
		notifySvc:  notify.New(logger),
		metricsSvc: metrics.New(logger),
		clock:      clock.WallClock,
		hostname:   hostname,
		logger:     logger,
	}
}

// NewWithServices creates a new runner service with custom services (for testing).
func NewWithServices(
	logger zerolog.Logger,
	borgSvc borg.Service,
	wolSvc wol.Service,
	sshSvc ssh.Service,
	notifySvc notify.Service,
	metricsSvc metrics.Service,
	clk clock.Clock,
	hostname string,
) *Impl {
	return &Impl{
		borgSvc:    borgSvc,
		wolSvc:     wolSvc,
		sshSvc:     sshSvc,
		notifySvc:  notifySvc,
		metricsSvc: metricsSvc,
		clock:      clk,
		hostname:   hostname,
		logger:     logger,
	}
}

// execution carries the state of a single Run.
type execution struct {
	*Impl
	cfg     models.BackupConfig
	summary *models.RunSummary
	logger  zerolog.Logger
}

// Run executes every enabled job in declaration order: create, then prune
// when create succeeded. A failing job never stops the jobs after it.
// Compaction, the scheduled check and the optional host wake and shutdown
// frame the jobs. The summary is returned even when the run failed.
func (s *Impl) Run(ctx context.Context, cfg models.BackupConfig, token *lock.Token) (*models.RunSummary, error) {
	if err := token.Check(cfg.Repository.Path); err != nil {
		return nil, fmt.Errorf("refusing to run: %w", err)
	}

	start := s.clock.Now()
	e := &execution{
		Impl: s,
		cfg:  cfg,
		summary: &models.RunSummary{
			RunID:      uuid.NewString(),
			Host:       s.hostname,
			Repository: cfg.Repository.Path,
			StartTime:  start,
		},
	}
	e.logger = s.logger.With().Str("run_id", e.summary.RunID).Logger()

	jobs := cfg.EnabledJobs()
	e.logger.Info().
		Str("repository", cfg.Repository.Path).
		Str("host", s.hostname).
		Int("jobs", len(jobs)).
		Msg("starting backup run")

	defer func() {
		e.summary.Duration = s.clock.Now().Sub(start)
		e.report(ctx)
	}()

	if cfg.WOL != nil {
		if !e.record(e.wake(ctx)) {
			return e.summary, e.aggregate(ctx)
		}
	}

	prunedAny := false
	for _, job := range cfg.Jobs {
		if !job.Enabled {
			e.logger.Debug().Str("job", job.Name).Msg("skipping disabled job")
			continue
		}
		if ctx.Err() != nil {
			e.logger.Warn().Str("job", job.Name).Msg("run interrupted, skipping remaining jobs")
			break
		}
		if e.runJob(ctx, job) {
			prunedAny = true
		}
	}

	if ctx.Err() == nil {
		e.maintain(ctx, prunedAny)
	}

	if cfg.SSHShutdown != nil {
		e.record(e.shutdown(ctx))
	}

	err := e.aggregate(ctx)
	if err != nil {
		e.logger.Error().
			Strs("failed_jobs", e.summary.FailedJobs()).
			Dur("duration", s.clock.Now().Sub(start)).
			Msg("backup run finished with failures")
	} else {
		e.logger.Info().
			Dur("duration", s.clock.Now().Sub(start)).
			Msg("backup run completed successfully")
	}
	return e.summary, err
}

// record appends result to the summary and reports whether it succeeded.
func (e *execution) record(result *models.RunResult) bool {
	e.summary.Results = append(e.summary.Results, *result)
	if !result.Success {
		e.logger.Error().
			Str("job", result.Job).
			Str("step", string(result.Step)).
			Int("exit_code", result.ExitCode).
			Bool("retryable", borg.IsRetryable(result.Error)).
			Err(result.Error).
			Msg("step failed")
	}
	return result.Success
}

// stepContext bounds a single borg invocation by options.command_timeout.
func (e *execution) stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.Options.CommandTimeout > 0 {
		return context.WithTimeout(ctx, e.cfg.Options.CommandTimeout)
	}
	return context.WithCancel(ctx)
}

// runJob creates the job's archive and prunes its older archives. It
// reports whether the prune ran and succeeded.
func (e *execution) runJob(ctx context.Context, job models.Job) bool {
	archive := models.ArchiveName(job.Destination, e.clock.Now())
	excludes := append(append([]string{}, e.cfg.Exclusions...), job.Exclude...)

	e.logger.Info().
		Str("job", job.Name).
		Str("source", job.Source).
		Str("archive", archive).
		Msg("starting job")

	stepCtx, cancel := e.stepContext(ctx)
	created := e.borgSvc.Create(stepCtx, e.cfg.Repository, archive, job.Source, excludes, e.cfg.Options)
	cancel()
	created.Job = job.Name
	if !e.record(created) {
		e.logger.Warn().Str("job", job.Name).Msg("create failed, skipping prune")
		return false
	}

	stepCtx, cancel = e.stepContext(ctx)
	pruned := e.borgSvc.Prune(stepCtx, e.cfg.Repository, job.Destination, e.cfg.Retention)
	cancel()
	pruned.Job = job.Name
	if !e.record(pruned) {
		return false
	}

	e.logger.Info().Str("job", job.Name).Msg("job completed")
	return true
}

// maintain runs compact after a successful prune and check when its
// schedule fires today.
func (e *execution) maintain(ctx context.Context, prunedAny bool) {
	if e.cfg.Maintenance.Compact {
		if prunedAny {
			stepCtx, cancel := e.stepContext(ctx)
			e.record(e.borgSvc.Compact(stepCtx, e.cfg.Repository))
			cancel()
		} else {
			e.logger.Debug().Msg("nothing pruned, skipping compact")
		}
	}

	expr := e.cfg.Maintenance.CheckSchedule
	if expr == "" {
		return
	}
	due, err := schedule.DueOn(expr, e.clock.Now())
	if err != nil {
		e.logger.Warn().Err(err).Msg("skipping repository check")
		return
	}
	if !due {
		e.logger.Debug().Str("schedule", expr).Msg("repository check not due today")
		return
	}

	stepCtx, cancel := e.stepContext(ctx)
	e.record(e.borgSvc.Check(stepCtx, e.cfg.Repository))
	cancel()
}

func (e *execution) wake(ctx context.Context) *models.RunResult {
	cfg := e.cfg.WOL
	result := &models.RunResult{Step: models.StepWake}

	e.logger.Info().
		Str("mac", cfg.MACAddress).
		Str("target", cfg.PollURL).
		Msg("waking repository host")

	res, err := e.wolSvc.Wake(ctx, *cfg)
	switch {
	case err != nil:
		result.Error = fmt.Errorf("WOL failed: %w", err)
	case res.Error != nil:
		result.Duration = res.WaitDuration
		result.Error = fmt.Errorf("WOL failed: %w", res.Error)
	case !res.HostReady:
		result.Duration = res.WaitDuration
		result.Error = fmt.Errorf("repository host did not become ready after WOL")
	default:
		result.Duration = res.WaitDuration
		result.Success = true
		e.logger.Info().
			Bool("packet_sent", res.PacketSent).
			Dur("wait_duration", res.WaitDuration).
			Msg("WOL completed")
	}
	return result
}

// shutdown powers the repository host off. An error after the command ran
// is expected when the host drops the connection and is only logged. A
// host busy with other clients stays on without failing the run.
func (e *execution) shutdown(ctx context.Context) *models.RunResult {
	cfg := e.cfg.SSHShutdown
	result := &models.RunResult{Step: models.StepShutdown}

	e.logger.Info().
		Str("host", cfg.Host).
		Int("delay", cfg.ShutdownDelay).
		Msg("initiating remote shutdown")

	res, err := e.sshSvc.Shutdown(ctx, *cfg)
	switch {
	case err != nil:
		result.Error = fmt.Errorf("SSH shutdown failed: %w", err)
	case res.Error != nil && !res.CommandRun:
		result.Output = res.Output
		result.Error = fmt.Errorf("SSH shutdown failed: %w", res.Error)
	case res.Busy:
		result.Success = true
		e.logger.Warn().Str("host", cfg.Host).Msg("repository host still serves other borg clients, not shutting down")
	default:
		if res.Error != nil {
			e.logger.Warn().
				Err(res.Error).
				Str("output", res.Output).
				Msg("shutdown command returned error (may be expected)")
		}
		result.Output = res.Output
		result.Success = true
		e.logger.Info().Str("host", cfg.Host).Msg("SSH shutdown command sent")
	}
	return result
}

// aggregate combines every failed step into one error. It wraps ErrJobsFailed
// when a job failed and ErrRepositoryFailed when only wake, maintenance,
// shutdown or the run itself failed.
func (e *execution) aggregate(ctx context.Context) error {
	var errs error
	for _, r := range e.summary.Failures() {
		label := string(r.Step)
		if r.Job != "" {
			label = r.Job + " " + label
		}
		cause := r.Error
		if cause == nil {
			cause = fmt.Errorf("exit code %d", r.ExitCode)
		}
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", label, cause))
	}
	if ctx.Err() != nil {
		errs = multierr.Append(errs, fmt.Errorf("run interrupted: %w", ctx.Err()))
	}
	if errs == nil {
		return nil
	}

	if failed := e.summary.FailedJobs(); len(failed) > 0 {
		return fmt.Errorf("%w (jobs: %s): %w", ErrJobsFailed, strings.Join(failed, ", "), errs)
	}
	return fmt.Errorf("%w: %w", ErrRepositoryFailed, errs)
}

// report writes metrics and sends the notification. Both are best effort.
func (e *execution) report(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	if err := e.metricsSvc.Write(e.cfg.Metrics, e.summary); err != nil {
		e.logger.Error().Err(err).Msg("failed to write metrics")
	}

	if err := e.notifySvc.Notify(ctx, e.cfg.Notification, e.summary); err != nil {
		e.logger.Error().Err(err).Msg("failed to send notification")
		return
	}
	if notify.ShouldNotify(e.cfg.Notification, e.summary) {
		e.logger.Info().Msg("notification sent")
	}
}
