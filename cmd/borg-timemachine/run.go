package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fgeck/borg-timemachine/internal/lock"
	"github.com/fgeck/borg-timemachine/internal/models"
	"github.com/fgeck/borg-timemachine/internal/services/notify"
	"github.com/fgeck/borg-timemachine/internal/services/runner"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// lockStuckAfter is how long a live process may hold the lock before
// skipped runs are reported through the notification channels.
const lockStuckAfter = 24 * time.Hour

var runCmd = &cobra.Command{
	Use:     "run",
	Aliases: []string{"backup"},
	Short:   "Execute the backup workflow",
	Long: `Execute the complete backup workflow:
1. Wake-on-LAN of the repository host (if configured)
2. For every enabled job: borg create, then borg prune for the job's archives
3. borg compact (if enabled and anything was pruned)
4. borg check (if the check schedule fires today)
5. SSH shutdown of the repository host (if configured)
6. Metrics textfile and notification (if configured)

A failing job never stops the jobs after it.`,
	Args: cobra.NoArgs,
	RunE: runBackup,
}

func runBackup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}

	token, err := lock.Acquire(afero.NewOsFs(), cfg.Logging.LockFile, cfg.Repository.Path)
	if err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			log.Error().Err(err).Msg("another run is in progress")
			reportStuckLock(cfg, held)
		} else {
			log.Error().Err(err).Msg("failed to acquire repository lock")
		}
		return err
	}
	defer func() {
		if err := token.Release(); err != nil {
			log.Warn().Err(err).Msg("failed to release repository lock")
		}
	}()

	// Set up context with signal handling
	ctx, cancel := signalContext()
	defer cancel()

	runnerSvc := runner.New(log.Logger)
	summary, err := runnerSvc.Run(ctx, *cfg, token)
	if err != nil {
		if summary != nil {
			log.Error().
				Strs("failed_jobs", summary.FailedJobs()).
				Str("run_id", summary.RunID).
				Msg("backup failed")
		}
		return err
	}

	log.Info().Str("run_id", summary.RunID).Msg("backup completed successfully")
	return nil
}

// stuckLockSummary describes a skipped run as a failed lock step once the
// lock has been held for lockStuckAfter. It returns nil before that.
func stuckLockSummary(cfg *models.BackupConfig, held *lock.HeldError, host string, now time.Time) *models.RunSummary {
	if held.Since.IsZero() || now.Sub(held.Since) < lockStuckAfter {
		return nil
	}
	age := now.Sub(held.Since).Round(time.Minute)
	return &models.RunSummary{
		RunID:      uuid.NewString(),
		Host:       host,
		Repository: cfg.Repository.Path,
		StartTime:  now,
		Results: []models.RunResult{{
			Step:     models.StepLock,
			ExitCode: exitLocked,
			Error:    fmt.Errorf("%w for %s, no backup ran", held, age),
		}},
	}
}

func reportStuckLock(cfg *models.BackupConfig, held *lock.HeldError) {
	host, _ := os.Hostname()
	summary := stuckLockSummary(cfg, held, host, time.Now())
	if summary == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := notify.New(log.Logger).Notify(ctx, cfg.Notification, summary); err != nil {
		log.Warn().Err(err).Msg("failed to report stuck repository lock")
	}
}
