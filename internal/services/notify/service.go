// Package notify composes the run summary message and sends it through every
// configured transport.
package notify

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/borg-timemachine/internal/models"
	"github.com/fgeck/borg-timemachine/internal/services/borg"
	"github.com/fgeck/borg-timemachine/internal/services/email"
	"github.com/fgeck/borg-timemachine/internal/services/telegram"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// Limits of the diagnostic excerpt attached per failed step.
const (
	ExcerptLines = 15
	ExcerptBytes = 1500
)

// NotificationError combines the failures of every transport that could
// not deliver the message.
type NotificationError struct {
	Err error
}

func (e *NotificationError) Error() string {
	return "notification failed: " + e.Err.Error()
}

func (e *NotificationError) Unwrap() error {
	return e.Err
}

// Service defines the interface for run notifications.
type Service interface {
	Notify(ctx context.Context, cfg *models.NotificationConfig, summary *models.RunSummary) error
}

// Impl implements the notify Service interface.
type Impl struct {
	emailSvc    email.Service
	telegramSvc telegram.Service
	logger      zerolog.Logger
}

// New creates a new notify service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		emailSvc:    email.New(logger),
		telegramSvc: telegram.New(logger),
		logger:      logger,
	}
}

// NewWithTransports creates a new notify service with custom transports (for testing).
func NewWithTransports(logger zerolog.Logger, emailSvc email.Service, telegramSvc telegram.Service) *Impl {
	return &Impl{
		emailSvc:    emailSvc,
		telegramSvc: telegramSvc,
		logger:      logger,
	}
}

// ShouldNotify reports whether summary warrants a message under cfg.
func ShouldNotify(cfg *models.NotificationConfig, summary *models.RunSummary) bool {
	if cfg == nil || summary == nil {
		return false
	}
	return summary.Failed() || cfg.OnSuccess
}

// Notify sends one message describing summary. A run without failures is
// only reported when on_success is set.
func (s *Impl) Notify(ctx context.Context, cfg *models.NotificationConfig, summary *models.RunSummary) error {
	if !ShouldNotify(cfg, summary) {
		s.logger.Debug().Msg("no notification needed")
		return nil
	}

	msg := Compose(summary)

	var errs error
	if cfg.Email != nil {
		if err := s.emailSvc.Send(ctx, *cfg.Email, msg); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("email: %w", err))
		}
	}
	if cfg.Telegram != nil {
		if err := s.telegramSvc.Send(ctx, *cfg.Telegram, msg); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("telegram: %w", err))
		}
	}

	if errs != nil {
		return &NotificationError{Err: errs}
	}
	return nil
}

// Compose renders summary as a plain text mail body and a Telegram HTML message.
func Compose(summary *models.RunSummary) models.NotificationMessage {
	failedJobs := summary.FailedJobs()
	failures := summary.Failures()
	jobs := jobNames(summary)

	var subject string
	switch {
	case len(failedJobs) > 0:
		subject = fmt.Sprintf("[borg-timemachine] %s: %d of %d jobs failed", summary.Host, len(failedJobs), len(jobs))
	case len(failures) > 0:
		subject = fmt.Sprintf("[borg-timemachine] %s: repository %s failed", summary.Host, failures[0].Step)
	default:
		subject = fmt.Sprintf("[borg-timemachine] %s: backup succeeded", summary.Host)
	}

	return models.NotificationMessage{
		Subject: subject,
		Body:    plainBody(summary, failedJobs, failures),
		HTML:    htmlBody(summary, failedJobs, failures),
		Success: len(failures) == 0,
	}
}

func plainBody(summary *models.RunSummary, failedJobs []string, failures []models.RunResult) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Host:       %s\n", summary.Host)
	fmt.Fprintf(&b, "Repository: %s\n", summary.Repository)
	fmt.Fprintf(&b, "Run:        %s\n", summary.RunID)
	fmt.Fprintf(&b, "Started:    %s\n", summary.StartTime.Format(time.RFC3339))
	fmt.Fprintf(&b, "Duration:   %s\n", summary.Duration.Round(time.Second))

	if len(failedJobs) > 0 {
		fmt.Fprintf(&b, "\nFailed jobs: %s\n", strings.Join(failedJobs, ", "))
	}

	b.WriteString("\nSteps:\n")
	for _, r := range summary.Results {
		fmt.Fprintf(&b, "  %s\n", stepLine(r))
	}

	for _, r := range failures {
		fmt.Fprintf(&b, "\n--- %s (exit code %d)%s ---\n", stepLabel(r), r.ExitCode, retryHint(r))
		if r.Error != nil {
			fmt.Fprintf(&b, "%s\n", r.Error)
		}
		if excerpt := Excerpt(r.Output); excerpt != "" {
			fmt.Fprintf(&b, "%s\n", excerpt)
		}
	}

	return b.String()
}

func htmlBody(summary *models.RunSummary, failedJobs []string, failures []models.RunResult) string {
	var b strings.Builder

	if len(failures) == 0 {
		b.WriteString("✅ <b>Backup succeeded</b>\n\n")
	} else {
		b.WriteString("❌ <b>Backup failed</b>\n\n")
	}

	fmt.Fprintf(&b, "<b>Host:</b> %s\n", html.EscapeString(summary.Host))
	fmt.Fprintf(&b, "<b>Repository:</b> <code>%s</code>\n", html.EscapeString(summary.Repository))
	fmt.Fprintf(&b, "<b>Started:</b> %s\n", summary.StartTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "<b>Duration:</b> %s\n", summary.Duration.Round(time.Second))

	if len(failedJobs) > 0 {
		fmt.Fprintf(&b, "<b>Failed jobs:</b> %s\n", html.EscapeString(strings.Join(failedJobs, ", ")))
	}

	b.WriteString("\n")
	for _, r := range summary.Results {
		fmt.Fprintf(&b, "• %s\n", html.EscapeString(stepLine(r)))
	}

	for _, r := range failures {
		fmt.Fprintf(&b, "\n<b>%s</b> (exit code %d)%s\n", html.EscapeString(stepLabel(r)), r.ExitCode, html.EscapeString(retryHint(r)))
		if excerpt := Excerpt(r.Output); excerpt != "" {
			fmt.Fprintf(&b, "<pre>%s</pre>\n", html.EscapeString(excerpt))
		} else if r.Error != nil {
			fmt.Fprintf(&b, "<pre>%s</pre>\n", html.EscapeString(r.Error.Error()))
		}
	}

	return b.String()
}

func stepLabel(r models.RunResult) string {
	if r.Job == "" {
		return string(r.Step)
	}
	return r.Job + " " + string(r.Step)
}

func stepLine(r models.RunResult) string {
	status := "ok"
	if !r.Success {
		status = "FAILED"
	}

	line := fmt.Sprintf("%s: %s (%s)", stepLabel(r), status, r.Duration.Round(time.Second))
	if r.Archive != "" {
		line += " " + r.Archive
	}
	if r.Stats != nil {
		line += fmt.Sprintf(", %s files, %s new of %s",
			humanize.Comma(int64(r.Stats.Files)),
			humanize.Bytes(uint64(max(r.Stats.DeduplicatedSize, 0))),
			humanize.Bytes(uint64(max(r.Stats.OriginalSize, 0))))
	}
	return line
}

func retryHint(r models.RunResult) string {
	if borg.IsRetryable(r.Error) {
		return ", transient"
	}
	return ""
}

func jobNames(summary *models.RunSummary) []string {
	var names []string
	seen := map[string]bool{}
	for _, r := range summary.Results {
		if r.Job == "" || seen[r.Job] {
			continue
		}
		seen[r.Job] = true
		names = append(names, r.Job)
	}
	return names
}

// Excerpt keeps the tail of output: at most ExcerptLines lines and
// ExcerptBytes bytes, cut on a line boundary where possible.
func Excerpt(output string) string {
	output = strings.TrimRight(output, "\n ")
	if output == "" {
		return ""
	}

	lines := strings.Split(output, "\n")
	truncated := false
	if len(lines) > ExcerptLines {
		lines = lines[len(lines)-ExcerptLines:]
		truncated = true
	}

	text := strings.Join(lines, "\n")
	if len(text) > ExcerptBytes {
		text = text[len(text)-ExcerptBytes:]
		if i := strings.IndexByte(text, '\n'); i >= 0 && i < len(text)-1 {
			text = text[i+1:]
		}
		text = strings.ToValidUTF8(text, "")
		truncated = true
	}

	if truncated {
		return "[...]\n" + text
	}
	return text
}
