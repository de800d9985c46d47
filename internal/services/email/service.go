// Package email delivers run notifications by SMTP or the local mail command.
package email

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/fgeck/borg-timemachine/internal/models"
	"github.com/rs/zerolog"
	"github.com/wneessen/go-mail"
)

// Service defines the interface for email notification operations.
type Service interface {
	Send(ctx context.Context, cfg models.EmailConfig, msg models.NotificationMessage) error
}

// SMTPSender delivers a composed message, allowing mocking in tests.
type SMTPSender interface {
	Send(ctx context.Context, cfg models.EmailConfig, m *mail.Msg) error
}

// CommandRunner runs a command feeding stdin, allowing mocking in tests.
type CommandRunner interface {
	Run(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error)
}

// DefaultSMTPSender dials the configured relay with go-mail.
type DefaultSMTPSender struct{}

// Send dials the relay and delivers m. Credentials are only offered when
// a username is configured.
func (d *DefaultSMTPSender) Send(ctx context.Context, cfg models.EmailConfig, m *mail.Msg) error {
	opts := []mail.Option{
		mail.WithPort(cfg.SMTPPort),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	client, err := mail.NewClient(cfg.SMTPHost, opts...)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	return client.DialAndSendWithContext(ctx, m)
}

// DefaultCommandRunner is the default command runner using os/exec.
type DefaultCommandRunner struct{}

// Run runs a command with stdin and returns its combined output.
func (r *DefaultCommandRunner) Run(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin
	return cmd.CombinedOutput()
}

// Impl implements the email Service interface.
type Impl struct {
	smtp   SMTPSender
	runner CommandRunner
	logger zerolog.Logger
}

// New creates a new email service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		smtp:   &DefaultSMTPSender{},
		runner: &DefaultCommandRunner{},
		logger: logger,
	}
}

// NewWithSenders creates a new email service with custom senders (for testing).
func NewWithSenders(logger zerolog.Logger, smtp SMTPSender, runner CommandRunner) *Impl {
	return &Impl{
		smtp:   smtp,
		runner: runner,
		logger: logger,
	}
}

// Send delivers msg by SMTP when a relay is configured, otherwise through
// the local mail command.
func (s *Impl) Send(ctx context.Context, cfg models.EmailConfig, msg models.NotificationMessage) error {
	recipients := splitRecipients(cfg.To)
	if len(recipients) == 0 {
		return fmt.Errorf("no email recipient configured")
	}

	if cfg.SMTPHost == "" {
		return s.sendLocal(ctx, recipients, msg)
	}

	s.logger.Info().
		Str("relay", cfg.SMTPHost).
		Int("port", cfg.SMTPPort).
		Strs("to", recipients).
		Msg("sending email notification")

	m, err := buildMessage(cfg.From, recipients, msg)
	if err != nil {
		return err
	}
	if err := s.smtp.Send(ctx, cfg, m); err != nil {
		return fmt.Errorf("failed to send email via %s: %w", cfg.SMTPHost, err)
	}

	s.logger.Info().Msg("email notification sent")
	return nil
}

func (s *Impl) sendLocal(ctx context.Context, recipients []string, msg models.NotificationMessage) error {
	s.logger.Info().Strs("to", recipients).Msg("sending email notification via local mail command")

	args := append([]string{"-s", msg.Subject}, recipients...)
	output, err := s.runner.Run(ctx, strings.NewReader(msg.Body), "mail", args...)
	if err != nil {
		return fmt.Errorf("mail command failed: %w, output: %s", err, strings.TrimSpace(string(output)))
	}

	s.logger.Info().Msg("email notification sent")
	return nil
}

func buildMessage(from string, recipients []string, msg models.NotificationMessage) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(from); err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", from, err)
	}
	if err := m.To(recipients...); err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Body)
	return m, nil
}

func splitRecipients(to string) []string {
	var out []string
	for _, addr := range strings.Split(to, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
