// Package ssh powers the repository host off once a run is over.
package ssh

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/borg-timemachine/internal/models"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	// activeServeCommand prints the pids of borg serve processes. The
	// bracket keeps pgrep from matching the shell that runs it, and the
	// test maps pgrep's "no match" status 1 to success.
	activeServeCommand = "pgrep -f '[b]org serve'; test $? -le 1"
	probeCommand       = "borg --version"
)

// Service powers the repository host off and probes it.
type Service interface {
	Shutdown(ctx context.Context, cfg models.HostShutdownConfig) (*models.HostShutdownResult, error)
	TestConnection(ctx context.Context, cfg models.HostShutdownConfig) (*models.HostShutdownResult, error)
}

// SSHClient wraps ssh.Client for mocking.
type SSHClient interface {
	NewSession() (SSHSession, error)
	Close() error
}

// SSHSession wraps ssh.Session for mocking.
type SSHSession interface {
	CombinedOutput(cmd string) ([]byte, error)
	Close() error
}

// ClientFactory creates SSH clients.
type ClientFactory interface {
	NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error)
}

// DefaultClientFactory is the default SSH client factory.
type DefaultClientFactory struct{}

// NewClient creates a new SSH client.
func (f *DefaultClientFactory) NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
	client, err := ssh.Dial(network, addr, config)
	if err != nil {
		return nil, err
	}
	return &defaultSSHClient{client: client}, nil
}

type defaultSSHClient struct {
	client *ssh.Client
}

func (c *defaultSSHClient) NewSession() (SSHSession, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, err
	}
	return &defaultSSHSession{session: session}, nil
}

func (c *defaultSSHClient) Close() error {
	return c.client.Close()
}

type defaultSSHSession struct {
	session *ssh.Session
}

func (s *defaultSSHSession) CombinedOutput(cmd string) ([]byte, error) {
	return s.session.CombinedOutput(cmd)
}

func (s *defaultSSHSession) Close() error {
	return s.session.Close()
}

// Impl implements the SSH Service interface.
type Impl struct {
	clientFactory ClientFactory
	fs            afero.Fs
	logger        zerolog.Logger
}

// New creates a new SSH service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		clientFactory: &DefaultClientFactory{},
		fs:            afero.NewOsFs(),
		logger:        logger,
	}
}

// NewWithClientFactory creates a new SSH service with a custom client factory
// and filesystem (for testing).
func NewWithClientFactory(logger zerolog.Logger, factory ClientFactory, fs afero.Fs) *Impl {
	return &Impl{
		clientFactory: factory,
		fs:            fs,
		logger:        logger,
	}
}

func (s *Impl) buildConfig(cfg models.HostShutdownConfig) (*ssh.ClientConfig, error) {
	key := cfg.PrivateKey
	if len(key) == 0 {
		if cfg.KeyPath == "" {
			return nil, fmt.Errorf("no private key provided")
		}
		var err error
		if key, err = afero.ReadFile(s.fs, cfg.KeyPath); err != nil {
			return nil, fmt.Errorf("failed to read private key from %s: %w", cfg.KeyPath, err)
		}
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	hostKeys := ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in verification via known_hosts
	if cfg.KnownHosts != "" {
		if hostKeys, err = knownhosts.New(cfg.KnownHosts); err != nil {
			return nil, fmt.Errorf("failed to load known hosts from %s: %w", cfg.KnownHosts, err)
		}
	}

	return &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         30 * time.Second,
	}, nil
}

type dialResult struct {
	client SSHClient
	err    error
}

// connect dials in the background so a cancelled context does not wait for
// the SSH handshake.
func (s *Impl) connect(ctx context.Context, cfg models.HostShutdownConfig) (SSHClient, error) {
	sshConfig, err := s.buildConfig(cfg)
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	dialed := make(chan dialResult, 1)
	go func() {
		client, err := s.clientFactory.NewClient("tcp", addr, sshConfig)
		dialed <- dialResult{client, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-dialed:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", addr, res.err)
		}
		return res.client, nil
	}
}

// run executes cmd in a fresh session and returns its combined output.
// started is false when no session could be opened.
func run(client SSHClient, cmd string) (output string, started bool, err error) {
	session, err := client.NewSession()
	if err != nil {
		return "", false, fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	out, err := session.CombinedOutput(cmd)
	return string(out), true, err
}

// activeSessions counts the borg serve processes running on the host.
func activeSessions(client SSHClient) (int, error) {
	output, _, err := run(client, activeServeCommand)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", err, strings.TrimSpace(output))
	}
	return len(strings.Fields(output)), nil
}

// shutdownCommand returns the command that powers the host off after
// ShutdownDelay minutes.
func shutdownCommand(cfg models.HostShutdownConfig) string {
	if cfg.OS == "windows" {
		delaySeconds := cfg.ShutdownDelay * 60
		if delaySeconds == 0 {
			delaySeconds = 60
		}
		return fmt.Sprintf("shutdown /s /t %d", delaySeconds)
	}
	if cfg.ShutdownDelay == 0 {
		return "sudo shutdown -h now"
	}
	return fmt.Sprintf("sudo shutdown -h +%d", cfg.ShutdownDelay)
}

// Shutdown powers the repository host off. With SkipIfBusy a host that
// still serves other borg clients is left running and Busy is set.
func (s *Impl) Shutdown(ctx context.Context, cfg models.HostShutdownConfig) (*models.HostShutdownResult, error) {
	result := &models.HostShutdownResult{}
	logger := s.logger.With().Str("host", cfg.Host).Int("port", cfg.Port).Logger()

	logger.Info().
		Str("user", cfg.Username).
		Int("delay", cfg.ShutdownDelay).
		Msg("powering off repository host")

	client, err := s.connect(ctx, cfg)
	if err != nil {
		result.Error = err
		return result, nil
	}
	defer client.Close()

	if cfg.SkipIfBusy && cfg.OS != "windows" {
		n, err := activeSessions(client)
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("could not list borg sessions on the host, shutting down anyway")
		case n > 0:
			logger.Warn().Int("sessions", n).Msg("other borg clients are connected, leaving host running")
			result.Busy = true
			return result, nil
		}
	}

	cmd := shutdownCommand(cfg)
	logger.Debug().Str("command", cmd).Msg("executing shutdown command")

	output, started, err := run(client, cmd)
	if !started {
		result.Error = err
		return result, nil
	}
	result.Output = output
	result.CommandRun = true

	if err != nil {
		// The host may drop the connection while going down.
		if ctx.Err() != nil {
			result.Error = ctx.Err()
		} else {
			logger.Warn().Err(err).Str("output", result.Output).Msg("shutdown command returned error (may be expected)")
		}
	}

	logger.Info().
		Bool("command_run", result.CommandRun).
		Str("output", result.Output).
		Msg("shutdown command completed")

	return result, nil
}

// TestConnection logs in and checks that borg is installed on the host,
// without shutting it down.
func (s *Impl) TestConnection(ctx context.Context, cfg models.HostShutdownConfig) (*models.HostShutdownResult, error) {
	result := &models.HostShutdownResult{}

	s.logger.Debug().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Msg("testing SSH connection")

	client, err := s.connect(ctx, cfg)
	if err != nil {
		result.Error = err
		return result, nil
	}
	defer client.Close()

	cmd := probeCommand
	if cfg.OS == "windows" {
		cmd = "echo OK"
	}
	output, started, err := run(client, cmd)
	result.Output = strings.TrimSpace(output)
	result.CommandRun = started
	if err != nil {
		result.Error = fmt.Errorf("%s failed on %s: %w", cmd, cfg.Host, err)
	}

	return result, nil
}
