// Package wol wakes a sleeping repository host before a run.
package wol

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/fgeck/borg-timemachine/internal/models"
	"github.com/juju/clock"
	"github.com/mdlayher/wol"
	"github.com/rs/zerolog"
)

// Service defines the interface for Wake-on-LAN operations.
type Service interface {
	Wake(ctx context.Context, cfg models.HostWakeConfig) (*models.HostWakeResult, error)
}

// Client wraps the wol library for mocking.
type Client interface {
	Wake(broadcastIP string, mac net.HardwareAddr) error
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Dialer allows mocking TCP probes of ssh:// repository hosts.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DefaultClient is the default implementation using mdlayher/wol.
type DefaultClient struct{}

// Wake sends a magic packet to the specified MAC address.
func (c *DefaultClient) Wake(broadcastIP string, mac net.HardwareAddr) error {
	client, err := wol.NewClient()
	if err != nil {
		return fmt.Errorf("failed to create WOL client: %w", err)
	}
	defer func() { _ = client.Close() }()

	ip := net.ParseIP(broadcastIP)
	if ip == nil {
		return fmt.Errorf("invalid broadcast IP: %s", broadcastIP)
	}

	if err := client.Wake(net.JoinHostPort(ip.String(), "9"), mac); err != nil {
		return fmt.Errorf("failed to send WOL packet: %w", err)
	}

	return nil
}

// Impl implements the WOL Service interface.
type Impl struct {
	wolClient  Client
	httpClient HTTPClient
	dialer     Dialer
	clock      clock.Clock
	logger     zerolog.Logger
}

// New creates a new WOL service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		wolClient: &DefaultClient{},
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		dialer: &net.Dialer{Timeout: 5 * time.Second},
		clock:  clock.WallClock,
		logger: logger,
	}
}

// NewWithClients creates a new WOL service with custom clients (for testing).
func NewWithClients(logger zerolog.Logger, wolClient Client, httpClient HTTPClient, dialer Dialer, clk clock.Clock) *Impl {
	return &Impl{
		wolClient:  wolClient,
		httpClient: httpClient,
		dialer:     dialer,
		clock:      clk,
		logger:     logger,
	}
}

// Wake sends a WOL packet and optionally waits for the repository host to answer.
func (s *Impl) Wake(ctx context.Context, cfg models.HostWakeConfig) (*models.HostWakeResult, error) {
	result := &models.HostWakeResult{}
	start := s.clock.Now()

	mac, err := net.ParseMAC(cfg.MACAddress)
	if err != nil {
		result.Error = fmt.Errorf("invalid MAC address %q: %w", cfg.MACAddress, err)
		return result, nil
	}

	s.logger.Info().
		Str("mac", cfg.MACAddress).
		Str("broadcast", cfg.BroadcastIP).
		Msg("sending WOL packet")

	if err := s.wolClient.Wake(cfg.BroadcastIP, mac); err != nil {
		result.Error = err
		return result, nil //nolint:nilerr // error is stored in result struct by design
	}
	result.PacketSent = true

	if cfg.PollURL == "" {
		result.WaitDuration = s.clock.Now().Sub(start)
		result.HostReady = true
		return result, nil
	}

	s.logger.Info().
		Str("url", cfg.PollURL).
		Dur("timeout", cfg.Timeout).
		Msg("waiting for repository host")

	if err := s.waitForHost(ctx, cfg); err != nil {
		result.WaitDuration = s.clock.Now().Sub(start)
		result.Error = err
		return result, nil //nolint:nilerr // error is stored in result struct by design
	}

	if cfg.StabilizeWait > 0 {
		s.logger.Debug().Str("wait", cfg.StabilizeWait.Round(time.Millisecond).String()).Msg("waiting for host to settle")
		select {
		case <-ctx.Done():
			result.WaitDuration = s.clock.Now().Sub(start)
			result.Error = ctx.Err()
			return result, nil
		case <-s.clock.After(cfg.StabilizeWait):
		}
	}

	result.HostReady = true
	result.WaitDuration = s.clock.Now().Sub(start)

	s.logger.Info().Dur("duration", result.WaitDuration).Msg("repository host is ready")

	return result, nil
}

func (s *Impl) waitForHost(ctx context.Context, cfg models.HostWakeConfig) error {
	target, err := url.Parse(cfg.PollURL)
	if err != nil {
		return fmt.Errorf("invalid poll URL %q: %w", cfg.PollURL, err)
	}
	switch target.Scheme {
	case "tcp", "ssh", "http", "https":
	default:
		return fmt.Errorf("unsupported poll URL scheme %q", target.Scheme)
	}

	deadline := s.clock.Now().Add(cfg.Timeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.clock.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for repository host at %s", cfg.PollURL)
		}

		probeErr := s.probe(ctx, target)
		if probeErr == nil {
			return nil
		}
		s.logger.Debug().Err(probeErr).Msg("repository host not ready yet")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(cfg.PollInterval):
		}
	}
}

// probe succeeds on any HTTP response or an accepted TCP connection.
func (s *Impl) probe(ctx context.Context, target *url.URL) error {
	switch target.Scheme {
	case "tcp", "ssh":
		host := target.Host
		if target.Port() == "" {
			host = net.JoinHostPort(target.Hostname(), "22")
		}
		conn, err := s.dialer.DialContext(ctx, "tcp", host)
		if err != nil {
			return err
		}
		return conn.Close()
	default:
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return err
		}
		return resp.Body.Close()
	}
}
