package main

import (
	"fmt"
	"strings"

	"github.com/fgeck/borg-timemachine/internal/config"
	"github.com/fgeck/borg-timemachine/internal/models"
	"github.com/fgeck/borg-timemachine/internal/retention"
	"github.com/fgeck/borg-timemachine/internal/services/ssh"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var probeHosts bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the configuration file and the passphrase file without executing
any backup operations. With --probe the SSH shutdown target is contacted too.`,
	Args: cobra.NoArgs,
	RunE: validateConfig,
}

func init() {
	validateCmd.Flags().BoolVar(&probeHosts, "probe", false, "test the SSH connection to the repository host")
}

func validateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}

	if err := config.LoadPassphrase(afero.NewOsFs(), cfg); err != nil {
		log.Error().Err(err).Msg("passphrase check failed")
		return err
	}

	// Print configuration summary
	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Println("Summary:")
	fmt.Printf("  Repository: %s\n", cfg.Repository.Path)
	fmt.Printf("  Encryption: %s\n", cfg.Repository.Encryption)
	if cfg.Repository.Encryption.NeedsPassphrase() {
		fmt.Printf("  Passphrase file: %s (readable)\n", cfg.Security.PassphraseFile)
	}
	fmt.Printf("  Lock file: %s\n", cfg.Logging.LockFile)
	if len(cfg.Exclusions) > 0 {
		fmt.Printf("  Global excludes: %s\n", strings.Join(cfg.Exclusions, ", "))
	}
	fmt.Println()
	fmt.Println("Jobs:")
	for _, job := range cfg.Jobs {
		state := "enabled"
		if !job.Enabled {
			state = "disabled"
		}
		fmt.Printf("  %s: %s -> %s (%s)\n", job.Name, job.Source, retention.ArchiveGlob(job.Destination), state)
	}
	fmt.Println()
	fmt.Println("Retention Policy:")
	printRetention(cfg.Retention)
	fmt.Println()
	fmt.Println("Optional Features:")
	fmt.Printf("  Compact: %v\n", cfg.Maintenance.Compact)
	fmt.Printf("  Check schedule: %s\n", valueOr(cfg.Maintenance.CheckSchedule, "never"))
	fmt.Printf("  Wake-on-LAN: %v\n", cfg.WOL != nil)
	fmt.Printf("  SSH Shutdown: %v\n", cfg.SSHShutdown != nil)
	fmt.Printf("  Email: %v\n", cfg.Notification != nil && cfg.Notification.Email != nil)
	fmt.Printf("  Telegram: %v\n", cfg.Notification != nil && cfg.Notification.Telegram != nil)
	fmt.Printf("  Metrics: %v\n", cfg.Metrics != nil)

	if cfg.WOL != nil {
		fmt.Println()
		fmt.Println("WOL Configuration:")
		fmt.Printf("  MAC Address: %s\n", cfg.WOL.MACAddress)
		fmt.Printf("  Broadcast IP: %s\n", cfg.WOL.BroadcastIP)
		if cfg.WOL.PollURL != "" {
			fmt.Printf("  Poll URL: %s\n", cfg.WOL.PollURL)
		}
	}

	if cfg.SSHShutdown != nil {
		fmt.Println()
		fmt.Println("SSH Shutdown Configuration:")
		fmt.Printf("  Host: %s\n", cfg.SSHShutdown.Host)
		fmt.Printf("  Port: %d\n", cfg.SSHShutdown.Port)
		fmt.Printf("  Username: %s\n", cfg.SSHShutdown.Username)
		fmt.Printf("  OS: %s\n", cfg.SSHShutdown.OS)
		fmt.Printf("  Shutdown Delay: %d minute(s)\n", cfg.SSHShutdown.ShutdownDelay)
		fmt.Printf("  Known hosts: %s\n", valueOr(cfg.SSHShutdown.KnownHosts, "not verified"))
		fmt.Printf("  Skip if busy: %v\n", cfg.SSHShutdown.SkipIfBusy)
	}

	if n := cfg.Notification; n != nil {
		fmt.Println()
		fmt.Println("Notification Configuration:")
		fmt.Printf("  On success: %v\n", n.OnSuccess)
		if n.Email != nil {
			fmt.Printf("  Email to: %s (via %s)\n", n.Email.To, valueOr(n.Email.SMTPHost, "local mail command"))
		}
		if n.Telegram != nil {
			fmt.Printf("  Telegram chat ID: %s\n", n.Telegram.ChatID)
			fmt.Printf("  Bot Token: (configured)\n")
		}
	}

	if probeHosts && cfg.SSHShutdown != nil {
		return probeSSH(*cfg.SSHShutdown)
	}
	return nil
}

func printRetention(policy models.RetentionPolicy) {
	if policy.Within != "" {
		fmt.Printf("  Keep within: %s\n", policy.Within)
	}
	fmt.Printf("  Keep hourly: %d\n", policy.Hourly)
	fmt.Printf("  Keep daily: %d\n", policy.Daily)
	fmt.Printf("  Keep weekly: %d\n", policy.Weekly)
	fmt.Printf("  Keep monthly: %d\n", policy.Monthly)
	fmt.Printf("  Keep yearly: %d\n", policy.Yearly)
}

func probeSSH(cfg models.HostShutdownConfig) error {
	ctx, cancel := signalContext()
	defer cancel()

	fmt.Println()
	fmt.Printf("Probing SSH connection to %s:%d... ", cfg.Host, cfg.Port)

	result, err := ssh.New(log.Logger).TestConnection(ctx, cfg)
	if err == nil {
		err = result.Error
	}
	if err != nil {
		fmt.Println("failed")
		log.Error().Err(err).Str("host", cfg.Host).Msg("SSH probe failed")
		return fmt.Errorf("SSH probe of %s failed: %w", cfg.Host, err)
	}

	fmt.Printf("ok (%s)\n", result.Output)
	return nil
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
