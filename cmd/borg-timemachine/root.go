package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fgeck/borg-timemachine/internal/config"
	"github.com/fgeck/borg-timemachine/internal/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Configuration flags.
	configFile string
	verbose    bool
	quiet      bool
	jsonOutput bool

	// logOutput is the terminal writer chosen by setupLogging.
	logOutput io.Writer = os.Stdout

	// logFile is the open logging.file, if any.
	logFile *os.File
)

var rootCmd = &cobra.Command{
	Use:   "borg-timemachine",
	Short: "A policy-driven borg backup orchestrator",
	Long: `borg-timemachine drives BorgBackup for a set of backup jobs:
  - one archive per job and run, named <destination>-<UTC timestamp>
  - grandfather-father-son retention per job
  - repository compaction and scheduled integrity checks
  - Wake-on-LAN and SSH shutdown of a remote repository host
  - email and Telegram notifications

Use as a one-shot command with an external scheduler (cron, systemd timer, etc.)`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
	SilenceUsage: true,
	Version:      Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default "+config.DefaultPath+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "enable quiet mode (errors only)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output logs in JSON format")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(generateConfigCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(previewCmd)
	rootCmd.AddCommand(validateCmd)
}

func setupLogging() {
	// Set output format
	if jsonOutput {
		logOutput = os.Stdout
	} else {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
		output.FormatLevel = func(i interface{}) string {
			if s, ok := i.(string); ok {
				return strings.ToUpper(s)
			}
			return ""
		}
		logOutput = output
	}
	log.Logger = zerolog.New(logOutput).With().Timestamp().Logger()

	// Set log level
	switch {
	case quiet:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case verbose:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// attachLogFile additionally appends JSON log lines to path.
func attachLogFile(path string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", path, err)
	}
	closeLogFile()
	logFile = f
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(logOutput, f)).With().Timestamp().Logger()
	return nil
}

// closeLogFile flushes and closes the log file and logs to the terminal only.
func closeLogFile() {
	if logFile == nil {
		return
	}
	log.Logger = zerolog.New(logOutput).With().Timestamp().Logger()
	if err := logFile.Sync(); err != nil {
		log.Warn().Err(err).Str("file", logFile.Name()).Msg("failed to sync log file")
	}
	if err := logFile.Close(); err != nil {
		log.Warn().Err(err).Str("file", logFile.Name()).Msg("failed to close log file")
	}
	logFile = nil
}

func configPath() string {
	if configFile == "" {
		return config.DefaultPath
	}
	return configFile
}

// loadConfig parses and validates the configuration. The passphrase file is
// read once here when the command talks to the repository.
func loadConfig(withPassphrase bool) (*models.BackupConfig, error) {
	path := configPath()
	fs := afero.NewOsFs()

	cfg, err := config.NewParserWithFs(fs).LoadFile(path)
	if err != nil {
		log.Error().Err(err).Str("file", path).Msg("failed to load config")
		return nil, err
	}

	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return nil, err
	}

	if cfg.Logging.File != "" {
		if err := attachLogFile(cfg.Logging.File); err != nil {
			log.Warn().Err(err).Msg("file logging disabled")
		}
	}

	if withPassphrase {
		if err := config.LoadPassphrase(fs, cfg); err != nil {
			log.Error().Err(err).Msg("failed to load passphrase")
			return nil, err
		}
	}

	log.Debug().
		Str("config", path).
		Str("repository", cfg.Repository.Path).
		Msg("configuration loaded")

	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM, which stops the running
// borg process.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

// Execute runs the root command. The log file is closed afterwards whether
// or not the command failed.
func Execute() error {
	defer closeLogFile()
	return rootCmd.Execute()
}
