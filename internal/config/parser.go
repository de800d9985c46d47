// Package config provides configuration file parsing.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/borg-timemachine/internal/models"
	"github.com/fgeck/borg-timemachine/internal/retention"
	"github.com/fgeck/borg-timemachine/internal/schedule"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/afero"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "/etc/borg-timemachine/config.yaml"

var destinationPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Parser handles configuration file parsing.
type Parser struct {
	v  *viper.Viper
	fs afero.Fs
}

// NewParser creates a new configuration parser reading from the OS filesystem.
func NewParser() *Parser {
	return NewParserWithFs(afero.NewOsFs())
}

// NewParserWithFs creates a configuration parser on top of fs (useful for testing).
func NewParserWithFs(fs afero.Fs) *Parser {
	v := viper.New()
	v.SetFs(fs)
	v.SetConfigType("yaml")
	return &Parser{v: v, fs: fs}
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.BackupConfig, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, &Error{Kind: Malformed, Message: fmt.Sprintf("reading config file %s", path), Err: err}
	}

	return p.parse()
}

// LoadReader loads configuration from a string (useful for testing).
func (p *Parser) LoadReader(content string) (*models.BackupConfig, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, &Error{Kind: Malformed, Message: "reading config", Err: err}
	}

	return p.parse()
}

// rawJob mirrors one entry of the jobs list.
type rawJob struct {
	Name        string   `mapstructure:"name"`
	Source      string   `mapstructure:"source"`
	Destination string   `mapstructure:"destination"`
	Enabled     *bool    `mapstructure:"enabled"`
	Exclude     []string `mapstructure:"exclude"`
}

//nolint:gocognit,gocyclo // parsing config requires checking many fields
func (p *Parser) parse() (*models.BackupConfig, error) {
	cfg := &models.BackupConfig{}

	// Repository (required).
	cfg.Repository = models.RepositoryConfig{
		Path:       p.expandEnv(p.v.GetString("repository.path")),
		Encryption: models.EncryptionMode(p.v.GetString("repository.encryption")),
	}
	if cfg.Repository.Path == "" {
		return nil, missing("repository.path")
	}
	if cfg.Repository.Encryption == "" {
		cfg.Repository.Encryption = models.EncryptionRepokeyBlake2
	}
	if !cfg.Repository.Encryption.Valid() {
		return nil, invalid("repository.encryption", "unknown mode %q", cfg.Repository.Encryption)
	}

	// Jobs.
	jobs, err := p.parseJobs()
	if err != nil {
		return nil, err
	}
	cfg.Jobs = jobs
	cfg.Exclusions = p.v.GetStringSlice("exclusions")

	// Create options.
	timeout, err := p.duration("options.command_timeout")
	if err != nil {
		return nil, err
	}
	cfg.Options = models.CreateOptions{
		Compression:    p.v.GetString("options.compression"),
		OneFileSystem:  p.v.GetBool("options.one_file_system"),
		ExcludeCaches:  p.v.GetBool("options.exclude_caches"),
		CommandTimeout: timeout,
	}
	if cfg.Options.Compression == "" {
		cfg.Options.Compression = "lz4"
	}
	if cfg.Options.CommandTimeout < 0 {
		return nil, invalid("options.command_timeout", "must not be negative")
	}

	// Retention policy.
	if p.v.IsSet("retention") {
		if cfg.Retention, err = p.parseRetention(); err != nil {
			return nil, err
		}
	} else {
		cfg.Retention = DefaultRetention()
	}

	// Maintenance.
	cfg.Maintenance = models.MaintenanceSettings{
		Compact:       p.v.GetBool("maintenance.compact"),
		CheckSchedule: strings.TrimSpace(p.v.GetString("maintenance.check_schedule")),
	}
	if cfg.Maintenance.CheckSchedule != "" {
		if err := schedule.Validate(cfg.Maintenance.CheckSchedule); err != nil {
			return nil, &Error{Kind: InvalidValue, Field: "maintenance.check_schedule", Message: "not a cron expression", Err: err}
		}
	}

	// Security.
	cfg.Security = models.SecuritySettings{
		PassphraseFile: p.expandEnv(p.v.GetString("security.passphrase_file")),
	}
	if cfg.Repository.Encryption.NeedsPassphrase() && cfg.Security.PassphraseFile == "" {
		return nil, missing("security.passphrase_file")
	}

	// Logging.
	cfg.Logging = models.LoggingSettings{
		File:     p.expandEnv(p.v.GetString("logging.file")),
		LockFile: p.expandEnv(p.v.GetString("logging.lock_file")),
	}
	if cfg.Logging.LockFile == "" {
		cfg.Logging.LockFile = DefaultLockFile
	}

	// Optional notification config.
	if p.v.IsSet("notification") {
		if cfg.Notification, err = p.parseNotification(); err != nil {
			return nil, err
		}
	}

	// Optional metrics config.
	if p.v.IsSet("metrics") {
		cfg.Metrics = &models.MetricsConfig{
			Textfile: p.expandEnv(p.v.GetString("metrics.textfile")),
		}
		if cfg.Metrics.Textfile == "" {
			return nil, missing("metrics.textfile")
		}
	}

	// Optional repository host wake-up.
	if p.v.IsSet("wol") {
		if cfg.WOL, err = p.parseWOL(); err != nil {
			return nil, err
		}
	}

	// Optional repository host shutdown.
	if p.v.IsSet("ssh_shutdown") {
		if cfg.SSHShutdown, err = p.parseSSHShutdown(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func (p *Parser) parseJobs() ([]models.Job, error) {
	if !p.v.IsSet("jobs") {
		return nil, nil
	}

	var raw []rawJob
	err := p.v.UnmarshalKey("jobs", &raw, func(dc *mapstructure.DecoderConfig) {
		dc.ErrorUnused = true
	})
	if err != nil {
		return nil, malformed("jobs", err)
	}

	jobs := make([]models.Job, 0, len(raw))
	names := map[string]int{}
	destinations := map[string]int{}

	for i, r := range raw {
		field := fmt.Sprintf("jobs[%d]", i)

		job := models.Job{
			Name:        strings.TrimSpace(r.Name),
			Source:      p.expandEnv(r.Source),
			Destination: strings.TrimSpace(r.Destination),
			Enabled:     r.Enabled == nil || *r.Enabled,
			Exclude:     r.Exclude,
		}

		if job.Name == "" {
			return nil, missing(field + ".name")
		}
		if first, ok := names[job.Name]; ok {
			return nil, &Error{
				Kind:    DuplicateJobName,
				Field:   field + ".name",
				Message: fmt.Sprintf("%q already used by jobs[%d]", job.Name, first),
			}
		}
		names[job.Name] = i

		if job.Source == "" {
			return nil, missing(field + ".source")
		}
		if job.Destination == "" {
			return nil, missing(field + ".destination")
		}
		if !destinationPattern.MatchString(job.Destination) {
			return nil, invalid(field+".destination", "%q may only contain letters, digits, '.', '_' and '-'", job.Destination)
		}
		if first, ok := destinations[job.Destination]; ok {
			return nil, invalid(field+".destination", "%q already used by jobs[%d]", job.Destination, first)
		}
		destinations[job.Destination] = i

		jobs = append(jobs, job)
	}

	return jobs, nil
}

func (p *Parser) parseRetention() (models.RetentionPolicy, error) {
	policy := models.RetentionPolicy{
		Within: strings.TrimSpace(p.v.GetString("retention.within")),
	}

	counts := []struct {
		key string
		dst *int
	}{
		{"retention.hourly", &policy.Hourly},
		{"retention.daily", &policy.Daily},
		{"retention.weekly", &policy.Weekly},
		{"retention.monthly", &policy.Monthly},
		{"retention.yearly", &policy.Yearly},
	}
	for _, c := range counts {
		n, err := p.int(c.key)
		if err != nil {
			return policy, err
		}
		if n < 0 {
			return policy, invalid(c.key, "must not be negative, got %d", n)
		}
		*c.dst = n
	}

	if policy.Within != "" {
		if _, err := retention.ParseWithin(policy.Within); err != nil {
			return policy, &Error{Kind: InvalidValue, Field: "retention.within", Message: "not a borg interval", Err: err}
		}
	}
	if policy.IsEmpty() {
		return policy, invalid("retention", "keeps nothing: set within or at least one bucket count")
	}

	return policy, nil
}

func (p *Parser) parseNotification() (*models.NotificationConfig, error) {
	n := &models.NotificationConfig{
		OnSuccess: p.v.GetBool("notification.on_success"),
	}

	if p.v.IsSet("notification.email") {
		port, err := p.int("notification.email.smtp_port")
		if err != nil {
			return nil, err
		}
		n.Email = &models.EmailConfig{
			To:       p.expandEnv(p.v.GetString("notification.email.to")),
			From:     p.expandEnv(p.v.GetString("notification.email.from")),
			SMTPHost: p.v.GetString("notification.email.smtp_host"),
			SMTPPort: port,
			Username: p.expandEnv(p.v.GetString("notification.email.username")),
			Password: p.expandEnv(p.v.GetString("notification.email.password")),
		}

		if n.Email.To == "" {
			return nil, missing("notification.email.to")
		}
		if n.Email.SMTPHost != "" {
			if n.Email.From == "" {
				return nil, missing("notification.email.from")
			}
			if n.Email.SMTPPort == 0 {
				n.Email.SMTPPort = 587
			}
		}
	}

	if p.v.IsSet("notification.telegram") {
		n.Telegram = &models.TelegramConfig{
			BotToken: p.expandEnv(p.v.GetString("notification.telegram.bot_token")),
			ChatID:   p.expandEnv(p.v.GetString("notification.telegram.chat_id")),
		}

		if n.Telegram.BotToken == "" {
			return nil, missing("notification.telegram.bot_token")
		}
		if n.Telegram.ChatID == "" {
			return nil, missing("notification.telegram.chat_id")
		}
	}

	if n.Email == nil && n.Telegram == nil {
		return nil, invalid("notification", "needs an email or telegram target")
	}

	return n, nil
}

func (p *Parser) parseWOL() (*models.HostWakeConfig, error) {
	cfg := &models.HostWakeConfig{
		MACAddress:  p.v.GetString("wol.mac_address"),
		BroadcastIP: p.v.GetString("wol.broadcast_ip"),
		PollURL:     p.v.GetString("wol.poll_url"),
	}

	var err error
	if cfg.Timeout, err = p.duration("wol.timeout"); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = p.duration("wol.poll_interval"); err != nil {
		return nil, err
	}
	if cfg.StabilizeWait, err = p.duration("wol.stabilize_wait"); err != nil {
		return nil, err
	}

	if cfg.MACAddress == "" {
		return nil, missing("wol.mac_address")
	}

	// Set defaults. A remote repository is ready once its SSH port answers.
	if remote, ok := (models.RepositoryConfig{Path: p.expandEnv(p.v.GetString("repository.path"))}).Remote(); ok && cfg.PollURL == "" {
		port := remote.Port
		if port == 0 {
			port = 22
		}
		cfg.PollURL = "ssh://" + net.JoinHostPort(remote.Host, strconv.Itoa(port))
	}
	if cfg.BroadcastIP == "" {
		cfg.BroadcastIP = "255.255.255.255"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.StabilizeWait == 0 {
		cfg.StabilizeWait = 10 * time.Second
	}

	return cfg, nil
}

func (p *Parser) parseSSHShutdown() (*models.HostShutdownConfig, error) {
	port, err := p.int("ssh_shutdown.port")
	if err != nil {
		return nil, err
	}
	delay, err := p.int("ssh_shutdown.shutdown_delay")
	if err != nil {
		return nil, err
	}

	cfg := &models.HostShutdownConfig{
		Host:          p.v.GetString("ssh_shutdown.host"),
		Port:          port,
		Username:      p.v.GetString("ssh_shutdown.username"),
		KeyPath:       p.expandEnv(p.v.GetString("ssh_shutdown.key_path")),
		KnownHosts:    p.expandEnv(p.v.GetString("ssh_shutdown.known_hosts")),
		ShutdownDelay: delay,
		OS:            p.v.GetString("ssh_shutdown.os"),
		SkipIfBusy:    true,
	}
	if p.v.IsSet("ssh_shutdown.skip_if_busy") {
		if cfg.SkipIfBusy, err = cast.ToBoolE(p.v.Get("ssh_shutdown.skip_if_busy")); err != nil {
			return nil, invalid("ssh_shutdown.skip_if_busy", "must be true or false")
		}
	}

	// A remote repository names the host that has to be powered off.
	if remote, ok := (models.RepositoryConfig{Path: p.expandEnv(p.v.GetString("repository.path"))}).Remote(); ok && cfg.Host == "" {
		cfg.Host = remote.Host
		if cfg.Username == "" {
			cfg.Username = remote.User
		}
		if cfg.Port == 0 {
			cfg.Port = remote.Port
		}
	}

	if cfg.Host == "" {
		return nil, missing("ssh_shutdown.host")
	}
	if cfg.KeyPath == "" {
		return nil, missing("ssh_shutdown.key_path")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Username == "" {
		cfg.Username = "root"
	}
	if cfg.ShutdownDelay == 0 {
		cfg.ShutdownDelay = 1
	}
	if cfg.OS == "" {
		cfg.OS = "linux"
	}
	if cfg.OS != "linux" && cfg.OS != "windows" {
		return nil, invalid("ssh_shutdown.os", "must be one of: linux, windows")
	}

	return cfg, nil
}

// int reads an optional integer, rejecting values that are not numbers.
func (p *Parser) int(key string) (int, error) {
	raw := p.v.Get(key)
	if raw == nil {
		return 0, nil
	}
	n, err := cast.ToIntE(raw)
	if err != nil {
		return 0, &Error{Kind: InvalidValue, Field: key, Message: "not an integer", Err: err}
	}
	return n, nil
}

// duration reads an optional Go duration such as "90s" or "5m".
func (p *Parser) duration(key string) (time.Duration, error) {
	raw := p.v.Get(key)
	if raw == nil {
		return 0, nil
	}
	d, err := cast.ToDurationE(raw)
	if err != nil {
		return 0, &Error{Kind: InvalidValue, Field: key, Message: "not a duration", Err: err}
	}
	return d, nil
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate performs validation on a loaded or hand-built configuration.
func Validate(cfg *models.BackupConfig) error {
	if cfg == nil {
		return &Error{Kind: Malformed, Message: "configuration is nil"}
	}

	if cfg.Repository.Path == "" {
		return missing("repository.path")
	}
	if !cfg.Repository.Encryption.Valid() {
		return invalid("repository.encryption", "unknown mode %q", cfg.Repository.Encryption)
	}

	names := map[string]bool{}
	for i, job := range cfg.Jobs {
		field := fmt.Sprintf("jobs[%d]", i)
		if job.Name == "" {
			return missing(field + ".name")
		}
		if names[job.Name] {
			return &Error{Kind: DuplicateJobName, Field: field + ".name", Message: fmt.Sprintf("%q is not unique", job.Name)}
		}
		names[job.Name] = true
		if job.Source == "" {
			return missing(field + ".source")
		}
		if !destinationPattern.MatchString(job.Destination) {
			return invalid(field+".destination", "%q is not a valid archive prefix", job.Destination)
		}
	}

	if err := retention.Validate(cfg.Retention); err != nil {
		return &Error{Kind: InvalidValue, Field: "retention", Message: "unusable policy", Err: err}
	}

	return nil
}
