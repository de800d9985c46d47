package config

import (
	"testing"
	"time"

	"github.com/fgeck/borg-timemachine/internal/models"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireKind(t *testing.T, err error, kind ErrorKind, field string) {
	t.Helper()

	require.Error(t, err)
	var cfgErr *Error
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, kind, cfgErr.Kind, "unexpected kind for %v", err)
	assert.Equal(t, field, cfgErr.Field)
}

func TestParser_LoadReader_MinimalConfig(t *testing.T) {
	yaml := `
repository:
  path: /backup/borg
security:
  passphrase_file: /etc/borg/pass
jobs:
  - name: home
    source: /home
    destination: home
`
	parser := NewParser()
	cfg, err := parser.LoadReader(yaml)

	require.NoError(t, err)
	assert.Equal(t, "/backup/borg", cfg.Repository.Path)
	assert.Equal(t, models.EncryptionRepokeyBlake2, cfg.Repository.Encryption)
	require.Len(t, cfg.Jobs, 1)
	assert.Equal(t, models.Job{Name: "home", Source: "/home", Destination: "home", Enabled: true}, cfg.Jobs[0])
	// Check defaults
	assert.Equal(t, DefaultRetention(), cfg.Retention)
	assert.Equal(t, "lz4", cfg.Options.Compression)
	assert.Equal(t, DefaultLockFile, cfg.Logging.LockFile)
	assert.Nil(t, cfg.Notification)
	assert.Nil(t, cfg.Metrics)
	assert.Nil(t, cfg.WOL)
	assert.Nil(t, cfg.SSHShutdown)
}

func TestParser_LoadReader_FullConfig(t *testing.T) {
	yaml := `
repository:
  path: "ssh://borg@nas:22/./backups"
  encryption: repokey

jobs:
  - name: home
    source: /home
    destination: home
    exclude:
      - "*/.cache"
  - name: etc
    source: /etc
    destination: etc
    enabled: false

exclusions:
  - "*.tmp"

options:
  compression: zstd,6
  one_file_system: true
  exclude_caches: true
  command_timeout: 6h

retention:
  within: 2d
  hourly: 12
  daily: 14
  weekly: 8
  monthly: 12
  yearly: 3

maintenance:
  compact: true
  check_schedule: "0 4 * * 0"

security:
  passphrase_file: /root/.borg-pass

logging:
  file: /var/log/borg.log
  lock_file: /run/borg.lock

notification:
  on_success: true
  email:
    to: ops@example.com
    from: borg@example.com
    smtp_host: smtp.example.com
    username: borg
    password: secret
  telegram:
    bot_token: "123456:ABC"
    chat_id: "-100123456789"

metrics:
  textfile: /var/lib/node_exporter/borg.prom

wol:
  mac_address: "AA:BB:CC:DD:EE:FF"
  broadcast_ip: "192.168.1.255"
  poll_url: "http://nas:8000"
  timeout: 10m
  poll_interval: 5s
  stabilize_wait: 15s

ssh_shutdown:
  host: nas
  port: 2222
  username: admin
  key_path: /root/.ssh/id_ed25519
  shutdown_delay: 5
`
	parser := NewParser()
	cfg, err := parser.LoadReader(yaml)

	require.NoError(t, err)

	// Repository
	assert.Equal(t, "ssh://borg@nas:22/./backups", cfg.Repository.Path)
	assert.Equal(t, models.EncryptionRepokey, cfg.Repository.Encryption)

	// Jobs keep declaration order
	require.Len(t, cfg.Jobs, 2)
	assert.Equal(t, "home", cfg.Jobs[0].Name)
	assert.Equal(t, []string{"*/.cache"}, cfg.Jobs[0].Exclude)
	assert.True(t, cfg.Jobs[0].Enabled)
	assert.Equal(t, "etc", cfg.Jobs[1].Name)
	assert.False(t, cfg.Jobs[1].Enabled)
	assert.Equal(t, []string{"*.tmp"}, cfg.Exclusions)

	// Options
	assert.Equal(t, "zstd,6", cfg.Options.Compression)
	assert.True(t, cfg.Options.OneFileSystem)
	assert.True(t, cfg.Options.ExcludeCaches)
	assert.Equal(t, 6*time.Hour, cfg.Options.CommandTimeout)

	// Retention
	assert.Equal(t, models.RetentionPolicy{Within: "2d", Hourly: 12, Daily: 14, Weekly: 8, Monthly: 12, Yearly: 3}, cfg.Retention)

	// Maintenance, security, logging
	assert.True(t, cfg.Maintenance.Compact)
	assert.Equal(t, "0 4 * * 0", cfg.Maintenance.CheckSchedule)
	assert.Equal(t, "/root/.borg-pass", cfg.Security.PassphraseFile)
	assert.Equal(t, "/var/log/borg.log", cfg.Logging.File)
	assert.Equal(t, "/run/borg.lock", cfg.Logging.LockFile)

	// Notification
	require.NotNil(t, cfg.Notification)
	assert.True(t, cfg.Notification.OnSuccess)
	require.NotNil(t, cfg.Notification.Email)
	assert.Equal(t, "ops@example.com", cfg.Notification.Email.To)
	assert.Equal(t, 587, cfg.Notification.Email.SMTPPort)
	require.NotNil(t, cfg.Notification.Telegram)
	assert.Equal(t, "-100123456789", cfg.Notification.Telegram.ChatID)

	// Metrics
	require.NotNil(t, cfg.Metrics)
	assert.Equal(t, "/var/lib/node_exporter/borg.prom", cfg.Metrics.Textfile)

	// WOL
	require.NotNil(t, cfg.WOL)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", cfg.WOL.MACAddress)
	assert.Equal(t, 10*time.Minute, cfg.WOL.Timeout)
	assert.Equal(t, 5*time.Second, cfg.WOL.PollInterval)
	assert.Equal(t, 15*time.Second, cfg.WOL.StabilizeWait)

	// SSH shutdown
	require.NotNil(t, cfg.SSHShutdown)
	assert.Equal(t, 2222, cfg.SSHShutdown.Port)
	assert.Equal(t, "admin", cfg.SSHShutdown.Username)
	assert.Equal(t, 5, cfg.SSHShutdown.ShutdownDelay)
	assert.Equal(t, "linux", cfg.SSHShutdown.OS)
	assert.True(t, cfg.SSHShutdown.SkipIfBusy)
}

func TestParser_LoadReader_WOLPollsRemoteRepository(t *testing.T) {
	yaml := `
repository:
  path: ssh://borg@vault.lan/./repo
  encryption: none
wol:
  mac_address: "AA:BB:CC:DD:EE:FF"
`
	cfg, err := NewParser().LoadReader(yaml)

	require.NoError(t, err)
	require.NotNil(t, cfg.WOL)
	assert.Equal(t, "ssh://vault.lan:22", cfg.WOL.PollURL)
	assert.Equal(t, 5*time.Minute, cfg.WOL.Timeout)
}

func TestParser_LoadReader_SSHShutdownFromRepository(t *testing.T) {
	tests := []struct {
		name     string
		repo     string
		shutdown string
		want     models.HostShutdownConfig
	}{
		{
			name:     "ssh url",
			repo:     "ssh://borg@vault.lan:2222/./repo",
			shutdown: "  key_path: /k\n",
			want:     models.HostShutdownConfig{Host: "vault.lan", Port: 2222, Username: "borg", KeyPath: "/k", ShutdownDelay: 1, OS: "linux", SkipIfBusy: true},
		},
		{
			name:     "scp style",
			repo:     "backup@vault.lan:/srv/borg",
			shutdown: "  key_path: /k\n  skip_if_busy: false\n",
			want:     models.HostShutdownConfig{Host: "vault.lan", Port: 22, Username: "backup", KeyPath: "/k", ShutdownDelay: 1, OS: "linux"},
		},
		{
			name:     "explicit host wins",
			repo:     "ssh://borg@vault.lan/./repo",
			shutdown: "  host: 10.0.0.9\n  key_path: /k\n  known_hosts: /kh\n",
			want:     models.HostShutdownConfig{Host: "10.0.0.9", Port: 22, Username: "root", KeyPath: "/k", KnownHosts: "/kh", ShutdownDelay: 1, OS: "linux", SkipIfBusy: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			yaml := "repository:\n  path: " + tt.repo + "\n  encryption: none\nssh_shutdown:\n" + tt.shutdown

			cfg, err := NewParser().LoadReader(yaml)

			require.NoError(t, err)
			require.NotNil(t, cfg.SSHShutdown)
			assert.Equal(t, tt.want, *cfg.SSHShutdown)
		})
	}
}

func TestParser_LoadReader_EnvExpansion(t *testing.T) {
	t.Setenv("BORG_TEST_REPO", "/srv/borg")
	t.Setenv("BORG_TEST_PASS_FILE", "/srv/pass")

	yaml := `
repository:
  path: ${BORG_TEST_REPO}
security:
  passphrase_file: $BORG_TEST_PASS_FILE
`
	cfg, err := NewParser().LoadReader(yaml)

	require.NoError(t, err)
	assert.Equal(t, "/srv/borg", cfg.Repository.Path)
	assert.Equal(t, "/srv/pass", cfg.Security.PassphraseFile)
	assert.Empty(t, cfg.Jobs)
}

func TestParser_LoadReader_Errors(t *testing.T) {
	const base = `
repository:
  path: /backup
security:
  passphrase_file: /pass
`
	tests := []struct {
		name  string
		yaml  string
		kind  ErrorKind
		field string
	}{
		{
			name:  "missing repository",
			yaml:  "jobs: []\n",
			kind:  MissingField,
			field: "repository.path",
		},
		{
			name:  "unknown encryption",
			yaml:  "repository:\n  path: /backup\n  encryption: rot13\n",
			kind:  InvalidValue,
			field: "repository.encryption",
		},
		{
			name:  "missing passphrase file",
			yaml:  "repository:\n  path: /backup\n  encryption: repokey\n",
			kind:  MissingField,
			field: "security.passphrase_file",
		},
		{
			name:  "job without name",
			yaml:  base + "jobs:\n  - source: /home\n    destination: home\n",
			kind:  MissingField,
			field: "jobs[0].name",
		},
		{
			name:  "job without source",
			yaml:  base + "jobs:\n  - name: home\n    destination: home\n",
			kind:  MissingField,
			field: "jobs[0].source",
		},
		{
			name:  "job without destination",
			yaml:  base + "jobs:\n  - name: home\n    source: /home\n",
			kind:  MissingField,
			field: "jobs[0].destination",
		},
		{
			name: "duplicate job name",
			yaml: base + `jobs:
  - name: home
    source: /home
    destination: home
  - name: home
    source: /root
    destination: root
`,
			kind:  DuplicateJobName,
			field: "jobs[1].name",
		},
		{
			name: "duplicate destination",
			yaml: base + `jobs:
  - name: a
    source: /a
    destination: data
  - name: b
    source: /b
    destination: data
`,
			kind:  InvalidValue,
			field: "jobs[1].destination",
		},
		{
			name:  "destination with separator",
			yaml:  base + "jobs:\n  - name: home\n    source: /home\n    destination: home/x\n",
			kind:  InvalidValue,
			field: "jobs[0].destination",
		},
		{
			name:  "unknown job key",
			yaml:  base + "jobs:\n  - name: home\n    source: /home\n    destination: home\n    compresion: lz4\n",
			kind:  Malformed,
			field: "jobs",
		},
		{
			name:  "jobs is not a list",
			yaml:  base + "jobs: everything\n",
			kind:  Malformed,
			field: "jobs",
		},
		{
			name:  "negative count",
			yaml:  base + "retention:\n  daily: -1\n",
			kind:  InvalidValue,
			field: "retention.daily",
		},
		{
			name:  "non numeric count",
			yaml:  base + "retention:\n  daily: lots\n",
			kind:  InvalidValue,
			field: "retention.daily",
		},
		{
			name:  "bad within",
			yaml:  base + "retention:\n  within: 3 days\n",
			kind:  InvalidValue,
			field: "retention.within",
		},
		{
			name:  "empty retention",
			yaml:  base + "retention:\n  daily: 0\n",
			kind:  InvalidValue,
			field: "retention",
		},
		{
			name:  "bad cron",
			yaml:  base + "maintenance:\n  check_schedule: sundays\n",
			kind:  InvalidValue,
			field: "maintenance.check_schedule",
		},
		{
			name:  "bad timeout",
			yaml:  base + "options:\n  command_timeout: soon\n",
			kind:  InvalidValue,
			field: "options.command_timeout",
		},
		{
			name:  "notification without target",
			yaml:  base + "notification:\n  on_success: true\n",
			kind:  InvalidValue,
			field: "notification",
		},
		{
			name:  "email without recipient",
			yaml:  base + "notification:\n  email:\n    from: a@b.c\n",
			kind:  MissingField,
			field: "notification.email.to",
		},
		{
			name:  "telegram without chat",
			yaml:  base + "notification:\n  telegram:\n    bot_token: x\n",
			kind:  MissingField,
			field: "notification.telegram.chat_id",
		},
		{
			name:  "metrics without textfile",
			yaml:  base + "metrics:\n  textfile: \"\"\n",
			kind:  MissingField,
			field: "metrics.textfile",
		},
		{
			name:  "wol without mac",
			yaml:  base + "wol:\n  broadcast_ip: 10.0.0.255\n",
			kind:  MissingField,
			field: "wol.mac_address",
		},
		{
			name:  "ssh with unknown os",
			yaml:  base + "ssh_shutdown:\n  host: nas\n  key_path: /k\n  os: plan9\n",
			kind:  InvalidValue,
			field: "ssh_shutdown.os",
		},
		{
			name:  "ssh without host for local repository",
			yaml:  base + "ssh_shutdown:\n  key_path: /k\n",
			kind:  MissingField,
			field: "ssh_shutdown.host",
		},
		{
			name:  "ssh with bad busy flag",
			yaml:  base + "ssh_shutdown:\n  host: nas\n  key_path: /k\n  skip_if_busy: sometimes\n",
			kind:  InvalidValue,
			field: "ssh_shutdown.skip_if_busy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewParser().LoadReader(tt.yaml)
			requireKind(t, err, tt.kind, tt.field)
		})
	}
}

func TestParser_LoadReader_InvalidYAML(t *testing.T) {
	_, err := NewParser().LoadReader("repository: [unclosed\n")

	require.Error(t, err)
	assert.True(t, IsKind(err, Malformed))
}

func TestParser_DisabledJobsAreValidated(t *testing.T) {
	yaml := `
repository:
  path: /backup
  encryption: none
jobs:
  - name: spare
    source: ""
    destination: spare
    enabled: false
`
	_, err := NewParser().LoadReader(yaml)

	requireKind(t, err, MissingField, "jobs[0].source")
}

func TestParser_LoadFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	content := `
repository:
  path: /backup
  encryption: none
jobs:
  - name: home
    source: /home
    destination: home
`
	require.NoError(t, afero.WriteFile(fs, "/etc/borg-timemachine/config.yaml", []byte(content), 0o600))

	cfg, err := NewParserWithFs(fs).LoadFile("/etc/borg-timemachine/config.yaml")

	require.NoError(t, err)
	assert.Equal(t, models.EncryptionNone, cfg.Repository.Encryption)
	assert.Len(t, cfg.Jobs, 1)
}

func TestParser_LoadFile_NotFound(t *testing.T) {
	_, err := NewParserWithFs(afero.NewMemMapFs()).LoadFile("/nope.yaml")

	require.Error(t, err)
	assert.True(t, IsKind(err, Malformed))
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, Validate(&cfg))

	assert.True(t, IsKind(Validate(nil), Malformed))

	noRepo := DefaultConfig()
	noRepo.Repository.Path = ""
	requireKind(t, Validate(&noRepo), MissingField, "repository.path")

	dup := DefaultConfig()
	dup.Jobs[1].Name = dup.Jobs[0].Name
	requireKind(t, Validate(&dup), DuplicateJobName, "jobs[1].name")

	badPolicy := DefaultConfig()
	badPolicy.Retention = models.RetentionPolicy{}
	requireKind(t, Validate(&badPolicy), InvalidValue, "retention")
}

func TestError_Message(t *testing.T) {
	err := &Error{Kind: DuplicateJobName, Field: "jobs[1].name", Message: `"home" already used by jobs[0]`}

	assert.Equal(t, `config duplicate job name: jobs[1].name: "home" already used by jobs[0]`, err.Error())
}
