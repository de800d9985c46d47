package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fgeck/borg-timemachine/internal/models"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// DefaultLockFile guards against overlapping runs when logging.lock_file is unset.
var DefaultLockFile = filepath.Join(os.TempDir(), "borg-timemachine.lock")

// DefaultRetention is used when the retention section is missing.
func DefaultRetention() models.RetentionPolicy {
	return models.RetentionPolicy{
		Within:  "24H",
		Hourly:  24,
		Daily:   7,
		Weekly:  4,
		Monthly: 6,
		Yearly:  2,
	}
}

// DefaultConfig is the configuration the generated template describes.
func DefaultConfig() models.BackupConfig {
	return models.BackupConfig{
		Repository: models.RepositoryConfig{
			Path:       "/tmp/borg",
			Encryption: models.EncryptionRepokeyBlake2,
		},
		Jobs: []models.Job{
			{
				Name:        "system-config",
				Source:      "/etc",
				Destination: "etc",
				Enabled:     true,
				Exclude:     []string{"*.swp"},
			},
			{
				Name:        "user-homes",
				Source:      "/home",
				Destination: "home",
				Enabled:     true,
				Exclude:     []string{"*/.cache", "*/Downloads"},
			},
		},
		Exclusions: []string{"*.tmp", "*/node_modules"},
		Options: models.CreateOptions{
			Compression:   "lz4",
			OneFileSystem: true,
			ExcludeCaches: true,
		},
		Retention: DefaultRetention(),
		Maintenance: models.MaintenanceSettings{
			Compact:       true,
			CheckSchedule: "0 4 * * 0",
		},
		Security: models.SecuritySettings{
			PassphraseFile: "/etc/borg-timemachine/passphrase",
		},
		Logging: models.LoggingSettings{
			File:     "/var/log/borg-timemachine.log",
			LockFile: DefaultLockFile,
		},
	}
}

// Document types mirror the YAML layout for rendering the template.
type (
	templateDoc struct {
		Repository  templateRepository  `yaml:"repository"`
		Jobs        []templateJob       `yaml:"jobs"`
		Exclusions  []string            `yaml:"exclusions"`
		Options     templateOptions     `yaml:"options"`
		Retention   templateRetention   `yaml:"retention"`
		Maintenance templateMaintenance `yaml:"maintenance"`
		Security    templateSecurity    `yaml:"security"`
		Logging     templateLogging     `yaml:"logging"`
	}
	templateRepository struct {
		Path       string `yaml:"path"`
		Encryption string `yaml:"encryption"`
	}
	templateJob struct {
		Name        string   `yaml:"name"`
		Source      string   `yaml:"source"`
		Destination string   `yaml:"destination"`
		Enabled     bool     `yaml:"enabled"`
		Exclude     []string `yaml:"exclude"`
	}
	templateOptions struct {
		Compression    string `yaml:"compression"`
		OneFileSystem  bool   `yaml:"one_file_system"`
		ExcludeCaches  bool   `yaml:"exclude_caches"`
		CommandTimeout string `yaml:"command_timeout"`
	}
	templateRetention struct {
		Within  string `yaml:"within"`
		Hourly  int    `yaml:"hourly"`
		Daily   int    `yaml:"daily"`
		Weekly  int    `yaml:"weekly"`
		Monthly int    `yaml:"monthly"`
		Yearly  int    `yaml:"yearly"`
	}
	templateMaintenance struct {
		Compact       bool   `yaml:"compact"`
		CheckSchedule string `yaml:"check_schedule"`
	}
	templateSecurity struct {
		PassphraseFile string `yaml:"passphrase_file"`
	}
	templateLogging struct {
		File     string `yaml:"file"`
		LockFile string `yaml:"lock_file"`
	}
)

var templateComments = map[string]string{
	"repository":                 "Borg repository: a local path or ssh://user@host:port/./path",
	"repository.encryption":      "One of: none, authenticated, authenticated-blake2, repokey,\nrepokey-blake2, keyfile, keyfile-blake2. Used by `init` only.",
	"jobs":                       "Jobs run one after another, in this order. Each job creates archives\nnamed <destination>-<UTC timestamp> and prunes only its own archives.",
	"jobs[].enabled":             "Disabled jobs are still validated but never run.",
	"exclusions":                 "Exclude patterns applied to every job.",
	"options.compression":        "Passed to borg create --compression.",
	"options.command_timeout":    "Upper bound for a single borg invocation, e.g. 6h. 0s waits forever.",
	"retention":                  "Archives younger than `within` are always kept. Older archives keep\nthe newest one per hour/day/week/month/year up to the given counts.\nA count of 0 keeps nothing for that bucket.",
	"maintenance.compact":        "Run borg compact after pruning.",
	"maintenance.check_schedule": "Cron expression; borg check runs when it fires on the day of the run.\nLeave empty to disable.",
	"security.passphrase_file":   "Read once per run; must be readable by its owner only (chmod 600).",
	"logging.lock_file":          "Prevents overlapping runs against the same repository.",
}

const templateHeader = "borg-timemachine configuration\n" +
	"Secrets and paths may reference environment variables as ${VAR}."

// templateFooter lines carry their own comment markers so blank lines survive.
const templateFooter = `# Optional sections:
#
# notification:
#   on_success: false
#   email:
#     to: admin@example.com
#     ## without smtp_host the local "mail" command is used
#     from: backup@example.com
#     smtp_host: smtp.example.com
#     smtp_port: 587
#     username: backup
#     password: ${SMTP_PASSWORD}
#   telegram:
#     bot_token: ${TELEGRAM_BOT_TOKEN}
#     chat_id: "-100123456789"
#
# metrics:
#   textfile: /var/lib/node_exporter/textfile_collector/borg.prom
#
# wol:
#   mac_address: AA:BB:CC:DD:EE:FF
#   poll_url: http://backup-host:8000  # defaults to the ssh:// repository's SSH port
#
# ssh_shutdown:                 # host, user and port default to the ssh:// repository
#   host: backup-host
#   key_path: /root/.ssh/id_ed25519
#   known_hosts: /root/.ssh/known_hosts
#   skip_if_busy: true          # stay on while other borg clients are connected`

func toTemplate(cfg models.BackupConfig) templateDoc {
	doc := templateDoc{
		Repository: templateRepository{
			Path:       cfg.Repository.Path,
			Encryption: string(cfg.Repository.Encryption),
		},
		Exclusions: cfg.Exclusions,
		Options: templateOptions{
			Compression:    cfg.Options.Compression,
			OneFileSystem:  cfg.Options.OneFileSystem,
			ExcludeCaches:  cfg.Options.ExcludeCaches,
			CommandTimeout: cfg.Options.CommandTimeout.String(),
		},
		Retention: templateRetention{
			Within:  cfg.Retention.Within,
			Hourly:  cfg.Retention.Hourly,
			Daily:   cfg.Retention.Daily,
			Weekly:  cfg.Retention.Weekly,
			Monthly: cfg.Retention.Monthly,
			Yearly:  cfg.Retention.Yearly,
		},
		Maintenance: templateMaintenance{
			Compact:       cfg.Maintenance.Compact,
			CheckSchedule: cfg.Maintenance.CheckSchedule,
		},
		Security: templateSecurity{PassphraseFile: cfg.Security.PassphraseFile},
		Logging: templateLogging{
			File:     cfg.Logging.File,
			LockFile: cfg.Logging.LockFile,
		},
	}

	for _, job := range cfg.Jobs {
		doc.Jobs = append(doc.Jobs, templateJob{
			Name:        job.Name,
			Source:      job.Source,
			Destination: job.Destination,
			Enabled:     job.Enabled,
			Exclude:     job.Exclude,
		})
	}

	return doc
}

// annotate attaches templateComments to the mapping keys below node.
func annotate(node *yaml.Node, prefix string) {
	switch node.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, value := node.Content[i], node.Content[i+1]
			path := key.Value
			if prefix != "" {
				path = prefix + "." + key.Value
			}
			if comment, ok := templateComments[path]; ok {
				key.HeadComment = comment
			}
			annotate(value, path)
		}
	case yaml.SequenceNode:
		// Only the first element carries comments.
		if len(node.Content) > 0 {
			annotate(node.Content[0], prefix+"[]")
		}
	}
}

// DefaultTemplate renders the commented default configuration.
func DefaultTemplate() ([]byte, error) {
	var body yaml.Node
	if err := body.Encode(toTemplate(DefaultConfig())); err != nil {
		return nil, fmt.Errorf("encoding template: %w", err)
	}
	annotate(&body, "")

	doc := &yaml.Node{
		Kind:        yaml.DocumentNode,
		HeadComment: templateHeader,
		FootComment: templateFooter,
		Content:     []*yaml.Node{&body},
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encoding template: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding template: %w", err)
	}

	return buf.Bytes(), nil
}

// GenerateDefault writes the default template to path. Existing files are
// only replaced when force is set.
func GenerateDefault(fs afero.Fs, path string, force bool) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("output path is empty")
	}

	if !force {
		exists, err := afero.Exists(fs, path)
		if err != nil {
			return fmt.Errorf("checking %s: %w", path, err)
		}
		if exists {
			return fmt.Errorf("%s already exists, use --force to overwrite", path)
		}
	}

	content, err := DefaultTemplate()
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	if err := afero.WriteFile(fs, path, content, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	return nil
}
