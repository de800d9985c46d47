// Package models contains the data structures used throughout borg-timemachine.
package models

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

// BackupConfig holds the complete configuration for a backup run.
type BackupConfig struct {
	Repository   RepositoryConfig
	Jobs         []Job
	Exclusions   []string // applied to every job
	Options      CreateOptions
	Retention    RetentionPolicy
	Maintenance  MaintenanceSettings
	Security     SecuritySettings
	Logging      LoggingSettings
	Notification *NotificationConfig // nil if not configured
	Metrics      *MetricsConfig      // nil if not configured
	WOL          *HostWakeConfig     // nil if not configured
	SSHShutdown  *HostShutdownConfig // nil if not configured
}

// EnabledJobs returns the enabled jobs in declaration order.
func (c BackupConfig) EnabledJobs() []Job {
	var jobs []Job
	for _, job := range c.Jobs {
		if job.Enabled {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

// EncryptionMode is a borg repository encryption mode.
type EncryptionMode string

// Encryption modes understood by borg init.
const (
	EncryptionNone                EncryptionMode = "none"
	EncryptionAuthenticated       EncryptionMode = "authenticated"
	EncryptionAuthenticatedBlake2 EncryptionMode = "authenticated-blake2"
	EncryptionRepokey             EncryptionMode = "repokey"
	EncryptionRepokeyBlake2       EncryptionMode = "repokey-blake2"
	EncryptionKeyfile             EncryptionMode = "keyfile"
	EncryptionKeyfileBlake2       EncryptionMode = "keyfile-blake2"
)

// EncryptionModes lists every accepted mode.
var EncryptionModes = []EncryptionMode{
	EncryptionNone,
	EncryptionAuthenticated,
	EncryptionAuthenticatedBlake2,
	EncryptionRepokey,
	EncryptionRepokeyBlake2,
	EncryptionKeyfile,
	EncryptionKeyfileBlake2,
}

// Valid reports whether m is a known encryption mode.
func (m EncryptionMode) Valid() bool {
	for _, known := range EncryptionModes {
		if m == known {
			return true
		}
	}
	return false
}

// NeedsPassphrase reports whether borg needs a passphrase for this mode.
func (m EncryptionMode) NeedsPassphrase() bool {
	return m != EncryptionNone
}

// RepositoryConfig holds borg repository settings.
type RepositoryConfig struct {
	Path       string // local path or ssh:// URL
	Encryption EncryptionMode
	Passphrase string // loaded from security.passphrase_file, never logged
}

// RemoteLocation is the SSH endpoint of a remote repository.
type RemoteLocation struct {
	User string
	Host string
	Port int // 0 when the URL names none
}

// Remote returns the SSH endpoint for ssh:// URLs and scp-style
// user@host:path locations. Local paths report false.
func (r RepositoryConfig) Remote() (RemoteLocation, bool) {
	if strings.HasPrefix(r.Path, "ssh://") {
		u, err := url.Parse(r.Path)
		if err != nil || u.Hostname() == "" {
			return RemoteLocation{}, false
		}
		loc := RemoteLocation{User: u.User.Username(), Host: u.Hostname()}
		if p := u.Port(); p != "" {
			loc.Port, _ = strconv.Atoi(p)
		}
		return loc, true
	}

	hostPart, _, found := strings.Cut(r.Path, ":")
	if !found || hostPart == "" || strings.ContainsRune(hostPart, '/') {
		return RemoteLocation{}, false
	}
	loc := RemoteLocation{Host: hostPart}
	if user, host, ok := strings.Cut(hostPart, "@"); ok {
		loc.User, loc.Host = user, host
	}
	return loc, loc.Host != ""
}

// Job is one source-path-to-archive-prefix backup task.
type Job struct {
	Name        string
	Source      string
	Destination string // archive name prefix
	Enabled     bool
	Exclude     []string
}

// CreateOptions are passed to every borg create invocation.
type CreateOptions struct {
	Compression    string
	OneFileSystem  bool
	ExcludeCaches  bool
	CommandTimeout time.Duration // 0 means no timeout
}

// RetentionPolicy defines which archives survive a prune.
type RetentionPolicy struct {
	Within  string // borg interval, e.g. "24H", "7d"
	Hourly  int
	Daily   int
	Weekly  int
	Monthly int
	Yearly  int
}

// IsEmpty reports whether the policy would keep nothing.
func (p RetentionPolicy) IsEmpty() bool {
	return p.Within == "" && p.Hourly == 0 && p.Daily == 0 && p.Weekly == 0 && p.Monthly == 0 && p.Yearly == 0
}

// MaintenanceSettings defines repository upkeep after the jobs ran.
type MaintenanceSettings struct {
	Compact       bool
	CheckSchedule string // cron expression, empty disables borg check
}

// SecuritySettings points at the passphrase source.
type SecuritySettings struct {
	PassphraseFile string
}

// LoggingSettings holds file logging and run lock settings.
type LoggingSettings struct {
	File     string
	LockFile string
}

// MetricsConfig holds the node_exporter textfile target.
type MetricsConfig struct {
	Textfile string
}
