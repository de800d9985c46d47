package config

import (
	"fmt"
	"strings"

	"github.com/fgeck/borg-timemachine/internal/models"
	"github.com/spf13/afero"
)

const passphraseField = "security.passphrase_file"

// ReadPassphrase reads the repository passphrase from a file that only its
// owner may read. The value is trimmed and never logged.
func ReadPassphrase(fs afero.Fs, path string) (string, error) {
	if path == "" {
		return "", missing(passphraseField)
	}

	info, err := fs.Stat(path)
	if err != nil {
		return "", &Error{Kind: InvalidValue, Field: passphraseField, Message: "cannot access " + path, Err: err}
	}
	if info.IsDir() {
		return "", invalid(passphraseField, "%s is a directory", path)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return "", invalid(passphraseField, "%s has mode %04o, must not be accessible by group or others (chmod 600)", path, perm)
	}

	content, err := afero.ReadFile(fs, path)
	if err != nil {
		return "", &Error{Kind: InvalidValue, Field: passphraseField, Message: "cannot read " + path, Err: err}
	}

	passphrase := strings.TrimSpace(string(content))
	if passphrase == "" {
		return "", invalid(passphraseField, "%s is empty", path)
	}

	return passphrase, nil
}

// LoadPassphrase fills cfg.Repository.Passphrase when the encryption mode needs one.
func LoadPassphrase(fs afero.Fs, cfg *models.BackupConfig) error {
	if !cfg.Repository.Encryption.NeedsPassphrase() {
		return nil
	}

	passphrase, err := ReadPassphrase(fs, cfg.Security.PassphraseFile)
	if err != nil {
		return fmt.Errorf("loading passphrase: %w", err)
	}

	cfg.Repository.Passphrase = passphrase
	return nil
}
