package main

import (
	"fmt"

	"github.com/fgeck/borg-timemachine/internal/models"
	"github.com/fgeck/borg-timemachine/internal/services/borg"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the borg repository",
	Long: `Initialize the configured borg repository with the configured encryption
mode. An existing repository is left untouched.`,
	Args: cobra.NoArgs,
	RunE: initRepository,
}

func initRepository(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := borg.New(log.Logger).Init(ctx, cfg.Repository); err != nil {
		log.Error().Err(err).Str("repository", cfg.Repository.Path).Msg("init failed")
		return err
	}

	fmt.Printf("Repository %s initialized (encryption: %s).\n", cfg.Repository.Path, cfg.Repository.Encryption)
	for _, hint := range keyHints(cfg.Repository) {
		fmt.Println(hint)
	}
	return nil
}

// keyHints explains how to keep the repository key recoverable.
func keyHints(repo models.RepositoryConfig) []string {
	switch repo.Encryption {
	case models.EncryptionNone, models.EncryptionAuthenticated, models.EncryptionAuthenticatedBlake2:
		return []string{"The repository is not encrypted."}
	case models.EncryptionKeyfile, models.EncryptionKeyfileBlake2:
		return []string{
			"The key is stored in ~/.config/borg/keys on this machine only.",
			"Without it the archives cannot be read. Export it now and store it offline:",
			fmt.Sprintf("  borg key export %s borg-key.txt", repo.Path),
			fmt.Sprintf("  borg key export --paper %s", repo.Path),
			"Also keep a copy of the passphrase file.",
		}
	default:
		return []string{
			"The key is stored inside the repository, protected by the passphrase.",
			"Export a copy in case the repository key gets damaged:",
			fmt.Sprintf("  borg key export %s borg-key.txt", repo.Path),
			"Also keep a copy of the passphrase file.",
		}
	}
}
