package main

import (
	"fmt"

	"github.com/fgeck/borg-timemachine/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

const defaultGeneratedConfig = "borg-config.yaml"

var forceOverwrite bool

var generateConfigCmd = &cobra.Command{
	Use:   "generate-config [path]",
	Short: "Write a commented default configuration",
	Long: `Write a commented default configuration file (default ` + defaultGeneratedConfig + `).
An existing file is only replaced with --force.`,
	Args: cobra.MaximumNArgs(1),
	RunE: generateConfig,
}

func init() {
	generateConfigCmd.Flags().BoolVarP(&forceOverwrite, "force", "f", false, "overwrite an existing file")
}

func generateConfig(cmd *cobra.Command, args []string) error {
	path := defaultGeneratedConfig
	if len(args) == 1 {
		path = args[0]
	}

	if err := config.GenerateDefault(afero.NewOsFs(), path, forceOverwrite); err != nil {
		log.Error().Err(err).Str("file", path).Msg("failed to write config")
		return err
	}

	fmt.Printf("Configuration written to %s\n", path)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Edit the repository path, jobs and retention policy")
	fmt.Println("  2. Put the passphrase into the passphrase file and chmod 600 it")
	fmt.Printf("  3. borg-timemachine validate -c %s\n", path)
	fmt.Printf("  4. borg-timemachine init -c %s\n", path)
	return nil
}
