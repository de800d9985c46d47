package main

import (
	"fmt"
	"path/filepath"

	"github.com/fgeck/borg-timemachine/internal/services/borg"
	"github.com/fgeck/borg-timemachine/internal/services/mount"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var mountCmd = &cobra.Command{
	Use:   "mount <path>",
	Short: "Mount the repository for browsing",
	Long: `Mount every archive of the repository below an existing, empty directory.
borg keeps serving the mount in the background until it is unmounted.`,
	Args: cobra.ExactArgs(1),
	RunE: mountRepository,
}

func mountRepository(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}

	target, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	svc := mount.New(log.Logger, borg.New(log.Logger))
	if err := svc.Mount(ctx, cfg.Repository, target); err != nil {
		log.Error().Err(err).Str("mount_point", target).Msg("mount failed")
		return err
	}

	fmt.Printf("Repository mounted at %s\n", target)
	fmt.Printf("Unmount with: %s\n", mount.UnmountHint(target))
	return nil
}
