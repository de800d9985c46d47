package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/borg-timemachine/internal/models"
	"github.com/fgeck/borg-timemachine/internal/retention"
	"github.com/fgeck/borg-timemachine/internal/services/borg"
	"github.com/gosuri/uitable"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var listJob string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the archives in the repository",
	Args:  cobra.NoArgs,
	RunE:  listArchives,
}

func init() {
	listCmd.Flags().StringVar(&listJob, "job", "", "only list the archives of this job")
}

func listArchives(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}

	var job *models.Job
	if listJob != "" {
		if job, err = findJob(cfg, listJob); err != nil {
			return err
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	archives, err := borg.New(log.Logger).List(ctx, cfg.Repository)
	if err != nil {
		log.Error().Err(err).Str("repository", cfg.Repository.Path).Msg("failed to list archives")
		return err
	}
	if job != nil {
		archives = retention.Select(job.Destination, archives)
	}

	if len(archives) == 0 {
		fmt.Println("No archives found.")
		return nil
	}

	table := uitable.New()
	table.MaxColWidth = 64
	table.AddRow("ARCHIVE", "CREATED", "AGE", "ID")
	for _, a := range archives {
		table.AddRow(a.Name, a.Time.Local().Format("2006-01-02 15:04:05"), humanize.Time(a.Time), shortID(a.ID))
	}
	fmt.Println(table)
	fmt.Printf("\n%d archive(s)\n", len(archives))
	return nil
}

func findJob(cfg *models.BackupConfig, name string) (*models.Job, error) {
	for i := range cfg.Jobs {
		if cfg.Jobs[i].Name == name {
			return &cfg.Jobs[i], nil
		}
	}
	return nil, fmt.Errorf("no job named %q in the configuration", name)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
