package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/borg-timemachine/internal/services/borg"
	"github.com/gosuri/uitable"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show repository information",
	Args:  cobra.NoArgs,
	RunE:  showInfo,
}

func showInfo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	info, err := borg.New(log.Logger).Info(ctx, cfg.Repository)
	if err != nil {
		log.Error().Err(err).Str("repository", cfg.Repository.Path).Msg("failed to read repository info")
		return err
	}

	table := uitable.New()
	table.AddRow("Repository:", info.Location)
	table.AddRow("ID:", info.ID)
	table.AddRow("Encryption:", info.Encryption)
	if !info.LastModified.IsZero() {
		table.AddRow("Last modified:", fmt.Sprintf("%s (%s)", info.LastModified.Local().Format("2006-01-02 15:04:05"), humanize.Time(info.LastModified)))
	}
	table.AddRow("Original size:", humanize.Bytes(uint64(max(info.TotalSize, 0))))
	table.AddRow("Compressed size:", humanize.Bytes(uint64(max(info.TotalCompressed, 0))))
	table.AddRow("Deduplicated size:", humanize.Bytes(uint64(max(info.UniqueCompressed, 0))))
	table.AddRow("Chunks:", fmt.Sprintf("%s unique of %s", humanize.Comma(int64(info.TotalUniqueChunks)), humanize.Comma(int64(info.TotalChunks))))
	fmt.Println(table)
	return nil
}
