package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/fgeck/borg-timemachine/internal/models"
	"github.com/fgeck/borg-timemachine/internal/retention"
	"github.com/fgeck/borg-timemachine/internal/services/borg"
	"github.com/gosuri/uitable"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var previewJob string

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Show which archives the retention policy keeps",
	Long: `List the archives of every enabled job and show which of them the
retention policy would keep or prune. The decision comes from borg prune
--dry-run with the arguments a run uses; the local model plan is shown
next to it. Nothing is deleted.`,
	Args: cobra.NoArgs,
	RunE: previewRetention,
}

func init() {
	previewCmd.Flags().StringVar(&previewJob, "job", "", "only preview this job")
}

// planEntry is one row of a retention preview.
type planEntry struct {
	Archive models.Archive
	Action  string
	Reason  string
}

// planEntries merges the kept and pruned archives of plan, newest first.
func planEntries(plan retention.Plan) []planEntry {
	entries := make([]planEntry, 0, len(plan.Keep)+len(plan.Prune))
	for _, k := range plan.Keep {
		reason := string(k.Rule)
		if k.Period != "" {
			reason += " " + k.Period
		}
		entries = append(entries, planEntry{Archive: k.Archive, Action: "keep", Reason: reason})
	}
	for _, a := range plan.Prune {
		entries = append(entries, planEntry{Archive: a, Action: "prune"})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].Archive, entries[j].Archive
		if !a.Time.Equal(b.Time) {
			return a.Time.After(b.Time)
		}
		return a.Name > b.Name
	})
	return entries
}

// previewRow pairs borg's decision on an archive with the model plan's.
type previewRow struct {
	Archive string
	Created string
	Action  string
	Rule    string
	Model   string
}

// previewRows lists every archive borg or the model plan decided on, newest
// first. Action and Rule are what borg prune will do.
func previewRows(decisions []models.PruneDecision, plan retention.Plan) []previewRow {
	byName := make(map[string]models.PruneDecision, len(decisions))
	for _, d := range decisions {
		byName[d.Archive] = d
	}

	var rows []previewRow
	seen := make(map[string]bool)
	for _, e := range planEntries(plan) {
		model := e.Action
		if e.Reason != "" {
			model += " (" + e.Reason + ")"
		}
		row := previewRow{
			Archive: e.Archive.Name,
			Created: e.Archive.Time.Local().Format("2006-01-02 15:04"),
			Action:  "-",
			Model:   model,
		}
		if d, ok := byName[e.Archive.Name]; ok {
			row.Action, row.Rule = decisionAction(d), d.Rule
		}
		rows = append(rows, row)
		seen[e.Archive.Name] = true
	}
	for _, d := range decisions {
		if seen[d.Archive] {
			continue
		}
		rows = append(rows, previewRow{Archive: d.Archive, Action: decisionAction(d), Rule: d.Rule, Model: "-"})
	}
	return rows
}

func decisionAction(d models.PruneDecision) string {
	if d.Keep {
		return "keep"
	}
	return "prune"
}

func previewRetention(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}

	jobs := cfg.EnabledJobs()
	if previewJob != "" {
		job, err := findJob(cfg, previewJob)
		if err != nil {
			return err
		}
		jobs = []models.Job{*job}
	}

	ctx, cancel := signalContext()
	defer cancel()

	borgSvc := borg.New(log.Logger)
	archives, err := borgSvc.List(ctx, cfg.Repository)
	if err != nil {
		log.Error().Err(err).Str("repository", cfg.Repository.Path).Msg("failed to list archives")
		return err
	}

	now := time.Now()
	fmt.Printf("Retention: %s\n", describePolicy(cfg.Retention))

	for _, job := range jobs {
		plan, err := retention.NewPlan(cfg.Retention, retention.Select(job.Destination, archives), now)
		if err != nil {
			return err
		}
		decisions, err := borgSvc.PrunePreview(ctx, cfg.Repository, job.Destination, cfg.Retention)
		if err != nil {
			log.Error().Err(err).Str("job", job.Name).Msg("failed to preview prune")
			return err
		}

		kept := 0
		for _, d := range decisions {
			if d.Keep {
				kept++
			}
		}

		fmt.Println()
		fmt.Printf("Job %s (%s): keep %d, prune %d\n", job.Name, retention.ArchiveGlob(job.Destination), kept, len(decisions)-kept)
		rows := previewRows(decisions, plan)
		if len(rows) == 0 {
			fmt.Println("  no archives")
			continue
		}

		table := uitable.New()
		table.AddRow("ARCHIVE", "CREATED", "ACTION", "RULE", "MODEL PLAN")
		for _, r := range rows {
			table.AddRow(r.Archive, r.Created, r.Action, r.Rule, r.Model)
		}
		fmt.Println(table)
	}
	return nil
}

func describePolicy(policy models.RetentionPolicy) string {
	var out string
	for _, d := range retention.Directives(policy) {
		if out != "" {
			out += " "
		}
		out += d.Arg()
	}
	return out
}
