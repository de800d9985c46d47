// Package metrics exports run results as a node_exporter textfile.
package metrics

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/fgeck/borg-timemachine/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/rs/zerolog"
)

const namespace = "borg_timemachine"

// Metric names written to the textfile.
const (
	JobSuccessName          = namespace + "_job_success"
	JobDurationName         = namespace + "_job_duration_seconds"
	JobLastSuccessName      = namespace + "_job_last_success_timestamp_seconds"
	ArchiveDeduplicatedName = namespace + "_archive_deduplicated_bytes"
	RunFailedJobsName       = namespace + "_run_failed_jobs"
)

// Service defines the interface for metrics export.
type Service interface {
	Write(cfg *models.MetricsConfig, summary *models.RunSummary) error
}

// Impl implements the metrics Service interface.
type Impl struct {
	logger zerolog.Logger
}

// New creates a new metrics service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{logger: logger}
}

// Write replaces the configured textfile with the metrics of summary. The
// last success timestamp of a job that failed this run is carried over
// from the previous file.
func (s *Impl) Write(cfg *models.MetricsConfig, summary *models.RunSummary) error {
	if cfg == nil || cfg.Textfile == "" || summary == nil {
		return nil
	}

	previous, err := readLastSuccess(cfg.Textfile)
	if err != nil {
		s.logger.Warn().Err(err).Str("file", cfg.Textfile).Msg("ignoring unreadable metrics textfile")
		previous = nil
	}

	reg := Collect(summary, previous)
	if err := prometheus.WriteToTextfile(cfg.Textfile, reg); err != nil {
		return fmt.Errorf("failed to write metrics textfile %s: %w", cfg.Textfile, err)
	}

	s.logger.Debug().Str("file", cfg.Textfile).Msg("metrics textfile written")
	return nil
}

// Collect builds a registry holding the gauges for summary. previous maps
// job names to last success timestamps known from an earlier run.
func Collect(summary *models.RunSummary, previous map[string]float64) *prometheus.Registry {
	success := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: JobSuccessName,
		Help: "Whether every step of the job succeeded in the last run (1) or not (0).",
	}, []string{"job"})
	duration := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: JobDurationName,
		Help: "Time spent on the job's create and prune steps in the last run.",
	}, []string{"job"})
	lastSuccess := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: JobLastSuccessName,
		Help: "Unix time the job last finished without failures.",
	}, []string{"job"})
	deduplicated := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: ArchiveDeduplicatedName,
		Help: "Bytes the job's newest archive added to the repository.",
	}, []string{"job"})
	failedJobs := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: RunFailedJobsName,
		Help: "Number of jobs with a failed step in the last run.",
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(success, duration, lastSuccess, deduplicated, failedJobs)

	finished := float64(summary.StartTime.Add(summary.Duration).Unix())
	failed := map[string]bool{}
	for _, name := range summary.FailedJobs() {
		failed[name] = true
	}

	seen := map[string]bool{}
	for _, r := range summary.Results {
		if r.Job == "" {
			continue
		}
		if !seen[r.Job] {
			seen[r.Job] = true
			if failed[r.Job] {
				success.WithLabelValues(r.Job).Set(0)
				if ts, ok := previous[r.Job]; ok {
					lastSuccess.WithLabelValues(r.Job).Set(ts)
				}
			} else {
				success.WithLabelValues(r.Job).Set(1)
				lastSuccess.WithLabelValues(r.Job).Set(finished)
			}
		}

		duration.WithLabelValues(r.Job).Add(r.Duration.Seconds())
		if r.Step == models.StepCreate && r.Stats != nil {
			deduplicated.WithLabelValues(r.Job).Set(float64(r.Stats.DeduplicatedSize))
		}
	}
	failedJobs.Set(float64(len(failed)))

	return reg
}

func readLastSuccess(path string) (map[string]float64, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(f)
	if err != nil {
		return nil, err
	}

	family, ok := families[JobLastSuccessName]
	if !ok {
		return nil, nil
	}

	out := map[string]float64{}
	for _, m := range family.GetMetric() {
		for _, label := range m.GetLabel() {
			if label.GetName() == "job" {
				out[label.GetValue()] = m.GetGauge().GetValue()
			}
		}
	}
	return out, nil
}
