package models

import (
	"time"
)

// ArchiveTimeFormat is the UTC timestamp suffix of every archive name.
const ArchiveTimeFormat = "2006-01-02T15-04-05Z"

// ArchiveName builds the archive identifier for a job at the given instant.
func ArchiveName(destination string, t time.Time) string {
	return destination + "-" + t.UTC().Format(ArchiveTimeFormat)
}

// Archive represents a borg archive.
type Archive struct {
	Name string
	ID   string
	Time time.Time
}

// PruneDecision is borg's verdict on one archive during a prune.
type PruneDecision struct {
	Archive string
	Keep    bool
	Rule    string // e.g. "daily #1"; empty for pruned archives
}

// ArchiveStats holds the statistics borg create reports.
type ArchiveStats struct {
	Files            int
	OriginalSize     int64
	CompressedSize   int64
	DeduplicatedSize int64
}

// RepositoryInfo holds the output of borg info.
type RepositoryInfo struct {
	ID                string
	Location          string
	Encryption        string
	LastModified      time.Time
	TotalSize         int64
	TotalCompressed   int64
	UniqueCompressed  int64
	TotalChunks       int
	TotalUniqueChunks int
}

// Step names the operation a RunResult belongs to.
type Step string

// Steps of a backup run.
const (
	StepWake     Step = "wake"
	StepCreate   Step = "create"
	StepPrune    Step = "prune"
	StepCompact  Step = "compact"
	StepCheck    Step = "check"
	StepShutdown Step = "shutdown"
	StepLock     Step = "lock"
)

// RunResult holds the outcome of one step of a backup run.
type RunResult struct {
	Job      string // empty for repository-wide steps
	Step     Step
	Success  bool
	ExitCode int
	Output   string // captured diagnostic output
	Archive  string
	Stats    *ArchiveStats
	Duration time.Duration
	Error    error
}

// RunSummary aggregates the results of one invocation.
type RunSummary struct {
	RunID      string
	Host       string
	Repository string
	StartTime  time.Time
	Duration   time.Duration
	Results    []RunResult
}

// Failed reports whether any step failed.
func (s *RunSummary) Failed() bool {
	for _, r := range s.Results {
		if !r.Success {
			return true
		}
	}
	return false
}

// Failures returns the failed results in execution order.
func (s *RunSummary) Failures() []RunResult {
	var failed []RunResult
	for _, r := range s.Results {
		if !r.Success {
			failed = append(failed, r)
		}
	}
	return failed
}

// FailedJobs returns the distinct names of failed jobs in execution order.
func (s *RunSummary) FailedJobs() []string {
	var names []string
	seen := map[string]bool{}
	for _, r := range s.Failures() {
		if r.Job == "" || seen[r.Job] {
			continue
		}
		seen[r.Job] = true
		names = append(names, r.Job)
	}
	return names
}

// JobResults returns the results that belong to the named job.
func (s *RunSummary) JobResults(job string) []RunResult {
	var results []RunResult
	for _, r := range s.Results {
		if r.Job == job {
			results = append(results, r)
		}
	}
	return results
}
