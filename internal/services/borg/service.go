package borg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/fgeck/borg-timemachine/internal/models"
	"github.com/fgeck/borg-timemachine/internal/retention"
	"github.com/rs/zerolog"
)

// Service defines the interface for borg operations.
type Service interface {
	Init(ctx context.Context, repo models.RepositoryConfig) error
	Create(ctx context.Context, repo models.RepositoryConfig, archive, source string, excludes []string, opts models.CreateOptions) *models.RunResult
	Prune(ctx context.Context, repo models.RepositoryConfig, destination string, policy models.RetentionPolicy) *models.RunResult
	PrunePreview(ctx context.Context, repo models.RepositoryConfig, destination string, policy models.RetentionPolicy) ([]models.PruneDecision, error)
	List(ctx context.Context, repo models.RepositoryConfig) ([]models.Archive, error)
	Info(ctx context.Context, repo models.RepositoryConfig) (*models.RepositoryInfo, error)
	Mount(ctx context.Context, repo models.RepositoryConfig, mountPoint string) error
	Compact(ctx context.Context, repo models.RepositoryConfig) *models.RunResult
	Check(ctx context.Context, repo models.RepositoryConfig) *models.RunResult
}

// Output is what a finished command left behind.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// CommandExecutor allows mocking exec.Command in tests.
// A non-zero exit is reported through Output.ExitCode, not the error.
type CommandExecutor interface {
	Execute(ctx context.Context, env []string, name string, args ...string) (*Output, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// Execute runs a command with additional environment variables.
func (e *DefaultExecutor) Execute(ctx context.Context, env []string, name string, args ...string) (*Output, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := &Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	if ctxErr := ctx.Err(); ctxErr != nil {
		out.ExitCode = -1
		return out, ctxErr
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		return out, nil
	}
	if err != nil {
		out.ExitCode = -1
		return out, err
	}
	return out, nil
}

// Impl implements the Service interface.
type Impl struct {
	executor CommandExecutor
	logger   zerolog.Logger
	binary   string
}

// New creates a new borg service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		executor: &DefaultExecutor{},
		logger:   logger,
		binary:   "borg",
	}
}

// NewWithExecutor creates a new borg service with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, executor CommandExecutor) *Impl {
	return &Impl{
		executor: executor,
		logger:   logger,
		binary:   "borg",
	}
}

// buildEnv keeps borg non-interactive. The passphrase only ever travels
// through the child environment.
func (s *Impl) buildEnv(repo models.RepositoryConfig) []string {
	env := []string{
		"BORG_DISPLAY_PASSPHRASE=no",
		"BORG_RELOCATED_REPO_ACCESS_IS_OK=no",
		"BORG_EXIT_CODES=modern",
	}
	if repo.Passphrase != "" {
		env = append(env, "BORG_PASSPHRASE="+repo.Passphrase)
	}
	return env
}

// run executes one borg command. Warnings count as success; any other
// non-zero exit becomes an *EngineError.
func (s *Impl) run(ctx context.Context, repo models.RepositoryConfig, op string, args ...string) (*Output, error) {
	s.logger.Debug().Str("op", op).Strs("args", args).Msg("running borg")

	out, err := s.executor.Execute(ctx, s.buildEnv(repo), s.binary, args...)
	if out == nil {
		out = &Output{ExitCode: -1}
	}
	if err != nil {
		return out, &EngineError{
			Op:        op,
			ExitCode:  out.ExitCode,
			Stderr:    string(out.Stderr),
			Retryable: errors.Is(err, context.DeadlineExceeded),
			Err:       err,
		}
	}

	switch {
	case out.ExitCode == 0:
	case isWarning(out.ExitCode):
		s.logger.Warn().
			Str("op", op).
			Str("stderr", lastLines(string(out.Stderr), 5)).
			Msg("borg finished with warnings")
	default:
		return out, newEngineError(op, out.ExitCode, string(out.Stderr))
	}
	return out, nil
}

func archiveLocation(repo models.RepositoryConfig, archive string) string {
	return repo.Path + "::" + archive
}

// Init initializes a borg repository. An existing repository is never
// initialized again.
func (s *Impl) Init(ctx context.Context, repo models.RepositoryConfig) error {
	s.logger.Info().Str("repository", repo.Path).Msg("checking if repository already exists")

	if _, err := s.run(ctx, repo, "info", "info", repo.Path); err == nil {
		return fmt.Errorf("repository %s already exists", repo.Path)
	} else if ctx.Err() != nil {
		return err
	}

	encryption := repo.Encryption
	if encryption == "" {
		encryption = models.EncryptionRepokeyBlake2
	}

	s.logger.Info().Str("encryption", string(encryption)).Msg("initializing repository")
	if _, err := s.run(ctx, repo, "init", "init", "--encryption="+string(encryption), repo.Path); err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}

	s.logger.Info().Msg("repository initialized successfully")
	return nil
}

// createJSON is the JSON structure returned by borg create --json.
type createJSON struct {
	Archive struct {
		Name  string `json:"name"`
		ID    string `json:"id"`
		Stats struct {
			NFiles           int   `json:"nfiles"`
			OriginalSize     int64 `json:"original_size"`
			CompressedSize   int64 `json:"compressed_size"`
			DeduplicatedSize int64 `json:"deduplicated_size"`
		} `json:"stats"`
	} `json:"archive"`
}

func createArgs(repo models.RepositoryConfig, archive, source string, excludes []string, opts models.CreateOptions) []string {
	args := []string{"create", "--json"}
	if opts.OneFileSystem {
		args = append(args, "--one-file-system")
	}
	if opts.ExcludeCaches {
		args = append(args, "--exclude-caches")
	}
	if opts.Compression != "" {
		args = append(args, "--compression="+opts.Compression)
	}
	for _, pattern := range excludes {
		args = append(args, "--exclude", pattern)
	}
	return append(args, archiveLocation(repo, archive), source)
}

// Create writes a new archive of source.
func (s *Impl) Create(ctx context.Context, repo models.RepositoryConfig, archive, source string, excludes []string, opts models.CreateOptions) *models.RunResult {
	s.logger.Info().Str("archive", archive).Str("source", source).Msg("creating archive")

	start := time.Now()
	out, err := s.run(ctx, repo, "create", createArgs(repo, archive, source, excludes, opts)...)
	result := &models.RunResult{
		Step:     models.StepCreate,
		Archive:  archive,
		ExitCode: out.ExitCode,
		Output:   string(out.Stderr),
		Duration: time.Since(start),
	}
	if err != nil {
		result.Error = fmt.Errorf("create failed: %w", err)
		return result
	}
	result.Success = true

	var parsed createJSON
	if err := json.Unmarshal(out.Stdout, &parsed); err != nil {
		s.logger.Warn().Err(err).Msg("failed to parse create stats")
	} else {
		result.Stats = &models.ArchiveStats{
			Files:            parsed.Archive.Stats.NFiles,
			OriginalSize:     parsed.Archive.Stats.OriginalSize,
			CompressedSize:   parsed.Archive.Stats.CompressedSize,
			DeduplicatedSize: parsed.Archive.Stats.DeduplicatedSize,
		}
	}

	ev := s.logger.Info().Str("archive", archive).Dur("duration", result.Duration)
	if result.Stats != nil {
		ev = ev.Int("files", result.Stats.Files).Int64("deduplicated_size", result.Stats.DeduplicatedSize)
	}
	ev.Msg("archive created")

	return result
}

// Prune removes the destination's archives the policy does not keep.
func (s *Impl) Prune(ctx context.Context, repo models.RepositoryConfig, destination string, policy models.RetentionPolicy) *models.RunResult {
	result := &models.RunResult{Step: models.StepPrune}
	if err := retention.Validate(policy); err != nil {
		result.ExitCode = -1
		result.Error = fmt.Errorf("prune refused: %w", err)
		return result
	}

	args := pruneArgs(repo, destination, policy, false)

	s.logger.Info().Str("destination", destination).Strs("directives", args[2:len(args)-1]).Msg("applying retention policy")

	start := time.Now()
	out, err := s.run(ctx, repo, "prune", args...)
	result.ExitCode = out.ExitCode
	result.Output = string(out.Stderr)
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = fmt.Errorf("prune failed: %w", err)
		return result
	}
	result.Success = true

	kept, pruned := countPruneList(result.Output)
	s.logger.Info().
		Str("destination", destination).
		Int("kept", kept).
		Int("pruned", pruned).
		Dur("duration", result.Duration).
		Msg("retention policy applied")

	return result
}

// pruneArgs builds the borg prune command line. A dry run only adds
// --dry-run, so its listing is exactly what the real prune would do.
func pruneArgs(repo models.RepositoryConfig, destination string, policy models.RetentionPolicy, dryRun bool) []string {
	args := []string{"prune", "--list"}
	if dryRun {
		args = append(args, "--dry-run")
	}
	args = append(args, retention.Args(policy, destination)...)
	return append(args, repo.Path)
}

// PrunePreview asks borg which archives of destination a prune would keep
// and which it would delete. Nothing is deleted.
func (s *Impl) PrunePreview(ctx context.Context, repo models.RepositoryConfig, destination string, policy models.RetentionPolicy) ([]models.PruneDecision, error) {
	if err := retention.Validate(policy); err != nil {
		return nil, fmt.Errorf("prune preview refused: %w", err)
	}

	out, err := s.run(ctx, repo, "prune", pruneArgs(repo, destination, policy, true)...)
	if err != nil {
		return nil, fmt.Errorf("prune preview failed: %w", err)
	}
	return parsePruneList(string(out.Stderr)), nil
}

// parsePruneList reads the per-archive lines of borg prune --list:
//
//	Keeping archive (rule: daily #1):   home-2024-03-01T10-00-00Z  Fri, ...
//	Would prune:                        home-2024-02-28T09-00-00Z  Wed, ...
//	Pruning archive (1/3):              home-2024-02-28T09-00-00Z  Wed, ...
func parsePruneList(output string) []models.PruneDecision {
	var decisions []models.PruneDecision
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)

		var d models.PruneDecision
		var rest string
		switch {
		case strings.HasPrefix(line, "Keeping archive"):
			d.Keep = true
			rest = strings.TrimPrefix(line, "Keeping archive")
		case strings.HasPrefix(line, "Would prune"):
			rest = strings.TrimPrefix(line, "Would prune")
		case strings.HasPrefix(line, "Pruning archive"):
			rest = strings.TrimPrefix(line, "Pruning archive")
		default:
			continue
		}

		rest = strings.TrimSpace(rest)
		if strings.HasPrefix(rest, "(") {
			end := strings.Index(rest, ")")
			if end < 0 {
				continue
			}
			if d.Keep {
				d.Rule = strings.TrimSpace(strings.TrimPrefix(rest[1:end], "rule:"))
			}
			rest = rest[end+1:]
		}
		rest, found := strings.CutPrefix(rest, ":")
		if !found {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		d.Archive = fields[0]
		decisions = append(decisions, d)
	}
	return decisions
}

// countPruneList counts the kept and pruned archives of borg prune --list.
func countPruneList(output string) (kept, pruned int) {
	for _, d := range parsePruneList(output) {
		if d.Keep {
			kept++
		} else {
			pruned++
		}
	}
	return kept, pruned
}

// listJSON is the JSON structure returned by borg list --json.
type listJSON struct {
	Archives []struct {
		Name  string `json:"name"`
		ID    string `json:"id"`
		Start string `json:"start"`
		Time  string `json:"time"`
	} `json:"archives"`
}

// List returns the archives in the repository.
func (s *Impl) List(ctx context.Context, repo models.RepositoryConfig) ([]models.Archive, error) {
	s.logger.Debug().Msg("listing archives")

	out, err := s.run(ctx, repo, "list", "list", "--json", repo.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to list archives: %w", err)
	}

	var parsed listJSON
	if err := json.Unmarshal(out.Stdout, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse archives: %w", err)
	}

	archives := make([]models.Archive, 0, len(parsed.Archives))
	for _, a := range parsed.Archives {
		stamp := a.Start
		if stamp == "" {
			stamp = a.Time
		}
		t, err := parseTime(stamp)
		if err != nil {
			return nil, fmt.Errorf("archive %s: %w", a.Name, err)
		}
		archives = append(archives, models.Archive{Name: a.Name, ID: a.ID, Time: t})
	}

	s.logger.Debug().Int("count", len(archives)).Msg("archives listed")
	return archives, nil
}

// infoJSON is the JSON structure returned by borg info --json.
type infoJSON struct {
	Repository struct {
		ID           string `json:"id"`
		Location     string `json:"location"`
		LastModified string `json:"last_modified"`
	} `json:"repository"`
	Encryption struct {
		Mode string `json:"mode"`
	} `json:"encryption"`
	Cache struct {
		Stats struct {
			TotalChunks       int   `json:"total_chunks"`
			TotalCSize        int64 `json:"total_csize"`
			TotalSize         int64 `json:"total_size"`
			TotalUniqueChunks int   `json:"total_unique_chunks"`
			UniqueCSize       int64 `json:"unique_csize"`
		} `json:"stats"`
	} `json:"cache"`
}

// Info returns repository metadata.
func (s *Impl) Info(ctx context.Context, repo models.RepositoryConfig) (*models.RepositoryInfo, error) {
	out, err := s.run(ctx, repo, "info", "info", "--json", repo.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read repository info: %w", err)
	}

	var parsed infoJSON
	if err := json.Unmarshal(out.Stdout, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse repository info: %w", err)
	}

	info := &models.RepositoryInfo{
		ID:                parsed.Repository.ID,
		Location:          parsed.Repository.Location,
		Encryption:        parsed.Encryption.Mode,
		TotalSize:         parsed.Cache.Stats.TotalSize,
		TotalCompressed:   parsed.Cache.Stats.TotalCSize,
		UniqueCompressed:  parsed.Cache.Stats.UniqueCSize,
		TotalChunks:       parsed.Cache.Stats.TotalChunks,
		TotalUniqueChunks: parsed.Cache.Stats.TotalUniqueChunks,
	}
	if parsed.Repository.LastModified != "" {
		if t, err := parseTime(parsed.Repository.LastModified); err == nil {
			info.LastModified = t
		} else {
			s.logger.Debug().Err(err).Msg("could not parse last_modified")
		}
	}
	return info, nil
}

// Mount exposes the repository at mountPoint. borg daemonizes the FUSE
// process and returns.
func (s *Impl) Mount(ctx context.Context, repo models.RepositoryConfig, mountPoint string) error {
	s.logger.Info().Str("mount_point", mountPoint).Msg("mounting repository")

	if _, err := s.run(ctx, repo, "mount", "mount", repo.Path, mountPoint); err != nil {
		return fmt.Errorf("failed to mount repository: %w", err)
	}
	return nil
}

// Compact frees space left behind by prune.
func (s *Impl) Compact(ctx context.Context, repo models.RepositoryConfig) *models.RunResult {
	s.logger.Info().Msg("compacting repository")
	return s.maintenance(ctx, repo, models.StepCompact, "compact", repo.Path)
}

// Check verifies the repository integrity.
func (s *Impl) Check(ctx context.Context, repo models.RepositoryConfig) *models.RunResult {
	s.logger.Info().Msg("checking repository")
	return s.maintenance(ctx, repo, models.StepCheck, "check", repo.Path)
}

func (s *Impl) maintenance(ctx context.Context, repo models.RepositoryConfig, step models.Step, args ...string) *models.RunResult {
	start := time.Now()
	out, err := s.run(ctx, repo, string(step), args...)
	result := &models.RunResult{
		Step:     step,
		ExitCode: out.ExitCode,
		Output:   string(out.Stderr),
		Duration: time.Since(start),
	}
	if err != nil {
		result.Error = fmt.Errorf("%s failed: %w", step, err)
		return result
	}
	result.Success = true

	s.logger.Info().Str("step", string(step)).Str("duration", result.Duration.Round(time.Millisecond).String()).Msg("maintenance completed")
	return result
}

// borg 1.x prints naive local timestamps; newer versions add an offset.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05.999999", s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	}
	return t, nil
}
