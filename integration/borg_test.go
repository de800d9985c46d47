//go:build integration

package integration

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/fgeck/borg-timemachine/internal/lock"
	"github.com/fgeck/borg-timemachine/internal/models"
	"github.com/fgeck/borg-timemachine/internal/retention"
	"github.com/fgeck/borg-timemachine/internal/services/borg"
	"github.com/fgeck/borg-timemachine/internal/services/runner"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getRepository returns a fresh repository below a temp dir, or the one
// named by TEST_BORG_REPO.
func getRepository(t *testing.T) models.RepositoryConfig {
	t.Helper()

	if _, err := exec.LookPath("borg"); err != nil {
		t.Skip("borg not found in PATH")
	}

	repo := os.Getenv("TEST_BORG_REPO")
	if repo == "" {
		repo = filepath.Join(t.TempDir(), "repo")
	}
	passphrase := os.Getenv("TEST_BORG_PASSPHRASE")
	if passphrase == "" {
		passphrase = "integration"
	}

	// Keep borg's cache and security dirs out of the developer's home.
	home := t.TempDir()
	t.Setenv("BORG_BASE_DIR", home)

	return models.RepositoryConfig{
		Path:       repo,
		Encryption: models.EncryptionRepokeyBlake2,
		Passphrase: passphrase,
	}
}

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func sourceTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.txt"), []byte("test data for backup"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.tmp"), []byte("excluded"), 0o600))
	return dir
}

func TestBorgInit_Integration(t *testing.T) {
	repo := getRepository(t)
	svc := borg.New(testLogger())

	require.NoError(t, svc.Init(context.Background(), repo))

	err := svc.Init(context.Background(), repo)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestBorgCreateListPrune_Integration(t *testing.T) {
	repo := getRepository(t)
	svc := borg.New(testLogger())
	ctx := context.Background()
	require.NoError(t, svc.Init(ctx, repo))

	src := sourceTree(t)
	base := time.Now().UTC().Add(-72 * time.Hour)
	for i := 0; i < 3; i++ {
		archive := models.ArchiveName("home", base.Add(time.Duration(i)*24*time.Hour))
		result := svc.Create(ctx, repo, archive, src, []string{"*.tmp"}, models.CreateOptions{Compression: "lz4"})
		require.True(t, result.Success, "create: %v", result.Error)
		require.NotNil(t, result.Stats)
		assert.Equal(t, 1, result.Stats.Files)
	}
	other := svc.Create(ctx, repo, models.ArchiveName("home-extra", base), src, nil, models.CreateOptions{})
	require.True(t, other.Success, "create: %v", other.Error)

	archives, err := svc.List(ctx, repo)
	require.NoError(t, err)
	assert.Len(t, archives, 4)
	assert.Len(t, retention.Select("home", archives), 3)

	decisions, err := svc.PrunePreview(ctx, repo, "home", models.RetentionPolicy{Daily: 1})
	require.NoError(t, err)
	require.Len(t, decisions, 3)
	var keep []string
	for _, d := range decisions {
		if d.Keep {
			keep = append(keep, d.Archive)
		}
	}
	require.Len(t, keep, 1)

	pruned := svc.Prune(ctx, repo, "home", models.RetentionPolicy{Daily: 1})
	require.True(t, pruned.Success, "prune: %v", pruned.Error)

	archives, err = svc.List(ctx, repo)
	require.NoError(t, err)
	remaining := retention.Select("home", archives)
	require.Len(t, remaining, 1)
	assert.Equal(t, keep[0], remaining[0].Name, "preview must predict what prune keeps")
	assert.Len(t, retention.Select("home-extra", archives), 1, "prune must not touch other destinations")

	compact := svc.Compact(ctx, repo)
	assert.True(t, compact.Success, "compact: %v", compact.Error)

	check := svc.Check(ctx, repo)
	assert.True(t, check.Success, "check: %v", check.Error)

	info, err := svc.Info(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, "repokey BLAKE2b", info.Encryption)
	assert.Positive(t, info.TotalSize)
}

func TestBorgWrongPassphrase_Integration(t *testing.T) {
	repo := getRepository(t)
	svc := borg.New(testLogger())
	require.NoError(t, svc.Init(context.Background(), repo))

	repo.Passphrase = "wrong"
	_, err := svc.List(context.Background(), repo)

	require.Error(t, err)
	assert.False(t, borg.IsRetryable(err))
}

func TestRunner_Integration(t *testing.T) {
	repo := getRepository(t)
	require.NoError(t, borg.New(testLogger()).Init(context.Background(), repo))

	src := sourceTree(t)
	cfg := models.BackupConfig{
		Repository: repo,
		Jobs: []models.Job{
			{Name: "data", Source: src, Destination: "data", Enabled: true},
			{Name: "missing", Source: filepath.Join(src, "does-not-exist"), Destination: "missing", Enabled: true},
			{Name: "disabled", Source: src, Destination: "disabled", Enabled: false},
		},
		Exclusions:  []string{"*.tmp"},
		Retention:   models.RetentionPolicy{Within: "24H", Daily: 7},
		Maintenance: models.MaintenanceSettings{Compact: true, CheckSchedule: "@daily"},
	}

	token, err := lock.Acquire(afero.NewOsFs(), filepath.Join(t.TempDir(), "run.lock"), repo.Path)
	require.NoError(t, err)
	defer token.Release()

	summary, err := runner.New(testLogger()).Run(context.Background(), cfg, token)

	// borg create reports a missing source as a warning, so both jobs succeed.
	require.NoError(t, err)
	assert.Empty(t, summary.FailedJobs())

	archives, err := borg.New(testLogger()).List(context.Background(), repo)
	require.NoError(t, err)
	assert.Len(t, retention.Select("data", archives), 1)
	assert.Empty(t, retention.Select("disabled", archives))
}
