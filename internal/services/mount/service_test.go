//go:build linux

package mount

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/fgeck/borg-timemachine/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// mockBorgService implements borg.Service; only Mount is exercised here.
type mockBorgService struct {
	mountFunc func(ctx context.Context, repo models.RepositoryConfig, mountPoint string) error
	mounted   []string
}

func (m *mockBorgService) Init(ctx context.Context, repo models.RepositoryConfig) error {
	return nil
}

func (m *mockBorgService) Create(ctx context.Context, repo models.RepositoryConfig, archive, source string, excludes []string, opts models.CreateOptions) *models.RunResult {
	return &models.RunResult{Success: true}
}

func (m *mockBorgService) Prune(ctx context.Context, repo models.RepositoryConfig, destination string, policy models.RetentionPolicy) *models.RunResult {
	return &models.RunResult{Success: true}
}

func (m *mockBorgService) PrunePreview(ctx context.Context, repo models.RepositoryConfig, destination string, policy models.RetentionPolicy) ([]models.PruneDecision, error) {
	return nil, nil
}

func (m *mockBorgService) List(ctx context.Context, repo models.RepositoryConfig) ([]models.Archive, error) {
	return nil, nil
}

func (m *mockBorgService) Info(ctx context.Context, repo models.RepositoryConfig) (*models.RepositoryInfo, error) {
	return &models.RepositoryInfo{}, nil
}

func (m *mockBorgService) Mount(ctx context.Context, repo models.RepositoryConfig, mountPoint string) error {
	m.mounted = append(m.mounted, mountPoint)
	if m.mountFunc != nil {
		return m.mountFunc(ctx, repo, mountPoint)
	}
	return nil
}

func (m *mockBorgService) Compact(ctx context.Context, repo models.RepositoryConfig) *models.RunResult {
	return &models.RunResult{Success: true}
}

func (m *mockBorgService) Check(ctx context.Context, repo models.RepositoryConfig) *models.RunResult {
	return &models.RunResult{Success: true}
}

type fakeEntry struct {
	dev  uint64
	ino  uint64
	mode uint32
}

// fakeStat serves stat results from a path table.
func fakeStat(entries map[string]fakeEntry) StatFunc {
	return func(path string, st *unix.Stat_t) error {
		e, ok := entries[path]
		if !ok {
			return unix.ENOENT
		}
		st.Dev = e.dev
		st.Ino = e.ino
		st.Mode = e.mode
		return nil
	}
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testRepo() models.RepositoryConfig {
	return models.RepositoryConfig{Path: "/backup", Passphrase: "secret"}
}

func TestMount_Success(t *testing.T) {
	borgSvc := &mockBorgService{}
	stat := fakeStat(map[string]fakeEntry{
		"/mnt":         {dev: 1, ino: 10, mode: unix.S_IFDIR},
		"/mnt/restore": {dev: 1, ino: 11, mode: unix.S_IFDIR},
	})

	err := NewWithStat(testLogger(), borgSvc, stat).Mount(context.Background(), testRepo(), "/mnt/restore")

	require.NoError(t, err)
	assert.Equal(t, []string{"/mnt/restore"}, borgSvc.mounted)
}

func TestMount_RejectsTarget(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		entries map[string]fakeEntry
		wantErr string
	}{
		{
			name:    "missing",
			target:  "/mnt/restore",
			entries: map[string]fakeEntry{"/mnt": {dev: 1, ino: 10, mode: unix.S_IFDIR}},
			wantErr: "mount point /mnt/restore does not exist",
		},
		{
			name:   "regular file",
			target: "/mnt/restore",
			entries: map[string]fakeEntry{
				"/mnt":         {dev: 1, ino: 10, mode: unix.S_IFDIR},
				"/mnt/restore": {dev: 1, ino: 11, mode: unix.S_IFREG},
			},
			wantErr: "mount point /mnt/restore is not a directory",
		},
		{
			name:   "already mounted",
			target: "/mnt/restore",
			entries: map[string]fakeEntry{
				"/mnt":         {dev: 1, ino: 10, mode: unix.S_IFDIR},
				"/mnt/restore": {dev: 7, ino: 1, mode: unix.S_IFDIR},
			},
			wantErr: "/mnt/restore is already a mount point, unmount it first with: borg umount /mnt/restore",
		},
		{
			name:    "filesystem root",
			target:  "/",
			entries: map[string]fakeEntry{"/": {dev: 1, ino: 2, mode: unix.S_IFDIR}},
			wantErr: "/ is already a mount point",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			borgSvc := &mockBorgService{}

			err := NewWithStat(testLogger(), borgSvc, fakeStat(tt.entries)).
				Mount(context.Background(), testRepo(), tt.target)

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Empty(t, borgSvc.mounted)
		})
	}
}

func TestMount_StatError(t *testing.T) {
	stat := func(path string, st *unix.Stat_t) error {
		return unix.EACCES
	}

	err := NewWithStat(testLogger(), &mockBorgService{}, stat).Mount(context.Background(), testRepo(), "/mnt/restore")

	require.Error(t, err)
	assert.ErrorIs(t, err, unix.EACCES)
}

func TestMount_BorgFailure(t *testing.T) {
	borgSvc := &mockBorgService{
		mountFunc: func(ctx context.Context, repo models.RepositoryConfig, mountPoint string) error {
			return errors.New("borg mount exited with code 2: fuse: device not found")
		},
	}
	stat := fakeStat(map[string]fakeEntry{
		"/mnt":         {dev: 1, ino: 10, mode: unix.S_IFDIR},
		"/mnt/restore": {dev: 1, ino: 11, mode: unix.S_IFDIR},
	})

	err := NewWithStat(testLogger(), borgSvc, stat).Mount(context.Background(), testRepo(), "/mnt/restore")

	assert.ErrorContains(t, err, "fuse: device not found")
}

func TestUnmountHint(t *testing.T) {
	assert.Equal(t, "borg umount /mnt/restore", UnmountHint("/mnt/restore"))
}
