// Package mount exposes the repository as a browsable directory tree.
package mount

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fgeck/borg-timemachine/internal/models"
	"github.com/fgeck/borg-timemachine/internal/services/borg"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// StatFunc reads file metadata, allowing mocking in tests.
type StatFunc func(path string, st *unix.Stat_t) error

// Service defines the interface for mounting the repository.
type Service interface {
	Mount(ctx context.Context, repo models.RepositoryConfig, mountPoint string) error
}

// Impl implements the mount Service interface.
type Impl struct {
	borgSvc borg.Service
	stat    StatFunc
	logger  zerolog.Logger
}

// New creates a new mount service.
func New(logger zerolog.Logger, borgSvc borg.Service) *Impl {
	return &Impl{
		borgSvc: borgSvc,
		stat:    unix.Stat,
		logger:  logger,
	}
}

// NewWithStat creates a new mount service with a custom stat function (for testing).
func NewWithStat(logger zerolog.Logger, borgSvc borg.Service, stat StatFunc) *Impl {
	return &Impl{
		borgSvc: borgSvc,
		stat:    stat,
		logger:  logger,
	}
}

// UnmountHint returns the command that detaches a mounted repository.
func UnmountHint(mountPoint string) string {
	return "borg umount " + mountPoint
}

// Mount checks that mountPoint is an existing directory that is not already
// a mount point, then lets borg mount the repository there. borg daemonises
// the FUSE process, so Mount returns once the tree is available.
func (s *Impl) Mount(ctx context.Context, repo models.RepositoryConfig, mountPoint string) error {
	target, err := filepath.Abs(mountPoint)
	if err != nil {
		return fmt.Errorf("failed to resolve mount point %s: %w", mountPoint, err)
	}

	if err := s.checkTarget(target); err != nil {
		return err
	}

	s.logger.Info().
		Str("repository", repo.Path).
		Str("mount_point", target).
		Msg("mounting repository")

	if err := s.borgSvc.Mount(ctx, repo, target); err != nil {
		return err
	}

	s.logger.Info().
		Str("mount_point", target).
		Str("unmount", UnmountHint(target)).
		Msg("repository mounted")
	return nil
}

func (s *Impl) checkTarget(target string) error {
	var st unix.Stat_t
	if err := s.stat(target, &st); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return fmt.Errorf("mount point %s does not exist", target)
		}
		return fmt.Errorf("failed to stat mount point %s: %w", target, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return fmt.Errorf("mount point %s is not a directory", target)
	}

	parent := filepath.Dir(target)
	var parentSt unix.Stat_t
	if err := s.stat(parent, &parentSt); err != nil {
		return fmt.Errorf("failed to stat %s: %w", parent, err)
	}

	// A directory on another device than its parent, or the root itself, is
	// already a mount point.
	if st.Dev != parentSt.Dev || st.Ino == parentSt.Ino {
		return fmt.Errorf("%s is already a mount point, unmount it first with: %s", target, UnmountHint(target))
	}
	return nil
}
