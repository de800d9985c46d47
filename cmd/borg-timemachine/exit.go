package main

import (
	"errors"

	"github.com/fgeck/borg-timemachine/internal/config"
	"github.com/fgeck/borg-timemachine/internal/lock"
	"github.com/fgeck/borg-timemachine/internal/services/borg"
	"github.com/fgeck/borg-timemachine/internal/services/runner"
)

// Process exit codes.
const (
	exitOK         = 0
	exitFailure    = 1
	exitConfig     = 2
	exitEngine     = 3
	exitJobsFailed = 4
	exitLocked     = 5
	exitRepository = 6
)

// exitCode maps the error returned by a command to the process exit code.
// Job failures take precedence over the engine errors they wrap.
func exitCode(err error) int {
	var cfgErr *config.Error
	var engineErr *borg.EngineError

	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &cfgErr):
		return exitConfig
	case errors.Is(err, lock.ErrLocked):
		return exitLocked
	case errors.Is(err, runner.ErrJobsFailed):
		return exitJobsFailed
	case errors.Is(err, runner.ErrRepositoryFailed):
		return exitRepository
	case errors.As(err, &engineErr):
		return exitEngine
	default:
		return exitFailure
	}
}
