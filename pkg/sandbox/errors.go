package sandbox

import (
	"errors"
	"fmt"

	"github.com/rhuss/omega/pkg/api"
)

var (
	// ErrUnknownSandbox is returned for an ID outside the pool.
	ErrUnknownSandbox = errors.New("unknown sandbox")

	// ErrStartFailed is wrapped when the provisioner could not start a sandbox.
	ErrStartFailed = errors.New("sandbox start failed")

	// ErrStartupTimeout is wrapped when a started sandbox did not report
	// healthy before the startup deadline.
	ErrStartupTimeout = errors.New("sandbox startup timed out")

	// ErrNotReady is wrapped when Run or Install is called on a sandbox that
	// is not running.
	ErrNotReady = errors.New("sandbox not ready")

	// ErrLost is wrapped when a running sandbox stops answering mid-command.
	ErrLost = errors.New("sandbox connection lost")
)

func unavailable(id string, cause error) error {
	return api.NewExecError(api.KindSandboxUnavailable, fmt.Sprintf("sandbox %s", id), cause)
}

func timedOut(id string, cause error) error {
	return api.NewExecError(api.KindExecutionTimeout, fmt.Sprintf("sandbox %s", id), cause)
}
