package deps

import (
	"context"
	"log/slog"

	"github.com/rhuss/omega/pkg/debug"
	"github.com/rhuss/omega/pkg/observability"
	"github.com/rhuss/omega/pkg/sandbox"
)

// Installer installs one package into a sandbox for its current session.
// *sandbox.Manager implements it.
type Installer interface {
	Install(ctx context.Context, sandboxID, pkg string) (sandbox.InstallResult, string, error)
}

var _ Installer = (*sandbox.Manager)(nil)

// Outcome is the result of resolving one missing module.
type Outcome string

const (
	Installed        Outcome = "installed"
	AlreadyInstalled Outcome = "already-installed"
	Unresolvable     Outcome = "unresolvable"
)

// Resolution describes what Resolve did.
type Resolution struct {
	Outcome Outcome
	Module  string
	Package string

	// Output is the installer output, or the reason the module was refused.
	Output string
}

// Progress reports whether the resolution changed the sandbox, so that a
// retry of the same source can behave differently.
func (r Resolution) Progress() bool {
	return r.Outcome == Installed
}

// Resolver turns missing-module errors into install requests.
type Resolver struct {
	installer Installer
}

// NewResolver creates a Resolver over installer.
func NewResolver(installer Installer) *Resolver {
	return &Resolver{installer: installer}
}

// ExtractMissingPackage returns the missing module named in stderr, or "".
func (r *Resolver) ExtractMissingPackage(stderr string) string {
	return ExtractMissingPackage(stderr)
}

// Resolve installs the distribution providing module into sandboxID.
// Unsafe names are unresolvable without contacting the sandbox. A package
// already requested in the sandbox's session is AlreadyInstalled whether or
// not that request succeeded. The error is non-nil only when the sandbox
// could not be reached or ctx ended.
func (r *Resolver) Resolve(ctx context.Context, sandboxID, module string) (Resolution, error) {
	res := Resolution{Module: module}
	if !Safe(module) {
		res.Outcome = Unresolvable
		res.Output = "refusing to install " + module
		observability.DependencyInstallsTotal.WithLabelValues(string(Unresolvable)).Inc()
		slog.Warn("refusing unsafe dependency", "sandbox_id", sandboxID, "module", module)
		return res, nil
	}
	res.Package = Distribution(module)

	debug.Log("deps", "installing", "sandbox_id", sandboxID, "module", module, "package", res.Package)
	result, output, err := r.installer.Install(ctx, sandboxID, res.Package)
	if err != nil {
		return res, err
	}
	res.Output = output

	switch result {
	case sandbox.InstallInstalled:
		res.Outcome = Installed
		slog.Info("dependency installed", "sandbox_id", sandboxID, "package", res.Package)
	case sandbox.InstallAlreadyRequested:
		res.Outcome = AlreadyInstalled
		debug.Log("deps", "package already requested this session", "sandbox_id", sandboxID, "package", res.Package)
	default:
		res.Outcome = Unresolvable
		slog.Warn("dependency install failed", "sandbox_id", sandboxID, "package", res.Package,
			"output", debug.Truncate(output, 500))
	}
	observability.DependencyInstallsTotal.WithLabelValues(string(res.Outcome)).Inc()
	return res, nil
}
