// Package hooks resolves and runs kopi-docka's lifecycle hook scripts with a
// fixed environment contract, per spec.md §4.6.
package hooks

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/kopi-docka/kopi-docka/internal/klog"
	"github.com/kopi-docka/kopi-docka/pkg/config"
)

// Kind identifies which lifecycle hook is being run.
type Kind string

const (
	PreBackup   Kind = "pre_backup"
	PostBackup  Kind = "post_backup"
	PreRestore  Kind = "pre_restore"
	PostRestore Kind = "post_restore"
)

// Manager runs configured hook scripts.
type Manager struct {
	paths   config.HooksConfig
	timeout time.Duration
}

// New returns a Manager for the given hook paths and default timeout.
func New(paths config.HooksConfig, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Manager{paths: paths, timeout: timeout}
}

func (m *Manager) pathFor(kind Kind) string {
	switch kind {
	case PreBackup:
		return m.paths.PreBackup
	case PostBackup:
		return m.paths.PostBackup
	case PreRestore:
		return m.paths.PreRestore
	case PostRestore:
		return m.paths.PostRestore
	default:
		return ""
	}
}

// Run invokes the hook for kind against unit. Returns true when no hook is
// configured, true on exit 0, false on non-zero exit, timeout, a missing
// path, or a non-executable path — exactly the return semantics spec.md §4.6
// specifies.
func (m *Manager) Run(ctx context.Context, kind Kind, unit string) bool {
	path := m.pathFor(kind)
	if path == "" {
		return true
	}

	info, err := os.Stat(path)
	if err != nil {
		klog.Logger.Error().Str("hook", path).Err(err).Msg("hooks: path does not exist")
		return false
	}
	if info.Mode()&0111 == 0 {
		klog.Logger.Error().Str("hook", path).Msg("hooks: path is not executable")
		return false
	}

	hookCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	cmd := exec.CommandContext(hookCtx, path)
	cmd.Env = append(os.Environ(),
		"KOPI_DOCKA_HOOK_TYPE="+string(kind),
		"KOPI_DOCKA_UNIT_NAME="+unit,
	)

	if err := cmd.Run(); err != nil {
		klog.Logger.Error().Str("hook", path).Str("unit", unit).Err(err).Msg("hooks: run failed")
		return false
	}
	return true
}
