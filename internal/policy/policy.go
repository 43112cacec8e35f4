// Package policy applies retention policy to a unit's three stable virtual
// repository paths before that run's snapshots are created, per spec.md §4.7.
// Grounded on the teacher's internal/policy/engine.go structure (a thin
// manager wrapping the repository client), retargeted from RPO/RTO
// compliance reporting to this spec's simpler per-path retention model.
package policy

import (
	"context"

	"github.com/kopi-docka/kopi-docka/internal/klog"
	"github.com/kopi-docka/kopi-docka/pkg/config"
	"github.com/kopi-docka/kopi-docka/pkg/types"
)

// RepositoryClient is the subset of repository.Repository the policy manager
// depends on.
type RepositoryClient interface {
	SetPolicy(ctx context.Context, path string, retention config.RetentionPolicy) error
}

// Manager applies retention to a unit's virtual paths.
type Manager struct {
	repo      RepositoryClient
	retention config.RetentionPolicy
}

// New returns a Manager applying the given retention policy via repo.
func New(repo RepositoryClient, retention config.RetentionPolicy) *Manager {
	return &Manager{repo: repo, retention: retention}
}

// ApplyToUnit sets retention on recipes/<unit>, volumes/<unit> and
// databases/<unit>. Failures are logged as warnings and never abort the
// caller — spec.md §4.7: "log warning, never abort."
func (m *Manager) ApplyToUnit(ctx context.Context, unit types.BackupUnit) {
	for _, path := range []string{unit.RecipesPath(), unit.VolumesPath(), unit.DatabasesPath()} {
		if err := m.repo.SetPolicy(ctx, path, m.retention); err != nil {
			klog.Logger.Warn().Str("path", path).Err(err).Msg("policy: apply failed, continuing")
		}
	}
}
