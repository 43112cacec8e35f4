// Package dryrun implements the plan-only traversal of the backup
// orchestrator: it reports what a real run would do without any side
// effects, per spec.md §2's Dry-run reporter component.
package dryrun

import (
	"github.com/kopi-docka/kopi-docka/pkg/types"
)

// PlannedTask describes one artifact task a real run would perform.
type PlannedTask struct {
	Kind        types.ArtifactKind
	Name        string // volume name or container name
	VirtualPath string
}

// UnitPlan is the full plan for one backup unit.
type UnitPlan struct {
	Unit               string
	Kind               types.UnitKind
	ContainersToStop   []string
	RecipeVirtualPath  string
	Tasks              []PlannedTask
	RetentionPaths     []string
}

// Plan computes the UnitPlan for a unit without touching Docker or the
// repository.
func Plan(unit types.BackupUnit) UnitPlan {
	plan := UnitPlan{
		Unit:              unit.Name,
		Kind:              unit.Kind,
		RecipeVirtualPath: unit.RecipesPath(),
		RetentionPaths:    []string{unit.RecipesPath(), unit.VolumesPath(), unit.DatabasesPath()},
	}

	for _, c := range unit.Containers {
		if c.Running {
			plan.ContainersToStop = append(plan.ContainersToStop, c.Name)
		}
	}

	for _, v := range unit.Volumes {
		plan.Tasks = append(plan.Tasks, PlannedTask{
			Kind:        types.ArtifactVolume,
			Name:        v.Name,
			VirtualPath: unit.VolumesPath() + "/" + v.Name,
		})
	}
	for _, c := range unit.Containers {
		if c.DatabaseKind == types.DatabaseNone {
			continue
		}
		plan.Tasks = append(plan.Tasks, PlannedTask{
			Kind:        types.ArtifactDatabase,
			Name:        c.Name,
			VirtualPath: unit.DatabasesPath() + "/" + c.Name,
		})
	}

	return plan
}

// PlanAll computes plans for every discovered unit, preserving discovery
// order (database-bearing units first, per spec.md §4.1).
func PlanAll(units []types.BackupUnit) []UnitPlan {
	plans := make([]UnitPlan, len(units))
	for i, u := range units {
		plans[i] = Plan(u)
	}
	return plans
}
