package restore

import (
	"context"
	"sort"
	"time"

	"github.com/kopi-docka/kopi-docka/pkg/types"
)

// RepositoryClient is the subset of repository.Repository the restore package
// depends on.
type RepositoryClient interface {
	ListSnapshots(ctx context.Context, filter map[string]string) ([]types.Snapshot, error)
	RestoreSnapshot(ctx context.Context, id, targetPath string) error
}

// FindRestorePoints groups every recipe snapshot with the volume/database
// snapshots produced by the same run, grounded on
// original_source/kopi_docka/restore.py's RestoreManager._find_restore_points.
// Unlike the original, which matched volume/database snapshots to a recipe by
// timestamp proximity (no shared run id existed), every snapshot this system
// creates already carries the same backup_id tag for one Run call, so
// grouping is an exact match rather than a tolerance window.
func FindRestorePoints(ctx context.Context, repo RepositoryClient) ([]types.RestorePoint, error) {
	recipeSnaps, err := repo.ListSnapshots(ctx, map[string]string{"type": string(types.ArtifactRecipe)})
	if err != nil {
		return nil, err
	}

	var points []types.RestorePoint
	for _, snap := range recipeSnaps {
		unit := snap.Tags["unit"]
		backupID := snap.Tags["backup_id"]
		if unit == "" || backupID == "" {
			continue
		}
		ts, ok := parseTimestamp(snap.Tags["timestamp"])
		if !ok {
			continue
		}

		point := types.RestorePoint{
			Unit:      unit,
			BackupID:  backupID,
			Timestamp: ts,
			Recipe:    snapPtr(snap),
		}

		volSnaps, err := repo.ListSnapshots(ctx, map[string]string{
			"type": string(types.ArtifactVolume), "unit": unit, "backup_id": backupID,
		})
		if err == nil {
			point.Volumes = volSnaps
		}

		dbSnaps, err := repo.ListSnapshots(ctx, map[string]string{
			"type": string(types.ArtifactDatabase), "unit": unit, "backup_id": backupID,
		})
		if err == nil {
			point.Databases = dbSnaps
		}

		points = append(points, point)
	}

	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.After(points[j].Timestamp) })
	return points, nil
}

func parseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func snapPtr(s types.Snapshot) *types.Snapshot { return &s }
