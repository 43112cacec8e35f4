package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/kopi-docka/kopi-docka/internal/concurrency"
	"github.com/kopi-docka/kopi-docka/internal/dbstrategy"
	"github.com/kopi-docka/kopi-docka/internal/klog"
	"github.com/kopi-docka/kopi-docka/pkg/types"
)

// ArtifactResult is one volume or database task's outcome.
type ArtifactResult struct {
	Name       string
	SnapshotID string
	Err        error
}

// streamArtifacts runs every volume archiver and database dumper for unit
// through the shared bounded pool, per spec.md §4.2's "VOLUMES || DATABASES,
// bounded parallel" contract.
func (o *Orchestrator) streamArtifacts(ctx context.Context, unit types.BackupUnit, backupID string, ts time.Time) ([]ArtifactResult, []ArtifactResult) {
	volNames := sortedUnitVolumeNames(unit)
	volumeByName := map[string]types.VolumeInfo{}
	for _, v := range unit.Volumes {
		volumeByName[v.Name] = v
	}

	taskTimeout := time.Duration(o.cfg.Timeouts.TaskTimeout) * time.Second

	volResults := make([]ArtifactResult, len(volNames))
	var tasks []concurrency.Task
	for i, name := range volNames {
		i, vol := i, volumeByName[name]
		tasks = append(tasks, concurrency.Task{
			Name:    "volume:" + vol.Name,
			Timeout: taskTimeout,
			Run: func(taskCtx context.Context) error {
				id, err := o.streamVolume(taskCtx, unit, vol, backupID, ts)
				volResults[i] = ArtifactResult{Name: vol.Name, SnapshotID: id, Err: err}
				return nil
			},
		})
	}

	var dbContainers []types.ContainerInfo
	for _, c := range unit.Containers {
		if c.DatabaseKind != types.DatabaseNone {
			dbContainers = append(dbContainers, c)
		}
	}
	dbResults := make([]ArtifactResult, len(dbContainers))
	for i, c := range dbContainers {
		i, c := i, c
		tasks = append(tasks, concurrency.Task{
			Name:    "database:" + c.Name,
			Timeout: taskTimeout,
			Run: func(taskCtx context.Context) error {
				id, err := o.streamDatabase(taskCtx, unit, c, backupID, ts)
				dbResults[i] = ArtifactResult{Name: c.Name, SnapshotID: id, Err: err}
				return nil
			},
		})
	}

	o.pool.Run(ctx, tasks)

	// Any result left zero-valued (its task never set it, e.g. semaphore
	// acquisition failure) is reported as a generic error rather than silently
	// dropped.
	for i := range volResults {
		if volResults[i].Name == "" {
			volResults[i] = ArtifactResult{Name: volNames[i], Err: fmt.Errorf("task did not run")}
		}
	}
	for i := range dbResults {
		if dbResults[i].Name == "" {
			dbResults[i] = ArtifactResult{Name: dbContainers[i].Name, Err: fmt.Errorf("task did not run")}
		}
	}

	return volResults, dbResults
}

// streamVolume pipes a deterministic tar stream of vol's mountpoint directly
// into a stream-mode snapshot at volumes/<unit>/<volume>.
func (o *Orchestrator) streamVolume(ctx context.Context, unit types.BackupUnit, vol types.VolumeInfo, backupID string, ts time.Time) (string, error) {
	args := []string{
		"--numeric-owner",
		"--xattrs",
		"--acls",
		"--one-file-system",
		"--sort=name",
		"--mtime=@0",
		"-C", vol.Mountpoint,
		"-cf", "-",
	}
	for _, pattern := range o.cfg.Excludes {
		args = append(args, "--exclude="+pattern)
	}
	args = append(args, ".")

	cmd := exec.CommandContext(ctx, "tar", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("archiver: stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("archiver: start: %w", err)
	}
	if o.safe != nil {
		o.safe.Track(cmd)
		defer o.safe.Untrack(cmd)
	}

	virtualPath := fmt.Sprintf("%s/%s", unit.VolumesPath(), vol.Name)
	tags := map[string]string{
		"type":      string(types.ArtifactVolume),
		"unit":      unit.Name,
		"volume":    vol.Name,
		"timestamp": ts.UTC().Format(time.RFC3339),
		"backup_id": backupID,
	}
	if vol.SizeBytes != nil {
		tags["size_bytes"] = strconv.FormatInt(*vol.SizeBytes, 10)
	}

	snapID, snapErr := o.repo.CreateSnapshotFromStdin(ctx, stdout, virtualPath, tags)
	waitErr := cmd.Wait()

	if waitErr != nil {
		klog.Logger.Error().Str("volume", vol.Name).Str("stderr", stderr.String()).Err(waitErr).Msg("backup: archiver failed")
		return "", fmt.Errorf("archiver exited: %w: %s", waitErr, stderr.String())
	}
	if snapErr != nil {
		return "", fmt.Errorf("snapshot volume %s: %w", vol.Name, snapErr)
	}
	return snapID, nil
}

// streamDatabase detects the server version, builds the dump command via the
// strategy table, and pipes its stdout into a stream-mode snapshot at
// databases/<unit>/<container>.
func (o *Orchestrator) streamDatabase(ctx context.Context, unit types.BackupUnit, c types.ContainerInfo, backupID string, ts time.Time) (string, error) {
	strategy := dbstrategy.ForKind(c.DatabaseKind)
	if strategy == nil {
		return "", fmt.Errorf("no strategy for database kind %q", c.DatabaseKind)
	}

	version := detectVersionFor(ctx, c)
	argv, env := strategy.BuildBackupCommand(c, version)
	if argv == nil {
		return "", fmt.Errorf("strategy declined to build a backup command")
	}

	full := append([]string{"exec", "-i", c.ID}, argv...)
	cmd := exec.CommandContext(ctx, "docker", full...)
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("dumper: stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("dumper: start: %w", err)
	}
	if o.safe != nil {
		o.safe.Track(cmd)
		defer o.safe.Untrack(cmd)
	}

	virtualPath := fmt.Sprintf("%s/%s", unit.DatabasesPath(), c.Name)
	tags := map[string]string{
		"type":          string(types.ArtifactDatabase),
		"database_type": string(c.DatabaseKind),
		"unit":          unit.Name,
		"container":     c.Name,
		"timestamp":     ts.UTC().Format(time.RFC3339),
		"backup_id":     backupID,
	}
	if blob, err := json.Marshal(strategy.BuildMetadata(c, version)); err == nil {
		tags["metadata"] = string(blob)
	} else {
		klog.Logger.Warn().Str("container", c.Name).Err(err).Msg("backup: could not marshal database metadata")
	}

	snapID, snapErr := o.repo.CreateSnapshotFromStdin(ctx, stdout, virtualPath, tags)
	waitErr := cmd.Wait()

	if waitErr != nil {
		klog.Logger.Error().Str("container", c.Name).Str("stderr", stderr.String()).Err(waitErr).Msg("backup: dumper failed")
		return "", fmt.Errorf("dumper exited: %w: %s", waitErr, stderr.String())
	}
	if snapErr != nil {
		return "", fmt.Errorf("snapshot database %s: %w", c.Name, snapErr)
	}
	return snapID, nil
}

// detectVersionFor probes the database server's version inside the
// container. Parse/exec failures yield nil, which strategies treat as "use
// the most permissive path" (spec.md §4.4).
func detectVersionFor(ctx context.Context, c types.ContainerInfo) *dbstrategy.Version {
	var exe string
	var args []string
	switch c.DatabaseKind {
	case types.DatabasePostgres:
		exe, args = "docker", []string{"exec", c.ID, "postgres", "--version"}
	case types.DatabaseMySQL, types.DatabaseMariaDB:
		exe, args = "docker", []string{"exec", c.ID, "mysqld", "--version"}
	case types.DatabaseMongo:
		exe, args = "docker", []string{"exec", c.ID, "mongod", "--version"}
	default:
		return nil
	}
	return dbstrategy.DetectVersion(ctx, exe, args...)
}
