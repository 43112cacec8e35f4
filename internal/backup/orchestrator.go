// Package backup implements the per-unit cold-backup state machine described
// in spec.md §4.2. Grounded on the teacher's internal/backup/manager.go
// manager pattern (mutex-guarded state, log-then-record-error style), with
// the domain retargeted from Kubernetes resource backups to Docker cold
// backups.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kopi-docka/kopi-docka/internal/concurrency"
	"github.com/kopi-docka/kopi-docka/internal/hooks"
	"github.com/kopi-docka/kopi-docka/internal/klog"
	"github.com/kopi-docka/kopi-docka/internal/safeexit"
	"github.com/kopi-docka/kopi-docka/pkg/config"
	"github.com/kopi-docka/kopi-docka/pkg/types"
)

// State names the orchestrator's position in the state machine for a single
// unit, per spec.md §4.2's diagram.
type State string

const (
	StateIdle               State = "IDLE"
	StatePolicySet          State = "POLICY_SET"
	StatePreHook            State = "PRE_HOOK"
	StateContainersStopped  State = "CONTAINERS_STOPPED"
	StateRecipesCaptured    State = "RECIPES_CAPTURED"
	StateArtifactsStreamed  State = "ARTIFACTS_STREAMED"
	StateContainersStarted  State = "CONTAINERS_STARTED"
	StatePostHook           State = "POST_HOOK"
	StateMetadataPersisted  State = "METADATA_PERSISTED"
	StateDone               State = "DONE"
)

// DockerClient is the subset of dockercli.Client the orchestrator depends on.
type DockerClient interface {
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Start(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (map[string]any, error)
}

// RepositoryClient is the subset of repository.Repository the orchestrator
// depends on.
type RepositoryClient interface {
	CreateSnapshot(ctx context.Context, path string, tags map[string]string) (string, error)
	CreateSnapshotFromStdin(ctx context.Context, reader io.Reader, virtualPath string, tags map[string]string) (string, error)
}

// PolicyApplier is the subset of policy.Manager the orchestrator depends on.
type PolicyApplier interface {
	ApplyToUnit(ctx context.Context, unit types.BackupUnit)
}

// MetadataWriter is the subset of metadata.Store the orchestrator depends on.
type MetadataWriter interface {
	Write(md types.BackupMetadata) (string, error)
}

// redactionKeys is the case-insensitive substring set used to redact
// environment variable values before recipe capture, per spec.md §4.2.
var redactionKeys = []string{"PASS", "SECRET", "KEY", "TOKEN", "CREDENTIAL", "API", "AUTH"}

const redactedValue = "***REDACTED***"

// Orchestrator drives one BackupUnit through the cold-backup state machine.
type Orchestrator struct {
	docker  DockerClient
	repo    RepositoryClient
	policy  PolicyApplier
	hooks   *hooks.Manager
	pool    *concurrency.Pool
	meta    MetadataWriter
	safe    *safeexit.Manager
	cfg     *config.Config
}

// New returns an Orchestrator wired to its collaborators.
func New(docker DockerClient, repo RepositoryClient, policy PolicyApplier, hm *hooks.Manager, pool *concurrency.Pool, meta MetadataWriter, safe *safeexit.Manager, cfg *config.Config) *Orchestrator {
	return &Orchestrator{docker: docker, repo: repo, policy: policy, hooks: hm, pool: pool, meta: meta, safe: safe, cfg: cfg}
}

// RunResult is the observable outcome of one Run call, beyond BackupMetadata.
type RunResult struct {
	Metadata types.BackupMetadata
	State    State // final state reached; StateDone on both success and failure
}

// Run executes the full cold-backup state machine for one unit.
func (o *Orchestrator) Run(ctx context.Context, unit types.BackupUnit) RunResult {
	log := klog.WithUnit(unit.Name)
	start := time.Now().UTC()
	backupID := uuid.New().String()
	log = log.With().Str("backup_id", backupID).Logger()

	md := types.BackupMetadata{
		Unit:      unit.Name,
		StartedAt: start,
		BackupID:  backupID,
	}

	state := StateIdle
	var stoppedIDs []string
	stagingRoots := map[string]bool{} // ephemeral roots eligible for CleanupHandler

	// Register SafeExit handlers for the risky window: stop → start.
	continuity := &safeexit.ServiceContinuityHandler{
		Mode:       safeexit.ModeBackup,
		StoppedIDs: func() []string { return stoppedIDs },
		Start:      o.docker.Start,
	}
	cleanup := &safeexit.CleanupHandler{TempPaths: func() []string {
		var paths []string
		for p := range stagingRoots {
			paths = append(paths, p)
		}
		return paths
	}}
	if o.safe != nil {
		o.safe.PushHandler(continuity)
		o.safe.PushHandler(cleanup)
		defer func() {
			o.safe.PopHandler(cleanup.Name())
			o.safe.PopHandler(continuity.Name())
		}()
	}

	// POLICY_SET
	state = StatePolicySet
	if o.policy != nil {
		o.policy.ApplyToUnit(ctx, unit)
	}

	// PRE_HOOK
	state = StatePreHook
	if o.hooks != nil && !o.hooks.Run(ctx, hooks.PreBackup, unit.Name) {
		md.Errors = append(md.Errors, "pre_backup hook failed")
		return o.finish(log, md, start, state)
	}

	// CONTAINERS_STOPPED
	state = StateContainersStopped
	stopTimeout := time.Duration(o.cfg.Timeouts.ContainerStop) * time.Second
	for _, c := range unit.Containers {
		if !c.Running {
			continue
		}
		if err := o.docker.Stop(ctx, c.ID, stopTimeout); err != nil {
			log.Error().Str("container", c.Name).Err(err).Msg("backup: stop failed, continuing")
			md.Errors = append(md.Errors, fmt.Sprintf("stop %s: %v", c.Name, err))
			continue
		}
		stoppedIDs = append(stoppedIDs, c.ID)
	}

	// RECIPES_CAPTURED
	state = StateRecipesCaptured
	if snapID, err := o.captureRecipe(ctx, unit, backupID, start); err != nil {
		md.Errors = append(md.Errors, fmt.Sprintf("recipe capture: %v", err))
	} else {
		md.SnapshotIDs = append(md.SnapshotIDs, snapID)
	}

	// VOLUMES/DATABASES_STREAMED (bounded parallel)
	state = StateArtifactsStreamed
	volResults, dbResults := o.streamArtifacts(ctx, unit, backupID, start)
	for _, r := range volResults {
		if r.Err != nil {
			md.Errors = append(md.Errors, fmt.Sprintf("volume %s: %v", r.Name, r.Err))
			continue
		}
		md.SnapshotIDs = append(md.SnapshotIDs, r.SnapshotID)
		md.VolumesBackedUp++
	}
	for _, r := range dbResults {
		if r.Err != nil {
			md.Errors = append(md.Errors, fmt.Sprintf("database %s: %v", r.Name, r.Err))
			continue
		}
		md.SnapshotIDs = append(md.SnapshotIDs, r.SnapshotID)
		md.DatabasesBackedUp++
	}

	// CONTAINERS_STARTED — always attempted, even after earlier failures.
	state = StateContainersStarted
	startTimeout := time.Duration(o.cfg.Timeouts.ContainerStart) * time.Second
	for _, c := range unit.Containers {
		if !containsID(stoppedIDs, c.ID) {
			continue
		}
		if err := o.docker.Start(ctx, c.ID); err != nil {
			log.Error().Str("container", c.Name).Err(err).Msg("backup: restart failed")
			md.Errors = append(md.Errors, fmt.Sprintf("start %s: %v", c.Name, err))
			continue
		}
		o.waitHealthy(ctx, c, startTimeout)
	}

	// POST_HOOK
	state = StatePostHook
	if o.hooks != nil && !o.hooks.Run(ctx, hooks.PostBackup, unit.Name) {
		md.Errors = append(md.Errors, "post_backup hook failed (warning)")
	}

	state = StateMetadataPersisted
	return o.finish(log, md, start, state)
}

func (o *Orchestrator) finish(log zerolog.Logger, md types.BackupMetadata, start time.Time, _ State) RunResult {
	md.Duration = time.Since(start).Seconds()
	md.Success = len(md.Errors) == 0

	if o.meta != nil {
		if _, err := o.meta.Write(md); err != nil {
			log.Error().Err(err).Msg("backup: metadata write failed")
		}
	}

	log.Info().Bool("success", md.Success).Int("errors", len(md.Errors)).Msg("backup: run complete")
	return RunResult{Metadata: md, State: StateDone}
}

func containsID(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// captureRecipe writes the compose file (if any) plus each container's
// redacted inspect payload into the stable per-unit staging directory, then
// snapshots it. Staging path stability is load-bearing for dedup continuity
// (spec.md §9).
func (o *Orchestrator) captureRecipe(ctx context.Context, unit types.BackupUnit, backupID string, ts time.Time) (string, error) {
	stagingDir := filepath.Join(o.cfg.StagingDir(types.RecipeBackupDir), unit.Name)
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}

	if unit.ComposeFile != "" {
		if data, err := os.ReadFile(unit.ComposeFile); err == nil {
			_ = os.WriteFile(filepath.Join(stagingDir, "compose.yaml"), data, 0644)
		}
	}

	for _, c := range unit.Containers {
		redacted := redactInspect(c)
		data, err := json.MarshalIndent(redacted, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal inspect for %s: %w", c.Name, err)
		}
		fname := fmt.Sprintf("%s.inspect.json", sanitizeName(c.Name))
		if err := os.WriteFile(filepath.Join(stagingDir, fname), data, 0644); err != nil {
			return "", fmt.Errorf("write inspect for %s: %w", c.Name, err)
		}
	}

	tags := map[string]string{
		"type":      string(types.ArtifactRecipe),
		"unit":      unit.Name,
		"timestamp": ts.UTC().Format(time.RFC3339),
		"backup_id": backupID,
	}
	return o.repo.CreateSnapshot(ctx, stagingDir, tags)
}

func redactInspect(c types.ContainerInfo) map[string]any {
	env := make(map[string]string, len(c.Environment))
	for k, v := range c.Environment {
		env[k] = v
		upper := strings.ToUpper(k)
		for _, marker := range redactionKeys {
			if strings.Contains(upper, marker) {
				env[k] = redactedValue
				break
			}
		}
	}
	return map[string]any{
		"id":          c.ID,
		"name":        c.Name,
		"image":       c.Image,
		"labels":      c.Labels,
		"environment": env,
		"inspect":     c.InspectData,
	}
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

func sanitizeName(s string) string { return unsafeNameChars.ReplaceAllString(s, "_") }

// waitHealthy polls inspect every 2 seconds until the container reports
// healthy/unhealthy or timeout elapses; neither condition aborts the run
// (spec.md §4.2).
func (o *Orchestrator) waitHealthy(ctx context.Context, c types.ContainerInfo, timeout time.Duration) {
	data, err := o.docker.Inspect(ctx, c.ID)
	if err != nil {
		return
	}
	state, _ := data["State"].(map[string]any)
	health, hasHealth := state["Health"].(map[string]any)
	if !hasHealth || health == nil {
		time.Sleep(2 * time.Second)
		return
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		data, err := o.docker.Inspect(ctx, c.ID)
		if err != nil {
			return
		}
		state, _ := data["State"].(map[string]any)
		health, _ := state["Health"].(map[string]any)
		status, _ := health["Status"].(string)
		if status == "healthy" || status == "unhealthy" {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
	klog.Logger.Warn().Str("container", c.Name).Msg("backup: health check timed out (warning only)")
}

// sortedUnitVolumeNames returns volume names in deterministic order for
// stable task ordering and tests.
func sortedUnitVolumeNames(unit types.BackupUnit) []string {
	names := make([]string, 0, len(unit.Volumes))
	for _, v := range unit.Volumes {
		names = append(names, v.Name)
	}
	sort.Strings(names)
	return names
}
