// Package restore drives an interactive or scripted restore of a BackupUnit
// from a RestorePoint, per spec.md §4.3. Grounded on the teacher's
// internal/recovery/manager.go ExecuteRecovery/DryRun split over a shared
// internal method, and on original_source/kopi_docka/restore.py's
// RestoreManager for the exact restore sequence.
package restore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kopi-docka/kopi-docka/internal/dbstrategy"
	"github.com/kopi-docka/kopi-docka/internal/hooks"
	"github.com/kopi-docka/kopi-docka/internal/klog"
	"github.com/kopi-docka/kopi-docka/internal/replay"
	"github.com/kopi-docka/kopi-docka/internal/safeexit"
	"github.com/kopi-docka/kopi-docka/pkg/types"
)

// Mode controls whether the emitted destructive sequence is executed
// directly or only printed as operator instructions (spec.md §4.3 step 4).
type Mode int

const (
	ModeExecute Mode = iota
	ModeInstructions
)

// DockerClient is the subset of dockercli.Client the restore orchestrator
// depends on.
type DockerClient interface {
	ContainerExists(ctx context.Context, name string) bool
	RemoveContainer(ctx context.Context, name string) error
	VolumeExists(ctx context.Context, name string) (bool, error)
	VolumeRemove(ctx context.Context, name string) error
	VolumeCreate(ctx context.Context, name string) error
	RunRaw(ctx context.Context, args ...string) (string, error)
	ComposeUp(ctx context.Context, composeFile string) error
	Exec(ctx context.Context, id string, args ...string) (string, error)
	ExecStdin(ctx context.Context, id string, env []string, stdinPath string, args ...string) (string, error)
	CopyTo(ctx context.Context, src, id, dst string) error
	Inspect(ctx context.Context, id string) (map[string]any, error)
}

// Orchestrator drives one restore-point restoration.
type Orchestrator struct {
	docker DockerClient
	repo   RepositoryClient
	hooks  *hooks.Manager
	safe   *safeexit.Manager
}

// New returns an Orchestrator wired to its collaborators.
func New(docker DockerClient, repo RepositoryClient, hm *hooks.Manager, safe *safeexit.Manager) *Orchestrator {
	return &Orchestrator{docker: docker, repo: repo, hooks: hm, safe: safe}
}

// Result is the observable outcome of a Run call.
type Result struct {
	StagingDir   string
	IsStack      bool
	Instructions []string // manual commands the operator must run, populated in ModeInstructions or on automatic-restore failure
	Errors       []string
}

// Run restores point into a fresh staging directory under stagingRoot. Mode
// determines whether mutating steps (stop/remove containers, recreate
// volumes, start the service, run database imports) execute directly or are
// only recorded in Result.Instructions.
func (o *Orchestrator) Run(ctx context.Context, point types.RestorePoint, stagingRoot string, mode Mode) Result {
	log := klog.WithUnit(point.Unit)
	res := Result{}

	stagingDir, err := os.MkdirTemp(stagingRoot, "kopi-docka-restore-")
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("create staging dir: %v", err))
		return res
	}
	res.StagingDir = stagingDir

	if o.safe != nil {
		cleanup := &safeexit.CleanupHandler{TempPaths: func() []string { return nil }}
		o.safe.PushHandler(cleanup)
		defer o.safe.PopHandler(cleanup.Name())
	}

	if o.hooks != nil && !o.hooks.Run(ctx, hooks.PreRestore, point.Unit) {
		res.Errors = append(res.Errors, "pre_restore hook failed")
		return res
	}

	recipeDir := filepath.Join(stagingDir, "recipes")
	if point.Recipe != nil {
		if err := o.repo.RestoreSnapshot(ctx, point.Recipe.ID, recipeDir); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("restore recipe: %v", err))
			return res
		}
	}

	composeFile := filepath.Join(recipeDir, "compose.yaml")
	res.IsStack = fileExists(composeFile)

	inspects, err := loadInspectFiles(recipeDir)
	if err != nil {
		log.Warn().Err(err).Msg("restore: could not read inspect files")
	}

	o.stopExistingContainers(ctx, inspects, mode, &res)

	for _, vs := range point.Volumes {
		o.restoreVolume(ctx, vs, stagingDir, mode, &res)
	}

	if err := o.startService(ctx, composeFile, res.IsStack, inspects, mode, &res); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("start service: %v", err))
	}

	if len(point.Databases) > 0 {
		if mode == ModeExecute {
			select {
			case <-time.After(10 * time.Second):
			case <-ctx.Done():
			}
		}
		o.restoreDatabases(ctx, point, inspects, stagingDir, mode, &res)
	}

	if o.hooks != nil && !o.hooks.Run(ctx, hooks.PostRestore, point.Unit) {
		res.Errors = append(res.Errors, "post_restore hook failed (warning)")
	}

	return res
}

func (o *Orchestrator) stopExistingContainers(ctx context.Context, inspects []map[string]any, mode Mode, res *Result) {
	for _, data := range inspects {
		name := containerName(data)
		if name == "" {
			continue
		}
		if !o.docker.ContainerExists(ctx, name) {
			continue
		}
		if mode == ModeInstructions {
			res.Instructions = append(res.Instructions, fmt.Sprintf("docker stop %s && docker rm %s", name, name))
			continue
		}
		if err := o.docker.RemoveContainer(ctx, name); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("stop existing %s: %v", name, err))
		}
	}
}

// restoreVolume implements spec.md §4.3 step 4: stop any current users (done
// above), back up the live volume to /tmp, recreate it, stream the snapshot
// in with preserved ownership/xattrs/ACLs.
func (o *Orchestrator) restoreVolume(ctx context.Context, vs types.Snapshot, stagingDir string, mode Mode, res *Result) {
	name := vs.Tags["volume"]
	if name == "" {
		res.Errors = append(res.Errors, "volume snapshot missing volume tag")
		return
	}

	volDir := filepath.Join(stagingDir, "volumes", name)
	if err := o.repo.RestoreSnapshot(ctx, vs.ID, volDir); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("restore volume %s: %v", name, err))
		return
	}

	exists, _ := o.docker.VolumeExists(ctx, name)
	if exists {
		archivePath := fmt.Sprintf("/tmp/%s-%d.tar", name, time.Now().UnixNano())
		archiveCmd := fmt.Sprintf(
			"docker run --rm -v %s:/live:ro -v /tmp:/out alpine tar -C /live -cf /out/%s .",
			name, filepath.Base(archivePath))
		if mode == ModeInstructions {
			res.Instructions = append(res.Instructions, archiveCmd)
			res.Instructions = append(res.Instructions, fmt.Sprintf("docker volume rm -f %s", name))
		} else {
			if _, err := o.docker.RunRaw(ctx, "run", "--rm", "-v", name+":/live:ro", "-v", "/tmp:/out",
				"alpine", "tar", "-C", "/live", "-cf", "/out/"+filepath.Base(archivePath), "."); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("archive live volume %s: %v", name, err))
			}
			if err := o.docker.VolumeRemove(ctx, name); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("remove existing volume %s: %v", name, err))
				return
			}
		}
	}

	createCmd := []string{"volume", "create", name}
	copyArgs := []string{
		"run", "--rm",
		"-v", name + ":/restore",
		"-v", volDir + ":/backup:ro",
		"alpine", "sh", "-c", "cd /backup && cp -a . /restore/",
	}
	if mode == ModeInstructions {
		res.Instructions = append(res.Instructions, "docker "+strings.Join(createCmd, " "))
		res.Instructions = append(res.Instructions, "docker "+strings.Join(copyArgs, " "))
		return
	}
	if err := o.docker.VolumeCreate(ctx, name); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("create volume %s: %v", name, err))
		return
	}
	if _, err := o.docker.RunRaw(ctx, copyArgs...); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("copy data into volume %s: %v", name, err))
	}
}

func (o *Orchestrator) startService(ctx context.Context, composeFile string, isStack bool, inspects []map[string]any, mode Mode, res *Result) error {
	if isStack {
		if mode == ModeInstructions {
			res.Instructions = append(res.Instructions, fmt.Sprintf("cd %s && docker compose up -d", filepath.Dir(composeFile)))
			return nil
		}
		return o.docker.ComposeUp(ctx, composeFile)
	}

	for _, data := range inspects {
		argv := replay.Build(data)
		if mode == ModeInstructions {
			res.Instructions = append(res.Instructions, replay.CommandLine(argv))
			continue
		}
		if _, err := o.docker.RunRaw(ctx, argv...); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("start %s: %v", containerName(data), err))
		}
	}
	return nil
}

// restoreDatabases implements spec.md §4.3 step 6: after containers report
// healthy, import each database dump via its strategy. Import failures never
// roll back volumes — they produce a manual-command block instead.
func (o *Orchestrator) restoreDatabases(ctx context.Context, point types.RestorePoint, inspects []map[string]any, stagingDir string, mode Mode, res *Result) {
	log := klog.WithUnit(point.Unit)
	for _, ds := range point.Databases {
		containerName := ds.Tags["container"]
		dbKind := types.DatabaseKind(ds.Tags["database_type"])
		if containerName == "" || dbKind == "" {
			res.Errors = append(res.Errors, "database snapshot missing container/database_type tag")
			continue
		}

		dumpFile := filepath.Join(stagingDir, "databases", containerName+".dump")
		if err := os.MkdirAll(filepath.Dir(dumpFile), 0755); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("create database staging dir: %v", err))
			continue
		}
		if err := o.repo.RestoreSnapshot(ctx, ds.ID, dumpFile); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("restore database dump %s: %v", containerName, err))
			continue
		}

		strategy := dbstrategy.ForKind(dbKind)
		if strategy == nil {
			res.Errors = append(res.Errors, fmt.Sprintf("no restore strategy for %s", dbKind))
			continue
		}

		container := types.ContainerInfo{Name: containerName, ID: containerName, DatabaseKind: dbKind}
		for _, insp := range inspects {
			if containerName == containerNameFromTags(insp) {
				container.ID = containerName
				container.Environment = envMap(insp)
				break
			}
		}

		var metadata map[string]string
		if blob := ds.Tags["metadata"]; blob != "" {
			if err := json.Unmarshal([]byte(blob), &metadata); err != nil {
				log.Warn().Err(err).Str("container", containerName).Msg("restore: could not parse database snapshot metadata")
			}
		}

		steps := strategy.BuildRestoreInvocation(container, dumpFile, nil, metadata)
		for _, step := range steps {
			if mode == ModeInstructions || len(step.Argv) == 0 {
				res.Instructions = append(res.Instructions, step.Description+": "+strings.Join(step.Argv, " "))
				continue
			}

			var err error
			switch {
			case step.Host:
				_, err = o.docker.RunRaw(ctx, step.Argv...)
			case step.Stdin != "":
				_, err = o.docker.ExecStdin(ctx, container.ID, step.Env, step.Stdin, step.Argv...)
			default:
				_, err = o.docker.Exec(ctx, container.ID, step.Argv...)
			}
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("database restore step %q for %s: %v", step.Description, containerName, err))
				res.Instructions = append(res.Instructions, step.Description+": "+strings.Join(step.Argv, " "))
			}
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func loadInspectFiles(recipeDir string) ([]map[string]any, error) {
	entries, err := os.ReadDir(recipeDir)
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".inspect.json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(recipeDir, e.Name()))
		if err != nil {
			continue
		}
		var wrapper struct {
			Name    string         `json:"name"`
			Inspect map[string]any `json:"inspect"`
		}
		if err := json.Unmarshal(data, &wrapper); err != nil {
			continue
		}
		if wrapper.Inspect == nil {
			continue
		}
		if _, ok := wrapper.Inspect["Name"]; !ok {
			wrapper.Inspect["Name"] = "/" + wrapper.Name
		}
		out = append(out, wrapper.Inspect)
	}
	return out, nil
}

func containerName(inspect map[string]any) string {
	name, _ := inspect["Name"].(string)
	return strings.TrimPrefix(name, "/")
}

func containerNameFromTags(inspect map[string]any) string { return containerName(inspect) }

func envMap(inspect map[string]any) map[string]string {
	cfg, _ := inspect["Config"].(map[string]any)
	envList, _ := cfg["Env"].([]any)
	out := map[string]string{}
	for _, e := range envList {
		s, ok := e.(string)
		if !ok {
			continue
		}
		parts := strings.SplitN(s, "=", 2)
		if len(parts) == 2 {
			out[parts[0]] = parts[1]
		}
	}
	return out
}
