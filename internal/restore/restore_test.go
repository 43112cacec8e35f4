package restore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kopi-docka/kopi-docka/internal/hooks"
	"github.com/kopi-docka/kopi-docka/pkg/config"
	"github.com/kopi-docka/kopi-docka/pkg/types"
)

type fakeRestoreRepo struct {
	recipeFiles map[string][]byte // filename -> contents, written into the recipe dir on restore
}

func (f *fakeRestoreRepo) ListSnapshots(ctx context.Context, filter map[string]string) ([]types.Snapshot, error) {
	return nil, nil
}

func (f *fakeRestoreRepo) RestoreSnapshot(ctx context.Context, id, targetPath string) error {
	if err := os.MkdirAll(targetPath, 0755); err != nil {
		return err
	}
	for name, contents := range f.recipeFiles {
		if err := os.WriteFile(filepath.Join(targetPath, name), contents, 0644); err != nil {
			return err
		}
	}
	return nil
}

type fakeRestoreDocker struct {
	containerExists map[string]bool
	volumeExists    map[string]bool
	composeUpCalls  []string
	runRawCalls     [][]string
	execCalls       [][]string
	execStdinCalls  [][]string
}

func (f *fakeRestoreDocker) ContainerExists(ctx context.Context, name string) bool {
	return f.containerExists[name]
}
func (f *fakeRestoreDocker) RemoveContainer(ctx context.Context, name string) error { return nil }
func (f *fakeRestoreDocker) VolumeExists(ctx context.Context, name string) (bool, error) {
	return f.volumeExists[name], nil
}
func (f *fakeRestoreDocker) VolumeRemove(ctx context.Context, name string) error { return nil }
func (f *fakeRestoreDocker) VolumeCreate(ctx context.Context, name string) error { return nil }
func (f *fakeRestoreDocker) RunRaw(ctx context.Context, args ...string) (string, error) {
	f.runRawCalls = append(f.runRawCalls, append([]string{}, args...))
	return "", nil
}
func (f *fakeRestoreDocker) ComposeUp(ctx context.Context, composeFile string) error {
	f.composeUpCalls = append(f.composeUpCalls, composeFile)
	return nil
}
func (f *fakeRestoreDocker) Exec(ctx context.Context, id string, args ...string) (string, error) {
	f.execCalls = append(f.execCalls, append([]string{id}, args...))
	return "", nil
}
func (f *fakeRestoreDocker) ExecStdin(ctx context.Context, id string, env []string, stdinPath string, args ...string) (string, error) {
	f.execStdinCalls = append(f.execStdinCalls, append([]string{id, stdinPath}, args...))
	return "", nil
}
func (f *fakeRestoreDocker) CopyTo(ctx context.Context, src, id, dst string) error { return nil }
func (f *fakeRestoreDocker) Inspect(ctx context.Context, id string) (map[string]any, error) {
	return map[string]any{"State": map[string]any{}}, nil
}

func inspectFileContents(t *testing.T, name, image string) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"name": name,
		"inspect": map[string]any{
			"Name":   "/" + name,
			"Config": map[string]any{"Image": image},
		},
	})
	if err != nil {
		t.Fatalf("marshal inspect fixture: %v", err)
	}
	return data
}

func TestRunStandaloneContainerEmitsReplayInstructions(t *testing.T) {
	repo := &fakeRestoreRepo{recipeFiles: map[string][]byte{
		"web.inspect.json": inspectFileContents(t, "web", "nginx:latest"),
	}}
	docker := &fakeRestoreDocker{}
	hm := hooks.New(config.HooksConfig{}, time.Second)
	o := New(docker, repo, hm, nil)

	point := types.RestorePoint{
		Unit:     "myapp",
		BackupID: "b1",
		Recipe:   &types.Snapshot{ID: "recipe-1"},
	}

	res := o.Run(context.Background(), point, t.TempDir(), ModeInstructions)

	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	if res.IsStack {
		t.Fatalf("expected standalone (no compose.yaml), got IsStack=true")
	}
	found := false
	for _, instr := range res.Instructions {
		if strings.Contains(instr, "docker run") && strings.Contains(instr, "nginx:latest") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a docker run instruction referencing the image, got %v", res.Instructions)
	}
}

func TestRunStackDetectsComposeFile(t *testing.T) {
	repo := &fakeRestoreRepo{recipeFiles: map[string][]byte{
		"compose.yaml": []byte("services:\n  web:\n    image: nginx\n"),
	}}
	docker := &fakeRestoreDocker{}
	hm := hooks.New(config.HooksConfig{}, time.Second)
	o := New(docker, repo, hm, nil)

	point := types.RestorePoint{Unit: "myapp", Recipe: &types.Snapshot{ID: "recipe-1"}}

	res := o.Run(context.Background(), point, t.TempDir(), ModeExecute)

	if !res.IsStack {
		t.Fatalf("expected stack detected from compose.yaml presence")
	}
	if len(docker.composeUpCalls) != 1 {
		t.Fatalf("expected ComposeUp called once, got %d", len(docker.composeUpCalls))
	}
}

func TestRunVolumeRestoreRecreatesExistingVolume(t *testing.T) {
	repo := &fakeRestoreRepo{recipeFiles: map[string][]byte{}}
	docker := &fakeRestoreDocker{volumeExists: map[string]bool{"data": true}}
	hm := hooks.New(config.HooksConfig{}, time.Second)
	o := New(docker, repo, hm, nil)

	point := types.RestorePoint{
		Unit:   "myapp",
		Recipe: &types.Snapshot{ID: "recipe-1"},
		Volumes: []types.Snapshot{
			{ID: "vol-data", Tags: map[string]string{"volume": "data"}},
		},
	}

	res := o.Run(context.Background(), point, t.TempDir(), ModeInstructions)

	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	var sawArchive, sawRemove, sawCreate bool
	for _, instr := range res.Instructions {
		if strings.Contains(instr, "tar -C /live") {
			sawArchive = true
		}
		if strings.Contains(instr, "volume rm") {
			sawRemove = true
		}
		if strings.Contains(instr, "volume create data") {
			sawCreate = true
		}
	}
	if !sawArchive || !sawRemove || !sawCreate {
		t.Fatalf("expected archive-then-recreate instructions for existing volume, got %v", res.Instructions)
	}
}

func TestRunVolumeRestoreSkipsArchiveWhenVolumeAbsent(t *testing.T) {
	repo := &fakeRestoreRepo{recipeFiles: map[string][]byte{}}
	docker := &fakeRestoreDocker{volumeExists: map[string]bool{}}
	hm := hooks.New(config.HooksConfig{}, time.Second)
	o := New(docker, repo, hm, nil)

	point := types.RestorePoint{
		Unit:   "myapp",
		Recipe: &types.Snapshot{ID: "recipe-1"},
		Volumes: []types.Snapshot{
			{ID: "vol-data", Tags: map[string]string{"volume": "data"}},
		},
	}

	res := o.Run(context.Background(), point, t.TempDir(), ModeInstructions)

	for _, instr := range res.Instructions {
		if strings.Contains(instr, "tar -C /live") {
			t.Fatalf("expected no archive instruction for a volume that does not yet exist, got %v", res.Instructions)
		}
	}
}

func TestRunDatabaseRestoreDispatchesRedisHostStepsViaRunRaw(t *testing.T) {
	repo := &fakeRestoreRepo{recipeFiles: map[string][]byte{}}
	docker := &fakeRestoreDocker{}
	hm := hooks.New(config.HooksConfig{}, time.Second)
	o := New(docker, repo, hm, nil)

	point := types.RestorePoint{
		Unit:   "myapp",
		Recipe: &types.Snapshot{ID: "recipe-1"},
		Databases: []types.Snapshot{
			{ID: "db-1", Tags: map[string]string{"container": "cache", "database_type": "redis"}},
		},
	}

	// A short-lived context short-circuits the post-health settle wait
	// (restore.go's 10s select on ctx.Done()) instead of sleeping for real.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	res := o.Run(ctx, point, t.TempDir(), ModeExecute)

	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	if len(docker.runRawCalls) != 2 {
		t.Fatalf("expected the two host-level redis steps (cp, restart) dispatched via RunRaw, got %v", docker.runRawCalls)
	}
	if docker.runRawCalls[0][0] != "cp" || docker.runRawCalls[1][0] != "restart" {
		t.Fatalf("unexpected RunRaw argv shape: %v", docker.runRawCalls)
	}
	if len(docker.execCalls) != 2 {
		t.Fatalf("expected the two in-container redis steps (chown, PING) dispatched via Exec, got %v", docker.execCalls)
	}
}

func TestRunDatabaseRestoreDispatchesMySQLViaExecStdin(t *testing.T) {
	repo := &fakeRestoreRepo{recipeFiles: map[string][]byte{}}
	docker := &fakeRestoreDocker{}
	hm := hooks.New(config.HooksConfig{}, time.Second)
	o := New(docker, repo, hm, nil)

	point := types.RestorePoint{
		Unit:   "myapp",
		Recipe: &types.Snapshot{ID: "recipe-1"},
		Databases: []types.Snapshot{
			{ID: "db-1", Tags: map[string]string{"container": "db", "database_type": "mysql"}},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	res := o.Run(ctx, point, t.TempDir(), ModeExecute)

	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	if len(docker.execStdinCalls) == 0 {
		t.Fatalf("expected the mysql restore step dispatched via ExecStdin, got none (runRaw=%v exec=%v)", docker.runRawCalls, docker.execCalls)
	}
	for _, call := range docker.execStdinCalls {
		for _, arg := range call {
			if arg == "<" {
				t.Fatalf("did not expect a literal shell redirect token in ExecStdin argv, got %v", call)
			}
		}
	}
}

func TestRunAbortsOnPreRestoreHookFailure(t *testing.T) {
	repo := &fakeRestoreRepo{}
	docker := &fakeRestoreDocker{}
	hm := hooks.New(config.HooksConfig{PreRestore: "/does/not/exist"}, time.Second)
	o := New(docker, repo, hm, nil)

	point := types.RestorePoint{Unit: "myapp", Recipe: &types.Snapshot{ID: "recipe-1"}}

	res := o.Run(context.Background(), point, t.TempDir(), ModeInstructions)

	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "pre_restore") {
		t.Fatalf("expected pre_restore hook failure recorded, got %v", res.Errors)
	}
}
