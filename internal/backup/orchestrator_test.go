package backup

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/kopi-docka/kopi-docka/internal/concurrency"
	"github.com/kopi-docka/kopi-docka/internal/hooks"
	"github.com/kopi-docka/kopi-docka/pkg/config"
	"github.com/kopi-docka/kopi-docka/pkg/types"
)

type fakeDocker struct {
	stopped, started []string
	stopErr          map[string]error
	inspectData      map[string]map[string]any
}

func (f *fakeDocker) Stop(ctx context.Context, id string, timeout time.Duration) error {
	f.stopped = append(f.stopped, id)
	return f.stopErr[id]
}

func (f *fakeDocker) Start(ctx context.Context, id string) error {
	f.started = append(f.started, id)
	return nil
}

func (f *fakeDocker) Inspect(ctx context.Context, id string) (map[string]any, error) {
	if data, ok := f.inspectData[id]; ok {
		return data, nil
	}
	return map[string]any{"State": map[string]any{}}, nil
}

type fakeRepoClient struct {
	snapshots []string
}

func (f *fakeRepoClient) CreateSnapshot(ctx context.Context, path string, tags map[string]string) (string, error) {
	f.snapshots = append(f.snapshots, path)
	return "snap-" + tags["type"], nil
}

func (f *fakeRepoClient) CreateSnapshotFromStdin(ctx context.Context, reader io.Reader, virtualPath string, tags map[string]string) (string, error) {
	return "snap-" + virtualPath, nil
}

type fakePolicy struct{ applied int }

func (f *fakePolicy) ApplyToUnit(ctx context.Context, unit types.BackupUnit) { f.applied++ }

type fakeMeta struct{ written []types.BackupMetadata }

func (f *fakeMeta) Write(md types.BackupMetadata) (string, error) {
	f.written = append(f.written, md)
	return "/tmp/fake.json", nil
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		CacheDir: t.TempDir(),
		Timeouts: config.TimeoutsConfig{ContainerStop: 1, ContainerStart: 1, TaskTimeout: 5},
	}
}

func TestRunHappyPathNoVolumesNoDatabases(t *testing.T) {
	docker := &fakeDocker{}
	repo := &fakeRepoClient{}
	pol := &fakePolicy{}
	meta := &fakeMeta{}
	pool := concurrency.New(2)
	hm := hooks.New(config.HooksConfig{}, time.Second)

	o := New(docker, repo, pol, hm, pool, meta, nil, testConfig(t))

	unit := types.BackupUnit{
		Name: "myapp",
		Containers: []types.ContainerInfo{
			{ID: "c1", Name: "myapp_web_1", Running: true},
		},
	}

	result := o.Run(context.Background(), unit)

	if !result.Metadata.Success {
		t.Fatalf("expected success, got errors: %v", result.Metadata.Errors)
	}
	if pol.applied != 1 {
		t.Fatalf("expected policy applied once, got %d", pol.applied)
	}
	if len(docker.stopped) != 1 || docker.stopped[0] != "c1" {
		t.Fatalf("expected c1 stopped, got %v", docker.stopped)
	}
	if len(docker.started) != 1 || docker.started[0] != "c1" {
		t.Fatalf("expected c1 restarted, got %v", docker.started)
	}
	if len(meta.written) != 1 {
		t.Fatalf("expected metadata written once, got %d", len(meta.written))
	}
	if len(result.Metadata.SnapshotIDs) == 0 {
		t.Fatalf("expected at least the recipe snapshot recorded")
	}
}

func TestRunSkipsStoppedContainers(t *testing.T) {
	docker := &fakeDocker{}
	repo := &fakeRepoClient{}
	pool := concurrency.New(1)
	hm := hooks.New(config.HooksConfig{}, time.Second)
	o := New(docker, repo, &fakePolicy{}, hm, pool, &fakeMeta{}, nil, testConfig(t))

	unit := types.BackupUnit{
		Name: "myapp",
		Containers: []types.ContainerInfo{
			{ID: "c1", Name: "already_stopped", Running: false},
		},
	}

	o.Run(context.Background(), unit)

	if len(docker.stopped) != 0 {
		t.Fatalf("expected no stop calls for an already-stopped container, got %v", docker.stopped)
	}
	if len(docker.started) != 0 {
		t.Fatalf("expected no restart for a container never stopped by this run, got %v", docker.started)
	}
}

func TestRunContinuesAfterStopFailure(t *testing.T) {
	docker := &fakeDocker{stopErr: map[string]error{"c1": fmt.Errorf("boom")}}
	repo := &fakeRepoClient{}
	pool := concurrency.New(1)
	hm := hooks.New(config.HooksConfig{}, time.Second)
	o := New(docker, repo, &fakePolicy{}, hm, pool, &fakeMeta{}, nil, testConfig(t))

	unit := types.BackupUnit{
		Name: "myapp",
		Containers: []types.ContainerInfo{
			{ID: "c1", Name: "flaky", Running: true},
		},
	}

	result := o.Run(context.Background(), unit)

	if result.Metadata.Success {
		t.Fatalf("expected failure recorded when stop fails")
	}
	if len(docker.started) != 0 {
		t.Fatalf("expected no restart attempt for a container that failed to stop, got %v", docker.started)
	}
}

func TestRunAbortsOnPreHookFailure(t *testing.T) {
	cfg := testConfig(t)
	hm := hooks.New(config.HooksConfig{PreBackup: "/does/not/exist"}, time.Second)
	docker := &fakeDocker{}
	o := New(docker, &fakeRepoClient{}, &fakePolicy{}, hm, concurrency.New(1), &fakeMeta{}, nil, cfg)

	unit := types.BackupUnit{Name: "myapp", Containers: []types.ContainerInfo{{ID: "c1", Running: true}}}

	result := o.Run(context.Background(), unit)

	if result.Metadata.Success {
		t.Fatalf("expected failure when pre_backup hook fails")
	}
	if len(docker.stopped) != 0 {
		t.Fatalf("expected no containers stopped after pre-hook aborts the run, got %v", docker.stopped)
	}
}

func TestRedactInspectMasksSecretEnvVars(t *testing.T) {
	c := types.ContainerInfo{
		Environment: map[string]string{
			"DB_PASSWORD": "hunter2",
			"API_TOKEN":   "xyz",
			"APP_ENV":     "production",
		},
	}
	redacted := redactInspect(c)
	env := redacted["environment"].(map[string]string)
	if env["DB_PASSWORD"] != redactedValue || env["API_TOKEN"] != redactedValue {
		t.Fatalf("expected secret-looking keys redacted, got %+v", env)
	}
	if env["APP_ENV"] != "production" {
		t.Fatalf("expected non-secret keys preserved, got %+v", env)
	}
}

func TestSanitizeNameReplacesUnsafeChars(t *testing.T) {
	if got := sanitizeName("my/app stack!"); got != "my_app_stack_" {
		t.Fatalf("got %q", got)
	}
}
