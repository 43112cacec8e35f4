package service

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/kopi-docka/kopi-docka/internal/backup"
	"github.com/kopi-docka/kopi-docka/internal/lock"
	"github.com/kopi-docka/kopi-docka/pkg/types"
)

type fakeDiscoverer struct {
	units []types.BackupUnit
	err   error
}

func (f *fakeDiscoverer) DiscoverBackupUnits(ctx context.Context) ([]types.BackupUnit, error) {
	return f.units, f.err
}

type fakeOrchestrator struct {
	results map[string]backup.RunResult
	calls   []string
}

func (f *fakeOrchestrator) Run(ctx context.Context, unit types.BackupUnit) backup.RunResult {
	f.calls = append(f.calls, unit.Name)
	if r, ok := f.results[unit.Name]; ok {
		return r
	}
	return backup.RunResult{Metadata: types.BackupMetadata{Unit: unit.Name, Success: true}}
}

func newTestLock(t *testing.T) *lock.Lock {
	return lock.New(filepath.Join(t.TempDir(), "test.lock"))
}

func TestRunOnceRunsEveryDiscoveredUnit(t *testing.T) {
	disc := &fakeDiscoverer{units: []types.BackupUnit{{Name: "a"}, {Name: "b"}}}
	orch := &fakeOrchestrator{}
	r := New(newTestLock(t), disc, orch)

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(orch.calls) != 2 || orch.calls[0] != "a" || orch.calls[1] != "b" {
		t.Fatalf("expected both units run in order, got %v", orch.calls)
	}
}

func TestRunOnceReturnsErrorWhenAUnitFails(t *testing.T) {
	disc := &fakeDiscoverer{units: []types.BackupUnit{{Name: "a"}}}
	orch := &fakeOrchestrator{results: map[string]backup.RunResult{
		"a": {Metadata: types.BackupMetadata{Unit: "a", Success: false}},
	}}
	r := New(newTestLock(t), disc, orch)

	if err := r.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected an error when a unit fails")
	}
}

func TestRunOnceSkipsQuietlyWhenLockHeld(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "held.lock")
	holder := lock.New(lockPath)
	if err := holder.Acquire(); err != nil {
		t.Fatalf("acquire holder lock: %v", err)
	}
	defer holder.Release()

	disc := &fakeDiscoverer{units: []types.BackupUnit{{Name: "a"}}}
	orch := &fakeOrchestrator{}
	r := New(lock.New(lockPath), disc, orch)

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("expected nil error when lock is held by another instance, got %v", err)
	}
	if len(orch.calls) != 0 {
		t.Fatalf("expected no units run while lock is held, got %v", orch.calls)
	}
}

func TestRunOnceSurfacesDiscoveryError(t *testing.T) {
	disc := &fakeDiscoverer{err: fmt.Errorf("boom")}
	orch := &fakeOrchestrator{}
	r := New(newTestLock(t), disc, orch)

	if err := r.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected discovery error to surface")
	}
}
