package policy

import (
	"context"
	"fmt"
	"testing"

	"github.com/kopi-docka/kopi-docka/pkg/config"
	"github.com/kopi-docka/kopi-docka/pkg/types"
)

type fakeRepo struct {
	calls []string
	fail  map[string]bool
}

func (f *fakeRepo) SetPolicy(ctx context.Context, path string, retention config.RetentionPolicy) error {
	f.calls = append(f.calls, path)
	if f.fail[path] {
		return fmt.Errorf("simulated failure for %s", path)
	}
	return nil
}

func TestApplyToUnitSetsAllThreePaths(t *testing.T) {
	repo := &fakeRepo{}
	m := New(repo, config.RetentionPolicy{Daily: 7})
	unit := types.BackupUnit{Name: "myapp"}

	m.ApplyToUnit(context.Background(), unit)

	want := []string{"recipes/myapp", "volumes/myapp", "databases/myapp"}
	if len(repo.calls) != len(want) {
		t.Fatalf("expected %d calls, got %d: %v", len(want), len(repo.calls), repo.calls)
	}
	for i, w := range want {
		if repo.calls[i] != w {
			t.Errorf("call[%d] = %q, want %q", i, repo.calls[i], w)
		}
	}
}

func TestApplyToUnitContinuesAfterFailure(t *testing.T) {
	repo := &fakeRepo{fail: map[string]bool{"volumes/myapp": true}}
	m := New(repo, config.RetentionPolicy{})
	unit := types.BackupUnit{Name: "myapp"}

	m.ApplyToUnit(context.Background(), unit)

	if len(repo.calls) != 3 {
		t.Fatalf("expected all 3 paths attempted despite one failing, got %v", repo.calls)
	}
}
