// Package service implements kopi-docka's `Type=notify` process mode, per
// spec.md §6: acquire the process-exclusion lock, run one backup pass over
// every discovered unit, notify systemd at lock acquisition and after each
// completed run, and exit. Durable scheduling is delegated to a host timer
// (a systemd .timer unit); this package never ticks its own clock.
//
// Grounded on the teacher's cmd/main.go run loop (ticker-driven background
// scheduler with signal-based graceful shutdown), retargeted from an HTTP
// server lifecycle to a one-shot notify-on-completion lifecycle, since
// spec.md names no HTTP API surface for kopi-docka.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/kopi-docka/kopi-docka/internal/backup"
	"github.com/kopi-docka/kopi-docka/internal/klog"
	"github.com/kopi-docka/kopi-docka/internal/lock"
	"github.com/kopi-docka/kopi-docka/internal/metrics"
	"github.com/kopi-docka/kopi-docka/pkg/types"
)

// Discoverer is the subset of discovery.Discovery the runner depends on.
type Discoverer interface {
	DiscoverBackupUnits(ctx context.Context) ([]types.BackupUnit, error)
}

// Orchestrator is the subset of backup.Orchestrator the runner depends on.
type Orchestrator interface {
	Run(ctx context.Context, unit types.BackupUnit) backup.RunResult
}

// Runner drives one notify-mode pass: acquire the lock, discover units, run
// backups for each sequentially (spec.md §5: unit-level work is sequential),
// notify systemd, release the lock.
type Runner struct {
	lock     *lock.Lock
	discover Discoverer
	orch     Orchestrator
}

// New returns a Runner bound to its collaborators.
func New(l *lock.Lock, discover Discoverer, orch Orchestrator) *Runner {
	return &Runner{lock: l, discover: discover, orch: orch}
}

// RunOnce performs exactly one backup pass, per spec.md §6's one-shot mode.
// It acquires the lock non-blockingly; if another instance already holds it,
// RunOnce returns nil without error (a scheduled run that fails to acquire
// skips quietly, per spec.md §5).
func (r *Runner) RunOnce(ctx context.Context) error {
	if err := r.lock.Acquire(); err != nil {
		if err == lock.ErrHeld {
			klog.Logger.Info().Msg("service: lock held by another instance, skipping this run")
			return nil
		}
		return fmt.Errorf("service: acquire lock: %w", err)
	}
	defer r.lock.Release()

	metrics.ServiceUp.Set(1)
	defer metrics.ServiceUp.Set(0)

	notify(daemon.SdNotifyReady)
	notifyStatus("discovering backup units")

	units, err := r.discover.DiscoverBackupUnits(ctx)
	if err != nil {
		notifyStatus("discovery failed: " + err.Error())
		return fmt.Errorf("service: discover units: %w", err)
	}
	metrics.UnitsTotal.Reset()
	for _, u := range units {
		metrics.UnitsTotal.WithLabelValues(string(u.Kind)).Inc()
	}

	klog.Logger.Info().Int("units", len(units)).Msg("service: starting backup pass")

	var failed int
	for i, unit := range units {
		notifyStatus(fmt.Sprintf("backing up unit %d/%d: %s", i+1, len(units), unit.Name))

		timer := metrics.NewTimer()
		result := r.orch.Run(ctx, unit)
		timer.ObserveDurationVec(metrics.BackupDuration, unit.Name)

		outcome := "success"
		if !result.Metadata.Success {
			outcome = "failure"
			failed++
		}
		metrics.BackupRunsTotal.WithLabelValues(unit.Name, outcome).Inc()
		metrics.LastRunTimestamp.WithLabelValues(unit.Name, "backup").Set(float64(time.Now().Unix()))

		select {
		case <-ctx.Done():
			notify(daemon.SdNotifyStopping)
			return ctx.Err()
		default:
		}
	}

	status := fmt.Sprintf("completed pass: %d/%d units succeeded", len(units)-failed, len(units))
	notifyStatus(status)
	notify(daemon.SdNotifyReady)
	klog.Logger.Info().Str("status", status).Msg("service: backup pass complete")

	if failed > 0 {
		return fmt.Errorf("service: %d of %d units failed", failed, len(units))
	}
	return nil
}

// Stopping notifies systemd that the process is shutting down, per spec.md
// §6's STOPPING signal on SIGTERM. Callers invoke this from their own signal
// handling path before exiting.
func Stopping() {
	notify(daemon.SdNotifyStopping)
}

func notify(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		klog.Logger.Debug().Err(err).Msg("service: sd_notify failed (not running under systemd?)")
	}
}

func notifyStatus(msg string) {
	notify(daemon.SdNotifyStatus + msg)
}
