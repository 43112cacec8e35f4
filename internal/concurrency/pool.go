// Package concurrency implements kopi-docka's bounded worker pool for
// per-unit artifact tasks (volume archivers and database dumpers), with
// per-task timeouts enforced via process-group signalling.
package concurrency

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kopi-docka/kopi-docka/internal/klog"
)

// ramThreshold is one row of the RAM-derived worker-count ceiling table,
// reproduced verbatim from original_source/kopi_docka/constants.py's
// RAM_WORKER_THRESHOLDS.
type ramThreshold struct {
	maxGiB  float64 // upper bound, inclusive; math.Inf(1) for the last row
	workers int
}

var ramThresholds = []ramThreshold{
	{2, 1},
	{4, 2},
	{8, 4},
	{16, 8},
	{-1, 12}, // -1 sentinel: no upper bound
}

// WorkersForRAM clamps a desired worker count to the ceiling implied by the
// amount of RAM available, per the fixed table spec.md §4.2 references.
func WorkersForRAM(availableGiB float64) int {
	for _, t := range ramThresholds {
		if t.maxGiB < 0 || availableGiB <= t.maxGiB {
			return t.workers
		}
	}
	return ramThresholds[len(ramThresholds)-1].workers
}

// AutoWorkerCount picks a worker count from the physical core count, clamped
// by the RAM-derived ceiling.
func AutoWorkerCount(availableGiB float64) int {
	cores := runtime.NumCPU()
	ceiling := WorkersForRAM(availableGiB)
	if cores > ceiling {
		return ceiling
	}
	if cores < 1 {
		return 1
	}
	return cores
}

// Task is one artifact job (a volume archive or a database dump) to run
// inside the pool.
type Task struct {
	Name    string
	Timeout time.Duration // 0 = unbounded
	Run     func(ctx context.Context) error
}

// Pool bounds fan-out concurrency for VOLUMES/DATABASES streaming
// (spec.md §4.2: "a shared bounded pool sized by parallel_workers").
type Pool struct {
	sem *semaphore.Weighted
}

// New returns a Pool admitting at most `workers` concurrent tasks.
func New(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(workers))}
}

// TaskResult carries one task's outcome for aggregation into BackupMetadata.
type TaskResult struct {
	Name string
	Err  error
}

// Run executes all tasks with bounded parallelism and returns every result,
// including failures — a failing task never aborts its siblings
// (spec.md §4.2: "does not abort sibling volumes").
func (p *Pool) Run(ctx context.Context, tasks []Task) []TaskResult {
	results := make([]TaskResult, len(tasks))
	g, gctx := errgroup.WithContext(context.Background()) // each task manages its own timeout context

	for i, t := range tasks {
		i, t := i, t
		g.Go(func() error {
			if err := p.sem.Acquire(gctx, 1); err != nil {
				results[i] = TaskResult{Name: t.Name, Err: err}
				return nil
			}
			defer p.sem.Release(1)

			taskCtx := ctx
			var cancel context.CancelFunc
			if t.Timeout > 0 {
				taskCtx, cancel = context.WithTimeout(ctx, t.Timeout)
				defer cancel()
			}

			err := t.Run(taskCtx)
			if taskCtx.Err() == context.DeadlineExceeded {
				err = fmt.Errorf("task %s: timed out after %s", t.Name, t.Timeout)
			}
			results[i] = TaskResult{Name: t.Name, Err: err}
			return nil // never short-circuit siblings
		})
	}
	_ = g.Wait()
	return results
}

// RunStreamWithTimeout runs cmd to completion, enforcing deadline via SIGTERM
// to the process group followed by SIGKILL after a 5-second grace window, per
// spec.md §5's task-timeout contract. Use for volume archivers and DB dumpers,
// whose stdout the caller is simultaneously piping into a snapshot.
func RunStreamWithTimeout(ctx context.Context, cmd *exec.Cmd, deadline time.Duration) error {
	cmd.SysProcAttr = setpgid()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("concurrency: start %s: %w", cmd.Path, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timer *time.Timer
	var timerCh <-chan time.Time
	if deadline > 0 {
		timer = time.NewTimer(deadline)
		timerCh = timer.C
		defer timer.Stop()
	}

	select {
	case err := <-done:
		return err
	case <-timerCh:
		klog.Logger.Warn().Str("cmd", cmd.Path).Dur("deadline", deadline).Msg("concurrency: task deadline exceeded, sending SIGTERM")
		signalProcessGroup(cmd, syscall.SIGTERM)
		select {
		case err := <-done:
			return fmt.Errorf("concurrency: %s: timed out (exited after SIGTERM): %w", cmd.Path, err)
		case <-time.After(5 * time.Second):
			klog.Logger.Warn().Str("cmd", cmd.Path).Msg("concurrency: grace period elapsed, sending SIGKILL")
			signalProcessGroup(cmd, syscall.SIGKILL)
			<-done
			return fmt.Errorf("concurrency: %s: timed out and was killed", cmd.Path)
		}
	case <-ctx.Done():
		signalProcessGroup(cmd, syscall.SIGTERM)
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			signalProcessGroup(cmd, syscall.SIGKILL)
			<-done
			return ctx.Err()
		}
	}
}
