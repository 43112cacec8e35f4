// Package safeexit implements kopi-docka's two-layer signal-safety mechanism:
// a process-layer subprocess/PGID registry and signal translator, and a
// strategy-layer ordered stack of cleanup handlers. Grounded on spec.md §5 and
// the teacher's (internal/backup/manager.go) pattern of a mutex-guarded
// registry with explicit dependency-injected handles rather than package
// globals (spec.md §9's "global mutable state → message passing" note).
package safeexit

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/kopi-docka/kopi-docka/internal/klog"
)

// Handler is a cleanup strategy run on interrupt. Handlers run in
// reverse-registration order; a panic or error in one MUST NOT prevent the
// next from running.
type Handler interface {
	// Name identifies the handler in logs.
	Name() string
	// Cleanup performs best-effort cleanup within its own timeout budget.
	Cleanup(ctx context.Context) error
}

// Manager is the process-layer registry plus the strategy-layer handler stack.
type Manager struct {
	mu       sync.Mutex
	procs    map[int]*os.Process // pid -> process, tracked for signal translation
	handlers []Handler

	stopCh   chan struct{}
	stopOnce sync.Once
	sigCh    chan os.Signal

	handlerTimeout time.Duration
}

// New returns a Manager with the given per-handler cleanup timeout.
func New(handlerTimeout time.Duration) *Manager {
	if handlerTimeout <= 0 {
		handlerTimeout = 10 * time.Second
	}
	return &Manager{
		procs:          map[int]*os.Process{},
		stopCh:         make(chan struct{}),
		handlerTimeout: handlerTimeout,
	}
}

// StopCh returns a channel closed once a signal has been received, letting the
// main loop and scheduler observe the stop flag (spec.md §5 process layer
// item (a)).
func (m *Manager) StopCh() <-chan struct{} { return m.stopCh }

// Track registers a live subprocess so it can be signalled on interrupt.
func (m *Manager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.procs[cmd.Process.Pid] = cmd.Process
}

// Untrack removes a subprocess once it has exited normally.
func (m *Manager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.procs, cmd.Process.Pid)
}

// PushHandler registers a cleanup handler. Handlers run in reverse-registration
// (LIFO) order on interrupt, so the most recently registered handler — typically
// the most specific to the current operation — runs first.
func (m *Manager) PushHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// PopHandler deregisters the most recently pushed handler matching name, used
// when an operation completes its risky window (e.g. DONE deregisters
// DataSafetyHandler per spec.md §4.2).
func (m *Manager) PopHandler(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.handlers) - 1; i >= 0; i-- {
		if m.handlers[i].Name() == name {
			m.handlers = append(m.handlers[:i], m.handlers[i+1:]...)
			return
		}
	}
}

// Listen installs the OS signal handler and blocks until a signal arrives or
// ctx is cancelled, then runs the strategy-layer handler stack and sends
// graceful-then-forced termination to tracked subprocesses.
func (m *Manager) Listen(ctx context.Context) {
	m.sigCh = make(chan os.Signal, 1)
	signalNotify(m.sigCh)

	select {
	case sig := <-m.sigCh:
		klog.Logger.Warn().Str("signal", sig.String()).Msg("safeexit: signal received")
		m.trigger()
	case <-ctx.Done():
	}
}

// Trigger runs the same shutdown sequence Listen would on a real signal. Tests
// call this directly instead of sending process signals.
func (m *Manager) Trigger() { m.trigger() }

func (m *Manager) trigger() {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.signalSubprocesses(syscall.SIGTERM)

	cleanupCtx, cancel := context.WithTimeout(context.Background(), m.handlerTimeout*time.Duration(max(1, len(m.handlers))))
	defer cancel()
	m.runHandlers(cleanupCtx)

	time.Sleep(5 * time.Second)
	m.signalSubprocesses(syscall.SIGKILL)
}

func (m *Manager) signalSubprocesses(sig syscall.Signal) {
	m.mu.Lock()
	procs := make([]*os.Process, 0, len(m.procs))
	for _, p := range m.procs {
		procs = append(procs, p)
	}
	m.mu.Unlock()

	for _, p := range procs {
		_ = p.Signal(sig)
	}
}

func (m *Manager) runHandlers(ctx context.Context) {
	m.mu.Lock()
	handlers := make([]Handler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for i := len(handlers) - 1; i >= 0; i-- {
		h := handlers[i]
		hctx, cancel := context.WithTimeout(ctx, m.handlerTimeout)
		func() {
			defer cancel()
			defer func() {
				if r := recover(); r != nil {
					klog.Logger.Error().Str("handler", h.Name()).Interface("panic", r).Msg("safeexit: handler panicked")
				}
			}()
			if err := h.Cleanup(hctx); err != nil {
				klog.Logger.Error().Str("handler", h.Name()).Err(err).Msg("safeexit: handler failed")
			}
		}()
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ServiceContinuityHandler re-starts the set of containers the orchestrator
// had stopped during a backup run. During restore it deliberately does
// nothing — spec.md §4.3 requires restore to never auto-start anything on
// signal.
type ServiceContinuityHandler struct {
	Mode       Mode
	StoppedIDs func() []string // snapshot of currently-stopped container ids
	Start      func(ctx context.Context, id string) error
}

// Mode distinguishes the operation a handler instance is guarding.
type Mode int

const (
	ModeBackup Mode = iota
	ModeRestore
)

func (h *ServiceContinuityHandler) Name() string { return "ServiceContinuityHandler" }

func (h *ServiceContinuityHandler) Cleanup(ctx context.Context) error {
	if h.Mode == ModeRestore {
		return nil
	}
	for _, id := range h.StoppedIDs() {
		if err := h.Start(ctx, id); err != nil {
			klog.Logger.Error().Str("container", id).Err(err).Msg("safeexit: restart on interrupt failed")
		}
	}
	return nil
}

// DataSafetyHandler aborts the in-flight snapshot cleanly so no half-written
// virtual path is left behind.
type DataSafetyHandler struct {
	Abort func(ctx context.Context) error
}

func (h *DataSafetyHandler) Name() string { return "DataSafetyHandler" }

func (h *DataSafetyHandler) Cleanup(ctx context.Context) error {
	if h.Abort == nil {
		return nil
	}
	return h.Abort(ctx)
}

// CleanupHandler removes ephemeral staging files created inside a temp root.
// Stable unit-staging paths under the cache root are never touched here — they
// are a correctness feature for dedup continuity, not scratch space.
type CleanupHandler struct {
	TempPaths func() []string
}

func (h *CleanupHandler) Name() string { return "CleanupHandler" }

func (h *CleanupHandler) Cleanup(ctx context.Context) error {
	for _, p := range h.TempPaths() {
		_ = os.RemoveAll(p)
	}
	return nil
}
