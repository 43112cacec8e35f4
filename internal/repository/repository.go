// Package repository is a thin, profile-isolated command façade over an
// external content-addressed, deduplicating, encrypted snapshot engine
// (a Kopia-like CLI tool, treated as an opaque collaborator per spec.md §6).
// Grounded on original_source/kopi_docka/repository.py's KopiaRepository
// method surface.
package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/kopi-docka/kopi-docka/pkg/config"
	"github.com/kopi-docka/kopi-docka/pkg/types"
)

// Options configures a Repository façade instance.
type Options struct {
	Binary     string // engine CLI binary, default "kopia"
	Profile    string
	ConfigFile string // profile-scoped engine config path
	Password   string
	CacheDir   string
	Backend    string // raw backend URI, per spec.md §4.5 grammar
}

// Repository is a stateless command-building façade; every call constructs a
// fresh invocation from Options rather than holding engine-side session state.
type Repository struct {
	opts Options
}

// New returns a Repository façade for the given options.
func New(opts Options) *Repository {
	if opts.Binary == "" {
		opts.Binary = "kopia"
	}
	return &Repository{opts: opts}
}

// FromConfig builds Options from a resolved kopi-docka Config.
func FromConfig(cfg *config.Config, password string) Options {
	return Options{
		Profile:    cfg.Profile,
		ConfigFile: cfg.RepositoryConfigFile(),
		Password:   password,
		CacheDir:   cfg.CacheDir,
		Backend:    cfg.Backend,
	}
}

func (r *Repository) baseArgs() []string {
	return []string{"--config-file", r.opts.ConfigFile}
}

func (r *Repository) env() []string {
	return []string{"KOPIA_PASSWORD=" + r.opts.Password, "KOPIA_CACHE_DIRECTORY=" + r.opts.CacheDir}
}

func (r *Repository) run(ctx context.Context, args ...string) (string, error) {
	full := append(r.baseArgs(), args...)
	cmd := exec.CommandContext(ctx, r.opts.Binary, full...)
	cmd.Env = append(os.Environ(), r.env()...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("repository: %s %s: %w: %s", r.opts.Binary, strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String(), nil
}

// IsInitialized queries engine status; true iff the engine reports connected
// and the description contains the profile marker, or the config file exists.
func (r *Repository) IsInitialized(ctx context.Context) bool {
	out, err := r.run(ctx, "repository", "status", "--json")
	if err != nil {
		return false
	}
	var status struct {
		Connected   bool   `json:"connected"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		return false
	}
	return status.Connected && strings.Contains(status.Description, r.opts.Profile)
}

// Initialize connects to an existing repository, or creates one if none
// exists, then applies the default global policy.
func (r *Repository) Initialize(ctx context.Context, retention config.RetentionPolicy) error {
	if err := r.Connect(ctx); err == nil {
		return nil
	}

	backend, args, err := ParseBackendURI(r.opts.Backend)
	if err != nil {
		return fmt.Errorf("repository: initialize: %w", err)
	}
	createArgs := append([]string{"repository", "create"}, backendArgv(backend, args)...)
	if _, err := r.run(ctx, createArgs...); err != nil {
		return fmt.Errorf("repository: create: %w", err)
	}

	return r.setDefaultPolicy(ctx, retention)
}

func (r *Repository) setDefaultPolicy(ctx context.Context, retention config.RetentionPolicy) error {
	args := []string{
		"policy", "set", "--global",
		"--compression", "zstd",
		"--keep-latest", "1",
		"--keep-daily", strconv.Itoa(retention.Daily),
		"--keep-weekly", strconv.Itoa(retention.Weekly),
		"--keep-monthly", strconv.Itoa(retention.Monthly),
		"--keep-annual", strconv.Itoa(retention.Yearly),
	}
	_, err := r.run(ctx, args...)
	return err
}

// StatusJSON returns the engine's raw `repository status --json` output, used
// by the disaster-recovery bundler to embed current repository state
// (spec.md §4.9).
func (r *Repository) StatusJSON(ctx context.Context) (string, error) {
	return r.run(ctx, "repository", "status", "--json")
}

// Connect connects to an already-created repository.
func (r *Repository) Connect(ctx context.Context) error {
	backend, args, err := ParseBackendURI(r.opts.Backend)
	if err != nil {
		return err
	}
	connectArgs := append([]string{"repository", "connect"}, backendArgv(backend, args)...)
	_, err = r.run(ctx, connectArgs...)
	return err
}

// Disconnect disconnects the profile's repository session.
func (r *Repository) Disconnect(ctx context.Context) error {
	_, err := r.run(ctx, "repository", "disconnect")
	return err
}

// CreateSnapshot snapshots a directory, tagging it with the profile plus the
// caller-supplied tags, and returns the snapshot id.
func (r *Repository) CreateSnapshot(ctx context.Context, path string, tags map[string]string) (string, error) {
	args := []string{"snapshot", "create", path, "--json"}
	args = append(args, tagArgs(r.withProfile(tags))...)
	out, err := r.run(ctx, args...)
	if err != nil {
		return "", err
	}
	return parseSnapshotID(out)
}

// CreateSnapshotFromStdin streams reader's content into a snapshot at
// virtualPath — the stable in-repository logical path that the engine must
// treat as a stable source identity so deduplication chains this snapshot to
// prior ones at the same path (spec.md §4.5).
func (r *Repository) CreateSnapshotFromStdin(ctx context.Context, reader io.Reader, virtualPath string, tags map[string]string) (string, error) {
	args := []string{"snapshot", "create", "--stdin-file", virtualPath, "--json"}
	args = append(args, tagArgs(r.withProfile(tags))...)

	full := append(r.baseArgs(), args...)
	cmd := exec.CommandContext(ctx, r.opts.Binary, full...)
	cmd.Env = append(os.Environ(), r.env()...)
	cmd.Stdin = reader

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("repository: stream snapshot %s: %w: %s", virtualPath, err, stderr.String())
	}
	return parseSnapshotID(stdout.String())
}

// ListSnapshots lists snapshots matching filter, always additionally scoped to
// this façade's profile (spec.md §8 invariant 3: profile isolation).
func (r *Repository) ListSnapshots(ctx context.Context, filter map[string]string) ([]types.Snapshot, error) {
	args := []string{"snapshot", "list", "--json"}
	args = append(args, tagArgs(r.withProfile(filter))...)
	out, err := r.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		ID   string            `json:"id"`
		Path string            `json:"path"`
		Tags map[string]string `json:"tags"`
	}
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("repository: parse snapshot list: %w", err)
	}

	var snaps []types.Snapshot
	for _, s := range raw {
		if s.Tags["profile"] != r.opts.Profile {
			continue // belt-and-braces profile isolation even if the engine ever ignores the filter
		}
		snaps = append(snaps, types.Snapshot{ID: s.ID, Path: s.Path, Tags: s.Tags})
	}
	return snaps, nil
}

// RestoreSnapshot restores a snapshot's content to targetPath.
func (r *Repository) RestoreSnapshot(ctx context.Context, id, targetPath string) error {
	_, err := r.run(ctx, "snapshot", "restore", id, targetPath)
	return err
}

// VerifySnapshot runs the engine's partial verify for a snapshot.
func (r *Repository) VerifySnapshot(ctx context.Context, id string) error {
	_, err := r.run(ctx, "snapshot", "verify", id)
	return err
}

// MaintenanceRun runs repository maintenance, full or quick.
func (r *Repository) MaintenanceRun(ctx context.Context, full bool) error {
	args := []string{"maintenance", "run"}
	if full {
		args = append(args, "--full")
	}
	_, err := r.run(ctx, args...)
	return err
}

// SetPolicy applies a per-path retention policy (spec.md §4.7).
func (r *Repository) SetPolicy(ctx context.Context, path string, retention config.RetentionPolicy) error {
	_, err := r.run(ctx, "policy", "set", path,
		"--keep-daily", strconv.Itoa(retention.Daily),
		"--keep-weekly", strconv.Itoa(retention.Weekly),
		"--keep-monthly", strconv.Itoa(retention.Monthly),
		"--keep-annual", strconv.Itoa(retention.Yearly),
	)
	return err
}

// ChangePassword rotates the repository password.
func (r *Repository) ChangePassword(ctx context.Context, newPassword string) error {
	full := append(r.baseArgs(), "repository", "change-password", "--new-password", newPassword)
	cmd := exec.CommandContext(ctx, r.opts.Binary, full...)
	cmd.Env = append(os.Environ(), r.env()...)
	return cmd.Run()
}

// VerifyPassword reports whether pwd opens this repository.
func (r *Repository) VerifyPassword(ctx context.Context, pwd string) bool {
	full := append(r.baseArgs(), "repository", "status")
	cmd := exec.CommandContext(ctx, r.opts.Binary, full...)
	cmd.Env = append(os.Environ(), "KOPIA_PASSWORD="+pwd, "KOPIA_CACHE_DIRECTORY="+r.opts.CacheDir)
	return cmd.Run() == nil
}

func (r *Repository) withProfile(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		out[k] = v
	}
	out["profile"] = r.opts.Profile
	return out
}

func tagArgs(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys) // deterministic argv for testability
	var args []string
	for _, k := range keys {
		args = append(args, "--tags", k+":"+tags[k])
	}
	return args
}

func parseSnapshotID(jsonOutput string) (string, error) {
	lines := strings.Split(strings.TrimSpace(jsonOutput), "\n")
	line := lines[len(lines)-1]
	var result struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(line), &result); err != nil {
		return "", fmt.Errorf("repository: parse snapshot id: %w", err)
	}
	if result.ID == "" {
		return "", fmt.Errorf("repository: engine returned empty snapshot id")
	}
	return result.ID, nil
}

// backendArgv renders a parsed backend name/args pair into engine argv,
// handling rclone's pass-through-string backend specially.
func backendArgv(backend string, args map[string]string) []string {
	if backend == "rclone" {
		return []string{"rclone", "--remote-path=" + args["remote_path"]}
	}
	argv := []string{backend}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		argv = append(argv, "--"+k+"="+args[k])
	}
	return argv
}
