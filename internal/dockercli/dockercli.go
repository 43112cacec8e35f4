// Package dockercli wraps the docker CLI as kopi-docka's only interface to the
// container runtime. The runtime is treated strictly as an opaque subprocess
// collaborator (spec.md §6) — no Docker SDK or daemon socket client is used.
package dockercli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kopi-docka/kopi-docka/internal/klog"
)

// Client runs docker(1) subcommands and parses their JSON output.
type Client struct {
	binary string
}

// New returns a Client, validating that the docker daemon is reachable.
func New(ctx context.Context) (*Client, error) {
	c := &Client{binary: "docker"}
	if err := c.validateAccess(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) validateAccess(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := c.run(ctx, "version"); err != nil {
		return fmt.Errorf("dockercli: daemon not accessible: %w", err)
	}
	return nil
}

// run executes `docker <args...>` and returns captured stdout, logging and
// propagating stderr on non-zero exit.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		klog.Logger.Error().
			Str("args", strings.Join(args, " ")).
			Str("stderr", stderr.String()).
			Msg("dockercli: command failed")
		return "", fmt.Errorf("dockercli: %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String(), nil
}

// PS returns the ids of all running containers.
func (c *Client) PS(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "ps", "-q")
	if err != nil {
		return nil, err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// Inspect returns the parsed `docker inspect` payload for a container or volume id.
func (c *Client) Inspect(ctx context.Context, id string) (map[string]any, error) {
	out, err := c.run(ctx, "inspect", id)
	if err != nil {
		return nil, err
	}
	var arr []map[string]any
	if err := json.Unmarshal([]byte(out), &arr); err != nil {
		return nil, fmt.Errorf("dockercli: parse inspect %s: %w", id, err)
	}
	if len(arr) == 0 {
		return nil, fmt.Errorf("dockercli: inspect %s: empty result", id)
	}
	return arr[0], nil
}

// VolumeList returns the names of all Docker volumes.
func (c *Client) VolumeList(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "volume", "ls", "--format", "{{.Name}}")
	if err != nil {
		return nil, err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// VolumeInspect returns the parsed `docker volume inspect` payload.
func (c *Client) VolumeInspect(ctx context.Context, name string) (map[string]any, error) {
	out, err := c.run(ctx, "volume", "inspect", name)
	if err != nil {
		return nil, err
	}
	var arr []map[string]any
	if err := json.Unmarshal([]byte(out), &arr); err != nil {
		return nil, fmt.Errorf("dockercli: parse volume inspect %s: %w", name, err)
	}
	if len(arr) == 0 {
		return nil, fmt.Errorf("dockercli: volume inspect %s: empty result", name)
	}
	return arr[0], nil
}

// Stop stops a container with the given graceful-stop timeout.
func (c *Client) Stop(ctx context.Context, id string, timeout time.Duration) error {
	_, err := c.run(ctx, "stop", "-t", fmt.Sprintf("%d", int(timeout.Seconds())), id)
	return err
}

// Start starts a previously-stopped container.
func (c *Client) Start(ctx context.Context, id string) error {
	_, err := c.run(ctx, "start", id)
	return err
}

// Restart restarts a container.
func (c *Client) Restart(ctx context.Context, id string, timeout time.Duration) error {
	_, err := c.run(ctx, "restart", "-t", fmt.Sprintf("%d", int(timeout.Seconds())), id)
	return err
}

// Exec runs `docker exec <id> <args...>` and returns captured stdout.
func (c *Client) Exec(ctx context.Context, id string, args ...string) (string, error) {
	full := append([]string{"exec", id}, args...)
	return c.run(ctx, full...)
}

// ExecStdin runs `docker exec [-e K=V ...] <id> <args...>` with stdinPath's
// contents piped to the process's stdin, for steps that feed a host-resident
// file (e.g. a restored database dump) into a command running inside the
// container. env entries travel as -e flags, keeping credentials off args.
func (c *Client) ExecStdin(ctx context.Context, id string, env []string, stdinPath string, args ...string) (string, error) {
	f, err := os.Open(stdinPath)
	if err != nil {
		return "", fmt.Errorf("dockercli: open stdin file %s: %w", stdinPath, err)
	}
	defer f.Close()

	full := []string{"exec", "-i"}
	for _, e := range env {
		full = append(full, "-e", e)
	}
	full = append(full, id)
	full = append(full, args...)

	cmd := exec.CommandContext(ctx, c.binary, full...)
	cmd.Stdin = f
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		klog.Logger.Error().
			Str("args", strings.Join(full, " ")).
			Str("stderr", stderr.String()).
			Msg("dockercli: command failed")
		return "", fmt.Errorf("dockercli: %s: %w: %s", strings.Join(full, " "), err, stderr.String())
	}
	return stdout.String(), nil
}

// CopyTo runs `docker cp <src> <id>:<dst>`.
func (c *Client) CopyTo(ctx context.Context, src, id, dst string) error {
	_, err := c.run(ctx, "cp", src, id+":"+dst)
	return err
}

// ComposeUp runs `docker compose -f <file> up -d` from the compose file's directory.
func (c *Client) ComposeUp(ctx context.Context, composeFile string) error {
	_, err := c.run(ctx, "compose", "-f", composeFile, "up", "-d")
	return err
}

// ComposePS runs `docker compose -f <file> ps --format json`.
func (c *Client) ComposePS(ctx context.Context, composeFile string) (string, error) {
	return c.run(ctx, "compose", "-f", composeFile, "ps", "--format", "json")
}

// ContainerExists reports whether a container with the given name exists
// (running or stopped).
func (c *Client) ContainerExists(ctx context.Context, name string) bool {
	out, err := c.run(ctx, "ps", "-a", "--filter", "name="+name, "--format", "{{.Names}}")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == name {
			return true
		}
	}
	return false
}

// RemoveContainer stops (best-effort) and removes a container by name.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	_, _ = c.run(ctx, "stop", name)
	_, err := c.run(ctx, "rm", name)
	return err
}

// VolumeExists reports whether a named volume currently exists.
func (c *Client) VolumeExists(ctx context.Context, name string) (bool, error) {
	names, err := c.VolumeList(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// VolumeRemove force-removes a named volume.
func (c *Client) VolumeRemove(ctx context.Context, name string) error {
	_, err := c.run(ctx, "volume", "rm", "-f", name)
	return err
}

// VolumeCreate creates a named volume.
func (c *Client) VolumeCreate(ctx context.Context, name string) error {
	_, err := c.run(ctx, "volume", "create", name)
	return err
}

// RunRaw executes `docker <args...>` and returns captured stdout. It exposes
// the package's subprocess plumbing to callers (e.g. replay) that need to
// invoke arbitrary docker subcommands such as a reconstructed `docker run`.
func (c *Client) RunRaw(ctx context.Context, args ...string) (string, error) {
	return c.run(ctx, args...)
}

// StreamCommand builds an *exec.Cmd for a caller-constructed argv whose stdout the
// caller will pipe into a snapshot (volume archivers, DB dump commands). The
// command is never run by this package; callers own its lifecycle so task
// timeouts and process-group signalling (internal/concurrency) apply uniformly.
func StreamCommand(ctx context.Context, name string, args []string, env []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = env
	return cmd
}
