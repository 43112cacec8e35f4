// Package replay reconstructs a docker-run-equivalent invocation from a
// container's inspect payload, per spec.md §4.8. Grounded on
// original_source/kopi_docka/restore.py's RestoreHelper.build_docker_run_command,
// generalized to the fuller flag set spec.md §4.8 requires.
package replay

import (
	"fmt"
	"sort"
	"strings"
)

// runtimeEnvPrefixes are environment entries Docker injects itself; they must
// not be replayed into the reconstructed container.
var runtimeEnvPrefixes = []string{"PATH=", "HOME=", "HOSTNAME=", "TERM=", "container="}

// engineInternalLabelPrefixes marks labels owned by the compose/build tooling
// rather than the operator, excluded from replay per spec.md §4.8.
var engineInternalLabelPrefixes = []string{"com.docker.compose.", "com.docker."}

// Build reconstructs a `docker run`-equivalent argv from a parsed `docker
// inspect` payload. The return value is the argv a caller passes to
// exec.Command("docker", argv...) — not a shell string — so no quoting is
// needed internally; QuoteArg is exposed separately for presenting the
// invocation as a printable instruction.
func Build(inspect map[string]any) []string {
	argv := []string{"run", "-d"}

	cfg, _ := inspect["Config"].(map[string]any)
	hostCfg, _ := inspect["HostConfig"].(map[string]any)

	if name, _ := inspect["Name"].(string); name != "" {
		argv = append(argv, "--name", strings.TrimPrefix(name, "/"))
	}

	if hostname, _ := cfg["Hostname"].(string); hostname != "" {
		argv = append(argv, "--hostname", hostname)
	}

	for _, env := range stringSlice(cfg["Env"]) {
		if isRuntimeEnv(env) {
			continue
		}
		argv = append(argv, "-e", env)
	}

	if bindings, ok := hostCfg["PortBindings"].(map[string]any); ok {
		argv = append(argv, portArgs(bindings)...)
	}

	for _, m := range mountList(inspect["Mounts"]) {
		argv = append(argv, "-v", m)
	}

	if mode, _ := hostCfg["NetworkMode"].(string); mode != "" && mode != "default" {
		argv = append(argv, "--network", mode)
	}

	if restart, ok := hostCfg["RestartPolicy"].(map[string]any); ok {
		if arg := restartArg(restart); arg != "" {
			argv = append(argv, "--restart", arg)
		}
	}

	if user, _ := cfg["User"].(string); user != "" {
		argv = append(argv, "--user", user)
	}
	if wd, _ := cfg["WorkingDir"].(string); wd != "" && wd != "/" {
		argv = append(argv, "--workdir", wd)
	}
	if privileged, _ := hostCfg["Privileged"].(bool); privileged {
		argv = append(argv, "--privileged")
	}
	for _, cap := range stringSlice(hostCfg["CapAdd"]) {
		argv = append(argv, "--cap-add", cap)
	}
	for _, cap := range stringSlice(hostCfg["CapDrop"]) {
		argv = append(argv, "--cap-drop", cap)
	}
	if mem, ok := numberValue(hostCfg["Memory"]); ok && mem > 0 {
		argv = append(argv, "--memory", fmt.Sprintf("%d", int64(mem)))
	}
	if shares, ok := numberValue(hostCfg["CpuShares"]); ok && shares > 0 && shares != 1024 {
		argv = append(argv, "--cpu-shares", fmt.Sprintf("%d", int64(shares)))
	}

	for _, l := range labelArgs(cfg["Labels"]) {
		argv = append(argv, "-l", l)
	}

	if entrypoint := stringSlice(cfg["Entrypoint"]); len(entrypoint) > 0 {
		argv = append(argv, "--entrypoint", strings.Join(entrypoint, " "))
	}

	image, _ := cfg["Image"].(string)
	if image != "" {
		argv = append(argv, image)
	}
	argv = append(argv, stringSlice(cfg["Cmd"])...)

	return argv
}

// QuoteArg renders a single argv entry for display as a printable shell
// instruction, quoting when it contains whitespace or shell-active
// characters, per spec.md §4.8.
func QuoteArg(arg string) string {
	if arg == "" {
		return `""`
	}
	if !strings.ContainsAny(arg, " \t\n\"'$`\\|&;<>()[]{}*?!~") {
		return arg
	}
	escaped := strings.ReplaceAll(arg, `"`, `\"`)
	return `"` + escaped + `"`
}

// CommandLine renders argv (as returned by Build, prefixed with "docker") as
// a single printable command line for the operator-facing instructions mode.
func CommandLine(argv []string) string {
	parts := make([]string, 0, len(argv)+1)
	parts = append(parts, "docker")
	for _, a := range argv {
		parts = append(parts, QuoteArg(a))
	}
	return strings.Join(parts, " ")
}

func isRuntimeEnv(env string) bool {
	for _, p := range runtimeEnvPrefixes {
		if strings.HasPrefix(env, p) {
			return true
		}
	}
	return false
}

func isEngineInternalLabel(key string) bool {
	for _, p := range engineInternalLabelPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

func stringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func numberValue(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func portArgs(bindings map[string]any) []string {
	containerPorts := make([]string, 0, len(bindings))
	for port := range bindings {
		containerPorts = append(containerPorts, port)
	}
	sort.Strings(containerPorts)

	var args []string
	for _, containerPort := range containerPorts {
		entries, _ := bindings[containerPort].([]any)
		for _, e := range entries {
			binding, _ := e.(map[string]any)
			hostPort, _ := binding["HostPort"].(string)
			if hostPort == "" {
				continue
			}
			hostIP, _ := binding["HostIp"].(string)
			portNum := strings.SplitN(containerPort, "/", 2)[0]
			if hostIP != "" && hostIP != "0.0.0.0" {
				args = append(args, "-p", fmt.Sprintf("%s:%s:%s", hostIP, hostPort, portNum))
			} else {
				args = append(args, "-p", fmt.Sprintf("%s:%s", hostPort, portNum))
			}
		}
	}
	return args
}

func mountList(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	var mounts []string
	for _, e := range arr {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		kind, _ := m["Type"].(string)
		dst, _ := m["Destination"].(string)
		ro, _ := m["RW"].(bool)
		roSuffix := ""
		if !ro {
			roSuffix = ":ro"
		}
		switch kind {
		case "volume":
			name, _ := m["Name"].(string)
			mounts = append(mounts, fmt.Sprintf("%s:%s%s", name, dst, roSuffix))
		case "bind":
			src, _ := m["Source"].(string)
			mounts = append(mounts, fmt.Sprintf("%s:%s%s", src, dst, roSuffix))
		}
	}
	return mounts
}

func restartArg(restart map[string]any) string {
	name, _ := restart["Name"].(string)
	switch name {
	case "", "no":
		return ""
	case "on-failure":
		retries, _ := numberValue(restart["MaximumRetryCount"])
		return fmt.Sprintf("on-failure:%d", int64(retries))
	default:
		return name
	}
}

func labelArgs(v any) []string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		if !isEngineInternalLabel(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var labels []string
	for _, k := range keys {
		val, _ := m[k].(string)
		labels = append(labels, k+"="+val)
	}
	return labels
}
