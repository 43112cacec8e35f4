package replay

import (
	"strings"
	"testing"
)

func TestBuildBasicContainer(t *testing.T) {
	inspect := map[string]any{
		"Name": "/webapp",
		"Config": map[string]any{
			"Hostname": "webapp",
			"Env":      []any{"PATH=/usr/bin", "APP_ENV=production"},
			"Image":    "nginx:1.25",
			"Cmd":      []any{"nginx", "-g", "daemon off;"},
			"Labels": map[string]any{
				"com.docker.compose.project": "stack",
				"maintainer":                 "ops",
			},
		},
		"HostConfig": map[string]any{
			"NetworkMode": "bridge",
			"RestartPolicy": map[string]any{
				"Name": "unless-stopped",
			},
		},
		"Mounts": []any{
			map[string]any{"Type": "volume", "Name": "webapp_data", "Destination": "/data", "RW": true},
		},
	}

	argv := Build(inspect)

	if !contains(argv, "--name") || !contains(argv, "webapp") {
		t.Fatalf("expected --name webapp in argv, got %v", argv)
	}
	if contains(argv, "PATH=/usr/bin") {
		t.Fatalf("runtime env PATH= must be excluded, got %v", argv)
	}
	if !contains(argv, "APP_ENV=production") {
		t.Fatalf("expected operator env var preserved, got %v", argv)
	}
	if !contains(argv, "webapp_data:/data") {
		t.Fatalf("expected volume mount arg, got %v", argv)
	}
	if !contains(argv, "unless-stopped") {
		t.Fatalf("expected restart policy arg, got %v", argv)
	}
	if contains(argv, "com.docker.compose.project=stack") {
		t.Fatalf("engine-internal label must be excluded, got %v", argv)
	}
	if !contains(argv, "maintainer=ops") {
		t.Fatalf("expected operator label preserved, got %v", argv)
	}
	if argv[len(argv)-4] != "nginx:1.25" {
		t.Fatalf("expected image immediately before cmd, got %v", argv)
	}
}

func TestBuildOmitsDefaultNetworkAndRootWorkdir(t *testing.T) {
	inspect := map[string]any{
		"Config": map[string]any{
			"WorkingDir": "/",
			"Image":      "alpine",
		},
		"HostConfig": map[string]any{
			"NetworkMode": "default",
			"CpuShares":   float64(1024),
		},
	}

	argv := Build(inspect)

	if contains(argv, "--network") {
		t.Fatalf("default network mode should be omitted, got %v", argv)
	}
	if contains(argv, "--workdir") {
		t.Fatalf("root workdir should be omitted, got %v", argv)
	}
	if contains(argv, "--cpu-shares") {
		t.Fatalf("default cpu-shares 1024 should be omitted, got %v", argv)
	}
}

func TestBuildOnFailureRestart(t *testing.T) {
	inspect := map[string]any{
		"Config": map[string]any{"Image": "redis"},
		"HostConfig": map[string]any{
			"RestartPolicy": map[string]any{"Name": "on-failure", "MaximumRetryCount": float64(3)},
		},
	}
	argv := Build(inspect)
	if !contains(argv, "on-failure:3") {
		t.Fatalf("expected on-failure:3 restart arg, got %v", argv)
	}
}

func TestQuoteArg(t *testing.T) {
	cases := map[string]string{
		"nginx":       "nginx",
		"":            `""`,
		"hello world": `"hello world"`,
		`say "hi"`:    `"say \"hi\""`,
	}
	for in, want := range cases {
		if got := QuoteArg(in); got != want {
			t.Errorf("QuoteArg(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCommandLine(t *testing.T) {
	argv := []string{"run", "-d", "--name", "my app", "nginx"}
	line := CommandLine(argv)
	if !strings.HasPrefix(line, "docker run -d --name ") {
		t.Fatalf("unexpected command line: %q", line)
	}
	if !strings.Contains(line, `"my app"`) {
		t.Fatalf("expected quoted arg with space, got %q", line)
	}
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
