package repository

import (
	"strings"
	"testing"
)

func TestTagArgsSortsKeysDeterministically(t *testing.T) {
	args := tagArgs(map[string]string{"unit": "myapp", "backup_id": "b1", "type": "volume"})
	want := []string{"--tags", "backup_id:b1", "--tags", "type:volume", "--tags", "unit:myapp"}
	if len(args) != len(want) {
		t.Fatalf("expected %d args, got %d: %v", len(want), len(args), args)
	}
	for i, w := range want {
		if args[i] != w {
			t.Errorf("args[%d] = %q, want %q", i, args[i], w)
		}
	}
}

func TestParseSnapshotIDReadsLastJSONLine(t *testing.T) {
	out := "some warning on stdout\n" + `{"id":"abc123","path":"/data"}`
	id, err := parseSnapshotID(out)
	if err != nil {
		t.Fatalf("parseSnapshotID: %v", err)
	}
	if id != "abc123" {
		t.Fatalf("got %q", id)
	}
}

func TestParseSnapshotIDErrorsOnEmptyID(t *testing.T) {
	if _, err := parseSnapshotID(`{"path":"/data"}`); err == nil {
		t.Fatalf("expected an error for a missing id field")
	}
}

func TestBackendArgvHandlesRcloneSpecially(t *testing.T) {
	argv := backendArgv("rclone", map[string]string{"remote_path": "myremote:bucket/prefix"})
	joined := strings.Join(argv, " ")
	if !strings.Contains(joined, "rclone") || !strings.Contains(joined, "--remote-path=myremote:bucket/prefix") {
		t.Fatalf("unexpected rclone argv: %v", argv)
	}
}

func TestBackendArgvSortsFlags(t *testing.T) {
	argv := backendArgv("s3", map[string]string{"bucket": "b", "access_key": "k", "region": "us-east-1"})
	want := []string{"s3", "--access_key=k", "--bucket=b", "--region=us-east-1"}
	if len(argv) != len(want) {
		t.Fatalf("expected %d entries, got %v", len(want), argv)
	}
	for i, w := range want {
		if argv[i] != w {
			t.Errorf("argv[%d] = %q, want %q", i, argv[i], w)
		}
	}
}

func TestWithProfileAddsProfileTagWithoutMutatingInput(t *testing.T) {
	r := New(Options{Profile: "prod"})
	in := map[string]string{"unit": "myapp"}
	out := r.withProfile(in)

	if out["profile"] != "prod" || out["unit"] != "myapp" {
		t.Fatalf("unexpected tags: %+v", out)
	}
	if _, ok := in["profile"]; ok {
		t.Fatalf("expected input map left untouched")
	}
}
