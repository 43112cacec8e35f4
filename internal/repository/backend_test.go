package repository

import "testing"

func TestParseBackendURI(t *testing.T) {
	cases := []struct {
		uri     string
		backend string
		args    map[string]string
	}{
		{"filesystem:/srv/repo", "filesystem", map[string]string{"path": "/srv/repo"}},
		{"/srv/repo", "filesystem", map[string]string{"path": "/srv/repo"}},
		{"s3://my-bucket/prefix/path", "s3", map[string]string{"bucket": "my-bucket", "prefix": "prefix/path"}},
		{"s3://my-bucket", "s3", map[string]string{"bucket": "my-bucket"}},
		{"b2://bkt/p", "b2", map[string]string{"bucket": "bkt", "prefix": "p"}},
		{"azure://container/p", "azure", map[string]string{"container": "container", "prefix": "p"}},
		{"gs://bucket/p", "gcs", map[string]string{"bucket": "bucket", "prefix": "p"}},
	}

	for _, tc := range cases {
		backend, args, err := ParseBackendURI(tc.uri)
		if err != nil {
			t.Errorf("ParseBackendURI(%q) unexpected error: %v", tc.uri, err)
			continue
		}
		if backend != tc.backend {
			t.Errorf("ParseBackendURI(%q) backend = %q, want %q", tc.uri, backend, tc.backend)
		}
		for k, v := range tc.args {
			if args[k] != v {
				t.Errorf("ParseBackendURI(%q) args[%q] = %q, want %q", tc.uri, k, args[k], v)
			}
		}
	}
}

func TestParseBackendURISFTP(t *testing.T) {
	backend, args, err := ParseBackendURI("sftp://user@host:2222/remote/path")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if backend != "sftp" {
		t.Fatalf("backend = %q, want sftp", backend)
	}
	if args["user"] != "user" || args["host"] != "host:2222" || args["path"] != "/remote/path" {
		t.Fatalf("unexpected sftp args: %+v", args)
	}
}

func TestParseBackendURIRclone(t *testing.T) {
	backend, args, err := ParseBackendURI("rclone --remote-path=myremote:/path")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if backend != "rclone" {
		t.Fatalf("backend = %q, want rclone", backend)
	}
	if args["remote_path"] != "myremote:/path" {
		t.Fatalf("remote_path = %q", args["remote_path"])
	}
}

func TestParseBackendURIRejectsUnknown(t *testing.T) {
	if _, _, err := ParseBackendURI("ftp://example.com/repo"); err == nil {
		t.Fatalf("expected error for unrecognized backend scheme")
	}
}
