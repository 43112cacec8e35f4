package repository

import (
	"fmt"
	"net/url"
	"strings"
)

// ParseBackendURI parses a backend URI per spec.md §4.5's grammar into an
// engine backend name and its flag-value arguments.
func ParseBackendURI(uri string) (backend string, args map[string]string, err error) {
	args = map[string]string{}

	switch {
	case strings.HasPrefix(uri, "filesystem:"):
		return "filesystem", map[string]string{"path": strings.TrimPrefix(uri, "filesystem:")}, nil

	case strings.HasPrefix(uri, "/"):
		// Bare absolute path is shorthand for filesystem:<path>.
		return "filesystem", map[string]string{"path": uri}, nil

	case strings.HasPrefix(uri, "s3://"):
		bucket, prefix := splitBucketPrefix(strings.TrimPrefix(uri, "s3://"))
		args["bucket"] = bucket
		if prefix != "" {
			args["prefix"] = prefix
		}
		return "s3", args, nil

	case strings.HasPrefix(uri, "b2://"):
		bucket, prefix := splitBucketPrefix(strings.TrimPrefix(uri, "b2://"))
		args["bucket"] = bucket
		if prefix != "" {
			args["prefix"] = prefix
		}
		return "b2", args, nil

	case strings.HasPrefix(uri, "azure://"):
		container, prefix := splitBucketPrefix(strings.TrimPrefix(uri, "azure://"))
		args["container"] = container
		if prefix != "" {
			args["prefix"] = prefix
		}
		return "azure", args, nil

	case strings.HasPrefix(uri, "gs://"):
		bucket, prefix := splitBucketPrefix(strings.TrimPrefix(uri, "gs://"))
		args["bucket"] = bucket
		if prefix != "" {
			args["prefix"] = prefix
		}
		return "gcs", args, nil

	case strings.HasPrefix(uri, "sftp://"):
		u, perr := url.Parse(uri)
		if perr != nil {
			return "", nil, fmt.Errorf("repository: parse sftp uri: %w", perr)
		}
		args["path"] = u.Path
		if u.User != nil {
			args["user"] = u.User.Username()
		}
		host := u.Hostname()
		if port := u.Port(); port != "" {
			host += ":" + port
		}
		args["host"] = host
		return "sftp", args, nil

	case strings.HasPrefix(uri, "rclone "):
		// Pass-through: "rclone --remote-path=<remote>:<path>"
		rest := strings.TrimPrefix(uri, "rclone ")
		rest = strings.TrimPrefix(rest, "--remote-path=")
		args["remote_path"] = rest
		return "rclone", args, nil

	default:
		return "", nil, fmt.Errorf("repository: unrecognized backend URI %q", uri)
	}
}

// splitBucketPrefix splits "<bucket>[/<prefix>]" into its two components.
func splitBucketPrefix(rest string) (bucket, prefix string) {
	idx := strings.Index(rest, "/")
	if idx < 0 {
		return rest, ""
	}
	return rest[:idx], rest[idx+1:]
}
