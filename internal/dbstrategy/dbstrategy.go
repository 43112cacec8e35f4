// Package dbstrategy builds per-DBMS dump/restore commands as pure functions,
// per spec.md §4.4. The strategy table is closed; dispatch on
// types.DatabaseKind rather than virtual methods, per spec.md §9's guidance on
// dynamic dispatch over a tagged variant.
package dbstrategy

import (
	"context"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kopi-docka/kopi-docka/pkg/types"
)

// RestoreStep is one step of a restore invocation: either a command the
// orchestrator can run directly, or a human instruction when the strategy
// cannot safely automate it (Argv empty).
//
// Host distinguishes where Argv runs: true means Argv is a host-level
// "docker <Argv...>" subcommand (dispatched via RunRaw); false means Argv
// runs inside the target container (dispatched via Exec/ExecStdin). Stdin,
// when set, is a host file path whose contents are piped to the step's
// stdin rather than referenced by a flag — dump files live on the host
// staging directory, never inside the container, so any step that needs to
// feed one to an in-container process must read it via stdin. Env carries
// credentials for in-container steps (docker exec -e), keeping them off
// Argv.
type RestoreStep struct {
	Description string
	Argv        []string
	Env         []string
	Stdin       string
	Host        bool
}

// Strategy is the pair of pure functions spec.md §4.4 requires per database
// kind.
type Strategy interface {
	// BuildBackupCommand returns the dump command's argv and the environment
	// entries it needs (credentials travel via env, never argv), or nil argv
	// if this container cannot be backed up (e.g. contract not satisfiable).
	BuildBackupCommand(container types.ContainerInfo, version *Version) (argv []string, env []string)
	// BuildRestoreInvocation returns the ordered steps to restore dumpFile's
	// content into container.
	BuildRestoreInvocation(container types.ContainerInfo, dumpFile string, version *Version, metadata map[string]string) []RestoreStep
	// BuildMetadata returns the opaque per-snapshot metadata blob spec.md §3
	// requires every database snapshot to carry under the "metadata" tag.
	BuildMetadata(container types.ContainerInfo, version *Version) map[string]string
}

// Version is a parsed major/minor server version; nil when detection failed,
// in which case strategies take their most permissive path.
type Version struct {
	Major int
	Minor int
}

func versionString(v *Version) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor)
}

// ForKind returns the Strategy for a database kind, or nil if unsupported.
func ForKind(kind types.DatabaseKind) Strategy {
	switch kind {
	case types.DatabasePostgres:
		return postgresStrategy{}
	case types.DatabaseMySQL:
		return mysqlStrategy{}
	case types.DatabaseMariaDB:
		return mariadbStrategy{}
	case types.DatabaseMongo:
		return mongoStrategy{}
	case types.DatabaseRedis:
		return redisStrategy{}
	default:
		return nil
	}
}

// DetectVersion runs a version probe command with a short timeout and parses
// the first "<major>.<minor>" it finds in stdout. Parse failures yield nil,
// not an error — spec.md §4.4 requires the most permissive path on failure.
func DetectVersion(ctx context.Context, exe string, args ...string) *Version {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, exe, args...).Output()
	if err != nil {
		return nil
	}
	return parseVersion(string(out))
}

var versionRe = regexp.MustCompile(`(\d+)\.(\d+)`)

func parseVersion(s string) *Version {
	m := versionRe.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	major, err1 := strconv.Atoi(m[1])
	minor, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil {
		return nil
	}
	return &Version{Major: major, Minor: minor}
}

// --- PostgreSQL ---

type postgresStrategy struct{}

func (postgresStrategy) BuildBackupCommand(c types.ContainerInfo, v *Version) ([]string, []string) {
	user := c.Environment["POSTGRES_USER"]
	if user == "" {
		user = "postgres"
	}
	argv := []string{"pg_dumpall", "-U", user}
	if v != nil && v.Major >= 12 {
		argv = append(argv, "--no-role-passwords")
	}
	argv = append(argv, "--clean")
	return argv, nil
}

func (postgresStrategy) BuildRestoreInvocation(c types.ContainerInfo, dumpFile string, v *Version, _ map[string]string) []RestoreStep {
	// spec.md §4.4: detect pg_dumpall vs single-DB dump via the header line.
	// dumpFile lives on the host staging directory, never inside the
	// container, so psql reads it over stdin rather than via -f.
	isCluster := dumpFileHasHeader(dumpFile, "-- PostgreSQL database cluster dump")
	if isCluster {
		return []RestoreStep{{
			Description: "restore full cluster dump via psql",
			Argv:        []string{"psql", "-U", "postgres"},
			Stdin:       dumpFile,
		}}
	}
	return []RestoreStep{
		{Description: "create restored_db", Argv: []string{"psql", "-U", "postgres", "-c", "CREATE DATABASE restored_db"}},
		{
			Description: "load single-database dump into restored_db",
			Argv:        []string{"psql", "-U", "postgres", "-d", "restored_db"},
			Stdin:       dumpFile,
		},
	}
}

func (postgresStrategy) BuildMetadata(c types.ContainerInfo, v *Version) map[string]string {
	return map[string]string{
		"database_type":  string(types.DatabasePostgres),
		"version":        versionString(v),
		"container_name": c.Name,
		"backup_method":  "pg_dumpall",
		"format":         "sql",
	}
}

// --- MySQL ---

type mysqlStrategy struct{}

func (mysqlStrategy) BuildBackupCommand(c types.ContainerInfo, v *Version) ([]string, []string) {
	argv := []string{"mysqldump", "--all-databases", "--single-transaction", "--routines", "--events"}
	if v != nil && v.Major >= 8 {
		argv = append(argv, "--column-statistics=0")
	}
	var env []string
	if pwd := c.Environment["MYSQL_ROOT_PASSWORD"]; pwd != "" {
		env = append(env, "MYSQL_PWD="+pwd)
	}
	return argv, env
}

func (mysqlStrategy) BuildRestoreInvocation(c types.ContainerInfo, dumpFile string, v *Version, _ map[string]string) []RestoreStep {
	// dumpFile is piped in as stdin rather than shell-redirected: the step
	// runs via docker exec, not a shell, so "<" would be a literal argv
	// token rather than a redirect.
	steps := []RestoreStep{{
		Description: "restore via unauthenticated root",
		Argv:        []string{"mysql", "-u", "root"},
		Stdin:       dumpFile,
	}}
	if pwd := c.Environment["MYSQL_ROOT_PASSWORD"]; pwd != "" {
		steps = append(steps, RestoreStep{
			Description: "retry with MYSQL_PWD from container environment",
			Argv:        []string{"mysql", "-u", "root"},
			Env:         []string{"MYSQL_PWD=" + pwd},
			Stdin:       dumpFile,
		})
	}
	return steps
}

func (mysqlStrategy) BuildMetadata(c types.ContainerInfo, v *Version) map[string]string {
	return map[string]string{
		"database_type":  string(types.DatabaseMySQL),
		"version":        versionString(v),
		"container_name": c.Name,
		"backup_method":  "mysqldump",
		"format":         "sql",
	}
}

// --- MariaDB ---

type mariadbStrategy struct{}

func (mariadbStrategy) BuildBackupCommand(c types.ContainerInfo, v *Version) ([]string, []string) {
	exe := "mysqldump"
	if v != nil && (v.Major > 10 || (v.Major == 10 && v.Minor >= 3)) {
		exe = "mariadb-dump"
	}
	argv := []string{exe, "--all-databases", "--single-transaction", "--routines", "--events"}
	if v != nil && v.Major >= 10 {
		argv = append(argv, "--skip-log-queries")
	}
	var env []string
	if pwd := c.Environment["MYSQL_ROOT_PASSWORD"]; pwd != "" {
		env = append(env, "MYSQL_PWD="+pwd)
	}
	return argv, env
}

func (mariadbStrategy) BuildRestoreInvocation(c types.ContainerInfo, dumpFile string, v *Version, md map[string]string) []RestoreStep {
	return mysqlStrategy{}.BuildRestoreInvocation(c, dumpFile, v, md)
}

func (mariadbStrategy) BuildMetadata(c types.ContainerInfo, v *Version) map[string]string {
	return map[string]string{
		"database_type":  string(types.DatabaseMariaDB),
		"version":        versionString(v),
		"container_name": c.Name,
		"backup_method":  "mariadb-dump/mysqldump",
		"format":         "sql",
	}
}

// --- MongoDB ---

type mongoStrategy struct{}

func (mongoStrategy) BuildBackupCommand(c types.ContainerInfo, v *Version) ([]string, []string) {
	argv := []string{"mongodump", "--archive"}
	if v != nil && v.Major >= 4 {
		argv = append(argv, "--oplog")
	}
	user, hasUser := c.Environment["MONGO_INITDB_ROOT_USERNAME"]
	pass, hasPass := c.Environment["MONGO_INITDB_ROOT_PASSWORD"]
	if hasUser && hasPass && user != "" && pass != "" {
		// mongodump has no password-via-env mechanism; --password is the
		// only one it honors non-interactively.
		argv = append(argv, "--username", user, "--password", pass, "--authenticationDatabase", "admin")
	}
	return argv, nil
}

func (mongoStrategy) BuildRestoreInvocation(c types.ContainerInfo, dumpFile string, v *Version, _ map[string]string) []RestoreStep {
	// dumpFile lives on the host staging directory; mongorestore reads the
	// archive from stdin when --archive is given no value.
	argv := []string{"mongorestore", "--archive"}
	user, hasUser := c.Environment["MONGO_INITDB_ROOT_USERNAME"]
	pass, hasPass := c.Environment["MONGO_INITDB_ROOT_PASSWORD"]
	if hasUser && hasPass && user != "" && pass != "" {
		argv = append(argv, "--username", user, "--password", pass, "--authenticationDatabase", "admin")
	}
	return []RestoreStep{{Description: "restore archive via mongorestore", Argv: argv, Stdin: dumpFile}}
}

func (mongoStrategy) BuildMetadata(c types.ContainerInfo, v *Version) map[string]string {
	return map[string]string{
		"database_type":  string(types.DatabaseMongo),
		"version":        versionString(v),
		"container_name": c.Name,
		"backup_method":  "mongodump",
		"format":         "archive",
	}
}

// --- Redis ---

type redisStrategy struct{}

func (redisStrategy) BuildBackupCommand(c types.ContainerInfo, v *Version) ([]string, []string) {
	argv := []string{"redis-cli"}
	if pwd := c.Environment["REDIS_PASSWORD"]; pwd != "" {
		argv = append(argv, "-a", pwd, "--no-auth-warning")
	}
	argv = append(argv, "--rdb", "-")
	return argv, nil
}

func (redisStrategy) BuildRestoreInvocation(c types.ContainerInfo, dumpFile string, v *Version, _ map[string]string) []RestoreStep {
	// copy and restart are host-level docker subcommands; chown and the
	// PING check run inside the container.
	return []RestoreStep{
		{Description: "copy dump into container data dir", Host: true, Argv: []string{"cp", dumpFile, c.ID + ":/data/dump.rdb"}},
		{Description: "fix ownership", Argv: []string{"chown", "redis:redis", "/data/dump.rdb"}},
		{Description: "restart to load dump on boot", Host: true, Argv: []string{"restart", c.ID}},
		{Description: "wait for PING/PONG", Argv: []string{"redis-cli", "PING"}},
	}
}

func (redisStrategy) BuildMetadata(c types.ContainerInfo, v *Version) map[string]string {
	return map[string]string{
		"database_type":  string(types.DatabaseRedis),
		"version":        versionString(v),
		"container_name": c.Name,
		"backup_method":  "redis-cli --rdb",
		"format":         "rdb",
	}
}

func dumpFileHasHeader(path, header string) bool {
	data, err := readFirstBytes(path, 4096)
	if err != nil {
		return false
	}
	return strings.Contains(string(data), header)
}

// readFirstBytes is a small seam so tests can stub dump-file header detection
// without creating files on disk.
var readFirstBytes = func(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	read, err := f.Read(buf)
	if err != nil && read == 0 {
		return nil, err
	}
	return buf[:read], nil
}
