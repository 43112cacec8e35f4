package dbstrategy

import (
	"testing"

	"github.com/kopi-docka/kopi-docka/pkg/types"
)

func TestForKindUnsupportedReturnsNil(t *testing.T) {
	if s := ForKind(types.DatabaseNone); s != nil {
		t.Fatalf("expected nil strategy for DatabaseNone, got %T", s)
	}
}

func TestPostgresBackupCommandVersionGating(t *testing.T) {
	s := ForKind(types.DatabasePostgres)
	c := types.ContainerInfo{Environment: map[string]string{"POSTGRES_USER": "app"}}

	argv, _ := s.BuildBackupCommand(c, &Version{Major: 13})
	if !containsArg(argv, "--no-role-passwords") {
		t.Fatalf("expected --no-role-passwords for pg 13, got %v", argv)
	}

	argv, _ = s.BuildBackupCommand(c, &Version{Major: 9, Minor: 6})
	if containsArg(argv, "--no-role-passwords") {
		t.Fatalf("did not expect --no-role-passwords for pg 9.6, got %v", argv)
	}

	argv, _ = s.BuildBackupCommand(c, nil)
	if !containsArg(argv, "-U") || !containsArg(argv, "app") {
		t.Fatalf("expected custom user in argv when version unknown, got %v", argv)
	}
}

func TestPostgresRestoreInvocationDetectsClusterDump(t *testing.T) {
	orig := readFirstBytes
	defer func() { readFirstBytes = orig }()

	readFirstBytes = func(path string, n int) ([]byte, error) {
		return []byte("-- PostgreSQL database cluster dump\n..."), nil
	}

	s := ForKind(types.DatabasePostgres)
	steps := s.BuildRestoreInvocation(types.ContainerInfo{}, "/tmp/dump.sql", nil, nil)
	if len(steps) != 1 {
		t.Fatalf("expected one step for a cluster dump, got %d", len(steps))
	}

	readFirstBytes = func(path string, n int) ([]byte, error) {
		return []byte("-- some single database dump"), nil
	}
	steps = s.BuildRestoreInvocation(types.ContainerInfo{}, "/tmp/dump.sql", nil, nil)
	if len(steps) != 2 {
		t.Fatalf("expected two steps (create db + load) for a single-database dump, got %d", len(steps))
	}
}

func TestMySQLBackupCredentialsTravelViaEnv(t *testing.T) {
	s := ForKind(types.DatabaseMySQL)
	c := types.ContainerInfo{Environment: map[string]string{"MYSQL_ROOT_PASSWORD": "s3cret"}}
	argv, env := s.BuildBackupCommand(c, nil)

	for _, a := range argv {
		if a == "s3cret" {
			t.Fatalf("password must never appear in argv, got %v", argv)
		}
	}
	if !containsArg(env, "MYSQL_PWD=s3cret") {
		t.Fatalf("expected MYSQL_PWD in env, got %v", env)
	}
}

func TestMariaDBUsesMariaDumpForModernVersions(t *testing.T) {
	s := ForKind(types.DatabaseMariaDB)
	argv, _ := s.BuildBackupCommand(types.ContainerInfo{}, &Version{Major: 10, Minor: 5})
	if argv[0] != "mariadb-dump" {
		t.Fatalf("expected mariadb-dump for 10.5, got %v", argv)
	}

	argv, _ = s.BuildBackupCommand(types.ContainerInfo{}, &Version{Major: 10, Minor: 1})
	if argv[0] != "mysqldump" {
		t.Fatalf("expected mysqldump fallback for 10.1, got %v", argv)
	}
}

func TestMongoAuthOnlyWhenBothCredentialsPresent(t *testing.T) {
	s := ForKind(types.DatabaseMongo)

	argv, env := s.BuildBackupCommand(types.ContainerInfo{Environment: map[string]string{
		"MONGO_INITDB_ROOT_USERNAME": "root",
	}}, nil)
	if containsArg(argv, "--username") {
		t.Fatalf("expected no auth args with only username set, got %v", argv)
	}
	if len(env) != 0 {
		t.Fatalf("expected no env vars without full credentials, got %v", env)
	}

	argv, env = s.BuildBackupCommand(types.ContainerInfo{Environment: map[string]string{
		"MONGO_INITDB_ROOT_USERNAME": "root",
		"MONGO_INITDB_ROOT_PASSWORD": "pw",
	}}, &Version{Major: 5})
	if !containsArg(argv, "--username") || !containsArg(argv, "--oplog") {
		t.Fatalf("expected auth and oplog args, got %v", argv)
	}
	if !containsArg(env, "MONGO_PWD=pw") {
		t.Fatalf("expected MONGO_PWD in env, got %v", env)
	}
}

func TestRedisRestoreInvocationSteps(t *testing.T) {
	s := ForKind(types.DatabaseRedis)
	steps := s.BuildRestoreInvocation(types.ContainerInfo{ID: "c1"}, "/tmp/dump.rdb", nil, nil)
	if len(steps) != 4 {
		t.Fatalf("expected 4 restore steps, got %d", len(steps))
	}
	if !steps[0].Host || steps[0].Argv[0] != "cp" {
		t.Fatalf("expected host-level cp step first, got %+v", steps[0])
	}
	if steps[1].Host {
		t.Fatalf("expected chown step to run inside the container, got %+v", steps[1])
	}
	if !steps[2].Host || steps[2].Argv[0] != "restart" {
		t.Fatalf("expected host-level restart step third, got %+v", steps[2])
	}
	if steps[3].Host {
		t.Fatalf("expected PING step to run inside the container, got %+v", steps[3])
	}
}

func TestMySQLRestoreInvocationUsesStdinNotShellRedirect(t *testing.T) {
	s := ForKind(types.DatabaseMySQL)
	steps := s.BuildRestoreInvocation(types.ContainerInfo{Environment: map[string]string{"MYSQL_ROOT_PASSWORD": "s3cret"}}, "/tmp/dump.sql", nil, nil)
	if len(steps) != 2 {
		t.Fatalf("expected 2 restore steps, got %d", len(steps))
	}
	for _, step := range steps {
		if containsArg(step.Argv, "<") {
			t.Fatalf("did not expect a literal shell redirect token in argv, got %v", step.Argv)
		}
		if step.Stdin != "/tmp/dump.sql" {
			t.Fatalf("expected dump file piped via Stdin, got %q", step.Stdin)
		}
	}
	if !containsArg(steps[1].Env, "MYSQL_PWD=s3cret") {
		t.Fatalf("expected MYSQL_PWD passed via Env, got %v", steps[1].Env)
	}
	for _, step := range steps {
		if containsArg(step.Argv, "s3cret") {
			t.Fatalf("password must never appear in argv, got %v", step.Argv)
		}
	}
}

func TestMongoBackupPassesPasswordDirectlySinceMongodumpIgnoresEnv(t *testing.T) {
	s := ForKind(types.DatabaseMongo)
	argv, env := s.BuildBackupCommand(types.ContainerInfo{Environment: map[string]string{
		"MONGO_INITDB_ROOT_USERNAME": "root",
		"MONGO_INITDB_ROOT_PASSWORD": "pw",
	}}, nil)
	if !containsArg(argv, "--password") || !containsArg(argv, "pw") {
		t.Fatalf("expected --password pw in argv (mongodump has no env mechanism), got %v", argv)
	}
	if len(env) != 0 {
		t.Fatalf("expected no env vars for mongo, got %v", env)
	}
}

func TestBuildMetadataIncludesRequiredFields(t *testing.T) {
	s := ForKind(types.DatabasePostgres)
	md := s.BuildMetadata(types.ContainerInfo{Name: "db1"}, &Version{Major: 14, Minor: 2})
	for _, key := range []string{"database_type", "version", "container_name", "backup_method", "format"} {
		if _, ok := md[key]; !ok {
			t.Fatalf("expected metadata key %q, got %+v", key, md)
		}
	}
	if md["version"] != "14.2" {
		t.Fatalf("expected version 14.2, got %q", md["version"])
	}
}

func TestDetectVersionParsing(t *testing.T) {
	v := parseVersion("PostgreSQL 14.9 on x86_64-pc-linux-gnu")
	if v == nil || v.Major != 14 || v.Minor != 9 {
		t.Fatalf("expected 14.9, got %+v", v)
	}
	if parseVersion("no version here") != nil {
		t.Fatalf("expected nil version for unparsable input")
	}
}

func containsArg(argv []string, needle string) bool {
	for _, a := range argv {
		if a == needle {
			return true
		}
	}
	return false
}
