// Package types holds the value objects shared across kopi-docka's discovery,
// backup, restore and repository layers.
package types

import "time"

// DatabaseKind identifies a recognized database engine running inside a container.
type DatabaseKind string

const (
	DatabaseNone     DatabaseKind = ""
	DatabasePostgres DatabaseKind = "postgres"
	DatabaseMySQL    DatabaseKind = "mysql"
	DatabaseMariaDB  DatabaseKind = "mariadb"
	DatabaseMongo    DatabaseKind = "mongo"
	DatabaseRedis    DatabaseKind = "redis"
)

// UnitKind distinguishes a compose stack from a standalone container.
type UnitKind string

const (
	UnitStack      UnitKind = "stack"
	UnitStandalone UnitKind = "standalone"
)

// ArtifactKind is the `type` tag recorded on every snapshot this system creates.
type ArtifactKind string

const (
	ArtifactRecipe   ArtifactKind = "recipe"
	ArtifactVolume   ArtifactKind = "volume"
	ArtifactDatabase ArtifactKind = "database"
)

// ContainerInfo is the immutable, post-discovery view of a single container.
type ContainerInfo struct {
	ID           string
	Name         string
	Image        string
	Running      bool
	Labels       map[string]string
	Environment  map[string]string
	Volumes      []string
	ComposeFile  string
	InspectData  map[string]any
	DatabaseKind DatabaseKind
}

// ProjectLabel returns the compose project label, or "" for standalone containers.
func (c ContainerInfo) ProjectLabel() string {
	return c.Labels[ComposeProjectLabel]
}

// VolumeInfo is the immutable, post-discovery view of a single Docker volume.
type VolumeInfo struct {
	Name         string
	Driver       string
	Mountpoint   string
	SizeBytes    *int64
	ContainerIDs []string
}

// BackupUnit groups containers and volumes that are cold-backed-up atomically.
type BackupUnit struct {
	Name        string
	Kind        UnitKind
	Containers  []ContainerInfo // start order preserved
	Volumes     []VolumeInfo    // deduplicated by name
	ComposeFile string
}

// HasDatabases reports whether any container in the unit is a recognized database.
func (u BackupUnit) HasDatabases() bool {
	for _, c := range u.Containers {
		if c.DatabaseKind != DatabaseNone {
			return true
		}
	}
	return false
}

// RecipesPath is the stable virtual repository path for this unit's recipe snapshot.
func (u BackupUnit) RecipesPath() string { return "recipes/" + u.Name }

// VolumesPath is the stable virtual repository path prefix for this unit's volumes.
func (u BackupUnit) VolumesPath() string { return "volumes/" + u.Name }

// DatabasesPath is the stable virtual repository path prefix for this unit's databases.
func (u BackupUnit) DatabasesPath() string { return "databases/" + u.Name }

// BackupMetadata is the JSON record persisted for every backup run.
type BackupMetadata struct {
	Unit              string    `json:"unit"`
	StartedAt         time.Time `json:"started_at"`
	Duration          float64   `json:"duration_seconds"`
	BackupID          string    `json:"backup_id"`
	SnapshotIDs       []string  `json:"snapshot_ids"`
	VolumesBackedUp   int       `json:"volumes_backed_up"`
	DatabasesBackedUp int       `json:"databases_backed_up"`
	Errors            []string  `json:"errors"`
	Success           bool      `json:"success"`
}

// RestorePoint groups the snapshots produced by one backup run.
type RestorePoint struct {
	Unit      string
	BackupID  string
	Timestamp time.Time
	Recipe    *Snapshot
	Volumes   []Snapshot
	Databases []Snapshot
}

// Snapshot is the façade's view of one entry returned by the snapshot engine.
type Snapshot struct {
	ID   string
	Path string
	Tags map[string]string
}

// Kind returns the artifact kind recorded on the snapshot's `type` tag.
func (s Snapshot) Kind() ArtifactKind { return ArtifactKind(s.Tags["type"]) }

// Docker compose label names, reproduced verbatim from the original implementation's
// constants so that grouping rules match byte-for-byte.
const (
	ComposeProjectLabel = "com.docker.compose.project"
	ComposeConfigLabel  = "com.docker.compose.project.config_files"
	ComposeServiceLabel = "com.docker.compose.service"
)

// Backup-base subdirectories under the configured backup root.
const (
	RecipeBackupDir   = "recipes"
	VolumeBackupDir   = "volumes"
	DatabaseBackupDir = "databases"
)
