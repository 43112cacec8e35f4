// Package discovery enumerates running Docker containers and volumes and
// groups them into logical backup units. Grounded on
// original_source/kopi_docka/discovery.py, reworked into idiomatic Go.
package discovery

import (
	"context"
	"fmt"
	"os/exec"
	"path"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kopi-docka/kopi-docka/internal/klog"
	"github.com/kopi-docka/kopi-docka/pkg/types"
)

// DockerClient is the subset of dockercli.Client discovery depends on. Kept as
// an interface so tests can substitute an in-memory fake, matching the
// teacher's KubeClient-interface pattern (internal/backup/manager.go).
type DockerClient interface {
	PS(ctx context.Context) ([]string, error)
	Inspect(ctx context.Context, id string) (map[string]any, error)
	VolumeList(ctx context.Context) ([]string, error)
	VolumeInspect(ctx context.Context, name string) (map[string]any, error)
}

// databasePattern maps an image substring to a database kind. Matches are
// exclusive; the first match in DatabasePatterns wins, mirroring
// constants.py's DATABASE_IMAGES table.
type databasePattern struct {
	kind     types.DatabaseKind
	patterns []string
}

// DatabasePatterns is the fixed classification table, reproduced from
// original_source/kopi_docka/constants.py.
var DatabasePatterns = []databasePattern{
	{types.DatabasePostgres, []string{"postgres"}},
	{types.DatabaseMariaDB, []string{"mariadb"}},
	{types.DatabaseMySQL, []string{"mysql"}},
	{types.DatabaseMongo, []string{"mongo"}},
	{types.DatabaseRedis, []string{"redis"}},
}

// Discovery enumerates Docker state and groups it into BackupUnits.
type Discovery struct {
	docker  DockerClient
	sizeLim *rate.Limiter // throttles concurrent `du` invocations
}

// New returns a Discovery backed by the given Docker client.
func New(docker DockerClient) *Discovery {
	return &Discovery{
		docker:  docker,
		sizeLim: rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
	}
}

// DiscoverBackupUnits enumerates containers and volumes and groups them into
// BackupUnits, sorted database-bearing-units-first then lexicographically.
func (d *Discovery) DiscoverBackupUnits(ctx context.Context) ([]types.BackupUnit, error) {
	klog.Info("discovery: starting")

	containers, err := d.discoverContainers(ctx)
	if err != nil {
		return nil, err
	}
	volumes := d.discoverVolumes(ctx)

	units := groupIntoUnits(containers, volumes)

	klog.Logger.Info().Int("units", len(units)).Msg("discovery: complete")
	return units, nil
}

func (d *Discovery) discoverContainers(ctx context.Context) ([]types.ContainerInfo, error) {
	ids, err := d.docker.PS(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovery: cannot talk to runtime: %w", err)
	}
	if len(ids) == 0 {
		klog.Warn("discovery: no running containers found")
		return nil, nil
	}

	var containers []types.ContainerInfo
	for _, id := range ids {
		data, err := d.docker.Inspect(ctx, id)
		if err != nil {
			klog.Logger.Error().Str("container", id).Err(err).Msg("discovery: inspect failed, skipping")
			continue
		}
		containers = append(containers, parseContainerInfo(data))
	}
	return containers, nil
}

func parseContainerInfo(data map[string]any) types.ContainerInfo {
	id, _ := data["Id"].(string)
	name, _ := data["Name"].(string)
	name = strings.TrimPrefix(name, "/")

	cfg, _ := data["Config"].(map[string]any)
	image, _ := cfg["Image"].(string)

	state, _ := data["State"].(map[string]any)
	status, _ := state["Status"].(string)

	labels := map[string]string{}
	if rawLabels, ok := cfg["Labels"].(map[string]any); ok {
		for k, v := range rawLabels {
			if s, ok := v.(string); ok {
				labels[k] = s
			}
		}
	}

	environment := map[string]string{}
	if envList, ok := cfg["Env"].([]any); ok {
		for _, e := range envList {
			s, ok := e.(string)
			if !ok {
				continue
			}
			if idx := strings.Index(s, "="); idx >= 0 {
				environment[s[:idx]] = s[idx+1:]
			}
		}
	}

	var volumes []string
	if mounts, ok := data["Mounts"].([]any); ok {
		for _, m := range mounts {
			mount, ok := m.(map[string]any)
			if !ok {
				continue
			}
			if t, _ := mount["Type"].(string); t == "volume" {
				if n, ok := mount["Name"].(string); ok {
					volumes = append(volumes, n)
				}
			}
		}
	}

	composeFile := ""
	if files := labels[types.ComposeConfigLabel]; files != "" {
		// Take only the first path when several comma-separated files are listed.
		composeFile = strings.SplitN(files, ",", 2)[0]
	}

	return types.ContainerInfo{
		ID:           id,
		Name:         name,
		Image:        image,
		Running:      status == "running",
		Labels:       labels,
		Environment:  environment,
		Volumes:      volumes,
		ComposeFile:  composeFile,
		InspectData:  data,
		DatabaseKind: detectDatabaseKind(image),
	}
}

func detectDatabaseKind(image string) types.DatabaseKind {
	lower := strings.ToLower(image)
	for _, p := range DatabasePatterns {
		for _, pattern := range p.patterns {
			if strings.Contains(lower, pattern) {
				return p.kind
			}
		}
	}
	return types.DatabaseNone
}

func (d *Discovery) discoverVolumes(ctx context.Context) []types.VolumeInfo {
	names, err := d.docker.VolumeList(ctx)
	if err != nil {
		klog.Logger.Error().Err(err).Msg("discovery: volume ls failed")
		return nil
	}

	var volumes []types.VolumeInfo
	for _, name := range names {
		data, err := d.docker.VolumeInspect(ctx, name)
		if err != nil {
			klog.Logger.Error().Str("volume", name).Err(err).Msg("discovery: volume inspect failed")
			continue
		}
		driver, _ := data["Driver"].(string)
		mountpoint, _ := data["Mountpoint"].(string)

		vol := types.VolumeInfo{
			Name:       name,
			Driver:     driver,
			Mountpoint: mountpoint,
		}
		vol.SizeBytes = d.estimateVolumeSize(ctx, mountpoint)
		volumes = append(volumes, vol)
	}
	return volumes
}

// estimateVolumeSize best-effort sums file sizes at mountpoint via `du -sb`,
// capped at 30 seconds. Any failure yields a nil estimate, never an error, per
// spec.md §4.1.
func (d *Discovery) estimateVolumeSize(ctx context.Context, mountpoint string) *int64 {
	if mountpoint == "" {
		return nil
	}
	_ = d.sizeLim.Wait(ctx)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "du", "-sb", mountpoint).Output()
	if err != nil {
		klog.Logger.Debug().Str("mountpoint", mountpoint).Err(err).Msg("discovery: could not estimate volume size")
		return nil
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return nil
	}
	var size int64
	if _, err := fmt.Sscanf(fields[0], "%d", &size); err != nil {
		return nil
	}
	return &size
}

// groupIntoUnits groups containers and volumes into BackupUnits, following
// discovery.py's _group_into_units exactly: stacks first (keyed on project
// label), then standalone containers, volumes attached wherever referenced
// (a volume referenced from multiple units is attached to all of them).
func groupIntoUnits(containers []types.ContainerInfo, volumes []types.VolumeInfo) []types.BackupUnit {
	volumeByName := make(map[string]types.VolumeInfo, len(volumes))
	for _, v := range volumes {
		volumeByName[v.Name] = v
	}

	stacks := map[string][]types.ContainerInfo{}
	var stackOrder []string
	processed := map[string]bool{}

	for _, c := range containers {
		project := c.ProjectLabel()
		if project == "" {
			continue
		}
		if _, ok := stacks[project]; !ok {
			stackOrder = append(stackOrder, project)
		}
		stacks[project] = append(stacks[project], c)
		processed[c.ID] = true
	}

	var units []types.BackupUnit
	for _, name := range stackOrder {
		stackContainers := stacks[name]
		unit := types.BackupUnit{
			Name:       name,
			Kind:       types.UnitStack,
			Containers: stackContainers,
		}
		for _, c := range stackContainers {
			if c.ComposeFile != "" {
				unit.ComposeFile = c.ComposeFile
				break
			}
		}
		unit.Volumes = attachedVolumes(stackContainers, volumeByName)
		units = append(units, unit)
	}

	for _, c := range containers {
		if processed[c.ID] {
			continue
		}
		unit := types.BackupUnit{
			Name:       c.Name,
			Kind:       types.UnitStandalone,
			Containers: []types.ContainerInfo{c},
		}
		unit.Volumes = attachedVolumes([]types.ContainerInfo{c}, volumeByName)
		units = append(units, unit)
	}

	sort.SliceStable(units, func(i, j int) bool {
		di, dj := units[i].HasDatabases(), units[j].HasDatabases()
		if di != dj {
			return di // database-bearing units first
		}
		return units[i].Name < units[j].Name
	})

	return units
}

func attachedVolumes(containers []types.ContainerInfo, volumeByName map[string]types.VolumeInfo) []types.VolumeInfo {
	seen := map[string]bool{}
	var names []string
	for _, c := range containers {
		for _, vn := range c.Volumes {
			if !seen[vn] {
				seen[vn] = true
				names = append(names, vn)
			}
		}
	}
	sort.Strings(names)

	var result []types.VolumeInfo
	for _, vn := range names {
		vol, ok := volumeByName[vn]
		if !ok {
			continue
		}
		for _, c := range containers {
			for _, cv := range c.Volumes {
				if cv == vn {
					vol.ContainerIDs = append(vol.ContainerIDs, c.ID)
				}
			}
		}
		result = append(result, vol)
	}
	return result
}

// ParseComposeConfigFiles returns the first compose config file path from a
// comma-separated label value, or "" if empty. Exposed for callers that need
// the rule outside the main discovery pass (e.g. restore's stack detection).
func ParseComposeConfigFiles(label string) string {
	if label == "" {
		return ""
	}
	return strings.SplitN(label, ",", 2)[0]
}

// ComposeDir returns the directory containing a compose file, used by restore
// to run `docker compose -f <file> up -d` from the right working directory.
func ComposeDir(composeFile string) string {
	return path.Dir(composeFile)
}
