// Command kopidockad is kopi-docka's entry point: a cobra CLI wiring
// configuration, container runtime client, discovery, snapshot repository,
// policy, hooks, concurrency pool, and the backup/restore/DR orchestrators
// into the subcommands spec.md §6 names (backup, restore, dry-run,
// disaster-recovery export, service).
//
// Grounded on the teacher's cmd/main.go wiring order (config -> storage ->
// managers -> entrypoint), generalized from a single HTTP-serving main into
// a cobra command tree, since spec.md names no HTTP API surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kopi-docka/kopi-docka/internal/backup"
	"github.com/kopi-docka/kopi-docka/internal/concurrency"
	"github.com/kopi-docka/kopi-docka/internal/discovery"
	"github.com/kopi-docka/kopi-docka/internal/dockercli"
	"github.com/kopi-docka/kopi-docka/internal/dr"
	"github.com/kopi-docka/kopi-docka/internal/dryrun"
	"github.com/kopi-docka/kopi-docka/internal/hooks"
	"github.com/kopi-docka/kopi-docka/internal/klog"
	"github.com/kopi-docka/kopi-docka/internal/lock"
	"github.com/kopi-docka/kopi-docka/internal/metadata"
	"github.com/kopi-docka/kopi-docka/internal/policy"
	"github.com/kopi-docka/kopi-docka/internal/repository"
	"github.com/kopi-docka/kopi-docka/internal/restore"
	"github.com/kopi-docka/kopi-docka/internal/safeexit"
	"github.com/kopi-docka/kopi-docka/internal/service"
	"github.com/kopi-docka/kopi-docka/pkg/config"
	"github.com/kopi-docka/kopi-docka/pkg/types"
	"github.com/kopi-docka/kopi-docka/pkg/version"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:     "kopidockad",
		Short:   "kopi-docka: cold-backup orchestrator for Docker container workloads",
		Version: version.Version,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.json (default: $KOPI_DOCKA_CONFIG or ./config.json)")

	root.AddCommand(
		newBackupCmd(),
		newRestoreCmd(),
		newDryRunCmd(),
		newDRCmd(),
		newServiceCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env bundles every collaborator a subcommand needs, assembled once from
// config so each command wires only what it actually uses.
type env struct {
	cfg       *config.Config
	docker    *dockercli.Client
	repo      *repository.Repository
	discover  *discovery.Discovery
	policyMgr *policy.Manager
	hookMgr   *hooks.Manager
	pool      *concurrency.Pool
	metaStore *metadata.Store
	safeMgr   *safeexit.Manager
}

func loadEnv(ctx context.Context) (*env, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("KOPI_DOCKA_CONFIG")
	}
	if path == "" {
		path = "config.json"
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	klog.Init(klog.Config{
		Level:      klog.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})

	password, err := cfg.Credentials.Resolve()
	if err != nil {
		return nil, fmt.Errorf("resolve repository password: %w", err)
	}

	docker, err := dockercli.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to container runtime: %w", err)
	}

	repoOpts := repository.FromConfig(cfg, password)
	repo := repository.New(repoOpts)
	if !repo.IsInitialized(ctx) {
		if err := repo.Initialize(ctx, cfg.Retention); err != nil {
			return nil, fmt.Errorf("initialize repository: %w", err)
		}
	}

	workers := cfg.Parallel.Workers
	if workers <= 0 {
		workers = concurrency.AutoWorkerCount(availableRAMGiB())
	}

	return &env{
		cfg:       cfg,
		docker:    docker,
		repo:      repo,
		discover:  discovery.New(docker),
		policyMgr: policy.New(repo, cfg.Retention),
		hookMgr:   hooks.New(cfg.Hooks, time.Duration(cfg.Timeouts.HookTimeout)*time.Second),
		pool:      concurrency.New(workers),
		metaStore: metadata.New(cfg.BackupBase),
		safeMgr:   safeexit.New(10 * time.Second),
	}, nil
}

func newBackupCmd() *cobra.Command {
	var unitFilter string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Run one cold-backup pass over discovered units",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			e, err := loadEnv(ctx)
			if err != nil {
				return err
			}

			l := lock.New(lock.DefaultPath())
			if err := l.Acquire(); err != nil {
				if err == lock.ErrHeld {
					klog.Logger.Info().Msg("backup: lock held by another instance, exiting")
					return nil
				}
				return err
			}
			defer l.Release()

			go e.safeMgr.Listen(ctx)

			units, err := e.discover.DiscoverBackupUnits(ctx)
			if err != nil {
				return fmt.Errorf("discover units: %w", err)
			}
			units = filterUnits(units, unitFilter)

			orch := backup.New(e.docker, e.repo, e.policyMgr, e.hookMgr, e.pool, e.metaStore, e.safeMgr, e.cfg)

			var failed int
			for _, u := range units {
				klog.Logger.Info().Str("unit", u.Name).Msg("backup: starting unit")
				result := orch.Run(ctx, u)
				if !result.Metadata.Success {
					failed++
					klog.Logger.Warn().Str("unit", u.Name).Strs("errors", result.Metadata.Errors).Msg("backup: unit completed with errors")
				}
			}
			if failed > 0 {
				return fmt.Errorf("backup: %d of %d units failed", failed, len(units))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&unitFilter, "unit", "", "restrict the run to a single unit by name")
	return cmd
}

func newDryRunCmd() *cobra.Command {
	var unitFilter string
	cmd := &cobra.Command{
		Use:   "dry-run",
		Short: "Print the backup plan without touching containers or the repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			e, err := loadEnv(ctx)
			if err != nil {
				return err
			}
			units, err := e.discover.DiscoverBackupUnits(ctx)
			if err != nil {
				return fmt.Errorf("discover units: %w", err)
			}
			units = filterUnits(units, unitFilter)

			for _, plan := range dryrun.PlanAll(units) {
				fmt.Printf("unit %s (%s)\n", plan.Unit, plan.Kind)
				if len(plan.ContainersToStop) > 0 {
					fmt.Printf("  stop: %v\n", plan.ContainersToStop)
				}
				fmt.Printf("  recipe -> %s\n", plan.RecipeVirtualPath)
				for _, t := range plan.Tasks {
					fmt.Printf("  %s %s -> %s\n", t.Kind, t.Name, t.VirtualPath)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&unitFilter, "unit", "", "restrict the plan to a single unit by name")
	return cmd
}

func newRestoreCmd() *cobra.Command {
	var unitName, backupID, stagingRoot string
	var instructionsOnly bool

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a unit from its most recent (or a named) backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			e, err := loadEnv(ctx)
			if err != nil {
				return err
			}

			l := lock.New(lock.DefaultPath())
			if err := l.Acquire(); err != nil {
				return fmt.Errorf("restore requires the exclusion lock: %w", err)
			}
			defer l.Release()

			go e.safeMgr.Listen(ctx)

			points, err := restore.FindRestorePoints(ctx, e.repo)
			if err != nil {
				return fmt.Errorf("find restore points: %w", err)
			}

			point, err := selectRestorePoint(points, unitName, backupID)
			if err != nil {
				return err
			}

			if stagingRoot == "" {
				stagingRoot = e.cfg.StagingDir("restore")
			}

			mode := restore.ModeExecute
			if instructionsOnly {
				mode = restore.ModeInstructions
			}

			orch := restore.New(e.docker, e.repo, e.hookMgr, e.safeMgr)
			result := orch.Run(ctx, point, stagingRoot, mode)

			for _, line := range result.Instructions {
				fmt.Println(line)
			}
			if len(result.Errors) > 0 {
				for _, msg := range result.Errors {
					klog.Logger.Error().Msg(msg)
				}
				return fmt.Errorf("restore: completed with %d error(s)", len(result.Errors))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&unitName, "unit", "", "unit to restore (required)")
	cmd.Flags().StringVar(&backupID, "backup-id", "", "specific backup id to restore (default: most recent)")
	cmd.Flags().StringVar(&stagingRoot, "staging-dir", "", "override the restore staging directory")
	cmd.Flags().BoolVar(&instructionsOnly, "instructions-only", false, "print manual commands instead of executing the restore")
	cmd.MarkFlagRequired("unit")
	return cmd
}

func newDRCmd() *cobra.Command {
	dr_ := &cobra.Command{
		Use:   "disaster-recovery",
		Short: "Disaster-recovery bundle operations",
	}

	var outputDir string
	var legacy, stream bool
	var passphraseStyle string
	var retention int

	export := &cobra.Command{
		Use:   "export",
		Short: "Export a disaster-recovery bundle containing the repository config and recent snapshot metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			e, err := loadEnv(ctx)
			if err != nil {
				return err
			}

			path := configPath
			if path == "" {
				path = os.Getenv("KOPI_DOCKA_CONFIG")
			}
			if path == "" {
				path = "config.json"
			}
			configData, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read config file for bundling: %w", err)
			}

			statusJSON, err := e.repo.StatusJSON(ctx)
			if err != nil {
				return fmt.Errorf("read repository status: %w", err)
			}

			password, _ := e.cfg.Credentials.Resolve()

			snaps, err := e.repo.ListSnapshots(ctx, nil)
			if err != nil {
				return fmt.Errorf("list snapshots: %w", err)
			}

			hostname, _ := os.Hostname()
			if outputDir == "" {
				outputDir = e.cfg.BundleDir
			}

			result, err := dr.CreateBundle(ctx, dr.BundleInput{
				ConfigFilePath: path,
				ConfigFileData: configData,
				Password:       password,
				RepoStatusJSON: statusJSON,
				Backend:        e.cfg.Backend,
				Profile:        e.cfg.Profile,
				Hostname:       hostname,
				Snapshots:      snaps,
				Version:        version.Version,
			}, dr.Options{
				OutputDir:       outputDir,
				Legacy:          legacy,
				PassphraseStyle: passphraseStyle,
				Stream:          stream,
				Stdout:          os.Stdout,
				Retention:       retention,
			})
			if err != nil {
				return fmt.Errorf("create bundle: %w", err)
			}

			if !stream {
				fmt.Printf("bundle written: %s\n", result.ArchivePath)
				fmt.Printf("passphrase: %s\n", result.Passphrase)
			}
			return nil
		},
	}
	export.Flags().StringVar(&outputDir, "output-dir", "", "override the configured bundle directory")
	export.Flags().BoolVar(&legacy, "legacy", false, "produce the deprecated three-file tar.gz.enc bundle")
	export.Flags().BoolVar(&stream, "stream", false, "write the encrypted bundle to stdout (requires KOPI_DOCKA_DR_PASSPHRASE)")
	export.Flags().StringVar(&passphraseStyle, "passphrase-style", "words", "passphrase style: words or random")
	export.Flags().IntVar(&retention, "retention", 3, "number of bundles to keep after rotation")

	dr_.AddCommand(export)
	return dr_
}

func newServiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Run one notify-mode backup pass, signalling systemd (Type=notify)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			e, err := loadEnv(ctx)
			if err != nil {
				return err
			}

			l := lock.New(lock.DefaultPath())
			orch := backup.New(e.docker, e.repo, e.policyMgr, e.hookMgr, e.pool, e.metaStore, e.safeMgr, e.cfg)
			runner := service.New(l, e.discover, orch)

			go e.safeMgr.Listen(ctx)
			go func() {
				<-e.safeMgr.StopCh()
				service.Stopping()
			}()

			return runner.RunOnce(ctx)
		},
	}
	return cmd
}

func selectRestorePoint(points []types.RestorePoint, unit, backupID string) (types.RestorePoint, error) {
	for _, p := range points {
		if p.Unit != unit {
			continue
		}
		if backupID != "" && p.BackupID != backupID {
			continue
		}
		return p, nil
	}
	return types.RestorePoint{}, fmt.Errorf("no restore point found for unit %q", unit)
}

func filterUnits(units []types.BackupUnit, name string) []types.BackupUnit {
	if name == "" {
		return units
	}
	for _, u := range units {
		if u.Name == name {
			return []types.BackupUnit{u}
		}
	}
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// availableRAMGiB estimates host memory for auto worker-count sizing. Reading
// /proc/meminfo keeps this dependency-free; a parse failure falls back to a
// conservative default rather than failing startup.
func availableRAMGiB() float64 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 4
	}
	var totalKB int64
	if _, err := fmt.Sscanf(string(data), "MemTotal: %d kB", &totalKB); err != nil || totalKB == 0 {
		return 4
	}
	return float64(totalKB) / (1024 * 1024)
}
