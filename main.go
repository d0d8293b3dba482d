package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"xpm/pkg/config"
	"xpm/pkg/installer"
	"xpm/pkg/registry"
	"xpm/pkg/resolver"
	"xpm/pkg/scripts"
	"xpm/pkg/store"
	"xpm/pkg/types"
	"xpm/pkg/utils"
)

var (
	flagRegistry string
	flagStoreDir string
	flagVerbose  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "xpm",
	Short:         "Fast, disk-efficient package installation",
	Long:          "xpm installs npm-style packages through a shared content-addressable store, hard-linking files into place so every project reuses the same bytes on disk.",
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagRegistry, "registry", "", "registry base URL (default: https://registry.npmjs.org)")
	rootCmd.PersistentFlags().StringVar(&flagStoreDir, "store-dir", "", "content store location (default: ~/.xpm)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(upgradeCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new project (creates package.json)",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

var installCmd = &cobra.Command{
	Use:   "install [package[@range]]",
	Short: "Install dependencies from package.json, or add and install one package",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInstall,
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall <package>",
	Short: "Remove a dependency and prune packages nothing needs anymore",
	Args:  cobra.ExactArgs(1),
	RunE:  runUninstall,
}

var upgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Re-resolve every dependency to the newest allowed version",
	Args:  cobra.NoArgs,
	RunE:  runUpgrade,
}

// appEnv bundles what every command needs: effective settings, the logger,
// and the project layout rooted at the working directory.
type appEnv struct {
	settings   config.Settings
	logger     *log.Logger
	projectDir string
	paths      config.Paths
}

func newEnv() (*appEnv, error) {
	settings, err := config.LoadSettings()
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	if flagRegistry != "" {
		settings.Registry = flagRegistry
	}
	if flagStoreDir != "" {
		settings.StoreDir = flagStoreDir
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{Prefix: "xpm"})
	if flagVerbose {
		logger.SetLevel(log.DebugLevel)
	}

	projectDir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return &appEnv{
		settings:   settings,
		logger:     logger,
		projectDir: projectDir,
		paths:      config.Paths{ProjectDir: projectDir},
	}, nil
}

func (env *appEnv) newRegistry() *registry.Client {
	return registry.NewClient(
		registry.WithBaseURL(env.settings.Registry),
		registry.WithLogger(env.logger),
		registry.WithRetry(env.settings.RetryAttempts, env.settings.RetryBaseDelay),
	)
}

func runInit(cmd *cobra.Command, args []string) error {
	env, err := newEnv()
	if err != nil {
		return err
	}
	manifest := filepath.Join(env.projectDir, config.ConfigFile)
	if _, err := os.Stat(manifest); !os.IsNotExist(err) {
		return fmt.Errorf("%s already exists", config.ConfigFile)
	}
	cfg := types.PackageConfig{
		Name:         filepath.Base(env.projectDir),
		Version:      "0.1.0",
		Dependencies: make(map[string]string),
	}
	if err := config.SaveConfig(env.projectDir, &cfg); err != nil {
		return fmt.Errorf("creating %s: %w", config.ConfigFile, err)
	}
	env.logger.Info("initialized project", "name", cfg.Name)
	return nil
}

func runInstall(cmd *cobra.Command, args []string) error {
	env, err := newEnv()
	if err != nil {
		return err
	}
	if len(args) > 0 {
		if err := addRequirement(cmd, env, args[0]); err != nil {
			return fmt.Errorf("adding package %s: %w", args[0], err)
		}
	}
	return installProject(cmd, env, false)
}

func runUpgrade(cmd *cobra.Command, args []string) error {
	env, err := newEnv()
	if err != nil {
		return err
	}
	env.logger.Info("checking for newer package versions")
	return installProject(cmd, env, true)
}

func runUninstall(cmd *cobra.Command, args []string) error {
	env, err := newEnv()
	if err != nil {
		return err
	}
	name := args[0]

	cfg, err := config.LoadConfig(env.projectDir)
	if err != nil {
		return fmt.Errorf("could not load %s, did you run 'xpm init'?: %w", config.ConfigFile, err)
	}
	if _, ok := cfg.Dependencies[name]; !ok {
		return fmt.Errorf("package %s is not a dependency", name)
	}
	delete(cfg.Dependencies, name)
	if err := config.SaveConfig(env.projectDir, cfg); err != nil {
		return fmt.Errorf("updating %s: %w", config.ConfigFile, err)
	}

	lock, err := config.LoadLockfile(env.projectDir)
	if err != nil {
		return err
	}
	inst := installer.New(nil, nil, env.paths, installer.WithLogger(env.logger))
	removed, err := inst.Prune(lock, cfg.Dependencies)
	if err != nil {
		return err
	}
	if err := config.SaveLockfile(env.projectDir, lock); err != nil {
		return err
	}
	env.logger.Info("uninstalled", "package", name, "pruned", len(removed))
	return nil
}

// addRequirement records a new dependency in package.json. A bare name is
// pinned to a caret range of the current latest version.
func addRequirement(cmd *cobra.Command, env *appEnv, spec string) error {
	name, rng := utils.ParsePkgStr(spec)
	cfg, err := config.LoadConfig(env.projectDir)
	if err != nil {
		return fmt.Errorf("could not load %s, did you run 'xpm init'?: %w", config.ConfigFile, err)
	}

	if rng == "latest" {
		meta, err := env.newRegistry().FetchPackage(cmd.Context(), name)
		if err != nil {
			return err
		}
		latest := meta.DistTags["latest"]
		if latest == "" {
			return fmt.Errorf("%s has no latest dist-tag", name)
		}
		rng = "^" + latest
	}

	cfg.Dependencies[name] = rng
	env.logger.Info("added dependency", "package", name, "range", rng)
	return config.SaveConfig(env.projectDir, cfg)
}

// installProject resolves the project's dependency graph and materializes
// it. Plain installs reuse the lockfile when it covers the manifest;
// upgrades always consult the registry for fresh versions.
func installProject(cmd *cobra.Command, env *appEnv, upgrade bool) error {
	cfg, err := config.LoadConfig(env.projectDir)
	if err != nil {
		return fmt.Errorf("could not load %s, did you run 'xpm init'?: %w", config.ConfigFile, err)
	}

	reg := env.newRegistry()
	res := resolver.New(reg, env.logger)

	var resolved map[string]types.ResolvedPackage
	if !upgrade {
		if lock, err := config.LoadLockfile(env.projectDir); err == nil {
			if fromLock, ok := resolver.FromLockfile(lock, cfg.Dependencies); ok {
				env.logger.Debug("resolved from lockfile", "packages", len(fromLock))
				resolved = fromLock
			}
		}
	}
	if resolved == nil {
		env.logger.Info("resolving dependency graph", "roots", len(cfg.Dependencies))
		resolved, err = res.Resolve(cmd.Context(), cfg.Dependencies)
		if err != nil {
			return err
		}
	}

	st, err := store.New(env.settings.StoreDir)
	if err != nil {
		return err
	}
	runner := &scripts.Runner{
		Parallelism: env.settings.ScriptParallelism,
		Timeout:     env.settings.ScriptTimeout,
		ProjectBin:  env.paths.ProjectBinPath(),
		GlobalBin:   env.settings.GlobalBinDir,
		Logger:      env.logger,
	}
	inst := installer.New(st, reg, env.paths,
		installer.WithLogger(env.logger),
		installer.WithBatchSize(env.settings.BatchSize),
		installer.WithScriptRunner(runner),
	)
	if err := inst.InstallAll(cmd.Context(), resolved); err != nil {
		return err
	}

	if err := config.SaveLockfile(env.projectDir, types.BuildLockFile(resolved)); err != nil {
		return err
	}
	env.logger.Info("install complete", "packages", len(resolved))
	return nil
}
