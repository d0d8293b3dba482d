package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"xpm/pkg/types"
)

const (
	// ConfigFile is the name of the package manifest.
	ConfigFile = "package.json"
	// LockFileName is the name of the lock file.
	LockFileName = "xpm-lock.json"
	// ModulesDir is the directory where dependencies are linked.
	ModulesDir = "node_modules"
	// MetaDir is the hidden directory under ModulesDir that holds the
	// virtual store.
	MetaDir = ".xpm"
	// VirtualStoreDir is the directory of per-version package entries
	// under MetaDir.
	VirtualStoreDir = "virtual_store"
	// BinDir is the directory of linked executables under ModulesDir and
	// under each virtual store entry.
	BinDir = ".bin"
)

// LoadConfig reads and parses the root package.json of a project.
func LoadConfig(projectDir string) (*types.PackageConfig, error) {
	return LoadConfigFromPath(filepath.Join(projectDir, ConfigFile))
}

// LoadConfigFromPath reads and parses a package.json file from a specific path.
func LoadConfigFromPath(path string) (*types.PackageConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg types.PackageConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// A package might not have any dependencies.
	if cfg.Dependencies == nil {
		cfg.Dependencies = make(map[string]string)
	}
	return &cfg, nil
}

// SaveConfig writes the manifest back to the project's package.json.
func SaveConfig(projectDir string, cfg *types.PackageConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(projectDir, ConfigFile), append(data, '\n'), 0o644)
}

// LoadLockfile reads and parses the project's xpm-lock.json. A missing file
// yields an empty lockfile rather than an error.
func LoadLockfile(projectDir string) (*types.LockFile, error) {
	path := filepath.Join(projectDir, LockFileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return types.NewLockFile(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lock types.LockFile
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, err
	}
	if lock.Packages == nil {
		lock.Packages = make(map[string]types.LockedPackage)
	}
	return &lock, nil
}

// SaveLockfile writes the lock data to the project's xpm-lock.json.
func SaveLockfile(projectDir string, lock *types.LockFile) error {
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(projectDir, LockFileName), append(data, '\n'), 0o644)
}

// Paths resolves the directory layout for one project install. Everything
// hangs off the project directory; the content store lives elsewhere and
// is addressed through the store itself.
type Paths struct {
	ProjectDir string
}

// ModulesPath returns the project's node_modules directory.
func (p Paths) ModulesPath() string {
	return filepath.Join(p.ProjectDir, ModulesDir)
}

// VirtualStorePath returns the directory that holds one entry per installed
// (name, version) pair.
func (p Paths) VirtualStorePath() string {
	return filepath.Join(p.ProjectDir, ModulesDir, MetaDir, VirtualStoreDir)
}

// ProjectBinPath returns the project-level directory of linked executables.
func (p Paths) ProjectBinPath() string {
	return filepath.Join(p.ProjectDir, ModulesDir, BinDir)
}

// DefaultStoreRoot returns the per-user content store location.
func DefaultStoreRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, MetaDir), nil
}
