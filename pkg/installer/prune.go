package installer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"xpm/pkg/types"
	"xpm/pkg/utils"
)

// Prune removes every locked package no longer reachable from the given
// root requirements: its project symlink, its bin links, its virtual store
// entry, and its lockfile record. Store blobs are untouched; they may back
// other projects. Returns the pruned package names.
func (inst *Installer) Prune(lock *types.LockFile, roots map[string]string) ([]string, error) {
	orphans := lock.Orphans(roots)
	for _, name := range orphans {
		entry := lock.Packages[name]
		if err := inst.removePackage(name, entry.Version); err != nil {
			return nil, fmt.Errorf("pruning %s@%s: %w", name, entry.Version, err)
		}
		delete(lock.Packages, name)
		inst.logger.Debug("pruned", "package", name, "version", entry.Version)
	}
	return orphans, nil
}

// removePackage deletes one package's project-visible links and its
// virtual store entry. Bin links are inspected before removal so a link
// owned by another package survives a name collision.
func (inst *Installer) removePackage(name, version string) error {
	dirName := utils.DirName(name, version)

	pkg := types.ResolvedPackage{Name: name, Version: version}
	for binName := range inst.packageBins(pkg) {
		linkPath := filepath.Join(inst.paths.ProjectBinPath(), binName)
		if target, err := os.Readlink(linkPath); err == nil && strings.Contains(target, dirName) {
			if err := os.Remove(linkPath); err != nil {
				return err
			}
		}
	}

	rootLink := filepath.Join(inst.paths.ModulesPath(), filepath.FromSlash(name))
	if err := os.Remove(rootLink); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return os.RemoveAll(filepath.Join(inst.paths.VirtualStorePath(), dirName))
}
