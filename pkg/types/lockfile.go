package types

import "sort"

// CurrentLockfileVersion is bumped whenever the lockfile schema changes.
const CurrentLockfileVersion = 1

// LockFile matches the structure of xpm-lock.json
type LockFile struct {
	LockfileVersion int                      `json:"lockfileVersion"`
	Packages        map[string]LockedPackage `json:"packages"`
}

// LockedPackage stores the exact version information for one package.
type LockedPackage struct {
	Version      string            `json:"version"`
	Resolved     string            `json:"resolved"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// NewLockFile returns an empty lockfile at the current schema version.
func NewLockFile() *LockFile {
	return &LockFile{
		LockfileVersion: CurrentLockfileVersion,
		Packages:        make(map[string]LockedPackage),
	}
}

// BuildLockFile pins a resolved dependency graph into lockfile form.
func BuildLockFile(resolved map[string]ResolvedPackage) *LockFile {
	lock := NewLockFile()
	for name, pkg := range resolved {
		entry := LockedPackage{Version: pkg.Version}
		if pkg.Metadata != nil {
			entry.Resolved = pkg.Metadata.Dist.Tarball
			entry.Dependencies = pkg.Metadata.Dependencies
		}
		lock.Packages[name] = entry
	}
	return lock
}

// Reachable walks the locked dependency edges from the given root
// requirements and returns every package name it can reach.
func (l *LockFile) Reachable(roots map[string]string) map[string]bool {
	reachable := make(map[string]bool)
	queue := make([]string, 0, len(roots))
	for name := range roots {
		queue = append(queue, name)
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if reachable[name] {
			continue
		}
		entry, ok := l.Packages[name]
		if !ok {
			continue
		}
		reachable[name] = true
		for dep := range entry.Dependencies {
			queue = append(queue, dep)
		}
	}
	return reachable
}

// Orphans returns the locked packages no longer reachable from the given
// root requirements, sorted for stable output.
func (l *LockFile) Orphans(roots map[string]string) []string {
	reachable := l.Reachable(roots)
	var orphans []string
	for name := range l.Packages {
		if !reachable[name] {
			orphans = append(orphans, name)
		}
	}
	sort.Strings(orphans)
	return orphans
}
