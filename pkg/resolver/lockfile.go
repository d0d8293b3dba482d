package resolver

import (
	"xpm/pkg/types"
)

// FromLockfile reconstructs a resolved graph from a previously written
// lockfile, skipping the registry entirely. The boolean is false when the
// lockfile does not cover every root requirement or one of its own edges,
// in which case the caller should resolve from the network instead.
//
// Requirement ranges are deliberately not re-checked against the locked
// versions: a plain install reproduces the lockfile as written.
func FromLockfile(lock *types.LockFile, requirements map[string]string) (map[string]types.ResolvedPackage, bool) {
	if lock == nil || len(lock.Packages) == 0 {
		if len(requirements) == 0 {
			return map[string]types.ResolvedPackage{}, true
		}
		return nil, false
	}

	resolved := make(map[string]types.ResolvedPackage)
	queue := make([]string, 0, len(requirements))
	for name := range requirements {
		queue = append(queue, name)
	}

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if _, done := resolved[name]; done {
			continue
		}

		entry, ok := lock.Packages[name]
		if !ok {
			return nil, false
		}
		resolved[name] = types.ResolvedPackage{
			Name:    name,
			Version: entry.Version,
			Metadata: &types.VersionMetadata{
				Name:         name,
				Version:      entry.Version,
				Dist:         types.Dist{Tarball: entry.Resolved},
				Dependencies: entry.Dependencies,
			},
		}
		for dep := range entry.Dependencies {
			queue = append(queue, dep)
		}
	}
	return resolved, true
}
