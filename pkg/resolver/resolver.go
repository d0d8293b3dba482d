// Package resolver turns root requirements from package.json into a
// complete pinned dependency graph by walking registry metadata.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/charmbracelet/log"

	"xpm/pkg/registry"
	"xpm/pkg/types"
)

// ErrNoMatchingVersion is returned when no published version satisfies a
// requirement and the package has no latest dist-tag to fall back on.
var ErrNoMatchingVersion = errors.New("no matching version")

// Resolver resolves dependency requirements against a registry.
type Resolver struct {
	registry *registry.Client
	logger   *log.Logger
}

// New creates a Resolver backed by the given registry client.
func New(reg *registry.Client, logger *log.Logger) *Resolver {
	return &Resolver{registry: reg, logger: logger}
}

// Resolve expands the given name-to-range requirements into the full
// transitive graph. Every distinct (name, requirement) pair is resolved in
// its own goroutine exactly once; the registry client's cache and request
// coalescing keep the fan-out from hammering the network.
//
// The result is keyed by package name alone. When two requirements for the
// same name pin different versions, whichever resolution finishes last wins
// the slot, so a run installs exactly one version per name.
func (r *Resolver) Resolve(ctx context.Context, requirements map[string]string) (map[string]types.ResolvedPackage, error) {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		resolved = make(map[string]types.ResolvedPackage)
		visited  = make(map[string]bool)
		errs     []error
	)

	var enqueue func(name, requirement string)
	enqueue = func(name, requirement string) {
		key := name + "@" + requirement
		mu.Lock()
		if visited[key] {
			mu.Unlock()
			return
		}
		visited[key] = true
		mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			pkg, err := r.resolveOne(ctx, name, requirement)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("resolving %s@%s: %w", name, requirement, err))
				mu.Unlock()
				return
			}
			r.logger.Debug("resolved", "package", pkg.Name, "version", pkg.Version, "requirement", requirement)

			mu.Lock()
			resolved[pkg.Name] = pkg
			mu.Unlock()

			for depName, depReq := range pkg.Metadata.Dependencies {
				enqueue(depName, depReq)
			}
		}()
	}

	for name, requirement := range requirements {
		enqueue(name, requirement)
	}
	wg.Wait()

	if len(errs) > 0 {
		sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
		return nil, errors.Join(errs...)
	}
	return resolved, nil
}

func (r *Resolver) resolveOne(ctx context.Context, name, requirement string) (types.ResolvedPackage, error) {
	meta, err := r.registry.FetchPackage(ctx, name)
	if err != nil {
		return types.ResolvedPackage{}, err
	}

	version, err := pickVersion(meta, requirement)
	if err != nil {
		return types.ResolvedPackage{}, err
	}

	vm := meta.Versions[version]
	if vm == nil {
		// The abbreviated document can omit versions; ask for the
		// version-specific document directly.
		vm, err = r.registry.FetchVersion(ctx, name, version)
		if err != nil {
			return types.ResolvedPackage{}, err
		}
	}
	return types.ResolvedPackage{Name: name, Version: version, Metadata: vm}, nil
}

// pickVersion selects the version a requirement pins within one package's
// metadata: the latest dist-tag for latest/* requirements, otherwise the
// greatest published version satisfying the range, falling back to the
// latest dist-tag when nothing satisfies it.
func pickVersion(meta *types.RegistryPackageMetadata, requirement string) (string, error) {
	latest := meta.DistTags["latest"]

	if requirement == "" || requirement == "latest" || requirement == "*" {
		if latest == "" {
			return "", fmt.Errorf("%s has no latest dist-tag: %w", meta.Name, ErrNoMatchingVersion)
		}
		return latest, nil
	}

	constraint, err := semver.NewConstraint(requirement)
	if err != nil {
		// Not a range. Accept an exactly published version or a
		// dist-tag name before giving up.
		if _, ok := meta.Versions[requirement]; ok {
			return requirement, nil
		}
		if v, ok := meta.DistTags[requirement]; ok {
			return v, nil
		}
		return "", fmt.Errorf("requirement %q is not a valid version range: %w", requirement, err)
	}

	var best *semver.Version
	for raw := range meta.Versions {
		v, err := semver.NewVersion(raw)
		if err != nil {
			continue
		}
		if constraint.Check(v) && (best == nil || v.GreaterThan(best)) {
			best = v
		}
	}
	if best != nil {
		return best.Original(), nil
	}
	if latest != "" {
		return latest, nil
	}
	return "", fmt.Errorf("constraint %q for %s: %w", requirement, meta.Name, ErrNoMatchingVersion)
}
