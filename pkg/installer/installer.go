// Package installer drives installation of a resolved dependency graph:
// tarball download and extraction into the content store, hard-link
// materialization into the virtual store, dependency and bin symlinks,
// lifecycle scripts, and finally the project-level node_modules links.
package installer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"xpm/pkg/config"
	"xpm/pkg/registry"
	"xpm/pkg/scripts"
	"xpm/pkg/store"
	"xpm/pkg/types"
	"xpm/pkg/utils"
)

// DefaultBatchSize caps how many packages are installed concurrently.
const DefaultBatchSize = 8

// Installer materializes resolved packages into a project.
type Installer struct {
	store     *store.ContentStore
	registry  *registry.Client
	paths     config.Paths
	logger    *log.Logger
	runner    *scripts.Runner
	batchSize int

	// group collapses concurrent extractions of the same pinned version;
	// extracted memoizes completed ones for the rest of the run.
	group     singleflight.Group
	mu        sync.Mutex
	extracted map[string]*types.PackageIndex
}

// Option configures an Installer during construction.
type Option func(*Installer)

// WithLogger sets the logger for install progress and failures.
func WithLogger(l *log.Logger) Option {
	return func(inst *Installer) {
		inst.logger = l
	}
}

// WithBatchSize caps the number of packages installed concurrently.
func WithBatchSize(n int) Option {
	return func(inst *Installer) {
		if n > 0 {
			inst.batchSize = n
		}
	}
}

// WithScriptRunner enables lifecycle script execution after packages are
// materialized. Without one, scripts are skipped entirely.
func WithScriptRunner(r *scripts.Runner) Option {
	return func(inst *Installer) {
		inst.runner = r
	}
}

// New creates an Installer that materializes packages from st into the
// project described by paths, fetching anything missing via reg.
func New(st *store.ContentStore, reg *registry.Client, paths config.Paths, opts ...Option) *Installer {
	inst := &Installer{
		store:     st,
		registry:  reg,
		paths:     paths,
		logger:    log.Default(),
		batchSize: DefaultBatchSize,
		extracted: make(map[string]*types.PackageIndex),
	}
	for _, opt := range opts {
		opt(inst)
	}
	return inst
}

// InstallAll installs every package of a resolved graph. Packages are
// processed in bounded parallel batches; one package failing is reported
// and skipped while its siblings proceed. Once everything is materialized,
// dependency executables are linked into each entry's private .bin, the
// lifecycle scripts of the successfully installed packages run, and each
// package is linked into the project's node_modules.
func (inst *Installer) InstallAll(ctx context.Context, resolved map[string]types.ResolvedPackage) error {
	if len(resolved) == 0 {
		return nil
	}
	for _, dir := range []string{
		inst.paths.ModulesPath(),
		inst.paths.VirtualStorePath(),
		inst.paths.ProjectBinPath(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	packages := make([]types.ResolvedPackage, 0, len(resolved))
	for _, pkg := range resolved {
		packages = append(packages, pkg)
	}
	sort.Slice(packages, func(i, j int) bool { return packages[i].Name < packages[j].Name })

	var (
		mu     sync.Mutex
		errs   []error
		failed = make(map[string]bool)
	)
	fail := func(pkg types.ResolvedPackage, err error) {
		inst.logger.Error("install failed", "package", pkg.Name, "version", pkg.Version, "error", err)
		mu.Lock()
		errs = append(errs, fmt.Errorf("%s@%s: %w", pkg.Name, pkg.Version, err))
		failed[pkg.Name] = true
		mu.Unlock()
	}

	g := new(errgroup.Group)
	g.SetLimit(inst.batchSize)
	for _, pkg := range packages {
		pkg := pkg
		g.Go(func() error {
			if err := inst.installOne(ctx, pkg, resolved); err != nil {
				fail(pkg, err)
			}
			return nil
		})
	}
	g.Wait()

	materialized := make(map[string]bool, len(packages))
	for _, pkg := range packages {
		if !failed[pkg.Name] {
			materialized[pkg.Name] = true
		}
	}
	bins := new(errgroup.Group)
	bins.SetLimit(inst.batchSize)
	for _, pkg := range packages {
		if !materialized[pkg.Name] {
			continue
		}
		pkg := pkg
		bins.Go(func() error {
			if err := inst.linkDepBins(pkg, resolved, materialized); err != nil {
				fail(pkg, err)
			}
			return nil
		})
	}
	bins.Wait()

	if inst.runner != nil {
		allow := make(map[string]bool, len(packages))
		for _, pkg := range packages {
			if !failed[pkg.Name] {
				allow[pkg.Name] = true
			}
		}
		tasks, err := inst.runner.Discover(inst.paths.VirtualStorePath(), allow)
		if err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("discovering lifecycle scripts: %w", err))
			mu.Unlock()
		} else if n := inst.runner.RunAll(ctx, tasks); n > 0 {
			inst.logger.Warn("lifecycle scripts failed", "count", n)
		}
	}

	succeeded := make([]types.ResolvedPackage, 0, len(packages))
	for _, pkg := range packages {
		if !failed[pkg.Name] {
			succeeded = append(succeeded, pkg)
		}
	}
	root := new(errgroup.Group)
	for _, pkg := range succeeded {
		pkg := pkg
		root.Go(func() error {
			if err := inst.linkRoot(pkg); err != nil {
				fail(pkg, err)
			}
			return nil
		})
	}
	root.Wait()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// installOne brings a single package fully into the virtual store: blobs
// extracted, files materialized, dependency links in place.
func (inst *Installer) installOne(ctx context.Context, pkg types.ResolvedPackage, resolved map[string]types.ResolvedPackage) error {
	idx, err := inst.ensureExtracted(ctx, pkg)
	if err != nil {
		return err
	}
	if err := inst.materialize(pkg, idx); err != nil {
		return err
	}
	return inst.linkDependencies(pkg, resolved)
}

// ensureExtracted returns the package index for a pinned version, feeding
// the store first from the per-run memo, then from a previously persisted
// index, and only then from the network. Concurrent requests for the same
// version share one download and extraction.
func (inst *Installer) ensureExtracted(ctx context.Context, pkg types.ResolvedPackage) (*types.PackageIndex, error) {
	key := utils.DirName(pkg.Name, pkg.Version)

	inst.mu.Lock()
	idx := inst.extracted[key]
	inst.mu.Unlock()
	if idx != nil {
		return idx, nil
	}

	v, err, _ := inst.group.Do(key, func() (any, error) {
		idx, err := inst.store.GetIndex(pkg.Name, pkg.Version)
		if err == nil {
			inst.logger.Debug("index already in store", "package", pkg.Name, "version", pkg.Version)
			return idx, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return inst.fetchAndExtract(ctx, pkg, key)
	})
	if err != nil {
		return nil, err
	}
	idx = v.(*types.PackageIndex)

	inst.mu.Lock()
	inst.extracted[key] = idx
	inst.mu.Unlock()
	return idx, nil
}

func (inst *Installer) fetchAndExtract(ctx context.Context, pkg types.ResolvedPackage, key string) (*types.PackageIndex, error) {
	if pkg.Metadata == nil || pkg.Metadata.Dist.Tarball == "" {
		return nil, fmt.Errorf("no tarball URL for %s@%s", pkg.Name, pkg.Version)
	}

	tarPath, err := inst.downloadTarball(ctx, pkg, key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(tarPath)
	if err != nil {
		return nil, fmt.Errorf("opening tarball: %w", err)
	}
	idx, err := inst.store.Extract(pkg.Name, pkg.Version, f)
	f.Close()
	if err != nil {
		// A tarball that does not extract will never extract; drop it so
		// the next attempt downloads a fresh copy.
		os.Remove(tarPath)
		return nil, fmt.Errorf("extracting tarball: %w", err)
	}
	if err := inst.store.StoreIndex(idx); err != nil {
		return nil, err
	}

	// The index now covers everything the tarball held.
	os.Remove(tarPath)
	inst.logger.Debug("extracted", "package", pkg.Name, "version", pkg.Version, "files", len(idx.Files))
	return idx, nil
}

// downloadTarball fetches a package tarball into the store's temp area.
// Interrupted downloads leave a part-file that later attempts resume; the
// final name appears only after the full body has been written and the
// registry checksum, when present, has been verified.
func (inst *Installer) downloadTarball(ctx context.Context, pkg types.ResolvedPackage, key string) (string, error) {
	partPath := inst.store.TempPath(key + ".tgz.part")
	finalPath := inst.store.TempPath(key + ".tgz")

	if _, err := os.Stat(finalPath); err == nil {
		return finalPath, nil
	}

	inst.logger.Debug("downloading", "package", pkg.Name, "version", pkg.Version, "url", pkg.Metadata.Dist.Tarball)
	if err := inst.registry.DownloadTarball(ctx, pkg.Metadata.Dist.Tarball, partPath); err != nil {
		return "", err
	}

	if sum := pkg.Metadata.Dist.Shasum; sum != "" {
		if err := verifyShasum(partPath, sum); err != nil {
			os.Remove(partPath)
			return "", err
		}
	}

	if err := os.Rename(partPath, finalPath); err != nil {
		return "", fmt.Errorf("committing download: %w", err)
	}
	return finalPath, nil
}

// verifyShasum checks a downloaded tarball against the registry's sha1
// checksum.
func verifyShasum(path, want string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("tarball checksum mismatch: got %s, want %s", got, want)
	}
	return nil
}

// materialize hard-links every indexed file into the package's virtual
// store entry. Re-materializing an existing entry is harmless: links are
// replaced in place.
func (inst *Installer) materialize(pkg types.ResolvedPackage, idx *types.PackageIndex) error {
	pkgDir := inst.virtualPkgDir(pkg.Name, pkg.Version)
	for rel, entry := range idx.Files {
		dest := filepath.Join(pkgDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", filepath.Dir(dest), err)
		}
		if err := inst.store.LinkOrCopy(entry.Hash, dest, entry.Executable); err != nil {
			return err
		}
	}
	return nil
}

// linkDependencies wires a package's node_modules so its imports resolve
// to the exact versions the graph pinned, without flattening. A dependency
// absent from the graph is an inconsistency and fails the package.
func (inst *Installer) linkDependencies(pkg types.ResolvedPackage, resolved map[string]types.ResolvedPackage) error {
	if pkg.Metadata == nil || len(pkg.Metadata.Dependencies) == 0 {
		return nil
	}
	entryModules := filepath.Join(inst.paths.VirtualStorePath(), utils.DirName(pkg.Name, pkg.Version), config.ModulesDir)

	for depName := range pkg.Metadata.Dependencies {
		dep, ok := resolved[depName]
		if !ok {
			return fmt.Errorf("dependency %s is missing from the resolved graph", depName)
		}
		target := inst.virtualPkgDir(dep.Name, dep.Version)
		linkPath := filepath.Join(entryModules, filepath.FromSlash(depName))
		if err := replaceSymlink(target, linkPath); err != nil {
			return err
		}
	}
	return nil
}

// linkDepBins links the executables of a package's dependencies into the
// entry's private node_modules/.bin, where lifecycle scripts expect
// dependency tools on PATH. The bin targets live inside other entries, so
// this runs only after every package has been materialized.
func (inst *Installer) linkDepBins(pkg types.ResolvedPackage, resolved map[string]types.ResolvedPackage, materialized map[string]bool) error {
	if pkg.Metadata == nil || len(pkg.Metadata.Dependencies) == 0 {
		return nil
	}
	binDir := filepath.Join(inst.paths.VirtualStorePath(), utils.DirName(pkg.Name, pkg.Version), config.ModulesDir, config.BinDir)
	for depName := range pkg.Metadata.Dependencies {
		dep, ok := resolved[depName]
		if !ok || !materialized[dep.Name] {
			continue
		}
		if err := inst.linkBins(dep, binDir); err != nil {
			return err
		}
	}
	return nil
}

// linkRoot exposes an installed package to the project: a symlink at
// node_modules/<name> into the virtual store plus its executables under
// node_modules/.bin.
func (inst *Installer) linkRoot(pkg types.ResolvedPackage) error {
	target := inst.virtualPkgDir(pkg.Name, pkg.Version)
	linkPath := filepath.Join(inst.paths.ModulesPath(), filepath.FromSlash(pkg.Name))
	if err := replaceSymlink(target, linkPath); err != nil {
		return err
	}
	return inst.linkBins(pkg, inst.paths.ProjectBinPath())
}

// linkBins links a package's executables into binDir. Bin entries whose
// target file does not exist in the materialized package are skipped.
func (inst *Installer) linkBins(pkg types.ResolvedPackage, binDir string) error {
	bins := inst.packageBins(pkg)
	if len(bins) == 0 {
		return nil
	}
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", binDir, err)
	}

	pkgDir := inst.virtualPkgDir(pkg.Name, pkg.Version)
	for binName, relPath := range bins {
		if strings.ContainsAny(binName, `/\`) {
			continue
		}
		target := filepath.Join(pkgDir, filepath.FromSlash(path.Clean(relPath)))
		fi, err := os.Stat(target)
		if err != nil || fi.IsDir() {
			inst.logger.Debug("bin target missing, skipping", "package", pkg.Name, "bin", binName, "path", relPath)
			continue
		}
		// The target is a hard link into the blob store, so widening the
		// exec bit covers every materialization of this file.
		if fi.Mode()&0o111 == 0 {
			if err := os.Chmod(target, 0o555); err != nil {
				return fmt.Errorf("marking %s executable: %w", target, err)
			}
		}
		if err := replaceSymlink(target, filepath.Join(binDir, binName)); err != nil {
			return err
		}
	}
	return nil
}

// packageBins resolves a package's bin map, preferring the materialized
// manifest so lockfile-driven installs work without registry metadata.
func (inst *Installer) packageBins(pkg types.ResolvedPackage) map[string]string {
	manifest := filepath.Join(inst.virtualPkgDir(pkg.Name, pkg.Version), config.ConfigFile)
	if cfg, err := config.LoadConfigFromPath(manifest); err == nil {
		return cfg.Bin.Normalized(pkg.Name)
	}
	if pkg.Metadata != nil {
		return pkg.Metadata.Bin.Normalized(pkg.Name)
	}
	return nil
}

// virtualPkgDir returns the materialized package directory inside its
// virtual store entry.
func (inst *Installer) virtualPkgDir(name, version string) string {
	return filepath.Join(inst.paths.VirtualStorePath(), utils.DirName(name, version), config.ModulesDir, filepath.FromSlash(name))
}

// replaceSymlink creates a relative symlink at linkPath pointing to
// target, replacing whatever was there.
func replaceSymlink(target, linkPath string) error {
	if err := os.MkdirAll(filepath.Dir(linkPath), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(linkPath), err)
	}
	rel, err := filepath.Rel(filepath.Dir(linkPath), target)
	if err != nil {
		rel = target
	}
	err = os.Symlink(rel, linkPath)
	if err == nil || !errors.Is(err, os.ErrExist) {
		return err
	}
	if err := os.Remove(linkPath); err != nil {
		return fmt.Errorf("replacing %s: %w", linkPath, err)
	}
	return os.Symlink(rel, linkPath)
}
