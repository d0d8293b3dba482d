package installer

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xpm/pkg/config"
	"xpm/pkg/registry"
	"xpm/pkg/scripts"
	"xpm/pkg/store"
	"xpm/pkg/types"
	"xpm/pkg/utils"
)

type tarEntry struct {
	body string
	mode int64
}

func makeTarball(t *testing.T, files map[string]tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		entry := files[name]
		mode := entry.mode
		if mode == 0 {
			mode = 0o644
		}
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     "package/" + name,
			Mode:     mode,
			Size:     int64(len(entry.body)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(entry.body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

// testEnv wires a content store, a tarball-serving HTTP server, and a
// project directory together for end-to-end install runs.
type testEnv struct {
	t      *testing.T
	srv    *httptest.Server
	store  *store.ContentStore
	client *registry.Client
	paths  config.Paths

	mu       sync.Mutex
	tarballs map[string][]byte
	hits     map[string]int
	delays   map[string]time.Duration
}

func newTestEnv(t *testing.T) *testEnv {
	env := &testEnv{
		t:        t,
		tarballs: make(map[string][]byte),
		hits:     make(map[string]int),
		delays:   make(map[string]time.Duration),
	}
	env.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/tarballs/"), ".tgz")
		env.mu.Lock()
		blob, ok := env.tarballs[key]
		delay := env.delays[key]
		env.hits[key]++
		env.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(blob)
	}))
	t.Cleanup(env.srv.Close)

	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	env.store = st
	env.client = registry.NewClient(
		registry.WithBaseURL(env.srv.URL),
		registry.WithRetry(1, time.Millisecond),
	)
	env.paths = config.Paths{ProjectDir: t.TempDir()}
	return env
}

// addPackage publishes a package to the fake registry: its manifest plus
// any extra files become the tarball, and the returned ResolvedPackage
// carries the matching dist metadata.
func (env *testEnv) addPackage(cfg types.PackageConfig, files map[string]tarEntry) types.ResolvedPackage {
	env.t.Helper()

	manifest, err := json.Marshal(cfg)
	require.NoError(env.t, err)

	all := map[string]tarEntry{config.ConfigFile: {body: string(manifest)}}
	for name, entry := range files {
		all[name] = entry
	}
	blob := makeTarball(env.t, all)

	key := utils.DirName(cfg.Name, cfg.Version)
	env.mu.Lock()
	env.tarballs[key] = blob
	env.mu.Unlock()

	sum := sha1.Sum(blob)
	return types.ResolvedPackage{
		Name:    cfg.Name,
		Version: cfg.Version,
		Metadata: &types.VersionMetadata{
			Name:    cfg.Name,
			Version: cfg.Version,
			Dist: types.Dist{
				Tarball: env.srv.URL + "/tarballs/" + key + ".tgz",
				Shasum:  hex.EncodeToString(sum[:]),
			},
			Dependencies: cfg.Dependencies,
			Scripts:      cfg.Scripts,
			Bin:          cfg.Bin,
		},
	}
}

func (env *testEnv) hitCount(key string) int {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.hits[key]
}

// setDelay makes the fake registry hold a tarball response for a while,
// so one package's install can be forced to finish after another's.
func (env *testEnv) setDelay(key string, d time.Duration) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.delays[key] = d
}

func (env *testEnv) newInstaller(opts ...Option) *Installer {
	opts = append([]Option{WithLogger(log.New(io.Discard))}, opts...)
	return New(env.store, env.client, env.paths, opts...)
}

func TestInstallAll_MaterializesGraph(t *testing.T) {
	env := newTestEnv(t)
	lib := env.addPackage(types.PackageConfig{Name: "lib", Version: "2.1.0"}, map[string]tarEntry{
		"lib.js": {body: "module.exports = 42\n"},
	})
	app := env.addPackage(types.PackageConfig{
		Name:         "app",
		Version:      "1.0.0",
		Dependencies: map[string]string{"lib": "^2.0.0"},
		Bin:          types.BinMap{"app-cli": "./cli.js"},
	}, map[string]tarEntry{
		"index.js": {body: "require('lib')\n"},
		"cli.js":   {body: "#!/usr/bin/env node\n"},
	})
	resolved := map[string]types.ResolvedPackage{"app": app, "lib": lib}

	require.NoError(t, env.newInstaller().InstallAll(context.Background(), resolved))

	vs := env.paths.VirtualStorePath()
	got, err := os.ReadFile(filepath.Join(vs, "app@1.0.0", config.ModulesDir, "app", "index.js"))
	require.NoError(t, err)
	assert.Equal(t, "require('lib')\n", string(got))

	// The dependency link is relative and resolves inside the virtual store.
	depLink := filepath.Join(vs, "app@1.0.0", config.ModulesDir, "lib")
	target, err := os.Readlink(depLink)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("..", "..", "lib@2.1.0", config.ModulesDir, "lib"), target)
	depContent, err := os.ReadFile(filepath.Join(depLink, "lib.js"))
	require.NoError(t, err)
	assert.Equal(t, "module.exports = 42\n", string(depContent))

	rootLink := filepath.Join(env.paths.ModulesPath(), "app")
	fi, err := os.Lstat(rootLink)
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&os.ModeSymlink)
	rootContent, err := os.ReadFile(filepath.Join(rootLink, "index.js"))
	require.NoError(t, err)
	assert.Equal(t, "require('lib')\n", string(rootContent))

	binInfo, err := os.Stat(filepath.Join(env.paths.ProjectBinPath(), "app-cli"))
	require.NoError(t, err)
	assert.NotZero(t, binInfo.Mode()&0o111, "bin target should be executable")
}

func TestInstallAll_LinksDepBinsBehindSlowDependency(t *testing.T) {
	env := newTestEnv(t)
	lib := env.addPackage(types.PackageConfig{
		Name:    "lib",
		Version: "1.0.0",
		Bin:     types.BinMap{"lib-cli": "./cli.js"},
	}, map[string]tarEntry{
		"cli.js": {body: "#!/usr/bin/env node\n"},
	})
	app := env.addPackage(types.PackageConfig{
		Name:         "app",
		Version:      "1.0.0",
		Dependencies: map[string]string{"lib": "^1.0.0"},
	}, map[string]tarEntry{
		"index.js": {body: "require('lib')\n"},
	})
	// lib's tarball arrives long after app has finished installing.
	env.setDelay("lib@1.0.0", 300*time.Millisecond)
	resolved := map[string]types.ResolvedPackage{"app": app, "lib": lib}

	require.NoError(t, env.newInstaller().InstallAll(context.Background(), resolved))

	binLink := filepath.Join(env.paths.VirtualStorePath(),
		"app@1.0.0", config.ModulesDir, config.BinDir, "lib-cli")
	fi, err := os.Lstat(binLink)
	require.NoError(t, err, "dependency executable must be linked even when the dependency materializes last")
	assert.NotZero(t, fi.Mode()&os.ModeSymlink)

	resolvedInfo, err := os.Stat(binLink)
	require.NoError(t, err)
	assert.NotZero(t, resolvedInfo.Mode()&0o111)
}

func TestInstallAll_SecondInstallSkipsDownloads(t *testing.T) {
	env := newTestEnv(t)
	pkg := env.addPackage(types.PackageConfig{Name: "cached", Version: "1.0.0"}, map[string]tarEntry{
		"a.js": {body: "a\n"},
	})
	resolved := map[string]types.ResolvedPackage{"cached": pkg}

	require.NoError(t, env.newInstaller().InstallAll(context.Background(), resolved))
	require.Equal(t, 1, env.hitCount("cached@1.0.0"))

	// A fresh project reuses the persisted index instead of the network.
	env.paths.ProjectDir = t.TempDir()
	require.NoError(t, env.newInstaller().InstallAll(context.Background(), resolved))
	assert.Equal(t, 1, env.hitCount("cached@1.0.0"))

	_, err := os.Stat(filepath.Join(env.paths.VirtualStorePath(), "cached@1.0.0", config.ModulesDir, "cached", "a.js"))
	assert.NoError(t, err)
}

func TestInstallAll_MissingDependencyFails(t *testing.T) {
	env := newTestEnv(t)
	app := env.addPackage(types.PackageConfig{
		Name:         "app",
		Version:      "1.0.0",
		Dependencies: map[string]string{"ghost": "^1.0.0"},
	}, nil)
	resolved := map[string]types.ResolvedPackage{"app": app}

	err := env.newInstaller().InstallAll(context.Background(), resolved)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost is missing from the resolved graph")

	// A failed package must not be exposed at the project root.
	_, err = os.Lstat(filepath.Join(env.paths.ModulesPath(), "app"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestInstallAll_ChecksumMismatchFails(t *testing.T) {
	env := newTestEnv(t)
	pkg := env.addPackage(types.PackageConfig{Name: "tampered", Version: "1.0.0"}, map[string]tarEntry{
		"a.js": {body: "a\n"},
	})
	pkg.Metadata.Dist.Shasum = strings.Repeat("0", 40)
	resolved := map[string]types.ResolvedPackage{"tampered": pkg}

	err := env.newInstaller().InstallAll(context.Background(), resolved)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
	assert.NoDirExists(t, filepath.Join(env.paths.VirtualStorePath(), "tampered@1.0.0"))
}

func TestInstallAll_CorruptCachedTarballIsDiscarded(t *testing.T) {
	env := newTestEnv(t)
	pkg := env.addPackage(types.PackageConfig{Name: "stale", Version: "1.0.0"}, map[string]tarEntry{
		"a.js": {body: "a\n"},
	})
	pkg.Metadata.Dist.Shasum = ""
	resolved := map[string]types.ResolvedPackage{"stale": pkg}

	// A finished but unreadable download survives from an earlier run.
	cached := env.store.TempPath("stale@1.0.0.tgz")
	require.NoError(t, os.WriteFile(cached, []byte("not a gzip stream"), 0o644))

	err := env.newInstaller().InstallAll(context.Background(), resolved)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extracting tarball")
	assert.NoFileExists(t, cached, "a tarball that failed to extract must not be kept")

	// With the bad file gone the next install downloads a good copy.
	require.NoError(t, env.newInstaller().InstallAll(context.Background(), resolved))
	assert.Equal(t, 1, env.hitCount("stale@1.0.0"))
}

func TestInstallAll_RunsLifecycleScripts(t *testing.T) {
	env := newTestEnv(t)
	pkg := env.addPackage(types.PackageConfig{
		Name:    "hooked",
		Version: "1.0.0",
		Scripts: map[string]string{"postinstall": "printf done > out.txt"},
	}, nil)
	resolved := map[string]types.ResolvedPackage{"hooked": pkg}

	runner := &scripts.Runner{Logger: log.New(io.Discard)}
	inst := env.newInstaller(WithScriptRunner(runner))
	require.NoError(t, inst.InstallAll(context.Background(), resolved))

	got, err := os.ReadFile(filepath.Join(
		env.paths.VirtualStorePath(), "hooked@1.0.0", config.ModulesDir, "hooked", "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "done", string(got))
}

func TestInstallAll_EmptyGraph(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.newInstaller().InstallAll(context.Background(), nil))
	assert.NoDirExists(t, env.paths.ModulesPath())
}

func TestPrune_RemovesOrphans(t *testing.T) {
	env := newTestEnv(t)
	lib := env.addPackage(types.PackageConfig{Name: "lib", Version: "1.0.0"}, map[string]tarEntry{
		"lib.js": {body: "lib\n"},
	})
	app := env.addPackage(types.PackageConfig{
		Name:         "app",
		Version:      "1.0.0",
		Dependencies: map[string]string{"lib": "^1.0.0"},
	}, nil)
	old := env.addPackage(types.PackageConfig{
		Name:    "old",
		Version: "3.0.0",
		Bin:     types.BinMap{"old-cli": "./cli.js"},
	}, map[string]tarEntry{
		"cli.js": {body: "#!/bin/sh\n"},
	})
	resolved := map[string]types.ResolvedPackage{"app": app, "lib": lib, "old": old}

	inst := env.newInstaller()
	require.NoError(t, inst.InstallAll(context.Background(), resolved))
	require.FileExists(t, filepath.Join(env.paths.ProjectBinPath(), "old-cli"))

	lock := types.BuildLockFile(resolved)
	pruned, err := inst.Prune(lock, map[string]string{"app": "^1.0.0"})
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, pruned)

	assert.NoDirExists(t, filepath.Join(env.paths.VirtualStorePath(), "old@3.0.0"))
	_, err = os.Lstat(filepath.Join(env.paths.ModulesPath(), "old"))
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Lstat(filepath.Join(env.paths.ProjectBinPath(), "old-cli"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	assert.NotContains(t, lock.Packages, "old")
	assert.Contains(t, lock.Packages, "lib")
	assert.DirExists(t, filepath.Join(env.paths.VirtualStorePath(), "lib@1.0.0"))
}
