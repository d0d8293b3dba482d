package types

import (
	"encoding/json"
	"fmt"

	"xpm/pkg/utils"
)

// PackageConfig matches the structure of package.json
type PackageConfig struct {
	Name         string            `json:"name"`
	Version      string            `json:"version,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
	Scripts      map[string]string `json:"scripts,omitempty"` // Lifecycle hooks (preinstall, install, postinstall)
	Bin          BinMap            `json:"bin,omitempty"`
}

// BinMap holds a package's executable entry points. Manifests publish it
// either as a plain string (a single binary named after the package) or as
// a name-to-path object, so decoding normalizes both forms.
type BinMap map[string]string

func (b *BinMap) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*b = nil
		return nil
	}
	if data[0] == '"' {
		var path string
		if err := json.Unmarshal(data, &path); err != nil {
			return err
		}
		// The key is filled in with the package name at link time.
		*b = BinMap{"": path}
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("bin must be a string or an object of strings: %w", err)
	}
	*b = m
	return nil
}

// Normalized resolves the single-string form against the package name and
// returns a plain bin-name to relative-path map. Scoped packages drop the
// scope for the default binary name, mirroring registry behavior.
func (b BinMap) Normalized(pkgName string) map[string]string {
	if len(b) == 0 {
		return nil
	}
	out := make(map[string]string, len(b))
	for name, path := range b {
		if name == "" {
			name = utils.BinBaseName(pkgName)
		}
		out[name] = path
	}
	return out
}

// Dist points at the downloadable artifact for one published version.
type Dist struct {
	Tarball   string `json:"tarball"`
	Shasum    string `json:"shasum,omitempty"`
	Integrity string `json:"integrity,omitempty"`
}

// VersionMetadata is the registry document for a single published version.
type VersionMetadata struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Dist         Dist              `json:"dist"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
	Scripts      map[string]string `json:"scripts,omitempty"`
	Bin          BinMap            `json:"bin,omitempty"`
}

// RegistryPackageMetadata is the abbreviated registry document for a whole
// package: every published version plus the dist-tag aliases.
type RegistryPackageMetadata struct {
	Name     string                      `json:"name"`
	DistTags map[string]string           `json:"dist-tags"`
	Versions map[string]*VersionMetadata `json:"versions"`
}

// ResolvedPackage is one pinned node of a fully resolved dependency graph.
type ResolvedPackage struct {
	Name     string
	Version  string
	Metadata *VersionMetadata
}

// IndexEntry records where one file of an extracted package lives in the
// content store.
type IndexEntry struct {
	Hash       string `json:"hash"`
	Size       int64  `json:"size"`
	Executable bool   `json:"executable,omitempty"`
}

// PackageIndex maps every file of an extracted package, keyed by the
// slash-separated path relative to the package root.
type PackageIndex struct {
	Name    string                `json:"name"`
	Version string                `json:"version"`
	Files   map[string]IndexEntry `json:"files"`
}

// ScriptStage names one lifecycle hook bucket.
type ScriptStage string

const (
	StagePreinstall  ScriptStage = "preinstall"
	StageInstall     ScriptStage = "install"
	StagePostinstall ScriptStage = "postinstall"
)

// ScriptStages lists the lifecycle stages in execution order.
var ScriptStages = []ScriptStage{StagePreinstall, StageInstall, StagePostinstall}

// ScriptTask is one lifecycle script scheduled for execution.
type ScriptTask struct {
	Package string
	Version string
	Stage   ScriptStage
	Command string
	Dir     string // package directory inside the virtual store
	BinDir  string // the entry's private node_modules/.bin
}
