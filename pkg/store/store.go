// Package store implements the content-addressable package store: a
// shared directory of blake3-addressed file blobs, one JSON index per
// extracted package version, and a temp area for in-flight downloads.
package store

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/zeebo/blake3"

	"xpm/pkg/types"
	"xpm/pkg/utils"
)

// Directory names within the store root.
const (
	filesDir   = "files"
	indicesDir = "indices"
	tempDir    = "temp"
)

// ErrNotFound is returned when a blob or package index is not in the store.
var ErrNotFound = errors.New("not found in store")

// ContentStore manages the shared on-disk store. Hashing and temp-file
// writes run fully parallel; only the final stat-then-rename commit of a
// blob is serialized, so concurrent writers of identical content converge
// on a single stored copy.
type ContentStore struct {
	root string

	// commitMu guards the exists-check-then-rename that publishes a blob.
	commitMu sync.Mutex
}

// New creates a ContentStore rooted at the given directory. The directory
// structure is created if it does not exist.
func New(root string) (*ContentStore, error) {
	for _, dir := range []string{
		root,
		filepath.Join(root, filesDir),
		filepath.Join(root, indicesDir),
		filepath.Join(root, tempDir),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory %s: %w", dir, err)
		}
	}
	return &ContentStore{root: root}, nil
}

// BlobPath returns the sharded filesystem path for a content hash:
// files/a3/f9/b2c1e7d4...
func (s *ContentStore) BlobPath(hash string) string {
	return filepath.Join(s.root, filesDir, hash[:2], hash[2:4], hash[4:])
}

// TempPath returns a path under the store's temp directory, for staging
// files that are later renamed into place or discarded.
func (s *ContentStore) TempPath(name string) string {
	return filepath.Join(s.root, tempDir, name)
}

// StoreStream writes the reader's content into the store and returns its
// lowercase-hex blake3 hash and size. Content that already exists is not
// written twice; the new copy is discarded and the existing blob wins.
func (s *ContentStore) StoreStream(r io.Reader) (string, int64, error) {
	tmpFile, err := os.CreateTemp(filepath.Join(s.root, tempDir), "blob-*")
	if err != nil {
		return "", 0, fmt.Errorf("creating temp blob file: %w", err)
	}
	tmpPath := tmpFile.Name()

	// Clean up the temp file on any error path.
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	hasher := blake3.New()
	size, err := io.Copy(io.MultiWriter(tmpFile, hasher), r)
	if err != nil {
		tmpFile.Close()
		return "", 0, fmt.Errorf("writing blob content: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return "", 0, fmt.Errorf("closing temp blob: %w", err)
	}
	hash := hex.EncodeToString(hasher.Sum(nil))

	// Blobs are immutable once published.
	if err := os.Chmod(tmpPath, 0o444); err != nil {
		return "", 0, fmt.Errorf("marking blob read-only: %w", err)
	}

	finalPath := s.BlobPath(hash)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return "", 0, fmt.Errorf("creating blob shard directory: %w", err)
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	// Dedup: identical content produces the same hash, so an existing
	// blob is identical by construction.
	if _, err := os.Stat(finalPath); err == nil {
		os.Remove(tmpPath)
		success = true
		return hash, size, nil
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", 0, fmt.Errorf("renaming blob to %s: %w", finalPath, err)
	}

	success = true
	return hash, size, nil
}

// Contains reports whether a blob with the given hash is in the store.
func (s *ContentStore) Contains(hash string) bool {
	_, err := os.Stat(s.BlobPath(hash))
	return err == nil
}

// ReadBlob returns the full content of a stored blob.
func (s *ContentStore) ReadBlob(hash string) ([]byte, error) {
	data, err := os.ReadFile(s.BlobPath(hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("blob %s: %w", hash, ErrNotFound)
	}
	return data, err
}

// LinkOrCopy materializes a blob at dest, preferring a hard link so every
// materialization shares the stored inode. Filesystems that refuse the
// link (cross-device, or link permission denied) get a plain copy instead.
// An existing dest is replaced.
func (s *ContentStore) LinkOrCopy(hash, dest string, executable bool) error {
	src := s.BlobPath(hash)
	if executable {
		// Hard links share one inode, so the exec bit is widened on the
		// stored blob itself.
		if err := os.Chmod(src, 0o555); err != nil {
			return fmt.Errorf("marking blob executable: %w", err)
		}
	}

	err := os.Link(src, dest)
	if errors.Is(err, os.ErrExist) {
		if err = os.Remove(dest); err != nil {
			return fmt.Errorf("replacing %s: %w", dest, err)
		}
		err = os.Link(src, dest)
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.EXDEV) || errors.Is(err, syscall.EPERM) {
		return s.copyBlob(src, dest, executable)
	}
	return fmt.Errorf("linking %s: %w", dest, err)
}

// copyBlob is the fallback for filesystems where hard links out of the
// store are not possible.
func (s *ContentStore) copyBlob(src, dest string, executable bool) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening blob: %w", err)
	}
	defer in.Close()

	mode := os.FileMode(0o644)
	if executable {
		mode = 0o755
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying blob to %s: %w", dest, err)
	}
	return out.Close()
}

// StoreIndex persists a package index as indices/<name>@<version>.json via
// atomic rename through the temp directory.
func (s *ContentStore) StoreIndex(idx *types.PackageIndex) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling index: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Join(s.root, tempDir), "index-*.json")
	if err != nil {
		return fmt.Errorf("creating temp index file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing index data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing index file: %w", err)
	}

	if err := os.Rename(tmpPath, s.indexPath(idx.Name, idx.Version)); err != nil {
		return fmt.Errorf("renaming index: %w", err)
	}

	success = true
	return nil
}

// GetIndex loads the package index for a pinned version. ErrNotFound means
// the version has never been extracted into this store.
func (s *ContentStore) GetIndex(name, version string) (*types.PackageIndex, error) {
	data, err := os.ReadFile(s.indexPath(name, version))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("index for %s@%s: %w", name, version, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var idx types.PackageIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parsing index for %s@%s: %w", name, version, err)
	}
	return &idx, nil
}

func (s *ContentStore) indexPath(name, version string) string {
	return filepath.Join(s.root, indicesDir, utils.DirName(name, version)+".json")
}
