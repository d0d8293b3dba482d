package store

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"

	"xpm/pkg/types"
)

// Extract ingests a gzipped package tarball: every regular file is streamed
// straight into the blob store and recorded in the returned index. The
// tarball's leading path component (the registry's package/ wrapper) is
// stripped. Persisting the index is the caller's responsibility.
func (s *ContentStore) Extract(name, version string, r io.Reader) (*types.PackageIndex, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("creating gzip reader: %w", err)
	}
	defer gz.Close()

	idx := &types.PackageIndex{
		Name:    name,
		Version: version,
		Files:   make(map[string]types.IndexEntry),
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		rel, ok := packageRelPath(hdr.Name)
		if !ok {
			continue
		}

		hash, size, err := s.StoreStream(tr)
		if err != nil {
			return nil, fmt.Errorf("storing %s: %w", rel, err)
		}
		idx.Files[rel] = types.IndexEntry{
			Hash:       hash,
			Size:       size,
			Executable: hdr.FileInfo().Mode()&0o111 != 0,
		}
	}

	return idx, nil
}

// packageRelPath strips the tarball's first path component and rejects
// entries that would escape the package root.
func packageRelPath(entryName string) (string, bool) {
	clean := path.Clean(strings.TrimPrefix(entryName, "/"))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", false
	}
	i := strings.IndexByte(clean, '/')
	if i < 0 {
		// Entry at the archive root, nothing left after the wrapper.
		return "", false
	}
	return clean[i+1:], true
}
