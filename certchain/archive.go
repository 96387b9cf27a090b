package certchain

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/ruteri/sev-guest-owner/interfaces"
)

// MaxArchiveSize bounds the uncompressed content of a certificate archive.
const MaxArchiveSize = 1 << 20

// ExtractArchive reads a zip archive of flat files. Entries with directory
// components, duplicates, or a total uncompressed size over MaxArchiveSize
// are rejected.
func ExtractArchive(data []byte) (map[string][]byte, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid certificate archive: %v", interfaces.ErrEncoding, err)
	}

	files := make(map[string][]byte, len(r.File))
	var total int64
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := f.Name
		if name == "" || path.Base(name) != name || strings.ContainsAny(name, `\:`) || name == "." || name == ".." {
			return nil, fmt.Errorf("%w: unexpected archive entry %q", interfaces.ErrEncoding, f.Name)
		}
		if _, dup := files[name]; dup {
			return nil, fmt.Errorf("%w: duplicate archive entry %q", interfaces.ErrEncoding, name)
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: archive entry %q: %v", interfaces.ErrEncoding, name, err)
		}
		content, err := io.ReadAll(io.LimitReader(rc, MaxArchiveSize-total+1))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: archive entry %q: %v", interfaces.ErrEncoding, name, err)
		}
		total += int64(len(content))
		if total > MaxArchiveSize {
			return nil, fmt.Errorf("%w: certificate archive exceeds %d bytes", interfaces.ErrEncoding, MaxArchiveSize)
		}
		files[name] = content
	}
	return files, nil
}

// BuildArchive writes files into a zip archive. Entries are sorted by name
// so the same input always yields the same archive.
func BuildArchive(files map[string][]byte) ([]byte, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, name := range names {
		fw, err := w.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
		if err != nil {
			return nil, fmt.Errorf("failed to add %s to archive: %w", name, err)
		}
		if _, err := fw.Write(files[name]); err != nil {
			return nil, fmt.Errorf("failed to write %s to archive: %w", name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish archive: %w", err)
	}
	return buf.Bytes(), nil
}
