package snapshot

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/opsgate/internal/fsutil"
	"github.com/hugo-lorenzo-mato/opsgate/internal/observer"
)

const entryMode = 0o600

// archiveWriter builds a gzipped tar in memory. Entries added with add are
// checksummed into the manifest, which finish writes last.
type archiveWriter struct {
	buf      bytes.Buffer
	gz       *gzip.Writer
	tw       *tar.Writer
	manifest *Manifest
	modTime  time.Time
}

func newArchiveWriter(manifest *Manifest) *archiveWriter {
	a := &archiveWriter{manifest: manifest, modTime: manifest.CreatedAt}
	if a.modTime.IsZero() {
		a.modTime = time.Now().UTC()
	}
	a.gz = gzip.NewWriter(&a.buf)
	a.tw = tar.NewWriter(a.gz)
	return a
}

func (a *archiveWriter) add(name string, data []byte) error {
	name, err := entryName(name)
	if err != nil {
		return err
	}
	if err := a.addRaw(name, data); err != nil {
		return err
	}
	sum := sha256.Sum256(data)
	a.manifest.Files = append(a.manifest.Files, FileEntry{
		Path:   name,
		SHA256: hex.EncodeToString(sum[:]),
		Size:   int64(len(data)),
		Mode:   entryMode,
	})
	return nil
}

// addRaw writes an entry without listing it in the manifest.
func (a *archiveWriter) addRaw(name string, data []byte) error {
	err := a.tw.WriteHeader(&tar.Header{
		Name:     name,
		Mode:     entryMode,
		Size:     int64(len(data)),
		ModTime:  a.modTime,
		Typeflag: tar.TypeReg,
	})
	if err == nil {
		_, err = a.tw.Write(data)
	}
	if err != nil {
		return fmt.Errorf("writing archive entry %s: %w", name, err)
	}
	return nil
}

// finish appends the manifest and returns the compressed archive.
func (a *archiveWriter) finish() ([]byte, error) {
	sort.Slice(a.manifest.Files, func(i, j int) bool {
		return a.manifest.Files[i].Path < a.manifest.Files[j].Path
	})
	data, err := json.MarshalIndent(a.manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	if err := a.addRaw(manifestArchivePath, data); err != nil {
		return nil, err
	}
	if err := a.tw.Close(); err != nil {
		return nil, fmt.Errorf("closing archive: %w", err)
	}
	if err := a.gz.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip stream: %w", err)
	}
	return a.buf.Bytes(), nil
}

// readArchive loads every regular entry of a snapshot into memory, keyed by
// its cleaned name.
func readArchive(inputPath string) (map[string][]byte, error) {
	file, err := fsutil.OpenScoped(inputPath)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot: %w", err)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	files := make(map[string][]byte)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading tar entry: %w", err)
		}
		if hdr.Typeflag == tar.TypeDir {
			continue
		}
		if hdr.Typeflag != tar.TypeReg {
			return nil, fmt.Errorf("unsupported tar entry type %d for %s", hdr.Typeflag, hdr.Name)
		}
		name, err := entryName(hdr.Name)
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("reading tar entry %s: %w", name, err)
		}
		files[name] = data
	}
}

// entryName normalizes an archive entry name and rejects names that would
// land outside the archive root.
func entryName(name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	if name == "" || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("invalid archive path %q", name)
	}
	clean := path.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid archive path %q", name)
	}
	return clean, nil
}

func parseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported snapshot version: %d", m.Version)
	}
	return &m, nil
}

func (o *ExportOptions) normalize() error {
	if o == nil || strings.TrimSpace(o.OutputPath) == "" {
		return errors.New("output path is required")
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = observer.DefaultHistoryLimit
	}
	return nil
}

func (o *ImportOptions) normalize() error {
	if o == nil || strings.TrimSpace(o.InputPath) == "" {
		return errors.New("input path is required")
	}
	switch o.ConflictPolicy {
	case "":
		o.ConflictPolicy = ConflictSkip
	case ConflictSkip, ConflictFail:
	default:
		return fmt.Errorf("invalid conflict policy: %s", o.ConflictPolicy)
	}
	return nil
}
