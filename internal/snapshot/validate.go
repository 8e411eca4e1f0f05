package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
	"github.com/hugo-lorenzo-mato/opsgate/internal/observer"
)

// ValidateSnapshot verifies archive structure and checksums and returns the manifest.
func ValidateSnapshot(inputPath string) (*Manifest, error) {
	archive, err := Load(inputPath)
	if err != nil {
		return nil, err
	}
	return archive.Manifest, nil
}

// Load reads a snapshot, verifies every file against the manifest and checks
// that the archived views match a fresh projection of the archived records.
func Load(inputPath string) (*Archive, error) {
	if inputPath == "" {
		return nil, fmt.Errorf("input path is required")
	}

	files, err := readArchive(inputPath)
	if err != nil {
		return nil, err
	}

	raw, ok := files[manifestArchivePath]
	if !ok {
		return nil, fmt.Errorf("snapshot is missing %s", manifestArchivePath)
	}
	manifest, err := parseManifest(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if err := verifyEntries(manifest, files); err != nil {
		return nil, err
	}

	var records []*core.OperationRecord
	if err := json.Unmarshal(files[recordsArchivePath], &records); err != nil {
		return nil, fmt.Errorf("decoding records: %w", err)
	}
	var views observer.Views
	if err := yaml.Unmarshal(files[viewsArchivePath], &views); err != nil {
		return nil, fmt.Errorf("decoding views: %w", err)
	}

	if len(records) != manifest.Counts.Records {
		return nil, fmt.Errorf("record count mismatch: manifest=%d archive=%d", manifest.Counts.Records, len(records))
	}
	if err := compareViews(observer.Project(records, manifest.HistoryLimit), views); err != nil {
		return nil, err
	}

	return &Archive{Manifest: manifest, Records: records, Views: views}, nil
}

// verifyEntries checks every manifest entry against the archive contents.
func verifyEntries(manifest *Manifest, files map[string][]byte) error {
	for _, want := range manifest.Files {
		data, ok := files[want.Path]
		switch {
		case !ok:
			return fmt.Errorf("manifest entry not found in archive: %s", want.Path)
		case int64(len(data)) != want.Size:
			return fmt.Errorf("size mismatch for %s: manifest=%d archive=%d", want.Path, want.Size, len(data))
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != want.SHA256 {
			return fmt.Errorf("checksum mismatch for %s", want.Path)
		}
	}
	for _, required := range []string{recordsArchivePath, viewsArchivePath} {
		if _, ok := files[required]; !ok {
			return fmt.Errorf("snapshot is missing required entry: %s", required)
		}
	}
	return nil
}

// compareViews checks the archived views against a fresh projection by
// record identity. Field values can shift through the YAML round-trip.
func compareViews(want, got observer.Views) error {
	if idOf(want.RunningMajor) != idOf(got.RunningMajor) {
		return fmt.Errorf("views mismatch: running major %q, records say %q", idOf(got.RunningMajor), idOf(want.RunningMajor))
	}
	if idOf(want.PausedMajor) != idOf(got.PausedMajor) {
		return fmt.Errorf("views mismatch: paused major %q, records say %q", idOf(got.PausedMajor), idOf(want.PausedMajor))
	}
	lists := []struct {
		name      string
		want, got []*core.OperationRecord
	}{
		{"queued major", want.QueuedMajor, got.QueuedMajor},
		{"recent history", want.RecentHistory, got.RecentHistory},
		{"running minor", want.RunningMinor, got.RunningMinor},
	}
	for _, l := range lists {
		if !slices.Equal(idsOf(l.want), idsOf(l.got)) {
			return fmt.Errorf("views mismatch: %s %v, records say %v", l.name, idsOf(l.got), idsOf(l.want))
		}
	}
	return nil
}

func idOf(rec *core.OperationRecord) core.OperationID {
	if rec == nil {
		return ""
	}
	return rec.ID
}

func idsOf(recs []*core.OperationRecord) []core.OperationID {
	out := make([]core.OperationID, 0, len(recs))
	for _, r := range recs {
		out = append(out, idOf(r))
	}
	return out
}
