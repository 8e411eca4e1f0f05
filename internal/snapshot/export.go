package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
	"github.com/hugo-lorenzo-mato/opsgate/internal/fsutil"
	"github.com/hugo-lorenzo-mato/opsgate/internal/observer"
)

// Export writes every ledger record plus the derived views to a gzipped tar
// archive. The file is replaced atomically.
func Export(ctx context.Context, ledger core.Ledger, opts *ExportOptions) (*ExportResult, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	filter := core.Filter{Order: core.OrderSeq}
	if opts.ActiveOnly {
		filter.Statuses = core.NonTerminalStatuses
	}
	records, err := ledger.Query(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("reading ledger: %w", err)
	}
	views := observer.Project(records, opts.HistoryLimit)

	manifest := &Manifest{
		Version:        FormatVersion,
		CreatedAt:      time.Now().UTC(),
		OpsgateVersion: opts.OpsgateVersion,
		LedgerDriver:   opts.LedgerDriver,
		HistoryLimit:   opts.HistoryLimit,
		Counts:         countRecords(records, views),
		Files:          make([]FileEntry, 0, 2),
	}

	recordsData, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding records: %w", err)
	}
	viewsData, err := yaml.Marshal(views)
	if err != nil {
		return nil, fmt.Errorf("encoding views: %w", err)
	}

	aw := newArchiveWriter(manifest)
	if err := aw.add(recordsArchivePath, recordsData); err != nil {
		return nil, err
	}
	if err := aw.add(viewsArchivePath, viewsData); err != nil {
		return nil, err
	}
	data, err := aw.finish()
	if err != nil {
		return nil, err
	}

	if err := fsutil.WriteFileAtomic(opts.OutputPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("writing snapshot file: %w", err)
	}

	return &ExportResult{
		OutputPath: opts.OutputPath,
		Manifest:   manifest,
	}, nil
}

func countRecords(records []*core.OperationRecord, views observer.Views) Counts {
	c := Counts{
		Records:   len(records),
		ByStatus:  make(map[core.OperationStatus]int),
		QueueSize: len(views.QueuedMajor),
	}
	for _, r := range records {
		c.ByStatus[r.Status]++
		if r.IsMajor() {
			c.Major++
		} else {
			c.Minor++
		}
		c.MaxSeq = max(c.MaxSeq, r.Seq)
	}
	if b := views.Blocker(); b != nil {
		c.Blocker = b.ID
	}
	return c
}
