package snapshot

import (
	"time"

	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
	"github.com/hugo-lorenzo-mato/opsgate/internal/observer"
)

const (
	// FormatVersion is the current snapshot manifest format version.
	FormatVersion = 1

	manifestArchivePath = "manifest.json"
	recordsArchivePath  = "ledger/records.json"
	viewsArchivePath    = "views/views.yaml"
)

// ConflictPolicy controls how import handles records the target ledger
// cannot take, such as a second active major operation.
type ConflictPolicy string

const (
	ConflictSkip ConflictPolicy = "skip"
	ConflictFail ConflictPolicy = "fail"
)

// FileEntry describes one archived file.
type FileEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
	Mode   int64  `json:"mode"`
}

// Counts summarizes the archived records by status.
type Counts struct {
	Records   int                          `json:"records"`
	ByStatus  map[core.OperationStatus]int `json:"by_status"`
	Major     int                          `json:"major"`
	Minor     int                          `json:"minor"`
	MaxSeq    int64                        `json:"max_seq"`
	Blocker   core.OperationID             `json:"blocker,omitempty"`
	QueueSize int                          `json:"queue_size"`
}

// Manifest is the metadata file stored at snapshot root.
type Manifest struct {
	Version        int         `json:"version"`
	CreatedAt      time.Time   `json:"created_at"`
	OpsgateVersion string      `json:"opsgate_version,omitempty"`
	LedgerDriver   string      `json:"ledger_driver,omitempty"`
	HistoryLimit   int         `json:"history_limit"`
	Counts         Counts      `json:"counts"`
	Files          []FileEntry `json:"files"`
}

// ExportOptions configures snapshot export behavior.
type ExportOptions struct {
	OutputPath     string
	OpsgateVersion string
	LedgerDriver   string
	// HistoryLimit bounds the recent history in the archived views. Zero
	// uses observer.DefaultHistoryLimit.
	HistoryLimit int
	// ActiveOnly leaves terminal records out of the archive.
	ActiveOnly bool
}

// ExportResult describes an export operation.
type ExportResult struct {
	OutputPath string    `json:"output_path"`
	Manifest   *Manifest `json:"manifest"`
}

// Archive is a loaded and verified snapshot.
type Archive struct {
	Manifest *Manifest               `json:"manifest"`
	Records  []*core.OperationRecord `json:"records"`
	Views    observer.Views          `json:"views"`
}

// ImportOptions configures snapshot import behavior.
type ImportOptions struct {
	InputPath      string
	DryRun         bool
	ConflictPolicy ConflictPolicy
	// SkipTerminal restores only queued, running and paused records.
	SkipTerminal bool
}

// RecordImportReport is the per-record result from import.
type RecordImportReport struct {
	SourceID core.OperationID     `json:"source_id"`
	TargetID core.OperationID     `json:"target_id,omitempty"`
	Status   core.OperationStatus `json:"status"`
	Action   string               `json:"action"`
	Reason   string               `json:"reason,omitempty"`
}

// ImportReport summarizes import execution.
type ImportReport struct {
	DryRun         bool                 `json:"dry_run"`
	ConflictPolicy ConflictPolicy       `json:"conflict_policy"`
	Manifest       *Manifest            `json:"manifest"`
	Records        []RecordImportReport `json:"records"`
	Restored       int                  `json:"restored"`
	Skipped        int                  `json:"skipped"`
	Warnings       []string             `json:"warnings,omitempty"`
}
