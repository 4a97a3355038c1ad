package models

import "time"

// TagKind distinguishes open tags from done tags.
type TagKind string

// Tag kinds.
const (
	TagNote TagKind = "note"
	TagDone TagKind = "done"
)

// ScanMode selects diff or full scan semantics.
type ScanMode string

// Scan modes.
const (
	ScanDiff ScanMode = "diff"
	ScanFull ScanMode = "full"
)

// FileState is the per-file bookkeeping used by diff scans.
// Rows are keyed by the scan root and the path relative to it.
type FileState struct {
	Root       string    `json:"scan_root"`
	Path       string    `json:"filepath"`
	MtimeNS    int64     `json:"mtime_ns"`
	SizeBytes  int64     `json:"size_bytes"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// ScanOutcome summarises one scan run. It is persisted verbatim as a scan_log row.
type ScanOutcome struct {
	ID                 int64     `json:"id,omitempty"`
	ScannedAt          time.Time `json:"scanned_at"`
	ScannedRoot        string    `json:"scanned_root"`
	Full               bool      `json:"full"`
	FilesScanned       int       `json:"files_scanned"`
	SlugsFound         int       `json:"slugs_found"`
	EvidenceAdded      int       `json:"evidence_added"`
	EvidenceSuperseded int       `json:"evidence_superseded"`
	DoneForced         int       `json:"done_forced"`
	StaleMarked        int       `json:"stale_marked"`
	RevivedCount       int       `json:"revived_count"`
	OrphanFilesRemoved int       `json:"orphan_files_removed"`
}

// ScanAggregate sums scan_log counters over a window of runs.
type ScanAggregate struct {
	Runs               int `json:"runs"`
	FullRuns           int `json:"full_runs"`
	DiffRuns           int `json:"diff_runs"`
	FilesScanned       int `json:"files_scanned"`
	SlugsFound         int `json:"slugs_found"`
	EvidenceAdded      int `json:"evidence_added"`
	DoneForced         int `json:"done_forced"`
	StaleMarked        int `json:"stale_marked"`
	RevivedCount       int `json:"revived_count"`
	OrphanFilesRemoved int `json:"orphan_files_removed"`
}

// ScanMetrics is the export view over the scan log.
type ScanMetrics struct {
	ExportedAt   time.Time     `json:"exported_at"`
	LastScanAt   *time.Time    `json:"last_scan_at"`
	Limit        int           `json:"limit"`
	Recent       []ScanOutcome `json:"recent"`
	Aggregate    ScanAggregate `json:"aggregate"`
	AggregateAll ScanAggregate `json:"aggregate_all"`
	ResolvedRoot string        `json:"resolved_root"`
}
