// Package models defines the domain types of the ledger.
package models

import (
	"database/sql"
	"time"
	"unicode/utf8"
)

// MaxSlugLen is the maximum slug length in characters.
const MaxSlugLen = 500

// Status is the lifecycle state of a note.
type Status string

// Note statuses.
const (
	StatusOpen  Status = "open"
	StatusDone  Status = "done"
	StatusStale Status = "stale"
)

// Statuses lists every status in display order.
var Statuses = []Status{StatusOpen, StatusDone, StatusStale}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusDone, StatusStale:
		return true
	}
	return false
}

// userTransitions are the status edits a user may request.
// done -> stale is reserved for the full scan.
var userTransitions = map[Status][]Status{
	StatusOpen:  {StatusDone, StatusStale},
	StatusStale: {StatusOpen},
}

// CanTransition reports whether a user edit may move a note from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range userTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Priority bounds.
const (
	MinPriority = 1
	MaxPriority = 3
)

// ValidSlug reports whether slug is non-empty and within MaxSlugLen characters.
func ValidSlug(slug string) bool {
	return slug != "" && utf8.ValidString(slug) && utf8.RuneCountInString(slug) <= MaxSlugLen
}

// Note is a tracked annotation.
type Note struct {
	Slug          string       `json:"slug"`
	Status        Status       `json:"status"`
	Priority      *int         `json:"priority"`
	Comment       *string      `json:"comment"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	FirstSeen     time.Time    `json:"first_seen"`
	LastSeen      time.Time    `json:"last_seen"`
	EvidenceCount int          `json:"evidence_count"`
	IsDeleted     bool         `json:"is_deleted"`
	IsArchived    bool         `json:"is_archived"`
	DeletedAt     sql.NullTime `json:"-"`
	ArchivedAt    sql.NullTime `json:"-"`
}

// Evidence is one sighting of a tag.
type Evidence struct {
	ID           int64      `json:"id"`
	Slug         string     `json:"slug"`
	Kind         TagKind    `json:"kind"`
	Root         string     `json:"scan_root"`
	FilePath     string     `json:"filepath"`
	LineNo       int        `json:"line_no"`
	Snippet      string     `json:"snippet"`
	CreatedAt    time.Time  `json:"created_at"`
	SupersededAt *time.Time `json:"superseded_at,omitempty"`
}

// NoteEvent is an append-only audit record for a note.
type NoteEvent struct {
	ID        int64     `json:"id"`
	Slug      string    `json:"slug"`
	EventType string    `json:"event_type"`
	OldValue  *string   `json:"old_value"`
	NewValue  *string   `json:"new_value"`
	ChangedAt time.Time `json:"changed_at"`
}

// Note event types.
const (
	EventCreated        = "created"
	EventStatusChange   = "status_change"
	EventPriorityChange = "priority_change"
	EventComment        = "comment"
	EventArchived       = "archived"
	EventDeleted        = "deleted"
)

// NoteDetail is a note with its evidence and event history.
type NoteDetail struct {
	Note     Note        `json:"note"`
	Evidence []Evidence  `json:"evidence"`
	Events   []NoteEvent `json:"events"`
}

// NoteFilter narrows note listings.
type NoteFilter struct {
	Statuses        []Status
	Priorities      []int
	PriorityNone    bool
	Comment         string // "", "any" or "none"
	IncludeDeleted  bool
	IncludeArchived bool
}

// Summary counts notes by status.
type Summary struct {
	Total      int            `json:"total"`
	ByStatus   map[Status]int `json:"by_status"`
	LastScanAt *time.Time     `json:"last_scan_at"`
}
