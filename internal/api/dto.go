package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/tagledger/internal/apperr"
	"github.com/starford/tagledger/internal/models"
	"github.com/starford/tagledger/internal/noteservice"
)

// MaxCommentLen bounds a note comment in characters.
const MaxCommentLen = 2000

// Optional records whether a JSON key was present and whether it was null.
type Optional[T any] struct {
	Set   bool
	Null  bool
	Value T
}

// UnmarshalJSON implements json.Unmarshaler. It only runs for keys present
// in the document.
func (o *Optional[T]) UnmarshalJSON(b []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		o.Null = true
		return nil
	}
	return json.Unmarshal(b, &o.Value)
}

// PatchNoteRequest is the body of PATCH /notes/{slug}. Absent keys are left
// untouched; "priority": null clears the priority.
type PatchNoteRequest struct {
	Status   Optional[string] `json:"status" swaggertype:"string" enums:"open,done,stale"`
	Priority Optional[int]    `json:"priority" swaggertype:"integer" example:"2"`
	Comment  Optional[string] `json:"comment" swaggertype:"string"`
	Archived Optional[bool]   `json:"archived" swaggertype:"boolean"`
	Deleted  Optional[bool]   `json:"deleted" swaggertype:"boolean"`
}

var errNull = errors.New("must not be null")

func optionalRule[T any](o Optional[T], nullable bool, rules ...validation.Rule) error {
	switch {
	case !o.Set:
		return nil
	case o.Null && nullable:
		return nil
	case o.Null:
		return errNull
	}
	return validation.Validate(o.Value, rules...)
}

// Validate checks every present field.
func (p PatchNoteRequest) Validate() error {
	statuses := make([]any, len(models.Statuses))
	for i, s := range models.Statuses {
		statuses[i] = string(s)
	}
	return validation.Errors{
		"status":   optionalRule(p.Status, false, validation.Required, validation.In(statuses...)),
		"priority": optionalRule(p.Priority, true, validation.Required, validation.Min(models.MinPriority), validation.Max(models.MaxPriority)),
		"comment":  optionalRule(p.Comment, false, validation.RuneLength(0, MaxCommentLen)),
		"archived": optionalRule(p.Archived, false),
		"deleted":  optionalRule(p.Deleted, false),
	}.Filter()
}

// ChangeSet validates the request and converts it into the ledger's change-set.
func (p PatchNoteRequest) ChangeSet() (models.ChangeSet, error) {
	var cs models.ChangeSet
	if err := p.Validate(); err != nil {
		return cs, fmt.Errorf("%w: %v", apperr.ErrInvalid, err)
	}
	if p.Status.Set {
		st := models.Status(p.Status.Value)
		cs.Status = &st
	}
	if p.Priority.Set {
		pc := &models.PriorityChange{}
		if !p.Priority.Null {
			v := p.Priority.Value
			pc.Value = &v
		}
		cs.Priority = pc
	}
	if p.Comment.Set {
		c := p.Comment.Value
		cs.Comment = &c
	}
	if p.Archived.Set {
		a := p.Archived.Value
		cs.Archived = &a
	}
	if p.Deleted.Set {
		d := p.Deleted.Value
		cs.Deleted = &d
	}
	return cs, nil
}

// PatchNoteResponse is returned when a patch changed the note.
type PatchNoteResponse struct {
	Note   models.Note   `json:"note"`
	Status models.Status `json:"status" example:"done"`
}

// NoteListResponse wraps note listings.
type NoteListResponse struct {
	Notes []models.Note `json:"notes" validate:"required"`
}

// ScanHistoryResponse wraps recent scan runs.
type ScanHistoryResponse struct {
	Recent []models.ScanOutcome `json:"recent" validate:"required"`
}

// ScanRequest is the optional body of POST /scan.
type ScanRequest = noteservice.ScanRequest

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Password string `json:"password" validate:"required"`
}

// LoginResponse reports the role bound to the new session.
type LoginResponse struct {
	Role models.Role `json:"role" example:"admin"`
}

// CheckResponse reports the caller's role and whether it came from the
// local bypass.
type CheckResponse struct {
	Role models.Role `json:"role" example:"dev"`
	Auto bool        `json:"auto"`
}

// OKResponse is a bare acknowledgement.
type OKResponse struct {
	OK bool `json:"ok"`
}

// IndexResponse is the JSON view of GET /.
type IndexResponse struct {
	OK      bool   `json:"ok"`
	Posture string `json:"posture" example:"local"`
}

type statusResponse struct {
	Status string `json:"status" example:"ok"`
}
