package noteservice

import (
	"context"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/tagledger/internal/apperr"
	"github.com/starford/tagledger/internal/ledger"
	"github.com/starford/tagledger/internal/models"
	"github.com/starford/tagledger/internal/principal"
	"github.com/starford/tagledger/internal/scan"
)

// Export window bounds for scan history and metrics.
const (
	MinExportLimit     = 1
	MaxExportLimit     = 2000
	DefaultExportLimit = 50
)

// NotePublisher is told about notes changed by a user edit.
type NotePublisher interface {
	PublishNoteUpdated(slug string)
}

// Service coordinates the ledger and the scan engine for the HTTP, MCP and
// CLI surfaces.
type Service struct {
	db     *ledger.DB
	engine *scan.Engine
	roots  scan.RootPolicy
	events NotePublisher
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher sets the receiver of note change notifications.
func WithPublisher(p NotePublisher) Option {
	return func(s *Service) { s.events = p }
}

// NewService creates a new note service.
func NewService(db *ledger.DB, engine *scan.Engine, roots scan.RootPolicy, opts ...Option) *Service {
	s := &Service{db: db, engine: engine, roots: roots}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListNotes returns the notes matching f.
func (s *Service) ListNotes(ctx context.Context, f models.NoteFilter) ([]models.Note, error) {
	if err := validateFilter(f); err != nil {
		return nil, err
	}
	return s.db.ListNotes(ctx, f)
}

// GetNote returns a note with its evidence and event history.
func (s *Service) GetNote(ctx context.Context, slug string, withHistory bool) (models.NoteDetail, error) {
	if !models.ValidSlug(slug) {
		return models.NoteDetail{}, fmt.Errorf("slug: %w", apperr.ErrInvalid)
	}
	return s.db.NoteDetail(ctx, slug, withHistory)
}

// UpdateNote applies a user edit. It returns apperr.ErrNoChange when cs is
// empty or every field already holds the requested value, in which case
// nothing is written. Only admins may change the deleted flag; restating
// its current value is allowed for everyone.
func (s *Service) UpdateNote(ctx context.Context, slug string, cs models.ChangeSet) (models.Note, error) {
	if !models.ValidSlug(slug) {
		return models.Note{}, fmt.Errorf("slug: %w", apperr.ErrInvalid)
	}
	if cs.Empty() {
		return models.Note{}, apperr.ErrNoChange
	}
	p, ok := principal.FromContext(ctx)
	mayDelete := !ok || p.Role == models.RoleAdmin

	var (
		note    models.Note
		changed bool
	)
	err := s.db.Update(ctx, func(tx *ledger.Tx) error {
		if cs.Deleted != nil && !mayDelete {
			cur, err := tx.Note(slug)
			if err != nil {
				return err
			}
			if *cs.Deleted != cur.IsDeleted {
				return fmt.Errorf("deleted flag requires admin: %w", apperr.ErrForbidden)
			}
		}
		var err error
		note, changed, err = tx.ApplyChanges(slug, cs)
		return err
	})
	if err != nil {
		return models.Note{}, err
	}
	if !changed {
		return note, apperr.ErrNoChange
	}
	if s.events != nil {
		s.events.PublishNoteUpdated(slug)
	}
	return note, nil
}

// Summary counts notes by status.
func (s *Service) Summary(ctx context.Context, includeDeleted, includeArchived bool) (models.Summary, error) {
	return s.db.Summary(ctx, includeDeleted, includeArchived)
}

// ExportNotes returns every note, soft-flagged ones only when asked for.
func (s *Service) ExportNotes(ctx context.Context, includeDeleted, includeArchived bool) ([]models.Note, error) {
	return s.db.ListNotes(ctx, models.NoteFilter{
		IncludeDeleted:  includeDeleted,
		IncludeArchived: includeArchived,
	})
}

// ScanHistory returns the most recent scan runs, newest first.
func (s *Service) ScanHistory(ctx context.Context, limit int) ([]models.ScanOutcome, error) {
	if err := validateLimit(limit); err != nil {
		return nil, err
	}
	return s.db.ScanHistory(ctx, limit)
}

// Metrics returns the scan log export for the last limit runs together with
// the root a scan without an explicit root would walk.
func (s *Service) Metrics(ctx context.Context, limit int) (models.ScanMetrics, error) {
	if err := validateLimit(limit); err != nil {
		return models.ScanMetrics{}, err
	}
	m, err := s.db.ScanMetrics(ctx, limit)
	if err != nil {
		return m, err
	}
	if root, err := s.roots.Resolve(""); err == nil {
		m.ResolvedRoot = root
	}
	return m, nil
}

// ScanRequest asks for one scan run.
type ScanRequest struct {
	Root string `json:"root"`
	Full bool   `json:"full"`
}

// Validate checks the request shape before any filesystem access.
func (r ScanRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Root, validation.Length(0, scan.MaxRootLen)),
	)
}

// Mode returns the scan mode the request selects.
func (r ScanRequest) Mode() models.ScanMode {
	if r.Full {
		return models.ScanFull
	}
	return models.ScanDiff
}

// Scan resolves the root under the configured policy and runs one scan.
func (s *Service) Scan(ctx context.Context, req ScanRequest) (models.ScanOutcome, error) {
	if err := req.Validate(); err != nil {
		return models.ScanOutcome{}, fmt.Errorf("%w: %v", apperr.ErrInvalid, err)
	}
	root, err := s.roots.Resolve(req.Root)
	if err != nil {
		return models.ScanOutcome{}, err
	}
	return s.engine.Scan(ctx, root, req.Mode())
}

// Ready reports whether the ledger is reachable.
func (s *Service) Ready(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// ResolveRoot returns the root a scan without an explicit root would walk.
func (s *Service) ResolveRoot() (string, error) {
	return s.roots.Resolve("")
}

func validateLimit(limit int) error {
	err := validation.Validate(limit,
		validation.Required,
		validation.Min(MinExportLimit),
		validation.Max(MaxExportLimit),
	)
	if err != nil {
		return fmt.Errorf("%w: limit must be %d..%d", apperr.ErrInvalid, MinExportLimit, MaxExportLimit)
	}
	return nil
}

func validateFilter(f models.NoteFilter) error {
	err := validation.ValidateStruct(&f,
		validation.Field(&f.Statuses, validation.Each(validation.By(func(v any) error {
			if st, _ := v.(models.Status); !st.Valid() {
				return fmt.Errorf("unknown status %q", st)
			}
			return nil
		}))),
		validation.Field(&f.Priorities, validation.Each(validation.By(func(v any) error {
			if p, _ := v.(int); p < models.MinPriority || p > models.MaxPriority {
				return fmt.Errorf("priority must be %d..%d", models.MinPriority, models.MaxPriority)
			}
			return nil
		}))),
		validation.Field(&f.Comment, validation.In("", "any", "none")),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrInvalid, err)
	}
	return nil
}
