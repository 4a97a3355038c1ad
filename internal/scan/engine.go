// Package scan reconciles annotation tags found under a source tree with the
// ledger, in diff or full mode.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/starford/tagledger/internal/apperr"
	"github.com/starford/tagledger/internal/ledger"
	"github.com/starford/tagledger/internal/metrics"
	"github.com/starford/tagledger/internal/models"
	"github.com/starford/tagledger/internal/parser"
	"github.com/starford/tagledger/internal/storage"
)

// Observer is notified after a scan commits.
type Observer func(models.ScanOutcome)

// Opener builds the file provider for a scan root.
type Opener func(root string, f storage.Filter) (storage.Provider, error)

func openFS(root string, f storage.Filter) (storage.Provider, error) {
	return storage.NewFS(root, f)
}

// Engine runs scans against one ledger.
type Engine struct {
	db       *ledger.DB
	filter   storage.Filter
	open     Opener
	locks    *keyedMutex
	logger   *slog.Logger
	observer Observer
}

// Option configures an Engine.
type Option func(*Engine)

// WithFilter sets the extension and excluded-directory filter.
func WithFilter(f storage.Filter) Option {
	return func(e *Engine) { e.filter = f }
}

// WithOpener replaces the local file system provider used by Scan.
func WithOpener(o Opener) Option {
	return func(e *Engine) { e.open = o }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithObserver registers a callback run after every committed scan.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// NewEngine creates an engine over db.
func NewEngine(db *ledger.DB, opts ...Option) *Engine {
	e := &Engine{db: db, open: openFS, locks: newKeyedMutex(), logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Scan walks root and reconciles its tags with the ledger in one write
// transaction that also appends exactly one scan_log row. Scans of the same
// root are serialized. root must be an existing directory; callers resolve it
// with ResolveRoot first.
func (e *Engine) Scan(ctx context.Context, root string, mode models.ScanMode) (models.ScanOutcome, error) {
	if mode != models.ScanDiff && mode != models.ScanFull {
		return models.ScanOutcome{}, fmt.Errorf("scan: mode %q: %w", mode, apperr.ErrInvalid)
	}
	fsys, err := e.open(root, e.filter)
	if err != nil {
		return models.ScanOutcome{}, fmt.Errorf("scan: %w: %w", apperr.ErrInvalid, err)
	}

	unlock := e.locks.Lock(fsys.Root())
	defer unlock()

	start := time.Now()
	var out models.ScanOutcome
	err = e.db.Update(ctx, func(tx *ledger.Tx) error {
		r := newRun(tx, fsys, mode, e.logger)
		if err := r.execute(ctx); err != nil {
			return err
		}
		out = r.out
		return nil
	})
	metrics.ObserveScan(string(mode), time.Since(start), out.FilesScanned, err)
	if err != nil {
		return models.ScanOutcome{}, err
	}

	e.logger.Info("scan: completed",
		slog.String("root", out.ScannedRoot),
		slog.String("mode", string(mode)),
		slog.Int("files_scanned", out.FilesScanned),
		slog.Int("slugs_found", out.SlugsFound),
		slog.Int("evidence_added", out.EvidenceAdded),
		slog.Int("stale_marked", out.StaleMarked),
		slog.Duration("took", time.Since(start)))
	if e.observer != nil {
		e.observer(out)
	}
	return out, nil
}

// run holds the state of one scan. Only the seen sets outlive a single file.
// File state and evidence are read and written under root only.
type run struct {
	tx     *ledger.Tx
	fsys   storage.Provider
	root   string
	mode   models.ScanMode
	logger *slog.Logger

	seenPaths map[string]struct{}
	seenSlugs map[string]struct{}
	keptSlugs map[string]struct{}
	doneSlugs map[string]struct{}
	touched   map[string]struct{}
	out       models.ScanOutcome
}

func newRun(tx *ledger.Tx, fsys storage.Provider, mode models.ScanMode, logger *slog.Logger) *run {
	return &run{
		tx:        tx,
		fsys:      fsys,
		root:      fsys.Root(),
		mode:      mode,
		logger:    logger,
		seenPaths: make(map[string]struct{}),
		seenSlugs: make(map[string]struct{}),
		keptSlugs: make(map[string]struct{}),
		doneSlugs: make(map[string]struct{}),
		touched:   make(map[string]struct{}),
		out: models.ScanOutcome{
			ScannedAt:   tx.Now(),
			ScannedRoot: fsys.Root(),
			Full:        mode == models.ScanFull,
		},
	}
}

func (r *run) full() bool { return r.mode == models.ScanFull }

func (r *run) execute(ctx context.Context) error {
	if err := r.tx.AdoptUnrooted(r.root); err != nil {
		return err
	}
	if err := r.fsys.Walk(ctx, r.visit); err != nil {
		return err
	}
	if err := r.forceDone(); err != nil {
		return err
	}
	if r.full() {
		if err := r.markStale(); err != nil {
			return err
		}
		if err := r.removeOrphans(); err != nil {
			return err
		}
	}
	if err := r.tx.RefreshEvidenceCounts(keys(r.touched)); err != nil {
		return err
	}
	r.out.SlugsFound = len(r.seenSlugs)
	return r.tx.AppendScanLog(&r.out)
}

func (r *run) visit(f storage.File) error {
	r.seenPaths[f.Path] = struct{}{}

	prev, known, err := r.tx.FileState(r.root, f.Path)
	if err != nil {
		return err
	}
	if !r.full() && known && prev.MtimeNS == f.MtimeNS && prev.SizeBytes == f.Size {
		return nil
	}

	data, err := r.fsys.Read(f.Path)
	if err != nil {
		// Unopenable files keep their previous state and evidence.
		r.logger.Warn("scan: read skipped", slog.String("path", f.Path), slog.String("error", err.Error()))
		return r.keep(f.Path)
	}
	r.out.FilesScanned++
	if err := r.tx.PutFileState(models.FileState{Root: r.root, Path: f.Path, MtimeNS: f.MtimeNS, SizeBytes: f.Size}); err != nil {
		return err
	}

	var hits []parser.Hit
	text, err := parser.Decode(data)
	if err != nil {
		r.logger.Debug("scan: not text", slog.String("path", f.Path))
	} else {
		hits = parser.Extract(text)
	}
	return r.reconcileFile(f.Path, hits)
}

// keep protects the slugs of path's live evidence from stale marking, since
// the file could not be read to confirm or retire them.
func (r *run) keep(path string) error {
	live, err := r.tx.LiveEvidence(r.root, path)
	if err != nil {
		return err
	}
	for _, ev := range live {
		r.keptSlugs[ev.Slug] = struct{}{}
	}
	return nil
}

type evidenceKey struct {
	slug    string
	kind    models.TagKind
	line    int
	snippet string
}

// reconcileFile makes the live evidence of path equal to hits: identical
// sightings are kept, vanished ones superseded, new ones inserted.
func (r *run) reconcileFile(path string, hits []parser.Hit) error {
	live, err := r.tx.LiveEvidence(r.root, path)
	if err != nil {
		return err
	}
	existing := make(map[evidenceKey]int64, len(live))
	for _, ev := range live {
		existing[evidenceKey{ev.Slug, ev.Kind, ev.LineNo, ev.Snippet}] = ev.ID
	}

	added := make(map[evidenceKey]struct{})
	for _, h := range hits {
		if err := r.sight(h.Slug, h.Kind); err != nil {
			return err
		}
		k := evidenceKey{h.Slug, h.Kind, h.Line, h.Snippet}
		if _, ok := existing[k]; ok {
			delete(existing, k)
			added[k] = struct{}{}
			continue
		}
		if _, dup := added[k]; dup {
			continue
		}
		if _, err := r.tx.AddEvidence(models.Evidence{
			Slug: h.Slug, Kind: h.Kind, Root: r.root, FilePath: path, LineNo: h.Line, Snippet: h.Snippet,
		}); err != nil {
			return err
		}
		added[k] = struct{}{}
		r.out.EvidenceAdded++
		r.touched[h.Slug] = struct{}{}
	}

	for k, id := range existing {
		if err := r.tx.SupersedeEvidence(id); err != nil {
			return err
		}
		r.out.EvidenceSuperseded++
		r.touched[k.slug] = struct{}{}
	}
	return nil
}

// sight records that slug was seen in this run, creating the note on first
// sighting and reviving it from stale in full mode.
func (r *run) sight(slug string, kind models.TagKind) error {
	if kind == models.TagDone {
		r.doneSlugs[slug] = struct{}{}
	}
	if _, ok := r.seenSlugs[slug]; ok {
		return nil
	}
	r.seenSlugs[slug] = struct{}{}

	n, err := r.tx.Note(slug)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		if err := r.tx.CreateNote(slug); err != nil {
			return err
		}
		r.touched[slug] = struct{}{}
		return nil
	case err != nil:
		return err
	}
	if n.Status == models.StatusStale && r.full() {
		if err := r.tx.SetStatus(slug, models.StatusStale, models.StatusOpen); err != nil {
			return err
		}
		r.out.RevivedCount++
	}
	return r.tx.MarkSeen(slug)
}

// forceDone moves open notes that had a done sighting to done.
func (r *run) forceDone() error {
	for _, slug := range sortedKeys(r.doneSlugs) {
		n, err := r.tx.Note(slug)
		if err != nil {
			return err
		}
		if n.Status != models.StatusOpen {
			continue
		}
		if err := r.tx.SetStatus(slug, models.StatusOpen, models.StatusDone); err != nil {
			return err
		}
		r.out.DoneForced++
	}
	return nil
}

// markStale closes the world for this root: an open or done note without a
// sighting in this run becomes stale unless it still has live evidence
// under another root or in a file that could not be read. Full mode only.
func (r *run) markStale() error {
	if !r.full() {
		return nil
	}
	active, err := r.tx.ActiveNotes()
	if err != nil {
		return err
	}
	for _, n := range active {
		if _, seen := r.seenSlugs[n.Slug]; seen {
			continue
		}
		if _, kept := r.keptSlugs[n.Slug]; kept {
			continue
		}
		elsewhere, err := r.tx.LiveOutside(n.Slug, r.root)
		if err != nil {
			return err
		}
		if elsewhere {
			continue
		}
		if err := r.tx.SetStatus(n.Slug, n.Status, models.StatusStale); err != nil {
			return err
		}
		r.out.StaleMarked++
	}
	return nil
}

// removeOrphans drops file_state rows under this root for files not walked
// in this run and retires their evidence. Full mode only.
func (r *run) removeOrphans() error {
	if !r.full() {
		return nil
	}
	paths, err := r.tx.FileStatePaths(r.root)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if _, ok := r.seenPaths[p]; ok {
			continue
		}
		slugs, n, err := r.tx.SupersedeFile(r.root, p)
		if err != nil {
			return err
		}
		for _, s := range slugs {
			r.touched[s] = struct{}{}
		}
		r.out.EvidenceSuperseded += n
		if err := r.tx.DeleteFileState(r.root, p); err != nil {
			return err
		}
		r.out.OrphanFilesRemoved++
	}
	return nil
}
