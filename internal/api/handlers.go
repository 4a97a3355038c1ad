package api

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/starford/tagledger/internal/httpkeys"
	"github.com/starford/tagledger/internal/noteservice"
	"github.com/starford/tagledger/internal/render"
)

// Handler holds the ledger route handlers.
type Handler struct {
	svc     *noteservice.Service
	out     *responder
	posture string
}

// NewHandler creates a new Handler.
func NewHandler(svc *noteservice.Service, out *responder, posture string) *Handler {
	return &Handler{svc: svc, out: out, posture: posture}
}

// slugParam extracts the slug from the URL. Encoded slashes and non-ASCII
// slugs arrive escaped.
func slugParam(r *http.Request) string {
	raw := chi.URLParam(r, "slug")
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// Index handles GET /.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	if !WantsHTML(r) {
		writeJSON(w, http.StatusOK, IndexResponse{OK: true, Posture: h.posture})
		return
	}
	s, err := h.svc.Summary(r.Context(), false, false)
	if err != nil {
		h.out.fail(w, r, "summary", err)
		return
	}
	w.Header().Set(httpkeys.CacheControl, "no-store")
	h.out.html(w, r, http.StatusOK, render.ViewIndex, "Ledger", s)
}

// ListNotes handles GET /notes.
//
//	@Summary		List notes
//	@Tags			notes
//	@Produce		json,html
//	@Param			status				query		string	false	"Comma separated statuses"	example(open,stale)
//	@Param			priority			query		string	false	"Comma separated priorities, none for unset"	example(none,1)
//	@Param			comment				query		string	false	"Comment presence"	Enums(any, none)
//	@Param			include_deleted		query		bool	false	"Include soft-deleted notes"
//	@Param			include_archived	query		bool	false	"Include archived notes"
//	@Success		200					{object}	NoteListResponse
//	@Failure		400					{object}	errResponse
//	@Failure		401					{object}	errResponse
//	@Router			/notes [get]
func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		h.out.fail(w, r, "list notes", err)
		return
	}
	notes, err := h.svc.ListNotes(r.Context(), f)
	if err != nil {
		h.out.fail(w, r, "list notes", err)
		return
	}
	h.out.respond(w, r, http.StatusOK, render.ViewNotes, "Notes", notes, NoteListResponse{Notes: notes})
}

// GetNote handles GET /notes/{slug}.
//
//	@Summary		Get a note with its evidence and events
//	@Tags			notes
//	@Produce		json,html
//	@Param			slug	path		string	true	"Note slug"
//	@Param			history	query		bool	false	"Include superseded evidence"
//	@Success		200		{object}	models.NoteDetail
//	@Failure		404		{object}	errResponse
//	@Router			/notes/{slug} [get]
func (h *Handler) GetNote(w http.ResponseWriter, r *http.Request) {
	slug := slugParam(r)
	withHistory, err := flag(r.URL.Query(), "history")
	if err != nil {
		h.out.fail(w, r, "get note", err)
		return
	}
	d, err := h.svc.GetNote(r.Context(), slug, withHistory)
	if err != nil {
		h.out.fail(w, r, "get note", err)
		return
	}
	h.out.respond(w, r, http.StatusOK, render.ViewNote, "Note: "+d.Note.Slug, d, nil)
}

// PatchNote handles PATCH /notes/{slug}.
//
//	@Summary		Partially update a note
//	@Description	Absent keys are untouched. An empty body or values equal to the stored ones answer 204 without writing anything.
//	@Tags			notes
//	@Accept			json
//	@Produce		json
//	@Param			slug	path		string				true	"Note slug"
//	@Param			body	body		PatchNoteRequest	true	"Fields to change"
//	@Success		200		{object}	PatchNoteResponse
//	@Success		204		"Nothing changed"
//	@Failure		400		{object}	errResponse
//	@Failure		403		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Router			/notes/{slug} [patch]
func (h *Handler) PatchNote(w http.ResponseWriter, r *http.Request) {
	var req PatchNoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	cs, err := req.ChangeSet()
	if err != nil {
		h.out.fail(w, r, "patch note", err)
		return
	}
	note, err := h.svc.UpdateNote(r.Context(), slugParam(r), cs)
	if err != nil {
		h.out.fail(w, r, "patch note", err)
		return
	}
	writeJSON(w, http.StatusOK, PatchNoteResponse{Note: note, Status: note.Status})
}

// Scan handles POST /scan.
//
//	@Summary		Scan the source tree
//	@Description	Diff scans only read changed files. Only a full scan marks notes stale, revives them and drops state for deleted files.
//	@Tags			scan
//	@Accept			json
//	@Produce		json,html
//	@Param			full	query		bool		false	"Run a full scan"
//	@Param			body	body		ScanRequest	false	"Scan options"
//	@Success		200		{object}	models.ScanOutcome
//	@Failure		400		{object}	errResponse
//	@Router			/scan [post]
func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	full, err := flag(r.URL.Query(), "full")
	if err != nil {
		h.out.fail(w, r, "scan", err)
		return
	}
	req.Full = req.Full || full

	out, err := h.svc.Scan(r.Context(), req)
	if err != nil {
		h.out.fail(w, r, "scan", err)
		return
	}
	title := "Diff scan complete"
	if out.Full {
		title = "Full scan complete"
	}
	h.out.respond(w, r, http.StatusOK, render.ViewScan, title, out, nil)
}

// ExportNotes handles GET /export/notes.
func (h *Handler) ExportNotes(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(url.Values{
		"include_deleted":  r.URL.Query()["include_deleted"],
		"include_archived": r.URL.Query()["include_archived"],
	})
	if err != nil {
		h.out.fail(w, r, "export notes", err)
		return
	}
	notes, err := h.svc.ExportNotes(r.Context(), f.IncludeDeleted, f.IncludeArchived)
	if err != nil {
		h.out.fail(w, r, "export notes", err)
		return
	}
	h.out.respond(w, r, http.StatusOK, render.ViewNotes, "Notes export", notes, NoteListResponse{Notes: notes})
}

// ExportSummary handles GET /export/summary.
func (h *Handler) ExportSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	includeDeleted, err := flag(q, "include_deleted")
	if err != nil {
		h.out.fail(w, r, "export summary", err)
		return
	}
	includeArchived, err := flag(q, "include_archived")
	if err != nil {
		h.out.fail(w, r, "export summary", err)
		return
	}
	s, err := h.svc.Summary(r.Context(), includeDeleted, includeArchived)
	if err != nil {
		h.out.fail(w, r, "export summary", err)
		return
	}
	h.out.respond(w, r, http.StatusOK, render.ViewSummary, "Summary", s, nil)
}

// ExportScanHistory handles GET /export/scan_history.
//
//	@Summary		Recent scan runs
//	@Tags			export
//	@Produce		json
//	@Param			limit	query		int	false	"Number of runs (1..2000)"	default(50)
//	@Success		200		{object}	ScanHistoryResponse
//	@Failure		400		{object}	errResponse
//	@Router			/export/scan_history [get]
func (h *Handler) ExportScanHistory(w http.ResponseWriter, r *http.Request) {
	n, err := limit(r.URL.Query())
	if err != nil {
		h.out.fail(w, r, "scan history", err)
		return
	}
	recent, err := h.svc.ScanHistory(r.Context(), n)
	if err != nil {
		h.out.fail(w, r, "scan history", err)
		return
	}
	writeJSON(w, http.StatusOK, ScanHistoryResponse{Recent: recent})
}

// ExportMetrics handles GET /export/metrics.
func (h *Handler) ExportMetrics(w http.ResponseWriter, r *http.Request) {
	n, err := limit(r.URL.Query())
	if err != nil {
		h.out.fail(w, r, "metrics", err)
		return
	}
	m, err := h.svc.Metrics(r.Context(), n)
	if err != nil {
		h.out.fail(w, r, "metrics", err)
		return
	}
	h.out.respond(w, r, http.StatusOK, render.ViewMetrics, "Metrics (last "+strconv.Itoa(n)+")", m, nil)
}

// Live handles GET /health/live.
func (h *Handler) Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// Ready handles GET /health/ready.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Ready(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, statusResponse{Status: "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}
