package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/starford/tagledger/internal/auth"
	"github.com/starford/tagledger/internal/csrf"
	"github.com/starford/tagledger/internal/metrics"
	"github.com/starford/tagledger/internal/models"
	"github.com/starford/tagledger/internal/noteservice"
	"github.com/starford/tagledger/internal/proxy"
	"github.com/starford/tagledger/internal/render"
)

// Deps are the collaborators the router wires together.
type Deps struct {
	Service  *noteservice.Service
	Auth     *auth.Manager
	Limiter  *auth.LoginLimiter
	Proxy    *proxy.Resolver
	CSRF     *csrf.Guard
	Security SecurityConfig
	// Events, if non-nil, is mounted at GET /events behind the auth gate.
	Events http.Handler
	// AccessLog enables chi's request logger.
	AccessLog bool
}

// NewRouter builds the full HTTP surface. Every request passes, in order:
// request id, proxy trust resolution, access log, panic recovery, security
// headers, the auth gate and the CSRF guard.
func NewRouter(d Deps) (chi.Router, error) {
	views, err := render.New()
	if err != nil {
		return nil, err
	}
	if d.Proxy == nil {
		if d.Proxy, err = proxy.NewResolver(nil); err != nil {
			return nil, fmt.Errorf("api: proxy resolver: %w", err)
		}
	}
	if d.CSRF == nil {
		d.CSRF = csrf.New(csrf.DefaultMaxAge, CSPReportPath)
	}

	out := &responder{views: views, csrf: d.CSRF}
	h := NewHandler(d.Service, out, string(d.Auth.Posture()))
	ah := NewAuthHandler(d.Auth, d.Limiter, out)

	cspLevel := slog.LevelWarn
	if d.Auth.Posture() == auth.PostureHardened {
		cspLevel = slog.LevelInfo
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(d.Proxy.Middleware)
	if d.AccessLog {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeaders(d.Security))
	r.Use(d.Auth.Gate(out.deny))
	r.Use(d.CSRF.Middleware(out.rejectCSRF))

	// Public.
	r.Get("/health/live", h.Live)
	r.Get("/health/ready", h.Ready)
	r.Handle("/metrics", metrics.Handler())
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServerFS(render.Static())))
	r.Post(CSPReportPath, newCSPReporter(cspLevel).ServeHTTP)
	r.Get("/auth/login", ah.LoginPage)
	r.Post("/auth/login", ah.Login)
	r.Post("/auth/logout", ah.Logout)
	r.Get("/auth/check", ah.Check)

	// Ledger.
	r.Group(func(r chi.Router) {
		r.Use(auth.Require(out.deny, models.RoleAdmin, models.RoleDev))

		r.Get("/", h.Index)
		r.Get("/notes", h.ListNotes)
		r.Get("/notes/{slug}", h.GetNote)
		r.Patch("/notes/{slug}", h.PatchNote)
		r.Post("/scan", h.Scan)
		r.Get("/export/notes", h.ExportNotes)
		r.Get("/export/summary", h.ExportSummary)
		r.Get("/export/scan_history", h.ExportScanHistory)
		r.Get("/export/metrics", h.ExportMetrics)
		if d.Events != nil {
			r.Get("/events", d.Events.ServeHTTP)
		}
	})

	return r, nil
}
