// Package render holds the HTML views and the static assets of the browser UI.
package render

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"net/url"
	"strconv"
	"time"

	"github.com/starford/tagledger/internal/models"
)

//go:embed templates/*.html
var templateFiles embed.FS

//go:embed static
var staticFiles embed.FS

// View names.
const (
	ViewIndex   = "index"
	ViewLogin   = "login"
	ViewNotes   = "notes"
	ViewNote    = "note"
	ViewSummary = "summary"
	ViewMetrics = "metrics"
	ViewScan    = "scan"
	ViewError   = "error"
)

var views = []string{ViewIndex, ViewLogin, ViewNotes, ViewNote, ViewSummary, ViewMetrics, ViewScan, ViewError}

// Page is the data every view receives. CSRFToken ends up in the
// csrf-token meta tag of the layout.
type Page struct {
	Title     string
	CSRFToken string
	Data      any
}

// Renderer executes the parsed views.
type Renderer struct {
	pages map[string]*template.Template
}

// New parses every view together with the shared layout.
func New() (*Renderer, error) {
	r := &Renderer{pages: make(map[string]*template.Template, len(views))}
	for _, name := range views {
		t, err := template.New("layout").Funcs(funcs).ParseFS(templateFiles,
			"templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("render: parse %s: %w", name, err)
		}
		r.pages[name] = t
	}
	return r, nil
}

// Render writes view name to w. The page is rendered into a buffer first so
// a template error never leaves a half-written response.
func (r *Renderer) Render(w io.Writer, name string, p Page) error {
	t, ok := r.pages[name]
	if !ok {
		return fmt.Errorf("render: unknown view %q", name)
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", p); err != nil {
		return fmt.Errorf("render: %s: %w", name, err)
	}
	_, err := buf.WriteTo(w)
	return err
}

// Static returns the embedded static assets rooted at their directory.
func Static() fs.FS {
	sub, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}
	return sub
}

var funcs = template.FuncMap{
	"slugURL":  url.PathEscape,
	"fmtTime":  fmtTime,
	"statuses": func() []models.Status { return models.Statuses },
	"timeOr": func(t *time.Time, fallback string) string {
		if t == nil {
			return fallback
		}
		return fmtTime(*t)
	},
	"intOr": func(p *int, fallback string) string {
		if p == nil {
			return fallback
		}
		return strconv.Itoa(*p)
	},
	"strOr": func(p *string, fallback string) string {
		if p == nil || *p == "" {
			return fallback
		}
		return *p
	},
	"toJSON": func(v any) (string, error) {
		b, err := json.MarshalIndent(v, "", "  ")
		return string(b), err
	},
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
