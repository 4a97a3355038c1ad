package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/natefinch/atomic"

	"github.com/starford/tagledger/internal/mcpserver"
	"github.com/starford/tagledger/internal/models"
	"github.com/starford/tagledger/internal/noteservice"
)

// ScanOnce runs a single scan and returns its outcome. Logs go to stderr.
func ScanOnce(ctx context.Context, full bool, opts ...Option) (models.ScanOutcome, error) {
	app, err := newApplication(os.Stderr, opts)
	if err != nil {
		return models.ScanOutcome{}, err
	}
	c, err := app.openCore(nil)
	if err != nil {
		return models.ScanOutcome{}, err
	}
	defer c.db.Close()

	return c.svc.Scan(ctx, noteservice.ScanRequest{Full: full})
}

// ExportOptions selects what Export writes.
type ExportOptions struct {
	Path            string
	IncludeDeleted  bool
	IncludeArchived bool
	HistoryLimit    int
}

// Snapshot is the document written by Export.
type Snapshot struct {
	GeneratedAt time.Time            `json:"generated_at"`
	Summary     models.Summary       `json:"summary"`
	Notes       []models.Note        `json:"notes"`
	ScanHistory []models.ScanOutcome `json:"scan_history"`
}

// Export writes a JSON snapshot of the ledger. The file is replaced
// atomically so readers never see a partial document.
func Export(ctx context.Context, eo ExportOptions, opts ...Option) error {
	app, err := newApplication(os.Stderr, opts)
	if err != nil {
		return err
	}
	c, err := app.openCore(nil)
	if err != nil {
		return err
	}
	defer c.db.Close()

	if eo.HistoryLimit == 0 {
		eo.HistoryLimit = noteservice.DefaultExportLimit
	}
	snap := Snapshot{GeneratedAt: c.db.Now()}
	if snap.Summary, err = c.svc.Summary(ctx, eo.IncludeDeleted, eo.IncludeArchived); err != nil {
		return err
	}
	if snap.Notes, err = c.svc.ExportNotes(ctx, eo.IncludeDeleted, eo.IncludeArchived); err != nil {
		return err
	}
	if snap.ScanHistory, err = c.svc.ScanHistory(ctx, eo.HistoryLimit); err != nil {
		return err
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	data = append(data, '\n')

	if eo.Path == "" || eo.Path == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := atomic.WriteFile(eo.Path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write %s: %w", eo.Path, err)
	}
	app.logger.Info("export written",
		slog.String("path", eo.Path),
		slog.Int("notes", len(snap.Notes)),
	)
	return nil
}

// ServeMCP serves the MCP tools on stdin/stdout until the client disconnects.
// Logs go to stderr so they do not corrupt the protocol stream.
func ServeMCP(_ context.Context, opts ...Option) error {
	app, err := newApplication(os.Stderr, opts)
	if err != nil {
		return err
	}
	c, err := app.openCore(nil)
	if err != nil {
		return err
	}
	defer c.db.Close()

	return mcpserver.New(c.svc, app.version).ServeStdio()
}
