package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/starford/tagledger/internal/httpkeys"
	"github.com/starford/tagledger/internal/metrics"
)

const (
	maxReportBytes    = 32 << 10
	reportSampleEvery = time.Minute
	maxReportSamples  = 1000
)

var reportTypes = []string{"application/json", "application/csp-report", "application/reports+json"}

type reportKey struct {
	blocked  string
	violated string
}

// cspReporter accepts violation reports, logs each distinct violation at
// most once per sampling window and never touches the ledger. It always
// answers 204.
type cspReporter struct {
	level slog.Level

	mu      sync.Mutex
	samples map[reportKey]time.Time
	now     func() time.Time
}

func newCSPReporter(level slog.Level) *cspReporter {
	return &cspReporter{level: level, samples: make(map[reportKey]time.Time), now: time.Now}
}

// ServeHTTP handles POST /__csp_report.
func (c *cspReporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer w.WriteHeader(http.StatusNoContent)
	metrics.CSPReport()

	ct := strings.ToLower(r.Header.Get(httpkeys.ContentType))
	if ct != "" && !containsAny(ct, reportTypes) {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxReportBytes+1))
	if err != nil || len(body) == 0 {
		return
	}
	if len(body) > maxReportBytes {
		slog.Warn("csp report: oversized payload dropped", slog.Int("limit", maxReportBytes))
		return
	}
	report, ok := parseCSPReport(body)
	if !ok {
		return
	}

	key := reportKey{
		blocked:  clip(first(report, "blocked-uri", "blockedURL", "blockedURI"), 200),
		violated: clip(first(report, "violated-directive", "violatedDirective"), 100),
	}
	if !c.sample(key) {
		return
	}
	attrs := []slog.Attr{
		slog.String("blocked_uri", orUnknown(key.blocked)),
		slog.String("violated_directive", orUnknown(key.violated)),
	}
	if v := first(report, "effective-directive", "effectiveDirective"); v != "" {
		attrs = append(attrs, slog.String("effective_directive", clip(v, 100)))
	}
	if v := first(report, "source-file", "sourceFile"); v != "" {
		attrs = append(attrs, slog.String("source_file", clip(v, 200)))
	}
	slog.LogAttrs(r.Context(), c.level, "csp violation", attrs...)
}

// sample reports whether key should be logged now and records it.
func (c *cspReporter) sample(key reportKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if last, ok := c.samples[key]; ok && now.Sub(last) < reportSampleEvery {
		return false
	}
	if len(c.samples) >= maxReportSamples {
		for k, t := range c.samples {
			if now.Sub(t) >= reportSampleEvery {
				delete(c.samples, k)
			}
		}
		if len(c.samples) >= maxReportSamples {
			clear(c.samples)
		}
	}
	c.samples[key] = now
	return true
}

// parseCSPReport accepts the legacy {"csp-report": {...}} shape and the
// Reporting API shapes, either {"reports": [...]} or a bare array.
func parseCSPReport(body []byte) (map[string]any, bool) {
	var legacy struct {
		Report  map[string]any `json:"csp-report"`
		Reports []struct {
			Body map[string]any `json:"body"`
		} `json:"reports"`
	}
	if err := json.Unmarshal(body, &legacy); err == nil {
		if legacy.Report != nil {
			return legacy.Report, true
		}
		if len(legacy.Reports) > 0 && legacy.Reports[0].Body != nil {
			return legacy.Reports[0].Body, true
		}
		return nil, false
	}
	var batch []struct {
		Body map[string]any `json:"body"`
	}
	if err := json.Unmarshal(body, &batch); err == nil && len(batch) > 0 && batch[0].Body != nil {
		return batch[0].Body, true
	}
	return nil, false
}

func first(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// clip strips line breaks and truncates to n bytes.
func clip(s string, n int) string {
	s = strings.NewReplacer("\n", "", "\r", "").Replace(s)
	if len(s) > n {
		s = s[:n]
	}
	return s
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
