// Package api implements the ledger's HTTP surface using chi.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/starford/tagledger/internal/httpkeys"
	"github.com/starford/tagledger/internal/proxy"
)

// CSPMode selects how the Content-Security-Policy is sent.
type CSPMode string

// CSP modes.
const (
	CSPOff     CSPMode = "off"
	CSPReport  CSPMode = "report"
	CSPEnforce CSPMode = "enforce"
)

// CSPReportPath receives violation reports.
const CSPReportPath = "/__csp_report"

const reportGroup = "csp-endpoint"

// SecurityConfig controls the headers added to every response.
type SecurityConfig struct {
	CSPMode CSPMode
	// ReportingAPI adds report-to and the Reporting-Endpoints header in report mode.
	ReportingAPI bool
	// NoStoreStatic disables caching of static assets.
	NoStoreStatic bool
}

var baseDirectives = []string{
	"default-src 'self'",
	"base-uri 'self'",
	"object-src 'none'",
	"frame-ancestors 'none'",
	"img-src 'self' data:",
	"font-src 'self' data:",
	"style-src 'self' 'report-sample'",
	"script-src 'self' 'report-sample'",
	"connect-src 'self'",
	"form-action 'self'",
}

// Policy returns the CSP header value. Report targets are only added in
// report mode.
func (c SecurityConfig) Policy() string {
	d := append([]string(nil), baseDirectives...)
	if c.CSPMode == CSPReport {
		d = append(d, "report-uri "+CSPReportPath)
		if c.ReportingAPI {
			d = append(d, "report-to "+reportGroup)
		}
	}
	return strings.Join(d, "; ")
}

// SecurityHeaders sets the CSP, the hardening headers and Vary: Accept on
// every response before the handler runs, so error paths carry them too.
func SecurityHeaders(c SecurityConfig) func(http.Handler) http.Handler {
	policy := c.Policy()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			switch c.CSPMode {
			case CSPReport:
				h.Set("Content-Security-Policy-Report-Only", policy)
				if c.ReportingAPI {
					endpoint := proxy.FromRequest(r).Origin() + CSPReportPath
					h.Set(httpkeys.ReportingHeader, fmt.Sprintf("%s=%q", reportGroup, endpoint))
					reportTo, _ := json.Marshal(map[string]any{
						"group":     reportGroup,
						"max_age":   3600,
						"endpoints": []map[string]string{{"url": endpoint}},
					})
					h.Set("Report-To", string(reportTo))
				}
			case CSPEnforce:
				h.Set("Content-Security-Policy", policy)
			}
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("X-Frame-Options", "DENY")
			h.Add(httpkeys.Vary, httpkeys.Accept)
			if c.NoStoreStatic && strings.HasPrefix(r.URL.Path, "/static/") {
				h.Set(httpkeys.CacheControl, "no-store")
			}
			next.ServeHTTP(w, r)
		})
	}
}
