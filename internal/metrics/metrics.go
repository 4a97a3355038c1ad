// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// scansTotal counts committed scans by mode.
	scansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tagledger_scans_total",
		Help: "Scans committed, by mode",
	}, []string{"mode"})

	// scanFailures counts scans that rolled back.
	scanFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tagledger_scan_failures_total",
		Help: "Scans that failed and were rolled back, by mode",
	}, []string{"mode"})

	scanDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tagledger_scan_duration_seconds",
		Help:    "Scan duration in seconds, by mode",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
	}, []string{"mode"})

	scanFiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tagledger_scan_files_read_total",
		Help: "Files read by scans, by mode",
	}, []string{"mode"})

	authDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tagledger_auth_denials_total",
		Help: "Requests denied by the auth gate, by reason",
	}, []string{"reason"})

	localBypass = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tagledger_local_bypass_total",
		Help: "Requests admitted through the local JSON bypass",
	})

	logins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tagledger_login_attempts_total",
		Help: "Login attempts by result",
	}, []string{"result"})

	csrfRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tagledger_csrf_rejections_total",
		Help: "Mutating requests rejected by the CSRF guard",
	})

	cspReports = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tagledger_csp_reports_total",
		Help: "CSP violation reports received",
	})
)

// ObserveScan records a finished scan.
func ObserveScan(mode string, d time.Duration, filesRead int, err error) {
	if err != nil {
		scanFailures.WithLabelValues(mode).Inc()
		return
	}
	scansTotal.WithLabelValues(mode).Inc()
	scanDuration.WithLabelValues(mode).Observe(d.Seconds())
	scanFiles.WithLabelValues(mode).Add(float64(filesRead))
}

// AuthDenied records a gate denial; reason is a short fixed token.
func AuthDenied(reason string) { authDenials.WithLabelValues(reason).Inc() }

// LocalBypass records a request admitted without a session.
func LocalBypass() { localBypass.Inc() }

// Login records a login attempt; result is "ok", "invalid" or "throttled".
func Login(result string) { logins.WithLabelValues(result).Inc() }

// CSRFRejected records a CSRF rejection.
func CSRFRejected() { csrfRejections.Inc() }

// CSPReport records a received CSP report.
func CSPReport() { cspReports.Inc() }

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }
