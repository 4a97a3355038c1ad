// Package httpkeys centralises the cookie and header names shared by the
// proxy resolver, the auth gate, the CSRF guard and the handlers.
package httpkeys

// Cookies.
const (
	SessionCookie = "ledger_session"
	CSRFCookie    = "csrf_token"
)

// Request headers.
const (
	CSRFHeader      = "X-CSRF-Token"
	Accept          = "Accept"
	ContentType     = "Content-Type"
	Forwarded       = "Forwarded"
	ForwardedFor    = "X-Forwarded-For"
	ForwardedProto  = "X-Forwarded-Proto"
	ForwardedHost   = "X-Forwarded-Host"
	RealIP          = "X-Real-IP"
	CacheControl    = "Cache-Control"
	Vary            = "Vary"
	ReportingHeader = "Reporting-Endpoints"
)

// Media types.
const (
	MediaJSON = "application/json"
	MediaHTML = "text/html"
)
