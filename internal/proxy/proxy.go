// Package proxy decides, from the connecting peer and the trusted-proxy
// allowlist, which forwarded headers are believed for a request.
package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"regexp"
	"strings"

	"github.com/starford/tagledger/internal/httpkeys"
)

// Scheme values.
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

var safeHostRe = regexp.MustCompile(`^[A-Za-z0-9.\-:\[\]]+$`)

// Resolver holds the trusted-proxy allowlist. The zero value trusts nothing.
type Resolver struct {
	trusted []netip.Prefix
}

// NewResolver parses CIDR strings (bare addresses are accepted as /32 or
// /128) into a Resolver.
func NewResolver(cidrs []string) (*Resolver, error) {
	r := &Resolver{}
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if !strings.Contains(c, "/") {
			addr, err := netip.ParseAddr(c)
			if err != nil {
				return nil, fmt.Errorf("proxy: trusted cidr %q: %w", c, err)
			}
			r.trusted = append(r.trusted, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("proxy: trusted cidr %q: %w", c, err)
		}
		r.trusted = append(r.trusted, p.Masked())
	}
	return r, nil
}

// Trusts reports whether addr is inside the allowlist.
func (res *Resolver) Trusts(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, p := range res.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Info is the per-request view of the transport after applying the trust rules.
type Info struct {
	Peer          netip.Addr // immediate connecting address
	PeerTrusted   bool
	ClientIP      netip.Addr // peer, or the forwarded client when the peer is trusted
	Scheme        string
	Host          string // sanitized host[:port] for building external URLs
	HasForwarding bool   // any forwarding header was present
}

// Loopback reports whether the request originates from this host. Forwarded
// claims from an untrusted peer make the request non-local even when the
// peer itself is loopback, because a local untrusted relay may be carrying
// outside traffic.
func (i Info) Loopback() bool {
	if !i.PeerTrusted && i.HasForwarding {
		return false
	}
	return i.ClientIP.IsValid() && i.ClientIP.IsLoopback()
}

// Secure reports whether the effective scheme is https.
func (i Info) Secure() bool { return i.Scheme == SchemeHTTPS }

// Origin returns scheme://host as seen by the client.
func (i Info) Origin() string { return i.Scheme + "://" + i.Host }

// Resolve computes Info for r.
func (res *Resolver) Resolve(r *http.Request) Info {
	info := Info{Peer: peerAddr(r.RemoteAddr), Scheme: SchemeHTTP}
	if r.TLS != nil {
		info.Scheme = SchemeHTTPS
	}
	info.PeerTrusted = res.Trusts(info.Peer)
	info.ClientIP = info.Peer
	info.HasForwarding = hasForwarding(r.Header)
	info.Host = sanitizeHost(r.Host)

	if info.PeerTrusted {
		if proto := forwardedProto(r.Header); proto != "" {
			info.Scheme = proto
		}
		if host := forwardedHost(r.Header); host != "" {
			info.Host = host
		}
		if ip := res.forwardedClient(r.Header); ip.IsValid() {
			info.ClientIP = ip
		}
	}
	if info.Host == "" {
		info.Host = "localhost"
	}
	return info
}

// EffectiveScheme returns "https" or "http" for r.
func (res *Resolver) EffectiveScheme(r *http.Request) string { return res.Resolve(r).Scheme }

// IsLoopback reports whether r originates from this host.
func (res *Resolver) IsLoopback(r *http.Request) bool { return res.Resolve(r).Loopback() }

// ClientIP returns the caller's address under the trust rules.
func (res *Resolver) ClientIP(r *http.Request) netip.Addr { return res.Resolve(r).ClientIP }

// ExternalOrigin returns scheme://host for r.
func (res *Resolver) ExternalOrigin(r *http.Request) string { return res.Resolve(r).Origin() }

type ctxKey struct{}

// Middleware resolves Info once per request and stores it in the context.
func (res *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := res.Resolve(r)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, info)))
	})
}

// FromRequest returns the Info stored by Middleware, or resolves r with an
// empty allowlist when the middleware did not run.
func FromRequest(r *http.Request) Info {
	if info, ok := r.Context().Value(ctxKey{}).(Info); ok {
		return info
	}
	return (&Resolver{}).Resolve(r)
}

func peerAddr(remote string) netip.Addr {
	if ap, err := netip.ParseAddrPort(remote); err == nil {
		return ap.Addr().Unmap()
	}
	if a, err := netip.ParseAddr(remote); err == nil {
		return a.Unmap()
	}
	return netip.Addr{}
}

func hasForwarding(h http.Header) bool {
	for _, k := range []string{httpkeys.Forwarded, httpkeys.ForwardedFor, httpkeys.ForwardedProto, httpkeys.ForwardedHost, httpkeys.RealIP} {
		if h.Get(k) != "" {
			return true
		}
	}
	return false
}

func firstValue(v string) string {
	first, _, _ := strings.Cut(v, ",")
	return strings.TrimSpace(first)
}

func forwardedProto(h http.Header) string {
	if p := strings.ToLower(firstValue(h.Get(httpkeys.ForwardedProto))); p == SchemeHTTP || p == SchemeHTTPS {
		return p
	}
	if p := strings.ToLower(forwardedParam(h.Get(httpkeys.Forwarded), "proto")); p == SchemeHTTP || p == SchemeHTTPS {
		return p
	}
	return ""
}

func forwardedHost(h http.Header) string {
	if host := sanitizeHost(firstValue(h.Get(httpkeys.ForwardedHost))); host != "" {
		return host
	}
	return sanitizeHost(forwardedParam(h.Get(httpkeys.Forwarded), "host"))
}

// forwardedClient walks X-Forwarded-For from the right, skipping trusted
// hops, and returns the first untrusted address. Entries left of that are
// client-controlled and ignored.
func (res *Resolver) forwardedClient(h http.Header) netip.Addr {
	var hops []string
	for _, v := range h.Values(httpkeys.ForwardedFor) {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				hops = append(hops, part)
			}
		}
	}
	if len(hops) == 0 {
		if f := forwardedParam(h.Get(httpkeys.Forwarded), "for"); f != "" {
			hops = append(hops, f)
		}
	}
	var last netip.Addr
	for i := len(hops) - 1; i >= 0; i-- {
		a := parseHop(hops[i])
		if !a.IsValid() {
			return netip.Addr{}
		}
		last = a
		if !res.Trusts(a) {
			return a
		}
	}
	return last
}

func parseHop(s string) netip.Addr {
	s = strings.Trim(strings.TrimSpace(s), `"`)
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap()
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if a, err := netip.ParseAddr(s); err == nil {
		return a.Unmap()
	}
	return netip.Addr{}
}

// forwardedParam returns the value of key in the first element of an
// RFC 7239 Forwarded header.
func forwardedParam(header, key string) string {
	first, _, _ := strings.Cut(header, ",")
	for _, pair := range strings.Split(first, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok && strings.EqualFold(k, key) {
			return strings.Trim(strings.TrimSpace(v), `"`)
		}
	}
	return ""
}

func sanitizeHost(h string) string {
	h = strings.TrimSpace(h)
	if h == "" || len(h) > 255 || !safeHostRe.MatchString(h) {
		return ""
	}
	return h
}
