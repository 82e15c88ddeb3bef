// Package ippolicy resolves the client address of a request and enforces the
// global and per-API allow/deny lists. List entries are single addresses or
// CIDR blocks, IPv4 or IPv6.
package ippolicy

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	gateway "github.com/eugener/heimdall/internal"
)

// forwardHeaders are consulted in order when the peer is a trusted proxy.
var forwardHeaders = []string{"X-Forwarded-For", "X-Real-IP", "CF-Connecting-IP"}

// ClientIP resolves the originating client address. Forwarding headers are
// honored only when the direct peer is in the trusted proxy set; otherwise
// they are attacker-controlled and the socket address wins.
func ClientIP(r *http.Request, trustXFF bool, trustedProxies []string) string {
	peer := remoteAddr(r)
	if !trustXFF || !matchesAny(peer, trustedProxies) {
		return peer
	}
	if ip := forwardedClient(r); ip != "" {
		return ip
	}
	return peer
}

// ApiClientIP re-resolves the caller address for an API that opts into
// forwarding headers. When a trusted proxy set is configured the peer must
// be in it; an API opting in under an empty proxy set trusts the headers as
// sent.
func ApiClientIP(r *http.Request, trustedProxies []string) string {
	peer := remoteAddr(r)
	if len(trustedProxies) > 0 && !matchesAny(peer, trustedProxies) {
		return peer
	}
	if ip := forwardedClient(r); ip != "" {
		return ip
	}
	return peer
}

// forwardedClient scans the forwarding headers for the first parseable
// address. The left-most entry is the original client.
func forwardedClient(r *http.Request) string {
	for _, h := range forwardHeaders {
		v := r.Header.Get(h)
		if v == "" {
			continue
		}
		if i := strings.IndexByte(v, ','); i >= 0 {
			v = v[:i]
		}
		v = strings.TrimSpace(v)
		if _, err := netip.ParseAddr(v); err == nil {
			return v
		}
	}
	return ""
}

func remoteAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Checker evaluates address lists.
type Checker struct {
	// LocalhostBypass skips every check for loopback clients, for health
	// probes and same-host tooling.
	LocalhostBypass bool
}

// CheckGlobal applies the gateway-wide policy. The blacklist is absolute;
// in whitelist mode any unlisted address is rejected.
func (c *Checker) CheckGlobal(ip string, sec *gateway.SecuritySettings, forwarded bool) error {
	if sec == nil {
		return nil
	}
	if c.bypass(ip, sec.LocalhostBypass, forwarded) {
		return nil
	}
	if matchesAny(ip, sec.IPBlacklist) {
		return gateway.ErrGlobalIPDenied
	}
	if sec.IPMode == gateway.IPWhitelist && !matchesAny(ip, sec.IPWhitelist) {
		return gateway.ErrGlobalIPNotAllowed
	}
	return nil
}

// CheckApi applies an API's own policy on top of the global one.
func (c *Checker) CheckApi(ip string, api *gateway.Api, forwarded bool) error {
	if c.bypass(ip, false, forwarded) {
		return nil
	}
	if matchesAny(ip, api.IPBlacklist) {
		return gateway.ErrApiIPDenied
	}
	if api.IPMode == gateway.IPWhitelist && !matchesAny(ip, api.IPWhitelist) {
		return gateway.ErrApiIPNotAllowed
	}
	return nil
}

// bypass admits loopback callers past every list. A loopback peer that
// carries forwarding headers is a proxy hop, not a local caller, so the
// bypass never applies to it.
func (c *Checker) bypass(ip string, settingBypass, forwarded bool) bool {
	if forwarded {
		return false
	}
	if !c.LocalhostBypass && !settingBypass {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	return err == nil && addr.IsLoopback()
}

// HasForwardingHeaders reports whether the request carries any proxy
// forwarding header.
func HasForwardingHeaders(r *http.Request) bool {
	for _, h := range forwardHeaders {
		if r.Header.Get(h) != "" {
			return true
		}
	}
	return false
}

// matchesAny reports whether ip matches any entry. Entries may be plain
// addresses or CIDR prefixes; unparseable entries never match.
func matchesAny(ip string, entries []string) bool {
	if len(entries) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, e := range entries {
		if strings.ContainsRune(e, '/') {
			if pfx, err := netip.ParsePrefix(e); err == nil && pfx.Contains(addr) {
				return true
			}
			continue
		}
		if other, err := netip.ParseAddr(e); err == nil && other.Unmap() == addr {
			return true
		}
	}
	return false
}
