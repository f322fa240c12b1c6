package webhook

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// clientIP resolves the caller address. Proxy headers are only consulted
// when trustForwarded is set.
func clientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		for _, h := range []string{"CF-Connecting-IP", "X-Real-IP", "X-Forwarded-For"} {
			v := r.Header.Get(h)
			if first, _, _ := strings.Cut(v, ","); first != "" {
				if ip, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
					return ip.Unmap().String()
				}
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip, err := netip.ParseAddr(strings.TrimSpace(host)); err == nil {
		return ip.Unmap().String()
	}
	return "unknown"
}

// allowed reports whether ip matches an allowlist entry: an exact address
// or a CIDR prefix. An empty allowlist allows everything.
func allowed(allowlist []string, ip string) bool {
	if len(allowlist) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, entry := range allowlist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			if p, err := netip.ParsePrefix(entry); err == nil && p.Contains(addr) {
				return true
			}
			continue
		}
		if a, err := netip.ParseAddr(entry); err == nil && a.Unmap() == addr {
			return true
		}
	}
	return false
}
