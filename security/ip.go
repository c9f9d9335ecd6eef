package security

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// IPResolver extracts the caller's address from a request.
//
// With TrustProxy unset only RemoteAddr is used. With TrustProxy set, the
// X-Forwarded-For entry TrustedProxyCount hops from the right is taken, then
// X-Real-IP, then RemoteAddr. TrustedProxyCount defaults to 1.
type IPResolver struct {
	TrustProxy        bool
	TrustedProxyCount int
}

// ClientIP returns the resolved client IP.
func (r IPResolver) ClientIP(req *http.Request) string {
	if r.TrustProxy {
		if ip := r.fromForwardedFor(req.Header.Get("X-Forwarded-For")); ip != "" {
			return ip
		}
		if ip := parseIP(req.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func (r IPResolver) fromForwardedFor(xff string) string {
	if xff == "" {
		return ""
	}
	hops := strings.Split(xff, ",")
	proxies := r.TrustedProxyCount
	if proxies <= 0 {
		proxies = 1
	}
	idx := len(hops) - proxies - 1
	if idx < 0 {
		idx = 0
	}
	return parseIP(hops[idx])
}

func parseIP(s string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return ""
	}
	return addr.String()
}
