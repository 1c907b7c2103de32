package httpx

import (
	"net"
	"net/http"
	"strings"
)

// ClientIPResolver derives the caller address used as a rate-limit partition key.
// Forwarding headers are honored only when the direct peer is a trusted proxy.
type ClientIPResolver struct {
	TrustedProxies []*net.IPNet
}

func (c ClientIPResolver) ClientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP != "" && c.isTrustedProxy(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.Split(xff, ",")
			if candidate := parseIP(strings.TrimSpace(parts[0])); candidate != "" {
				return candidate
			}
		}
		if realIP := parseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); realIP != "" {
			return realIP
		}
	}
	if remoteIP == "" {
		return "unknown"
	}
	return remoteIP
}

func (c ClientIPResolver) isTrustedProxy(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range c.TrustedProxies {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// ParseCIDRs accepts comma-separated CIDRs or bare addresses; invalid entries are skipped.
func ParseCIDRs(raw string) []*net.IPNet {
	var out []*net.IPNet
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.Contains(part, "/") {
			ip := net.ParseIP(part)
			if ip == nil {
				continue
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		if _, cidr, err := net.ParseCIDR(part); err == nil {
			out = append(out, cidr)
		}
	}
	return out
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}
