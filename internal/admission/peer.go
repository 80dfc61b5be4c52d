package admission

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
)

type peerKey struct{}

// CapturePeer keeps the TCP peer address of the connection. Mount it before
// any middleware that rewrites RemoteAddr from forwarding headers.
func CapturePeer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), peerKey{}, r.RemoteAddr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// peerAddr returns the captured peer address, or RemoteAddr when none was captured.
func peerAddr(r *http.Request) (netip.Addr, bool) {
	raw, _ := r.Context().Value(peerKey{}).(string)
	if raw == "" {
		raw = r.RemoteAddr
	}
	if ap, err := netip.ParseAddrPort(raw); err == nil {
		return ap.Addr().Unmap(), true
	}
	if a, err := netip.ParseAddr(strings.Trim(raw, "[]")); err == nil {
		return a.Unmap(), true
	}
	return netip.Addr{}, false
}

var loopback = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
}

// ParseTrusted converts trusted peer entries (an IP, a CIDR, or "localhost"
// for the loopback ranges) into prefixes. Valid entries are returned even when
// another entry fails to parse.
func ParseTrusted(entries []string) ([]netip.Prefix, error) {
	var (
		out      []netip.Prefix
		firstErr error
	)
	for _, e := range entries {
		e = strings.TrimSpace(e)
		switch {
		case strings.EqualFold(e, "localhost"):
			out = append(out, loopback...)
			continue
		case strings.Contains(e, "/"):
			if p, err := netip.ParsePrefix(e); err == nil {
				out = append(out, p.Masked())
				continue
			}
		default:
			if a, err := netip.ParseAddr(e); err == nil {
				a = a.Unmap()
				out = append(out, netip.PrefixFrom(a, a.BitLen()))
				continue
			}
		}
		if firstErr == nil {
			firstErr = fmt.Errorf("trusted peer %q: not an IP, CIDR or localhost", e)
		}
	}
	return out, firstErr
}

func (m *Middleware) trustedPeer(r *http.Request) bool {
	if len(m.trusted) == 0 {
		return false
	}
	addr, ok := peerAddr(r)
	if !ok {
		return false
	}
	for _, p := range m.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
