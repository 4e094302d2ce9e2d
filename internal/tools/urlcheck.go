package tools

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/webpilot/pkg/protocol"
)

// URLGuard validates navigation targets before any browser traffic happens.
// With BlockPrivate set it rejects literal addresses for loopback, RFC 1918,
// link-local and unique-local ranges, including non-dotted numeric notations
// (decimal, octal, hex) that bypass naive string checks. Hostnames are
// additionally resolved so DNS answers pointing into private ranges are
// caught; resolution failures fail open after one retry since the browser
// will surface the real error.
type URLGuard struct {
	AllowFile    bool
	BlockPrivate bool

	// LookupIP overrides DNS resolution in tests.
	LookupIP func(ctx context.Context, host string) ([]net.IP, error)
}

// Check validates scheme and literal host. It does not resolve hostnames.
func (g *URLGuard) Check(rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return protocol.NewError(protocol.CodeInvalidParameter, "invalid url: %v", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "file":
		if !g.AllowFile {
			return protocol.NewError(protocol.CodeInvalidParameter, "file:// urls are not allowed")
		}
		return nil
	case "about":
		return nil
	default:
		return protocol.NewError(protocol.CodeInvalidParameter, "unsupported url scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return protocol.NewError(protocol.CodeInvalidParameter, "url has no host")
	}
	if !g.BlockPrivate {
		return nil
	}

	if addr, ok := parseHostAddr(host); ok {
		if forbiddenAddr(addr) {
			return protocol.NewError(protocol.CodeInvalidParameter, "url host %s resolves to a private or local address", host)
		}
	}
	return nil
}

// CheckResolved runs Check and then resolves hostnames, rejecting any answer
// in a private range.
func (g *URLGuard) CheckResolved(ctx context.Context, rawURL string) error {
	if err := g.Check(rawURL); err != nil {
		return err
	}
	if !g.BlockPrivate {
		return nil
	}

	u, _ := url.Parse(strings.TrimSpace(rawURL))
	if u == nil || u.Hostname() == "" {
		return nil
	}
	host := u.Hostname()
	if _, ok := parseHostAddr(host); ok {
		return nil // literal already checked
	}

	ips, err := g.lookup(ctx, host)
	if err != nil {
		ips, err = g.lookup(ctx, host)
	}
	if err != nil {
		slog.Debug("urlguard.resolve_failed", "host", host, "error", err)
		return nil
	}
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip)
		if ok && forbiddenAddr(addr) {
			return protocol.NewError(protocol.CodeInvalidParameter, "url host %s resolves to a private or local address", host)
		}
	}
	return nil
}

func (g *URLGuard) lookup(ctx context.Context, host string) ([]net.IP, error) {
	if g.LookupIP != nil {
		return g.LookupIP(ctx, host)
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// parseHostAddr parses a host as an IP literal, accepting the inet_aton
// shorthand forms (single 32-bit decimal, octal or hex components, fewer
// than four dotted parts).
func parseHostAddr(host string) (netip.Addr, bool) {
	host = strings.Trim(host, "[]")
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, true
	}
	return parseNumericIPv4(host)
}

func parseNumericIPv4(host string) (netip.Addr, bool) {
	parts := strings.Split(host, ".")
	if len(parts) < 1 || len(parts) > 4 {
		return netip.Addr{}, false
	}
	vals := make([]uint64, 0, 4)
	for _, p := range parts {
		if p == "" {
			return netip.Addr{}, false
		}
		// base 0 honors 0x hex and leading-zero octal prefixes
		v, err := strconv.ParseUint(strings.ToLower(p), 0, 64)
		if err != nil {
			return netip.Addr{}, false
		}
		vals = append(vals, v)
	}

	var n uint64
	switch len(vals) {
	case 1: // a: full 32-bit value
		n = vals[0]
	case 2: // a.b: b covers the low 24 bits
		if vals[0] > 0xff || vals[1] > 0xffffff {
			return netip.Addr{}, false
		}
		n = vals[0]<<24 | vals[1]
	case 3: // a.b.c: c covers the low 16 bits
		if vals[0] > 0xff || vals[1] > 0xff || vals[2] > 0xffff {
			return netip.Addr{}, false
		}
		n = vals[0]<<24 | vals[1]<<16 | vals[2]
	case 4:
		for _, v := range vals {
			if v > 0xff {
				return netip.Addr{}, false
			}
		}
		n = vals[0]<<24 | vals[1]<<16 | vals[2]<<8 | vals[3]
	}
	if n > 0xffffffff {
		return netip.Addr{}, false
	}
	return netip.AddrFrom4([4]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}), true
}

func forbiddenAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() ||
		addr.IsPrivate() || // RFC 1918 and fc00::/7
		addr.IsLinkLocalUnicast() || // 169.254/16 and fe80::/10
		addr.IsLinkLocalMulticast() ||
		addr.IsUnspecified()
}
