// Package urlguard checks the URLs pinwatch is asked to load: watched pages,
// the alert webhook and the mail endpoint.
package urlguard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

var (
	// ErrScheme is returned for anything but http and https.
	ErrScheme = errors.New("urlguard: only http and https URLs are allowed")
	// ErrNoHost is returned when the URL has no host name.
	ErrNoHost = errors.New("urlguard: URL has no host")
	// ErrPrivate is returned when the host is, or resolves to, a loopback,
	// private, link-local or unspecified address.
	ErrPrivate = errors.New("urlguard: URL targets a private or loopback address")
)

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Guard validates URLs. The zero value checks the scheme and host only.
type Guard struct {
	// BlockPrivate refuses hosts on internal networks.
	BlockPrivate bool
	// Resolver resolves host names when BlockPrivate is set.
	// Default: net.DefaultResolver.
	Resolver Resolver
}

// CheckScheme parses raw and checks that it is an absolute http(s) URL
// with a host.
func CheckScheme(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("urlguard: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, ErrScheme
	}
	if u.Hostname() == "" {
		return nil, ErrNoHost
	}
	return u, nil
}

// Check validates raw and returns it parsed. With BlockPrivate set, a literal
// address is checked directly and a name is checked on every address it
// resolves to. A name that does not resolve is let through: the fetch fails
// on its own.
func (g Guard) Check(ctx context.Context, raw string) (*url.URL, error) {
	u, err := CheckScheme(raw)
	if err != nil || !g.BlockPrivate {
		return u, err
	}

	host := u.Hostname()
	if addr, err := netip.ParseAddr(host); err == nil {
		if internal(addr) {
			return nil, fmt.Errorf("%w: %s", ErrPrivate, host)
		}
		return u, nil
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return nil, fmt.Errorf("%w: %s", ErrPrivate, host)
	}

	r := g.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	addrs, err := r.LookupHost(ctx, host)
	if err != nil {
		return u, nil
	}
	for _, a := range addrs {
		if addr, err := netip.ParseAddr(a); err == nil && internal(addr) {
			return nil, fmt.Errorf("%w: %s resolves to %s", ErrPrivate, host, a)
		}
	}
	return u, nil
}

func internal(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast()
}
