package fetch

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var (
	// ErrBlockedAddress is returned when a URL targets a private or loopback address.
	ErrBlockedAddress = errors.New("fetch: URL targets a private or loopback address")
	// ErrScheme is returned for anything but http and https.
	ErrScheme = errors.New("fetch: only http and https are allowed")
)

var privateNets = mustCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"fc00::/7",
)

func mustCIDRs(ss ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(ss))
	for _, s := range ss {
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}

// ValidateURL rejects non-http(s) URLs and hosts resolving to private,
// loopback or link-local addresses. An unresolvable host is let through;
// the dial fails later with a NETWORK error anyway.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("fetch: invalid URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return ErrScheme
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("fetch: URL has no host")
	}
	if ip := net.ParseIP(host); ip != nil {
		if blockedIP(ip) {
			return ErrBlockedAddress
		}
		return nil
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && blockedIP(ip) {
			return ErrBlockedAddress
		}
	}
	return nil
}

func blockedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, n := range privateNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
