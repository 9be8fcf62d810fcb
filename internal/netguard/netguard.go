// Package netguard keeps outbound provider traffic and configured endpoints
// away from loopback, private and metadata addresses.
package netguard

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// ErrBlocked is returned for addresses outbound calls may not reach
var ErrBlocked = errors.New("address not allowed")

var privateNetworks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"100.64.0.0/10",
	"169.254.0.0/16",
	"127.0.0.0/8",
	"fc00::/7",
	"fe80::/10",
	"::1/128",
)

// metadataHosts are cloud instance metadata endpoints
var metadataHosts = []string{
	"169.254.169.254",
	"169.254.170.2",
	"metadata.google.internal",
	"fd00:ec2::254",
}

// Guard validates URLs and dialed addresses
type Guard struct {
	allowPrivate bool
}

// New creates a guard. allowPrivate permits loopback and private ranges but
// never metadata endpoints.
func New(allowPrivate bool) *Guard {
	return &Guard{allowPrivate: allowPrivate}
}

// ValidateURL checks scheme and host without resolving DNS. Literal IP hosts
// are checked against the blocked ranges.
func (g *Guard) ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q: only http and https are allowed", rawURL)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("%q: missing host", rawURL)
	}

	if isMetadataHost(host) {
		return fmt.Errorf("%q: %w", rawURL, ErrBlocked)
	}
	if !g.allowPrivate && (host == "localhost" || strings.HasSuffix(host, ".localhost")) {
		return fmt.Errorf("%q: %w", rawURL, ErrBlocked)
	}
	if ip := net.ParseIP(host); ip != nil {
		if err := g.CheckIP(ip); err != nil {
			return fmt.Errorf("%q: %w", rawURL, err)
		}
	}
	return nil
}

// CheckIP rejects addresses outbound calls may not reach
func (g *Guard) CheckIP(ip net.IP) error {
	if isMetadataHost(ip.String()) {
		return fmt.Errorf("%s: %w", ip, ErrBlocked)
	}
	if g.allowPrivate {
		return nil
	}
	if ip.IsLoopback() || ip.IsUnspecified() || ip.IsMulticast() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || inPrivateNetwork(ip) {
		return fmt.Errorf("%s: %w", ip, ErrBlocked)
	}
	return nil
}

// DialControl is a net.Dialer Control hook that checks the resolved address
// right before connecting, so DNS answers cannot redirect a call inward.
func (g *Guard) DialControl(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("%s: unresolved address", address)
	}
	return g.CheckIP(ip)
}

func isMetadataHost(host string) bool {
	for _, blocked := range metadataHosts {
		if host == blocked || strings.HasSuffix(host, "."+blocked) {
			return true
		}
	}
	return false
}

func inPrivateNetwork(ip net.IP) bool {
	for _, network := range privateNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(err)
		}
		nets = append(nets, network)
	}
	return nets
}
