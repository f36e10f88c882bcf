package security

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"leadflow/internal/domain"
)

// Outbound URLs come from broker-edited config (MCP endpoints, webhooks),
// so every one is vetted before dialing. Loopback is split from the other
// reserved ranges: a broker may explicitly flag an MCP server as local
// (allow_loopback) to run a CRM bridge on the same machine, but nothing in
// config can ever point the agent at the rest of the private address space.
var (
	loopbackRanges = []string{
		"127.0.0.0/8",
		"::1/128",
	}
	privateRanges = []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
		"0.0.0.0/8",
		"fc00::/7",
		"fe80::/10",
	}
)

var parsedLoopback, parsedPrivate []*net.IPNet

func init() {
	parsedLoopback = mustParseCIDRs(loopbackRanges)
	parsedPrivate = mustParseCIDRs(privateRanges)
}

func mustParseCIDRs(cidrs []string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR %q: %v", cidr, err))
		}
		nets = append(nets, ipnet)
	}
	return nets
}

// ValidateURL checks that a URL does not resolve to any private/reserved
// IP, loopback included. This is the default for every outbound URL.
func ValidateURL(rawURL string) error {
	return ValidateEndpoint(rawURL, false)
}

// ValidateEndpoint checks an outbound endpoint URL against the reserved
// ranges. allowLoopback is the broker's explicit opt-in for an MCP server
// running on this machine; the non-loopback private ranges stay blocked
// regardless.
func ValidateEndpoint(rawURL string, allowLoopback bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return domain.NewDomainError("ValidateEndpoint", domain.ErrSSRFBlocked, fmt.Sprintf("invalid URL: %v", err))
	}

	// Only http and https schemes are dialable
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		// OK - continue validation
	case "":
		return domain.NewDomainError(
			"ValidateEndpoint",
			domain.ErrSSRFBlocked,
			"missing URL scheme, only http/https allowed",
		)
	default:
		return domain.NewDomainError(
			"ValidateEndpoint",
			domain.ErrSSRFBlocked,
			fmt.Sprintf("scheme %q not allowed, only http/https", u.Scheme),
		)
	}

	host := u.Hostname()
	if host == "" {
		return domain.NewDomainError("ValidateEndpoint", domain.ErrSSRFBlocked, "empty hostname")
	}

	// Try direct IP parse first
	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip, host, allowLoopback)
	}

	// DNS resolution
	ips, err := net.LookupIP(host)
	if err != nil {
		return domain.NewDomainError("ValidateEndpoint", domain.ErrSSRFBlocked,
			fmt.Sprintf("DNS lookup failed: %v", err))
	}

	for _, ip := range ips {
		if err := checkIP(ip, host, allowLoopback); err != nil {
			return err
		}
	}

	return nil
}

func checkIP(ip net.IP, host string, allowLoopback bool) error {
	if allowLoopback && IsLoopbackIP(ip) {
		return nil
	}
	if IsPrivateIP(ip) {
		return domain.NewDomainError("ValidateEndpoint", domain.ErrSSRFBlocked,
			fmt.Sprintf("%s is private/reserved (IP %s)", host, ip))
	}
	return nil
}

// IsLoopbackIP checks if an IP is loopback, normalizing IPv4-mapped IPv6.
func IsLoopbackIP(ip net.IP) bool {
	return inRanges(ip, parsedLoopback)
}

// IsPrivateIP checks if an IP falls within any private/reserved range,
// loopback included.
func IsPrivateIP(ip net.IP) bool {
	return inRanges(ip, parsedLoopback) || inRanges(ip, parsedPrivate)
}

func inRanges(ip net.IP, nets []*net.IPNet) bool {
	// Normalize IPv4-mapped IPv6 to IPv4
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, ipnet := range nets {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

// NewSSRFSafeTransport creates an HTTP transport that validates IPs at dial
// time and connects directly to the validated IP, so a DNS answer cannot
// change between validation and connection. allowLoopback must match the
// policy the endpoint was validated under.
func NewSSRFSafeTransport(allowLoopback bool) *http.Transport {
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, fmt.Errorf("invalid address: %w", err)
			}

			// Resolve DNS once
			ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, domain.NewDomainError(
					"SSRFSafeTransport.Dial",
					err,
					fmt.Sprintf("DNS lookup failed for %s", host),
				)
			}

			if len(ips) == 0 {
				return nil, domain.NewDomainError(
					"SSRFSafeTransport.Dial",
					fmt.Errorf("no IPs resolved"),
					host,
				)
			}

			// Validate every resolved IP, not just the one we dial
			for _, ip := range ips {
				if err := checkIP(ip.IP, host, allowLoopback); err != nil {
					return nil, err
				}
			}

			dialer := &net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}
			return dialer.DialContext(ctx, network,
				net.JoinHostPort(ips[0].IP.String(), port))
		},
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
