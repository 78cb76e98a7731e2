// Package egress validates candidate outbound URLs against SSRF rules
// before any network call is allowed.
package egress

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Guard checks outbound URLs for server-side request forgery. The zero-value
// options block private targets; tests may relax them.
type Guard struct {
	opts Options
}

// Options configures guard behavior
type Options struct {
	// AllowPrivateHosts permits loopback/private targets. Only set in tests.
	AllowPrivateHosts bool
	// AllowedSchemes defaults to https and http
	AllowedSchemes []string
	// LookupIP overrides hostname resolution. Nil means net.LookupIP.
	LookupIP func(host string) ([]net.IP, error)
}

// NewGuard creates a guard with secure defaults
func NewGuard() *Guard {
	return NewGuardWithOptions(Options{})
}

// NewGuardWithOptions creates a guard with explicit options
func NewGuardWithOptions(opts Options) *Guard {
	if len(opts.AllowedSchemes) == 0 {
		opts.AllowedSchemes = []string{"https", "http"}
	}
	if opts.LookupIP == nil {
		opts.LookupIP = net.LookupIP
	}
	return &Guard{opts: opts}
}

// ValidateURL checks a candidate outbound URL. It rejects non-HTTP(S)
// schemes, malformed URLs, and hostnames that resolve to loopback,
// link-local, private, or otherwise internal addresses. Resolution happens
// at validation time, so the check must be repeated immediately before use:
// DNS answers change between config-write and call.
func (g *Guard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URL cannot be empty")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	allowed := false
	for _, s := range g.opts.AllowedSchemes {
		if scheme == strings.ToLower(s) {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("URL scheme %q is not allowed; permitted schemes: %v", scheme, g.opts.AllowedSchemes)
	}

	hostname := parsed.Hostname()
	if hostname == "" {
		return fmt.Errorf("URL must contain a hostname")
	}

	if g.opts.AllowPrivateHosts {
		return nil
	}

	// Literal IPs skip DNS entirely
	if ip := net.ParseIP(hostname); ip != nil {
		if isInternalIP(ip) {
			return fmt.Errorf("connection to private/internal IP %s is not allowed", ip)
		}
		return nil
	}

	ips, err := g.opts.LookupIP(hostname)
	if err != nil {
		return fmt.Errorf("failed to resolve hostname %q: %w", hostname, err)
	}
	for _, ip := range ips {
		if isInternalIP(ip) {
			return fmt.Errorf("connection to private/internal IP %s is not allowed (hostname: %s)", ip, hostname)
		}
	}

	return nil
}

// isInternalIP checks if an IP address is private, loopback, link-local, or
// otherwise unfit as an egress target
func isInternalIP(ip net.IP) bool {
	// loopback (127.0.0.0/8, ::1)
	if ip.IsLoopback() {
		return true
	}

	// link-local (169.254.0.0/16 incl. cloud metadata, fe80::/10)
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}

	// private ranges (10.0.0.0/8, 172.16.0.0/12, 192.168.0.0/16, fc00::/7)
	if ip.IsPrivate() {
		return true
	}

	// unspecified (0.0.0.0, ::)
	if ip.IsUnspecified() {
		return true
	}

	if ip4 := ip.To4(); ip4 != nil {
		// 0.0.0.0/8 (current network)
		if ip4[0] == 0 {
			return true
		}
		// 100.64.0.0/10 (carrier-grade NAT)
		if ip4[0] == 100 && ip4[1] >= 64 && ip4[1] <= 127 {
			return true
		}
		// 192.0.0.0/24 (IETF protocol assignments)
		if ip4[0] == 192 && ip4[1] == 0 && ip4[2] == 0 {
			return true
		}
		// TEST-NET-1/2/3
		if ip4[0] == 192 && ip4[1] == 0 && ip4[2] == 2 {
			return true
		}
		if ip4[0] == 198 && ip4[1] == 51 && ip4[2] == 100 {
			return true
		}
		if ip4[0] == 203 && ip4[1] == 0 && ip4[2] == 113 {
			return true
		}
		// 224.0.0.0/4 multicast, 240.0.0.0/4 reserved
		if ip4[0] >= 224 {
			return true
		}
	}

	return false
}
