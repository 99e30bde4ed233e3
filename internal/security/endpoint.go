package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// ErrEndpointNotAllowed wraps every rejection from EndpointPolicy.
var ErrEndpointNotAllowed = errors.New("endpoint not allowed")

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// EndpointPolicy decides which agent endpoints the service may contact.
// Private, loopback, link-local and unspecified addresses are refused unless
// AllowPrivate is set; both literal hosts and resolved addresses are checked.
type EndpointPolicy struct {
	AllowPrivate bool
	// LookupTimeout bounds the DNS lookup; zero means 5s.
	LookupTimeout time.Duration
	Resolver      *net.Resolver
}

// Check returns nil when rawURL may be requested server-side.
func (p EndpointPolicy) Check(rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return fmt.Errorf("%w: invalid URL format", ErrEndpointNotAllowed)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%w: URL scheme must be http or https", ErrEndpointNotAllowed)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: URL must have a host", ErrEndpointNotAllowed)
	}
	if p.AllowPrivate {
		return nil
	}

	host := u.Hostname()
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: host %q is blocked", ErrEndpointNotAllowed, host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	timeout := p.LookupTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	resolver := p.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ips, err := resolver.LookupHost(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve host %s", ErrEndpointNotAllowed, host)
	}
	for _, s := range ips {
		if ip := net.ParseIP(s); ip != nil {
			if err := checkIP(ip); err != nil {
				return fmt.Errorf("host %q resolves to a blocked address: %w", host, err)
			}
		}
	}
	return nil
}

// ValidateEndpointURL applies the strict default policy.
func ValidateEndpointURL(rawURL string) error {
	return EndpointPolicy{}.Check(rawURL)
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback addresses are not allowed", ErrEndpointNotAllowed)
	case ip.IsPrivate():
		return fmt.Errorf("%w: private addresses are not allowed", ErrEndpointNotAllowed)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local addresses are not allowed", ErrEndpointNotAllowed)
	case ip.IsUnspecified():
		return fmt.Errorf("%w: unspecified addresses are not allowed", ErrEndpointNotAllowed)
	}
	return nil
}
