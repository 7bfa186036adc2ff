// Package security guards outbound calls to tenant-supplied endpoints.
//
// Every monitored URL is chosen by a tenant, so the poller must not become a
// proxy into the network it runs in. SafeTransport resolves the target host
// itself, refuses destinations in the blocked ranges, and dials the exact
// address it validated so a second DNS answer cannot swap it.
package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"hermes/internal/types"
)

const dnsTimeout = 2 * time.Second

var (
	// ErrBlockedAddress is returned when a target resolves into a blocked range.
	ErrBlockedAddress = errors.New("ssrf: destination address is blocked")

	// ErrDNSTimeout is returned when resolution exceeds dnsTimeout.
	ErrDNSTimeout = errors.New("ssrf: DNS resolution timeout")

	// ErrDNSFailed is returned when the host cannot be resolved.
	ErrDNSFailed = errors.New("ssrf: DNS resolution failed")

	// ErrTooManyRedirects is returned when the redirect budget is spent.
	ErrTooManyRedirects = errors.New("ssrf: too many redirects")
)

var (
	blockedNets []*net.IPNet
	initOnce    sync.Once
	initErr     error
)

func initBlockedNets() {
	initOnce.Do(func() {
		blockedNets = make([]*net.IPNet, 0, len(types.SSRFBlockedCIDRs))
		for _, cidr := range types.SSRFBlockedCIDRs {
			_, ipNet, err := net.ParseCIDR(cidr)
			if err != nil {
				initErr = fmt.Errorf("ssrf: failed to parse CIDR %q: %w", cidr, err)
				return
			}
			blockedNets = append(blockedNets, ipNet)
		}
	})
}

func isBlockedIP(ip net.IP) bool {
	if ip.IsUnspecified() {
		return true
	}
	for _, ipNet := range blockedNets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// Resolver abstracts DNS resolution.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Policy configures which destinations are reachable.
type Policy struct {
	// AllowPrivate disables the blocklist. Intended for local development
	// against services on the same host.
	AllowPrivate bool

	// Resolver overrides net.DefaultResolver.
	Resolver Resolver

	// DialTimeout bounds TCP connection setup. Zero means 10s.
	DialTimeout time.Duration
}

// SafeTransport is an http.RoundTripper that validates every dialed address
// against the blocklist.
type SafeTransport struct {
	Base   *http.Transport
	policy Policy
	dialer *net.Dialer
}

// NewSafeTransport wraps base (a fresh transport when nil) and installs the
// validating dialer on it.
func NewSafeTransport(base *http.Transport, p Policy) (*SafeTransport, error) {
	initBlockedNets()
	if initErr != nil {
		return nil, initErr
	}
	if base == nil {
		base = &http.Transport{
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		}
	}
	if p.Resolver == nil {
		p.Resolver = net.DefaultResolver
	}
	if p.DialTimeout <= 0 {
		p.DialTimeout = 10 * time.Second
	}

	st := &SafeTransport{
		Base:   base,
		policy: p,
		dialer: &net.Dialer{Timeout: p.DialTimeout, KeepAlive: 30 * time.Second},
	}
	base.DialContext = st.dialContext
	return st, nil
}

// RoundTrip implements http.RoundTripper.
func (st *SafeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return st.Base.RoundTrip(req)
}

func (st *SafeTransport) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("ssrf: invalid address %q: %w", addr, err)
	}
	ips, err := st.resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	return st.dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
}

// resolve returns the addresses of host, failing if any of them is blocked.
// All answers are checked before any is used so a mixed answer set cannot
// slip a private address through.
func (st *SafeTransport) resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if !st.policy.AllowPrivate && isBlockedIP(ip) {
			return nil, fmt.Errorf("%w: %s", ErrBlockedAddress, ip)
		}
		return []net.IP{ip}, nil
	}

	dnsCtx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	addrs, err := st.policy.Resolver.LookupIPAddr(dnsCtx, host)
	if err != nil {
		if dnsCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: host %q", ErrDNSTimeout, host)
		}
		return nil, fmt.Errorf("%w: host %q: %v", ErrDNSFailed, host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: host %q resolved to no addresses", ErrDNSFailed, host)
	}

	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if !st.policy.AllowPrivate && isBlockedIP(a.IP) {
			return nil, fmt.Errorf("%w: %s (resolved from %s)", ErrBlockedAddress, a.IP, host)
		}
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// CheckHost resolves host and reports whether it may be called. The
// validator uses it to reject a draft before any request is sent.
func (st *SafeTransport) CheckHost(ctx context.Context, host string) error {
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrBlockedAddress)
	}
	_, err := st.resolve(ctx, host)
	return err
}

// CheckRedirect returns an http.Client redirect policy that limits the
// number of hops and validates each hop's host.
func (st *SafeTransport) CheckRedirect(maxRedirects int) func(req *http.Request, via []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) > maxRedirects {
			return fmt.Errorf("%w: limit is %d", ErrTooManyRedirects, maxRedirects)
		}
		return st.CheckHost(req.Context(), req.URL.Hostname())
	}
}

// NewSafeHTTPClient builds an http.Client on a SafeTransport. The client has
// no overall timeout; callers bound each request with its context.
func NewSafeHTTPClient(p Policy, maxRedirects int) (*http.Client, *SafeTransport, error) {
	st, err := NewSafeTransport(nil, p)
	if err != nil {
		return nil, nil, err
	}
	return &http.Client{
		Transport:     st,
		CheckRedirect: st.CheckRedirect(maxRedirects),
	}, st, nil
}
