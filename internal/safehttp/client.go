// Package safehttp is the outbound HTTP client for federation traffic. Every
// request resolves its host exactly once, validates the single resulting IP
// against the private-address space, and then dials that IP directly while
// keeping the original hostname for SNI and the Host header, so a DNS answer
// cannot change between validation and connect.
package safehttp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Failure modes surfaced to callers. Wrapped with URL context; match with
// errors.Is.
var (
	ErrSchemeNotAllowed = errors.New("scheme_not_allowed")
	ErrEmptyHost        = errors.New("empty_host")
	ErrPrivateIP        = errors.New("private_ip")
	ErrTooManyRedirects = errors.New("too_many_redirects")
	ErrResponseTooLarge = errors.New("response_too_large")
)

const maxRedirects = 5

// SignFunc adds HTTP-signature headers to an outgoing request. body is the
// raw payload (nil on GET).
type SignFunc func(req *http.Request, body []byte) error

// Options configures a Client.
type Options struct {
	ConnectTimeout time.Duration
	ReceiveTimeout time.Duration
	MaxBodySize    int64
	UserAgent      string

	// AllowPrivate permits http to loopback addresses and skips the
	// private-IP rejection for loopback. Development and tests only.
	AllowPrivate bool

	// Resolver overrides DNS resolution. Nil uses the system resolver.
	Resolver func(ctx context.Context, host string) ([]net.IP, error)
}

// Client is an SSRF-hardened HTTP client. Zero retries by design: retry
// policy belongs to the delivery queue.
type Client struct {
	opts Options
}

// Response is a fully-read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Succeeded reports a 2xx status.
func (r *Response) Succeeded() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// New creates a Client, applying defaults for unset options.
func New(opts Options) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.ReceiveTimeout <= 0 {
		opts.ReceiveTimeout = 30 * time.Second
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = 256 << 10
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "driftboard"
	}
	return &Client{opts: opts}
}

// Get performs a validated GET with ActivityPub accept headers, following up
// to 5 redirects with the full validation pipeline re-run on each hop.
func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	return c.get(ctx, rawURL, nil)
}

// SignedGet is Get with HTTP-signature headers added before sending.
// Each redirect hop is re-signed for its own target.
func (c *Client) SignedGet(ctx context.Context, rawURL string, sign SignFunc) (*Response, error) {
	return c.get(ctx, rawURL, sign)
}

// Post performs a validated POST of an ActivityPub payload. POST never
// follows redirects; a 3xx comes back to the caller as-is.
func (c *Client) Post(ctx context.Context, rawURL string, body []byte, sign SignFunc) (*Response, error) {
	u, ip, err := c.validateAndResolve(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("User-Agent", c.opts.UserAgent)
	if sign != nil {
		if err := sign(req, body); err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
	}

	return c.do(req, u, ip)
}

func (c *Client) get(ctx context.Context, rawURL string, sign SignFunc) (*Response, error) {
	current := rawURL
	for redirects := 0; ; redirects++ {
		if redirects > maxRedirects {
			return nil, fmt.Errorf("%s: %w", rawURL, ErrTooManyRedirects)
		}

		u, ip, err := c.validateAndResolve(ctx, current)
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/activity+json")
		req.Header.Set("User-Agent", c.opts.UserAgent)
		if sign != nil {
			if err := sign(req, nil); err != nil {
				return nil, fmt.Errorf("sign request: %w", err)
			}
		}

		resp, err := c.do(req, u, ip)
		if err != nil {
			return nil, err
		}

		switch resp.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
			http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
			loc := resp.Header.Get("Location")
			if loc == "" {
				return resp, nil
			}
			next, err := u.Parse(loc)
			if err != nil {
				return nil, fmt.Errorf("redirect target %q: %w", loc, err)
			}
			current = next.String()
			continue
		}
		return resp, nil
	}
}

// validateAndResolve enforces the URL policy and pins the host to a single
// resolved IP.
func (c *Client) validateAndResolve(ctx context.Context, rawURL string) (*url.URL, net.IP, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if u.Hostname() == "" {
		return nil, nil, fmt.Errorf("%s: %w", rawURL, ErrEmptyHost)
	}

	switch u.Scheme {
	case "https":
	case "http":
		if !c.opts.AllowPrivate {
			return nil, nil, fmt.Errorf("%s: %w", rawURL, ErrSchemeNotAllowed)
		}
	default:
		return nil, nil, fmt.Errorf("%s: %w", rawURL, ErrSchemeNotAllowed)
	}

	ips, err := c.resolve(ctx, u.Hostname())
	if err != nil {
		return nil, nil, fmt.Errorf("resolve %s: %w", u.Hostname(), err)
	}
	if len(ips) == 0 {
		return nil, nil, fmt.Errorf("resolve %s: no addresses", u.Hostname())
	}
	ip := ips[0]

	if c.opts.AllowPrivate && ip.IsLoopback() {
		return u, ip, nil
	}
	if forbiddenIP(ip) {
		return nil, nil, fmt.Errorf("%s resolves to %s: %w", u.Hostname(), ip, ErrPrivateIP)
	}
	return u, ip, nil
}

// do dials the pinned IP while TLS SNI and the Host header keep the original
// hostname, then reads the body under the size cap.
func (c *Client) do(req *http.Request, u *url.URL, ip net.IP) (*Response, error) {
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	pinned := net.JoinHostPort(ip.String(), port)

	dialer := &net.Dialer{Timeout: c.opts.ConnectTimeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, pinned)
		},
		TLSClientConfig:       &tls.Config{ServerName: u.Hostname()},
		TLSHandshakeTimeout:   c.opts.ConnectTimeout,
		ResponseHeaderTimeout: c.opts.ReceiveTimeout,
		DisableKeepAlives:     true,
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   c.opts.ConnectTimeout + c.opts.ReceiveTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			// Redirects are handled manually so each hop is re-validated.
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, u.Host, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", u.Host, err)
	}
	if int64(len(body)) > c.opts.MaxBodySize {
		return nil, fmt.Errorf("%s: %w", u.Host, ErrResponseTooLarge)
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func (c *Client) resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	if c.opts.Resolver != nil {
		return c.opts.Resolver(ctx, host)
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

// forbiddenIP reports whether an IP must never be dialed: loopback, private,
// link-local, unspecified, ULA, multicast, 0.0.0.0/8, and IPv4-in-IPv6
// addresses whose embedded IPv4 is any of the above.
func forbiddenIP(ip net.IP) bool {
	// Unwrap IPv4-in-IPv6 (::ffff:a.b.c.d) before classifying.
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}

	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() {
		return true
	}

	if v4 := ip.To4(); v4 != nil {
		// 0.0.0.0/8, "this network".
		return v4[0] == 0
	}

	// fc00::/7, unique local addresses.
	return len(ip) == net.IPv6len && ip[0]&0xfe == 0xfc
}
