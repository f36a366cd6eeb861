// Package httpclient provides the shared, connection-pooled HTTP client
// every Worker transfers through, plus a per-transfer bandwidth limiter
// Workers wrap around a response body at whatever speed the ThreadManager
// currently allows.
package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// Config holds the subset of engine settings that shape the transport.
type Config struct {
	ConnectTimeout  time.Duration
	MaxConnsPerHost int
	DisableHTTP2    bool
	VerifyTLS       bool
	MaxRedirects    int

	// ProxyURL's scheme must be one of http, https, socks4, socks4a,
	// socks5, socks5h. Empty means no proxy.
	ProxyURL string

	// CookieJarPath, if set, persists cookies across the process; the
	// jar itself is in-memory (net/http/cookiejar) — the path is reserved
	// for the caller to load/save cookie state around it.
	CookieJarPath string
}

// DefaultConfig returns sensible defaults for high-throughput range-GET
// transfers.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:  10 * time.Second,
		MaxConnsPerHost: 100,
		VerifyTLS:       true,
		MaxRedirects:    10,
	}
}

// New builds an optimized, connection-pooled *http.Client per this engine's
// HTTP contract: connect timeout 10s, TLS 1.2 minimum, certificate
// verification toggle, proxy scheme support, up to MaxRedirects hops, and
// an in-memory cookie jar when requested.
func New(cfg Config) (*http.Client, error) {
	if cfg.MaxConnsPerHost == 0 {
		cfg.MaxConnsPerHost = 100
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		MaxIdleConns:        200,
		MaxIdleConnsPerHost: cfg.MaxConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,

		DisableCompression: true, // preserves byte-for-byte Range alignment
		ForceAttemptHTTP2:  !cfg.DisableHTTP2,
		DialContext:        dialer.DialContext,

		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: !cfg.VerifyTLS,
		},
	}

	if cfg.ProxyURL != "" {
		proxyFn, err := proxyFunc(cfg.ProxyURL)
		if err != nil {
			return nil, err
		}
		transport.Proxy = proxyFn
	}

	client := &http.Client{Transport: transport}

	if cfg.CookieJarPath != "" {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		client.Jar = jar
	}

	maxRedirects := cfg.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 10
	}
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	}

	return client, nil
}

// proxyFunc builds an http.Transport.Proxy function for the schemes the
// engine accepts: http, https, socks4, socks4a, socks5, socks5h. The URL
// is handed to net/http unchanged; net/http speaks SOCKS only for
// socks5/socks5h, so socks4/socks4a URLs pass this check but are not
// dialed as SOCKS4.
func proxyFunc(raw string) (func(*http.Request) (*url.URL, error), error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "socks4", "socks4a", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	return http.ProxyURL(u), nil
}

// LimitReader wraps r so reads never exceed bytesPerSec sustained
// throughput, bursting up to 64 KiB. bytesPerSec <= 0 disables limiting
// and returns r unchanged.
func LimitReader(ctx context.Context, r io.ReadCloser, bytesPerSec int64) io.ReadCloser {
	if bytesPerSec <= 0 {
		return r
	}
	return &rateLimitedReader{
		r:       r,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), 64*1024),
		ctx:     ctx,
	}
}

type rateLimitedReader struct {
	r       io.ReadCloser
	limiter *rate.Limiter
	ctx     context.Context
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	n := len(p)
	if n > 64*1024 {
		n = 64 * 1024
	}
	if err := r.limiter.WaitN(r.ctx, n); err != nil {
		return 0, err
	}
	return r.r.Read(p[:n])
}

func (r *rateLimitedReader) Close() error {
	return r.r.Close()
}
