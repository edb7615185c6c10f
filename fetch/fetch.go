// Package fetch builds the HTTP clients used to download images and pages
// for a post: bounded timeouts, a response size cap, an optional guard
// against private network addresses and an optional browser TLS fingerprint.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// DefaultTimeout bounds page and image fetches.
const DefaultTimeout = 10 * time.Second

// DefaultMaxBytes caps a single response body.
const DefaultMaxBytes int64 = 20 << 20

const defaultUA = "Mozilla/5.0 (compatible; skyposter/1.0; +https://bsky.app)"

// ErrTooLarge is returned when a body exceeds the configured cap.
var ErrTooLarge = errors.New("response body exceeds maximum allowed size")

// StatusError is returned for non-200 responses.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d for %s", e.Status, e.URL)
}

// Options configures a Fetcher.
type Options struct {
	Timeout   time.Duration
	MaxBytes  int64
	UserAgent string
	// BlockPrivate refuses to connect to loopback, link-local and RFC 1918
	// addresses.
	BlockPrivate bool
	// BrowserTLS presents a browser TLS fingerprint on https requests.
	BrowserTLS bool
	// Client overrides the constructed client; used by tests.
	Client *http.Client
}

// Fetcher performs GET requests with the configured limits.
type Fetcher struct {
	client    *http.Client
	maxBytes  int64
	userAgent string
}

// New returns a Fetcher for opts.
func New(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxBytes == 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUA
	}
	client := opts.Client
	if client == nil {
		client = newClient(opts)
	}
	return &Fetcher{client: client, maxBytes: opts.MaxBytes, userAgent: opts.UserAgent}
}

func newClient(opts Options) *http.Client {
	dialer := &net.Dialer{Timeout: opts.Timeout}
	dial := dialer.DialContext
	if opts.BlockPrivate {
		dial = safeDialContext(dialer)
	}
	if opts.BrowserTLS {
		return &http.Client{
			Timeout:   opts.Timeout,
			Transport: newBrowserTransport(dialer, dial),
		}
	}
	return &http.Client{
		Timeout: opts.Timeout,
		Transport: &http.Transport{
			DialContext:         dial,
			TLSHandshakeTimeout: opts.Timeout,
		},
	}
}

// Response is a fully read response body with its headers.
type Response struct {
	URL    string
	Header http.Header
	Body   []byte
}

// Get downloads rawURL. accept sets the Accept header. Non-200 statuses are
// returned as *StatusError.
func (f *Fetcher) Get(ctx context.Context, rawURL, accept string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: rawURL, Status: resp.StatusCode}
	}
	body, err := ReadLimited(resp.Body, f.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &Response{URL: rawURL, Header: resp.Header, Body: body}, nil
}

// ReadLimited reads up to limit bytes from r and fails with ErrTooLarge
// beyond that. A limit <= 0 reads without bound.
func ReadLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrTooLarge
	}
	return data, nil
}
