// Package listing reads the demo server's directory index.
package listing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	apperrors "github.com/alexjbarnes/demo-relay/internal/errors"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxListingBytes caps how much of an index page is parsed. Directory
	// indexes are plain HTML and stay well under this even with years of
	// demos.
	maxListingBytes = 8 * 1024 * 1024
)

// Client fetches the directory index and extracts demo file names.
type Client struct {
	httpClient *http.Client
	url        string
	prefix     string
}

// SameHostRedirectPolicy follows redirects only when the target host
// matches the original request host.
func SameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// DefaultHTTPClient returns the client used for talking to the demo
// server when none is supplied.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		Timeout:       httpClientTimeout,
		CheckRedirect: SameHostRedirectPolicy,
	}
}

// NewClient creates a listing client for the index at baseURL+path. Only
// hrefs starting with prefix are returned. If httpClient is nil,
// DefaultHTTPClient is used.
func NewClient(httpClient *http.Client, baseURL, path, prefix string) *Client {
	if httpClient == nil {
		httpClient = DefaultHTTPClient()
	}

	return &Client{
		httpClient: httpClient,
		url:        strings.TrimRight(baseURL, "/") + path,
		prefix:     prefix,
	}
}

// List returns the demo file names currently in the index, in document
// order with duplicates removed. Every failure wraps ErrListingUnavailable.
func (c *Client) List(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", apperrors.ErrListingUnavailable, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching %s: %w", apperrors.ErrListingUnavailable, c.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: %s returned status %d: %s",
			apperrors.ErrListingUnavailable, c.url, resp.StatusCode, SanitizeResponseBody(body))
	}

	names, err := parseIndex(io.LimitReader(resp.Body, maxListingBytes), c.prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrListingUnavailable, err)
	}

	return names, nil
}

// parseIndex extracts anchor hrefs beginning with prefix.
func parseIndex(r io.Reader, prefix string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parsing index: %w", err)
	}

	seen := make(map[string]struct{})

	var names []string

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || !strings.HasPrefix(href, prefix) {
			return
		}

		if _, dup := seen[href]; dup {
			return
		}

		seen[href] = struct{}{}
		names = append(names, href)
	})

	return names, nil
}

// SanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func SanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
