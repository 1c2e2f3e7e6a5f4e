// Package sitemeta fetches homepage metadata (title, meta description) for
// a hostname. It is the live half of the source type resolver.
package sitemeta

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"github.com/lumenview/visibility-cli/internal/resilience"
)

// Metadata is what a homepage reveals about itself.
type Metadata struct {
	Title       string
	Description string
}

// Client defines the sitemeta operations.
type Client interface {
	// Fetch retrieves and parses the homepage of the given hostname.
	Fetch(ctx context.Context, hostname string) (*Metadata, error)
}

// Option configures the sitemeta client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithScheme overrides the URL scheme (for testing against httptest servers).
func WithScheme(scheme string) Option {
	return func(c *httpClient) {
		c.scheme = scheme
	}
}

// WithRateLimit sets the request rate limit across all hostnames.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

type httpClient struct {
	http    *http.Client
	limiter *rate.Limiter
	scheme  string
}

// maxBodyBytes bounds how much of a homepage is read. Titles and meta tags
// live in the head, so a small prefix is enough.
const maxBodyBytes = 256 * 1024

// NewClient creates a sitemeta client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(5), 5),
		scheme:  "https",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Fetch(ctx context.Context, hostname string) (*Metadata, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "sitemeta: rate limit wait")
	}

	url := fmt.Sprintf("%s://%s/", c.scheme, hostname)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "sitemeta: build request for %s", hostname)
	}
	req.Header.Set("User-Agent", "visibility-cli/1.0")
	req.Header.Set("Accept", "text/html")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "sitemeta: fetch %s", hostname)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("sitemeta: fetch %s: status %d", hostname, resp.StatusCode)
		// Rate limits and 5xx are worth another attempt; a 404 never is.
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	meta := parseMetadata(io.LimitReader(resp.Body, maxBodyBytes))
	return &meta, nil
}

// parseMetadata walks the HTML tree for <title> and the description meta
// tag. Parse errors on truncated input are ignored; whatever was found
// before the cutoff still counts.
func parseMetadata(r io.Reader) Metadata {
	var meta Metadata

	doc, err := html.Parse(r)
	if err != nil {
		return meta
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if meta.Title == "" && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
					meta.Title = strings.TrimSpace(n.FirstChild.Data)
				}
			case "meta":
				var name, property, content string
				for _, attr := range n.Attr {
					switch strings.ToLower(attr.Key) {
					case "name":
						name = strings.ToLower(attr.Val)
					case "property":
						property = strings.ToLower(attr.Val)
					case "content":
						content = attr.Val
					}
				}
				if meta.Description == "" && (name == "description" || property == "og:description") {
					meta.Description = strings.TrimSpace(content)
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)

	return meta
}
