// Package oracle implements C4: the HTTP client that talks to an
// external Library of Babel instance, resolving page text to
// coordinates (search) and coordinates back to page text (fetch).
//
// The client shape — a small struct wrapping an *http.Client plus a
// target address, one method per remote operation, a retry loop around
// the round trip — is adapted from the teacher's UploadClient
// (cmd/stego-send). Where the teacher posts JSON to its own DNS
// server, this client instead posts form data (search) or issues GETs
// (fetch) and scrapes HTML from a page it
// does not control, so responses are parsed defensively with
// golang.org/x/net/html plus a regexp layer rather than trusted JSON
// decoding.
package oracle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/sync/semaphore"

	"github.com/faanross/babelstorage/internal/bserr"
	"github.com/faanross/babelstorage/internal/coordinate"
	"github.com/faanross/babelstorage/internal/spec"
)

// coordPattern matches the "hexagon:X,wall:N,shelf:N,volume:N,page:N"
// tuple the oracle embeds in a response page, wherever it appears in
// the surrounding markup.
var coordPattern = regexp.MustCompile(`hexagon:([^,\s]+),wall:(\d+),shelf:(\d+),volume:(\d+),page:(\d+)`)

// Client talks to one Library of Babel oracle instance.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	concurrency int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default *http.Client (tests use this to
// inject a client pointed at an httptest.Server).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithConcurrency overrides the default bounded-concurrency limit for
// SearchAll.
func WithConcurrency(n int) Option {
	return func(c *Client) { c.concurrency = int64(n) }
}

// New returns a Client pointed at baseURL (e.g.
// "https://libraryofbabel.info"), with the default timeout (§4.4) and
// concurrency (4).
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: spec.OracleDefaultTimeoutSec * time.Second,
		},
		concurrency: spec.OracleDefaultConcurrency,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Search asks the oracle for the coordinate whose page contains
// pageText — the oracle's "search" operation (§4.4). pageText must be
// exactly spec.PageSize alphabet symbols; that invariant is the
// codec's job to guarantee, not this client's to repair.
func (c *Client) Search(ctx context.Context, pageText string) (coordinate.Coordinate, error) {
	if len(pageText) != spec.PageSize {
		return coordinate.Coordinate{}, bserr.New(bserr.BadLength, "search text is not PageSize symbols long", nil)
	}

	u := fmt.Sprintf("%s/search", c.baseURL)
	form := url.Values{"content": {pageText}}
	body, err := c.doWithRetry(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return coordinate.Coordinate{}, err
	}

	coord, err := parseCoordinate(body)
	if err != nil {
		return coordinate.Coordinate{}, err
	}
	if err := coord.Validate(); err != nil {
		return coordinate.Coordinate{}, err
	}
	return coord, nil
}

// Fetch retrieves the page text at coord — the oracle's "fetch"
// operation (§4.4).
func (c *Client) Fetch(ctx context.Context, coord coordinate.Coordinate) (string, error) {
	if err := coord.Validate(); err != nil {
		return "", err
	}

	u := fmt.Sprintf("%s/browse?%s", c.baseURL, strings.NewReplacer(",", "&", ":", "=").Replace(coord.String()))
	body, err := c.doWithRetry(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}

	page, err := parsePageText(body)
	if err != nil {
		return "", err
	}
	return page, nil
}

// SearchAll resolves many page texts concurrently, bounded by the
// client's configured concurrency (default 4, §4.4).
func (c *Client) SearchAll(ctx context.Context, pages []string) ([]coordinate.Coordinate, error) {
	results := make([]coordinate.Coordinate, len(pages))
	errs := make([]error, len(pages))

	sem := semaphore.NewWeighted(c.concurrency)
	done := make(chan int, len(pages))

	for i, p := range pages {
		i, p := i, p
		if err := sem.Acquire(ctx, 1); err != nil {
			errs[i] = bserr.New(bserr.Cancelled, "search cancelled before starting", err)
			done <- i
			continue
		}
		go func() {
			defer sem.Release(1)
			coord, err := c.Search(ctx, p)
			results[i] = coord
			errs[i] = err
			done <- i
		}()
	}

	for range pages {
		<-done
	}

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("search of page %d failed: %w", i, err)
		}
	}
	return results, nil
}

// doWithRetry issues method against u, retrying transient failures with
// exponential backoff: base 2, starting at 1s, capped at 60s, up to
// OracleMaxAttempts attempts (§4.4). 4xx responses are not retried —
// they indicate a malformed request, not a transient oracle outage.
// body is re-read fresh on every attempt since http.Request consumes it.
func (c *Client) doWithRetry(ctx context.Context, method, u string, body io.Reader) ([]byte, error) {
	var bodyBytes []byte
	if body != nil {
		b, err := io.ReadAll(body)
		if err != nil {
			return nil, bserr.New(bserr.OracleProtocolError, "failed to read request body", err)
		}
		bodyBytes = b
	}

	var lastErr error

	for attempt := 0; attempt < spec.OracleMaxAttempts; attempt++ {
		if attempt > 0 {
			wait := backoffDuration(attempt)
			select {
			case <-ctx.Done():
				return nil, bserr.New(bserr.Cancelled, "oracle request cancelled during backoff", ctx.Err())
			case <-time.After(wait):
			}
		}

		var reqBody io.Reader
		if bodyBytes != nil {
			reqBody = strings.NewReader(string(bodyBytes))
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
		if err != nil {
			return nil, bserr.New(bserr.OracleProtocolError, "failed to build request", err)
		}
		if method == http.MethodPost {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = bserr.New(bserr.OracleUnavailable, "request failed", err)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, bserr.New(bserr.OracleProtocolError, fmt.Sprintf("oracle returned %s", resp.Status), nil)
		}
		if resp.StatusCode >= 500 {
			lastErr = bserr.New(bserr.OracleUnavailable, fmt.Sprintf("oracle returned %s", resp.Status), nil)
			continue
		}
		if readErr != nil {
			lastErr = bserr.New(bserr.OracleUnavailable, "failed to read response body", readErr)
			continue
		}

		return body, nil
	}

	return nil, bserr.New(bserr.OracleUnavailable, fmt.Sprintf("exhausted %d attempts", spec.OracleMaxAttempts), lastErr)
}

// backoffDuration is initial * base^(attempt-1) seconds (1s, 2s, 4s,
// ... for attempt 1, 2, 3, ...), capped, per §4.4.
func backoffDuration(attempt int) time.Duration {
	secs := spec.OracleInitialBackoffSec
	for i := 1; i < attempt; i++ {
		secs *= spec.OracleBackoffBase
		if secs > spec.OracleMaxBackoffSec {
			secs = spec.OracleMaxBackoffSec
			break
		}
	}
	return time.Duration(secs) * time.Second
}

// parseCoordinate walks the response HTML defensively looking for the
// coordinate tuple anywhere in the document's text content, rather
// than trusting a specific DOM shape.
func parseCoordinate(body []byte) (coordinate.Coordinate, error) {
	text, err := extractText(body)
	if err != nil {
		return coordinate.Coordinate{}, err
	}

	m := coordPattern.FindStringSubmatch(text)
	if m == nil {
		return coordinate.Coordinate{}, bserr.New(bserr.OracleProtocolError, "no coordinate tuple found in oracle response", nil)
	}

	wall, err1 := strconv.Atoi(m[2])
	shelf, err2 := strconv.Atoi(m[3])
	volume, err3 := strconv.Atoi(m[4])
	page, err4 := strconv.Atoi(m[5])
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return coordinate.Coordinate{}, bserr.New(bserr.OracleProtocolError, "malformed numeric field in coordinate tuple", nil)
	}

	return coordinate.Coordinate{
		Hexagon: m[1],
		Wall:    wall,
		Shelf:   shelf,
		Volume:  volume,
		Page:    page,
	}, nil
}

// alphabetRun matches a maximal run of alphabet symbols, used to find
// the page body embedded in the surrounding HTML.
var alphabetRun = regexp.MustCompile(`[a-z .,]{100,}`)

// parsePageText extracts the PageSize-symbol page body from a fetch
// response, tolerating arbitrary surrounding markup.
func parsePageText(body []byte) (string, error) {
	text, err := extractText(body)
	if err != nil {
		return "", err
	}

	candidates := alphabetRun.FindAllString(text, -1)
	for _, cand := range candidates {
		trimmed := strings.TrimSpace(cand)
		if len(trimmed) == spec.PageSize {
			return trimmed, nil
		}
	}
	// Fall back to the longest untrimmed candidate, rejected below
	// unless it is exactly PageSize symbols, rather than silently
	// returning a short page.
	longest := ""
	for _, cand := range candidates {
		if len(cand) > len(longest) {
			longest = cand
		}
	}
	if len(longest) != spec.PageSize {
		return "", bserr.New(bserr.OracleProtocolError,
			fmt.Sprintf("could not find a %d-symbol page body in oracle response", spec.PageSize), nil)
	}
	return longest, nil
}

// extractText walks an HTML document and concatenates all text nodes,
// the defensive-parsing requirement from §4.4: never regex the raw
// markup, always parse the DOM first.
func extractText(body []byte) (string, error) {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return "", bserr.New(bserr.OracleProtocolError, "failed to parse oracle response as HTML", err)
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteString(" ")
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return sb.String(), nil
}
