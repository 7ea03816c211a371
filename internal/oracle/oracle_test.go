package oracle

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/faanross/babelstorage/internal/coordinate"
	"github.com/faanross/babelstorage/internal/spec"
)

func samplePage() string {
	return strings.Repeat("a", spec.PageSize)
}

func TestSearchParsesCoordinateFromHTML(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><body><p>result: hexagon:xyz9,wall:2,shelf:3,volume:10,page:42</p></body></html>`)
	}))
	defer server.Close()

	client := New(server.URL)
	coord, err := client.Search(context.Background(), samplePage())
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	want := coordinate.Coordinate{Hexagon: "xyz9", Wall: 2, Shelf: 3, Volume: 10, Page: 42}
	if !coord.Equal(want) {
		t.Fatalf("Search returned %+v, want %+v", coord, want)
	}
}

func TestSearchRejectsWrongLengthInput(t *testing.T) {
	client := New("http://unused.invalid")
	if _, err := client.Search(context.Background(), "too short"); err == nil {
		t.Fatal("expected error for non-PageSize search text")
	}
}

func TestFetchExtractsPageBody(t *testing.T) {
	page := samplePage()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><body><div class="text">%s</div></body></html>`, page)
	}))
	defer server.Close()

	client := New(server.URL)
	coord := coordinate.Coordinate{Hexagon: "abc", Wall: 1, Shelf: 1, Volume: 1, Page: 1}
	got, err := client.Fetch(context.Background(), coord)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got != page {
		t.Fatal("Fetch did not return the expected page body")
	}
}

func TestFetchRejectsInvalidCoordinate(t *testing.T) {
	client := New("http://unused.invalid")
	bad := coordinate.Coordinate{Hexagon: "x", Wall: 999, Shelf: 1, Volume: 1, Page: 1}
	if _, err := client.Fetch(context.Background(), bad); err == nil {
		t.Fatal("expected error for out-of-range coordinate")
	}
}

func TestDoWithRetryRetriesOn5xxThenSucceeds(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintf(w, `hexagon:ok,wall:1,shelf:1,volume:1,page:1`)
	}))
	defer server.Close()

	client := New(server.URL, WithHTTPClient(&http.Client{Timeout: 5 * time.Second}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	coord, err := client.Search(ctx, samplePage())
	if err != nil {
		t.Fatalf("Search after transient failure: %v", err)
	}
	if atomic.LoadInt32(&attempts) < 2 {
		t.Fatal("expected at least one retry")
	}
	if coord.Hexagon != "ok" {
		t.Fatalf("unexpected coordinate: %+v", coord)
	}
}

func TestSearchAllResolvesEveryPageInOrder(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]bool)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		content := r.FormValue("content")
		mu.Lock()
		seen[content] = true
		mu.Unlock()

		idx := strings.TrimSpace(content[:1])
		fmt.Fprintf(w, `hexagon:page%s,wall:1,shelf:1,volume:1,page:1`, idx)
	}))
	defer server.Close()

	client := New(server.URL, WithConcurrency(2))

	pages := make([]string, 5)
	for i := range pages {
		pages[i] = strings.Repeat(string(rune('a'+i)), spec.PageSize)
	}

	coords, err := client.SearchAll(context.Background(), pages)
	if err != nil {
		t.Fatalf("SearchAll: %v", err)
	}
	if len(coords) != len(pages) {
		t.Fatalf("SearchAll returned %d coordinates, want %d", len(coords), len(pages))
	}
	for i, c := range coords {
		want := fmt.Sprintf("page%s", string(rune('a'+i)))
		if c.Hexagon != want {
			t.Errorf("coords[%d].Hexagon = %q, want %q", i, c.Hexagon, want)
		}
	}
	if len(seen) != len(pages) {
		t.Fatalf("server observed %d distinct pages, want %d", len(seen), len(pages))
	}
}

func TestSearchAllPropagatesAnyIndividualFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := New(server.URL)
	pages := []string{samplePage(), samplePage()}

	if _, err := client.SearchAll(context.Background(), pages); err == nil {
		t.Fatal("expected SearchAll to propagate a per-page failure")
	}
}

func TestDoWithRetryDoesNotRetry4xx(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := New(server.URL)
	_, err := client.Search(context.Background(), samplePage())
	if err == nil {
		t.Fatal("expected error for 4xx response")
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Fatalf("expected exactly 1 attempt for a 4xx response, got %d", attempts)
	}
}
