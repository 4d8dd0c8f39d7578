package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const (
	searchBody = `{"results":[{"id":42,"name":"Zendaya"},{"id":7,"name":"Someone Else"}]}`
	moviesBody = `{"cast":[
		{"title":"Dune","poster_path":"/dune.jpg","overview":"Spice."},
		{"title":"","poster_path":"/untitled.jpg"},
		{"title":"No Poster","poster_path":null},
		{"title":"Challengers","poster_path":"/challengers.jpg"}
	]}`
	tvBody = `{"cast":[
		{"name":"Euphoria","poster_path":"/euphoria.jpg","overview":"Teens."},
		{"name":"K.C. Undercover","poster_path":""}
	]}`
)

type tmdbStub struct {
	search, movies, tv string
	status             int
	calls              int32
	lastQuery          string
	lastKey            string
}

func (s *tmdbStub) handler() http.Handler {
	mux := http.NewServeMux()
	respond := func(w http.ResponseWriter, r *http.Request, body string) {
		atomic.AddInt32(&s.calls, 1)
		s.lastKey = r.URL.Query().Get("api_key")
		if s.status != 0 {
			w.WriteHeader(s.status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}
	mux.HandleFunc("/search/person", func(w http.ResponseWriter, r *http.Request) {
		s.lastQuery = r.URL.Query().Get("query")
		respond(w, r, s.search)
	})
	mux.HandleFunc("/person/42/movie_credits", func(w http.ResponseWriter, r *http.Request) {
		respond(w, r, s.movies)
	})
	mux.HandleFunc("/person/42/tv_credits", func(w http.ResponseWriter, r *http.Request) {
		respond(w, r, s.tv)
	})
	return mux
}

func newStubServer(t *testing.T, stub *tmdbStub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)
	return srv
}

func newClient(baseURL string, opts ...func(*Config)) *Client {
	cfg := Config{
		BaseURL:      baseURL,
		ImageBaseURL: "https://image.example/t/p/w500/",
		APIKey:       "secret",
		Timeout:      time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return New(cfg)
}

func TestEnrichReturnsMoviesThenTV(t *testing.T) {
	stub := &tmdbStub{search: searchBody, movies: moviesBody, tv: tvBody}
	srv := newStubServer(t, stub)

	items := newClient(srv.URL).Enrich(context.Background(), "Zendaya")

	want := []MediaItem{
		{Title: "Dune", PosterPath: "https://image.example/t/p/w500/dune.jpg", Overview: "Spice.", MediaType: MediaTypeMovie},
		{Title: "Challengers", PosterPath: "https://image.example/t/p/w500/challengers.jpg", MediaType: MediaTypeMovie},
		{Title: "Euphoria", PosterPath: "https://image.example/t/p/w500/euphoria.jpg", Overview: "Teens.", MediaType: MediaTypeTV},
	}
	if len(items) != len(want) {
		t.Fatalf("got %d items, want %d: %+v", len(items), len(want), items)
	}
	for i := range want {
		if items[i] != want[i] {
			t.Errorf("items[%d] = %+v, want %+v", i, items[i], want[i])
		}
	}
	if stub.lastQuery != "Zendaya" {
		t.Errorf("search query = %q", stub.lastQuery)
	}
	if stub.lastKey != "secret" {
		t.Errorf("api key = %q", stub.lastKey)
	}
}

func TestEnrichNoSearchResults(t *testing.T) {
	stub := &tmdbStub{search: `{"results":[]}`}
	srv := newStubServer(t, stub)

	items := newClient(srv.URL).Enrich(context.Background(), "Nobody Famous")
	if items == nil || len(items) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", items)
	}
	if stub.calls != 1 {
		t.Fatalf("expected only the search call, got %d", stub.calls)
	}
}

func TestEnrichFailuresYieldEmptyList(t *testing.T) {
	tests := map[string]*tmdbStub{
		"server error":   {status: http.StatusInternalServerError},
		"unauthorized":   {status: http.StatusUnauthorized},
		"malformed json": {search: `{"results": [`},
		"bad credits":    {search: searchBody, movies: `not json`, tv: tvBody},
	}
	for name, stub := range tests {
		t.Run(name, func(t *testing.T) {
			srv := newStubServer(t, stub)
			items := newClient(srv.URL).Enrich(context.Background(), "Zendaya")
			if items == nil || len(items) != 0 {
				t.Fatalf("expected empty list, got %#v", items)
			}
		})
	}
}

func TestEnrichNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	items := newClient(url).Enrich(context.Background(), "Zendaya")
	if items == nil || len(items) != 0 {
		t.Fatalf("expected empty list, got %#v", items)
	}
}

func TestEnrichTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	client := newClient(srv.URL, func(c *Config) { c.Timeout = 20 * time.Millisecond })
	start := time.Now()
	items := client.Enrich(context.Background(), "Zendaya")
	if len(items) != 0 {
		t.Fatalf("expected empty list, got %#v", items)
	}
	if time.Since(start) > time.Second {
		t.Fatal("timeout was not enforced")
	}
}

func TestEnrichFailureLogsOmitAPIKey(t *testing.T) {
	const key = "SECRET-KEY-123"

	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(slow.Close)

	for name, baseURL := range map[string]string{"refused": closedURL, "timeout": slow.URL} {
		t.Run(name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			client := newClient(baseURL, func(c *Config) {
				c.APIKey = key
				c.Timeout = 50 * time.Millisecond
				c.Logger = zap.New(core)
			})

			if items := client.Enrich(context.Background(), "Keanu Reeves"); len(items) != 0 {
				t.Fatalf("expected empty list, got %#v", items)
			}
			if logs.FilterMessage("catalog enrichment failed").Len() != 1 {
				t.Fatalf("expected the failure to be logged, got %v", logs.All())
			}
			for _, entry := range logs.All() {
				if strings.Contains(entry.Message, key) {
					t.Fatalf("api key in log message %q", entry.Message)
				}
				for field, value := range entry.ContextMap() {
					if strings.Contains(fmt.Sprint(value), key) {
						t.Fatalf("api key in log field %s: %v", field, value)
					}
				}
			}
		})
	}
}

func TestEnrichWithoutAPIKeyMakesNoCalls(t *testing.T) {
	stub := &tmdbStub{search: searchBody, movies: moviesBody, tv: tvBody}
	srv := newStubServer(t, stub)

	items := newClient(srv.URL, func(c *Config) { c.APIKey = "" }).Enrich(context.Background(), "Zendaya")
	if items == nil || len(items) != 0 {
		t.Fatalf("expected empty list, got %#v", items)
	}
	if stub.calls != 0 {
		t.Fatalf("expected no outbound calls, got %d", stub.calls)
	}
}

func TestEnrichCustomSelector(t *testing.T) {
	stub := &tmdbStub{search: `{"results":[{"id":1},{"id":42}]}`, movies: moviesBody, tv: `{"cast":[]}`}
	srv := newStubServer(t, stub)

	last := func(results []Person) (Person, bool) {
		if len(results) == 0 {
			return Person{}, false
		}
		return results[len(results)-1], true
	}
	items := newClient(srv.URL, func(c *Config) { c.Selector = last }).Enrich(context.Background(), "Zendaya")
	if len(items) != 2 {
		t.Fatalf("expected the selector to pick person 42, got %#v", items)
	}
}

type memoryCache struct {
	data map[string]string
	sets int
}

func (m *memoryCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	m.sets++
	switch v := value.(type) {
	case []byte:
		m.data[key] = string(v)
	case string:
		m.data[key] = v
	}
	return nil
}

func (m *memoryCache) Get(ctx context.Context, key string) (string, error) {
	v, ok := m.data[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func TestEnrichUsesCache(t *testing.T) {
	stub := &tmdbStub{search: searchBody, movies: moviesBody, tv: tvBody}
	srv := newStubServer(t, stub)
	mem := &memoryCache{data: map[string]string{}}

	client := newClient(srv.URL, func(c *Config) {
		c.Cache = mem
		c.CacheTTL = time.Hour
	})
	first := client.Enrich(context.Background(), "Zendaya")
	calls := stub.calls
	second := client.Enrich(context.Background(), "zendaya")

	if stub.calls != calls {
		t.Fatalf("expected cached lookup, server saw %d extra calls", stub.calls-calls)
	}
	if len(first) != 3 || len(second) != 3 || first[0] != second[0] {
		t.Fatalf("cached result differs: %#v vs %#v", first, second)
	}
	if mem.sets != 1 {
		t.Fatalf("expected one cache write, got %d", mem.sets)
	}
}

func TestEnrichDoesNotCacheFailures(t *testing.T) {
	stub := &tmdbStub{status: http.StatusBadGateway}
	srv := newStubServer(t, stub)
	mem := &memoryCache{data: map[string]string{}}

	client := newClient(srv.URL, func(c *Config) {
		c.Cache = mem
		c.CacheTTL = time.Hour
	})
	client.Enrich(context.Background(), "Zendaya")
	if mem.sets != 0 {
		t.Fatalf("failure was cached")
	}
}

func TestMediaItemJSON(t *testing.T) {
	raw, err := json.Marshal(MediaItem{Title: "Dune", PosterPath: "https://x/dune.jpg", MediaType: MediaTypeMovie})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"title":"Dune","poster_path":"https://x/dune.jpg","media_type":"movie"}`
	if string(raw) != want {
		t.Fatalf("json = %s, want %s", raw, want)
	}
}
