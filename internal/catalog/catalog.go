// Package catalog enriches an identified person with their movie and TV
// credits from The Movie Database.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/faceid/internal/cache"
	"github.com/example/faceid/internal/logging"
)

const (
	// MediaTypeMovie marks an item sourced from movie credits.
	MediaTypeMovie = "movie"
	// MediaTypeTV marks an item sourced from TV credits.
	MediaTypeTV = "tv"

	defaultTimeout = 5 * time.Second
	cachePrefix    = "catalog:credits:"
	maxBodyBytes   = 4 << 20
)

// MediaItem is one title a person appears in.
type MediaItem struct {
	Title      string `json:"title"`
	PosterPath string `json:"poster_path,omitempty"`
	Overview   string `json:"overview,omitempty"`
	MediaType  string `json:"media_type"`
}

// Person is a single person search result.
type Person struct {
	ID         int64   `json:"id"`
	Name       string  `json:"name"`
	Popularity float64 `json:"popularity"`
}

// PersonSelector picks which search result to use. It reports false when
// none is acceptable.
type PersonSelector func(results []Person) (Person, bool)

// FirstMatch uses the first search result.
func FirstMatch(results []Person) (Person, bool) {
	if len(results) == 0 {
		return Person{}, false
	}
	return results[0], true
}

// Config holds the settings for a Client.
type Config struct {
	BaseURL      string
	ImageBaseURL string
	APIKey       string
	Timeout      time.Duration
	CacheTTL     time.Duration
	HTTPClient   *http.Client
	Cache        cache.Cache
	Selector     PersonSelector
	Logger       *zap.Logger
}

// Client looks up credits for a person name.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	imageBaseURL string
	apiKey       string
	timeout      time.Duration
	cacheTTL     time.Duration
	cache        cache.Cache
	selector     PersonSelector
	logger       *zap.Logger
}

// New builds a Client from cfg.
func New(cfg Config) *Client {
	c := &Client{
		httpClient:   cfg.HTTPClient,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		imageBaseURL: strings.TrimRight(cfg.ImageBaseURL, "/"),
		apiKey:       cfg.APIKey,
		timeout:      cfg.Timeout,
		cacheTTL:     cfg.CacheTTL,
		cache:        cfg.Cache,
		selector:     cfg.Selector,
		logger:       cfg.Logger,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.selector == nil {
		c.selector = FirstMatch
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.Named("catalog")
	return c
}

// Enrich returns the titles label appears in, movies first and then TV.
// Failures of any kind are logged and yield an empty list.
func (c *Client) Enrich(ctx context.Context, label string) []MediaItem {
	items := []MediaItem{}
	if c.apiKey == "" {
		c.logger.Debug("catalog api key not configured, skipping enrichment")
		return items
	}
	if strings.TrimSpace(label) == "" {
		return items
	}

	key := cachePrefix + strings.ToLower(label)
	if cached, ok := c.fromCache(ctx, key); ok {
		return cached
	}

	found, err := c.lookup(ctx, label)
	if err != nil {
		c.logger.Warn("catalog enrichment failed",
			zap.String("label", label),
			zap.String("operation", logging.OperationOf(err)),
			zap.Error(err))
		return items
	}
	items = append(items, found...)
	c.toCache(ctx, key, items)
	return items
}

func (c *Client) lookup(ctx context.Context, label string) ([]MediaItem, error) {
	var search struct {
		Results []Person `json:"results"`
	}
	if err := c.get(ctx, "catalog.search_person", "/search/person", url.Values{"query": {label}}, &search); err != nil {
		return nil, err
	}
	person, ok := c.selector(search.Results)
	if !ok {
		c.logger.Info("no catalog match for label", zap.String("label", label))
		return nil, nil
	}

	id := strconv.FormatInt(person.ID, 10)
	var movies struct {
		Cast []struct {
			Title      string `json:"title"`
			PosterPath string `json:"poster_path"`
			Overview   string `json:"overview"`
		} `json:"cast"`
	}
	if err := c.get(ctx, "catalog.movie_credits", "/person/"+id+"/movie_credits", nil, &movies); err != nil {
		return nil, err
	}
	var shows struct {
		Cast []struct {
			Name       string `json:"name"`
			PosterPath string `json:"poster_path"`
			Overview   string `json:"overview"`
		} `json:"cast"`
	}
	if err := c.get(ctx, "catalog.tv_credits", "/person/"+id+"/tv_credits", nil, &shows); err != nil {
		return nil, err
	}

	var items []MediaItem
	for _, m := range movies.Cast {
		if item, ok := c.item(m.Title, m.PosterPath, m.Overview, MediaTypeMovie); ok {
			items = append(items, item)
		}
	}
	for _, s := range shows.Cast {
		if item, ok := c.item(s.Name, s.PosterPath, s.Overview, MediaTypeTV); ok {
			items = append(items, item)
		}
	}
	return items, nil
}

func (c *Client) item(title, poster, overview, mediaType string) (MediaItem, bool) {
	if title == "" || poster == "" {
		return MediaItem{}, false
	}
	return MediaItem{
		Title:      title,
		PosterPath: c.imageBaseURL + "/" + strings.TrimLeft(poster, "/"),
		Overview:   overview,
		MediaType:  mediaType,
	}, true
}

func (c *Client) get(ctx context.Context, operation, path string, query url.Values, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if query == nil {
		query = url.Values{}
	}
	public := c.baseURL + path + "?" + query.Encode()
	query.Set("api_key", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return logging.NewOperationError(operation, "", redactURL(err, public))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return logging.NewOperationError(operation, "", redactURL(err, public))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return logging.NewOperationError(operation, "", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		return logging.NewOperationError(operation, "", fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// redactURL replaces the request URL carried by err, which holds the api key.
func redactURL(err error, public string) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		uerr.URL = public
	}
	return err
}

func (c *Client) fromCache(ctx context.Context, key string) ([]MediaItem, bool) {
	if c.cache == nil {
		return nil, false
	}
	raw, err := c.cache.Get(ctx, key)
	if err != nil {
		if !cache.IsMiss(err) {
			c.logger.Warn("catalog cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	items := []MediaItem{}
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		c.logger.Warn("discarding corrupt catalog cache entry", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return items, true
}

func (c *Client) toCache(ctx context.Context, key string, items []MediaItem) {
	if c.cache == nil || c.cacheTTL <= 0 {
		return
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, key, payload, c.cacheTTL); err != nil {
		c.logger.Warn("catalog cache write failed", zap.String("key", key), zap.Error(err))
	}
}
