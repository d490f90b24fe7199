// Package geocode resolves zip codes to coordinates through Nominatim and
// keeps the answers in a JSON cache file between runs.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/juju/ratelimit"

	"github.com/aluiziolira/rxprice-collector/models"
	"github.com/aluiziolira/rxprice-collector/progress"
)

// ErrNotFound is returned when the service has no match for a zip code.
var ErrNotFound = errors.New("geocode: no match")

const (
	defaultCacheSize = 100_000
	defaultUserAgent = "rxprice-collector/1.0"
)

// Entry is one cached location. The JSON shape matches existing cache files.
type Entry struct {
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	City string  `json:"city"`
}

// Options configures a Client.
type Options struct {
	BaseURL   string
	CacheFile string
	Delay     time.Duration
	Timeout   time.Duration
	UserAgent string
	Logger    *slog.Logger
}

// Client looks up zip codes, one request per Delay at most.
type Client struct {
	baseURL   string
	cacheFile string
	userAgent string
	http      *http.Client
	bucket    *ratelimit.Bucket
	logger    *slog.Logger

	mu    sync.Mutex
	cache *lru.Cache[string, Entry]
	dirty bool

	lookups int
}

// New builds a client and loads the cache file if it exists.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("geocode: base URL is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	stored, err := readCacheFile(opts.CacheFile)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[string, Entry](max(defaultCacheSize, 2*len(stored)))
	if err != nil {
		return nil, fmt.Errorf("geocode: cache: %w", err)
	}
	for key, entry := range stored {
		cache.Add(key, entry)
	}

	c := &Client{
		baseURL:   opts.BaseURL,
		cacheFile: opts.CacheFile,
		userAgent: opts.UserAgent,
		http:      &http.Client{Timeout: opts.Timeout},
		logger:    opts.Logger,
		cache:     cache,
	}
	if opts.Delay > 0 {
		c.bucket = ratelimit.NewBucket(opts.Delay, 1)
	}
	return c, nil
}

// WithTransport swaps the HTTP transport, used by tests.
func (c *Client) WithTransport(rt http.RoundTripper) *Client {
	c.http.Transport = rt
	return c
}

// CacheKey is the cache identity of a zip code.
func CacheKey(zip, state string) string {
	return zip + "_" + state
}

// Resolve returns the location of zip in state, from the cache when possible.
func (c *Client) Resolve(ctx context.Context, zip, state string) (models.ZipLocation, error) {
	key := CacheKey(zip, state)
	c.mu.Lock()
	entry, ok := c.cache.Get(key)
	c.mu.Unlock()
	if ok {
		return location(zip, state, entry), nil
	}

	if err := c.wait(ctx); err != nil {
		return models.ZipLocation{}, err
	}
	entry, err := c.lookup(ctx, zip, state)
	if err != nil {
		return models.ZipLocation{}, err
	}

	c.mu.Lock()
	c.cache.Add(key, entry)
	c.dirty = true
	c.lookups++
	c.mu.Unlock()
	c.logger.Debug("geocoded zip code", "zip", zip, "state", state, "city", entry.City)
	return location(zip, state, entry), nil
}

// Lookups returns how many requests reached the service.
func (c *Client) Lookups() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookups
}

func (c *Client) wait(ctx context.Context) error {
	if c.bucket == nil {
		return nil
	}
	d := c.bucket.Take(1)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type searchResult struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
	Address     struct {
		City    string `json:"city"`
		Town    string `json:"town"`
		Village string `json:"village"`
		Hamlet  string `json:"hamlet"`
	} `json:"address"`
}

func (c *Client) lookup(ctx context.Context, zip, state string) (Entry, error) {
	params := url.Values{}
	params.Set("q", fmt.Sprintf("%s, %s, USA", zip, state))
	params.Set("format", "json")
	params.Set("limit", "1")
	params.Set("addressdetails", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return Entry{}, fmt.Errorf("geocode: build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Entry{}, fmt.Errorf("geocode %s: %w", zip, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Entry{}, fmt.Errorf("geocode %s: read body: %w", zip, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Entry{}, fmt.Errorf("geocode %s: http status %d", zip, resp.StatusCode)
	}

	var results []searchResult
	if err := json.Unmarshal(body, &results); err != nil {
		return Entry{}, fmt.Errorf("geocode %s: decode: %w", zip, err)
	}
	if len(results) == 0 {
		return Entry{}, fmt.Errorf("%w for %s, %s", ErrNotFound, zip, state)
	}

	r := results[0]
	lat, err := strconv.ParseFloat(r.Lat, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("geocode %s: latitude %q: %w", zip, r.Lat, err)
	}
	lng, err := strconv.ParseFloat(r.Lon, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("geocode %s: longitude %q: %w", zip, r.Lon, err)
	}
	return Entry{Lat: lat, Lng: lng, City: cityOf(r, zip)}, nil
}

// cityOf prefers the structured address and falls back to the display name,
// whose second component is the locality for a postcode match.
func cityOf(r searchResult, zip string) string {
	for _, v := range []string{r.Address.City, r.Address.Town, r.Address.Village, r.Address.Hamlet} {
		if v != "" {
			return v
		}
	}
	parts := strings.Split(r.DisplayName, ", ")
	if len(parts) < 2 {
		return ""
	}
	if parts[1] != zip {
		return parts[1]
	}
	if len(parts) > 2 {
		return parts[2]
	}
	return ""
}

func location(zip, state string, e Entry) models.ZipLocation {
	return models.ZipLocation{State: state, Zip: zip, City: e.City, Lat: e.Lat, Lng: e.Lng}
}

// Save writes the cache file when new lookups were made.
func (c *Client) Save() error {
	if c.cacheFile == "" {
		return nil
	}

	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	keys := c.cache.Keys()
	sort.Strings(keys)
	snapshot := make(map[string]Entry, len(keys))
	for _, k := range keys {
		if e, ok := c.cache.Peek(k); ok {
			snapshot[k] = e
		}
	}
	c.dirty = false
	c.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("geocode: encode cache: %w", err)
	}
	dir, name := filepath.Split(c.cacheFile)
	if err := progress.WriteFileAtomic(filepath.Clean(dir), name, data); err != nil {
		c.mu.Lock()
		c.dirty = true
		c.mu.Unlock()
		return fmt.Errorf("geocode: write cache: %w", err)
	}
	return nil
}

func readCacheFile(path string) (map[string]Entry, error) {
	stored := make(map[string]Entry)
	if path == "" {
		return stored, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return stored, nil
		}
		return nil, fmt.Errorf("geocode: read cache: %w", err)
	}
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("geocode: parse cache %s: %w", path, err)
	}
	return stored, nil
}
