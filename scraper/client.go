package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/time/rate"

	"github.com/aluiziolira/rxprice-collector/config"
	"github.com/aluiziolira/rxprice-collector/models"
	"github.com/aluiziolira/rxprice-collector/parser"
)

// Outcome is the result class of one Fetch.
type Outcome int

const (
	Success Outcome = iota
	AuthExpired
	RateLimited
	Transient
	Permanent
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case AuthExpired:
		return "auth_expired"
	case RateLimited:
		return "rate_limited"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// FetchResult carries the decoded response on Success and the classified
// error otherwise.
type FetchResult struct {
	Outcome    Outcome
	Response   *parser.DetailResponse
	StatusCode int
	Attempts   int
	Err        error
}

// successesBeforeReset is how many consecutive successful calls bring a
// widened interval back to the configured delay.
const successesBeforeReset = 50

var searchedQueryCaser = cases.Lower(language.English)

// Client issues pricing API calls one at a time. Every call, retries
// included, waits for the rate limiter and for any rate-limit penalty.
type Client struct {
	cfg       *config.Config
	collector *colly.Collector
	limiter   *rate.Limiter
	Metrics   *Metrics
	logger    *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error

	mu            sync.Mutex
	interval      time.Duration
	penaltyUntil  time.Time
	successStreak int
	requestCount  int
	retryCount    int
	lastDispatch  time.Time
}

// NewClient builds a client configured from cfg.
func NewClient(cfg *config.Config, metrics *Metrics, logger *slog.Logger) (*Client, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}
	if logger == nil {
		logger = slog.Default()
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(parsed.Hostname()),
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	)
	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = true
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	c := &Client{
		cfg:       cfg,
		collector: collector,
		limiter:   rate.NewLimiter(limitFor(cfg.RequestDelay), 1),
		Metrics:   metrics,
		logger:    logger,
		sleep:     sleepContext,
		interval:  cfg.RequestDelay,
	}
	c.configureHandlers()
	c.Metrics.SetInterval(c.interval)
	return c, nil
}

// WithTransport swaps the HTTP transport, used by tests.
func (c *Client) WithTransport(rt http.RoundTripper) *Client {
	c.collector.WithTransport(rt)
	return c
}

func (c *Client) configureHandlers() {
	c.collector.OnRequest(func(r *colly.Request) {
		r.Ctx.Put("start", time.Now())
	})
	c.collector.OnResponse(func(r *colly.Response) {
		r.Ctx.Put("status", r.StatusCode)
		r.Ctx.Put("body", r.Body)
		if r.Headers != nil {
			r.Ctx.Put("retry_after", r.Headers.Get("Retry-After"))
		}
		if start, ok := r.Ctx.GetAny("start").(time.Time); ok {
			c.Metrics.ObserveDuration(time.Since(start))
		}
	})
}

// Fetch requests the pricing detail of item. Transient failures are retried
// up to MaxRetries attempts in total; every other outcome returns at once.
func (c *Client) Fetch(ctx context.Context, item models.WorkItem, auth models.AuthContext) FetchResult {
	maxAttempts := max(c.cfg.MaxRetries, 1)
	var res FetchResult
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			c.noteRetry()
			if err := c.sleep(ctx, c.cfg.RetryDelay); err != nil {
				return FetchResult{Outcome: Transient, Attempts: attempt - 1, Err: err}
			}
		}
		if err := c.pace(ctx); err != nil {
			return FetchResult{Outcome: Transient, Attempts: attempt - 1, Err: err}
		}

		res = c.attempt(item, auth)
		res.Attempts = attempt
		c.Metrics.IncRequest(res.Outcome.String())
		if res.Err != nil {
			c.Metrics.IncError(errorTypeLabel(res.Err))
		}
		if res.Outcome != Transient {
			return res
		}
		c.logger.Warn("transient request failure",
			"pair", item.Key().String(),
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"class", errorTypeLabel(res.Err),
			"error", res.Err,
		)
	}
	return res
}

func (c *Client) attempt(item models.WorkItem, auth models.AuthContext) FetchResult {
	c.mu.Lock()
	c.requestCount++
	c.mu.Unlock()

	cctx := colly.NewContext()
	err := c.collector.Request(http.MethodGet, c.requestURL(item, auth), nil, cctx, c.headers(auth))
	status, _ := cctx.GetAny("status").(int)
	body, _ := cctx.GetAny("body").([]byte)
	retryAfter, _ := cctx.GetAny("retry_after").(string)

	if err != nil && status == 0 {
		return FetchResult{Outcome: Transient, Err: classifyError(err, 0, nil)}
	}

	if status >= http.StatusOK && status < http.StatusMultipleChoices {
		resp, derr := parser.DecodeDetail(body)
		if derr != nil {
			return FetchResult{Outcome: Permanent, StatusCode: status, Err: ErrDecode{Err: derr}}
		}
		c.noteSuccess()
		return FetchResult{Outcome: Success, Response: resp, StatusCode: status}
	}

	classified := classifyError(nil, status, body)
	switch e := classified.(type) {
	case ErrUnauthorized:
		return FetchResult{Outcome: AuthExpired, StatusCode: status, Err: e}
	case ErrRateLimited:
		e.RetryAfter = parseRetryAfter(retryAfter, time.Now())
		c.penalize(e.RetryAfter)
		return FetchResult{Outcome: RateLimited, StatusCode: status, Err: e}
	case ErrServer:
		return FetchResult{Outcome: Transient, StatusCode: status, Err: e}
	default:
		return FetchResult{Outcome: Permanent, StatusCode: status, Err: classified}
	}
}

func (c *Client) requestURL(item models.WorkItem, auth models.AuthContext) string {
	query := searchedQueryCaser.String(item.Drug.Name)
	if query == "" {
		query = "prescription"
	}
	params := url.Values{}
	params.Set("memberUuid", auth.MemberUUID)
	params.Set("category", "prescriptions")
	params.Set("searchRadius", c.cfg.SearchRadius)
	params.Set("prescriptionInitialLoad", "true")
	params.Set("uuid", item.Drug.UUID)
	params.Set("zipCode", item.Location.Zip)
	params.Set("locationLat", strconv.FormatFloat(item.Location.Lat, 'f', -1, 64))
	params.Set("locationLong", strconv.FormatFloat(item.Location.Lng, 'f', -1, 64))
	params.Set("searchedQuery", query)
	params.Set("intentCallId", uuid.NewString())
	return c.cfg.BaseURL + "?" + params.Encode()
}

func (c *Client) headers(auth models.AuthContext) http.Header {
	hdr := http.Header{}
	hdr.Set("Accept", "*/*")
	hdr.Set("Accept-Language", "en-US,en;q=0.9")
	hdr.Set("Content-Type", "application/json; charset=utf-8")
	hdr.Set("Origin", "https://dev-app.sidecarhealth.com")
	hdr.Set("Referer", "https://dev-app.sidecarhealth.com/")
	hdr.Set("Token", auth.Token)
	hdr.Set("Tz", "PDT")
	hdr.Set("User-Agent", c.cfg.UserAgent)
	return hdr
}

// pace blocks until the penalty window has passed and the limiter grants a
// token.
func (c *Client) pace(ctx context.Context) error {
	c.mu.Lock()
	wait := time.Until(c.penaltyUntil)
	c.mu.Unlock()
	if wait > 0 {
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	// The limiter spaces reservations, not the moment its timer fires, so a
	// late previous release can leave a short gap.
	c.mu.Lock()
	gap := c.interval - time.Since(c.lastDispatch)
	first := c.lastDispatch.IsZero()
	c.mu.Unlock()
	if !first && gap > 0 {
		if err := c.sleep(ctx, gap); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.lastDispatch = time.Now()
	c.mu.Unlock()
	return nil
}

// penalize holds off the next call and widens the request interval.
func (c *Client) penalize(retryAfter time.Duration) {
	backoff := max(c.cfg.RateLimitBackoff, retryAfter)

	c.mu.Lock()
	c.penaltyUntil = time.Now().Add(backoff)
	c.successStreak = 0
	next := c.interval * 2
	if next <= 0 {
		next = c.cfg.RetryDelay
	}
	if c.cfg.MaxRequestDelay > 0 && next > c.cfg.MaxRequestDelay {
		next = c.cfg.MaxRequestDelay
	}
	c.interval = next
	c.mu.Unlock()

	c.limiter.SetLimit(limitFor(next))
	c.Metrics.SetInterval(next)
	c.logger.Warn("rate limited by api", "backoff", backoff, "interval", next)
}

func (c *Client) noteSuccess() {
	c.mu.Lock()
	c.successStreak++
	reset := c.successStreak >= successesBeforeReset && c.interval != c.cfg.RequestDelay
	if reset {
		c.interval = c.cfg.RequestDelay
		c.successStreak = 0
	}
	c.mu.Unlock()

	if reset {
		c.limiter.SetLimit(limitFor(c.cfg.RequestDelay))
		c.Metrics.SetInterval(c.cfg.RequestDelay)
		c.logger.Info("request interval restored", "interval", c.cfg.RequestDelay)
	}
}

func (c *Client) noteRetry() {
	c.mu.Lock()
	c.retryCount++
	c.mu.Unlock()
	c.Metrics.IncRetries()
}

// Interval returns the current minimum spacing between calls.
func (c *Client) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// RequestCount returns the number of HTTP calls issued.
func (c *Client) RequestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestCount
}

// RetryCount returns the number of transient retries.
func (c *Client) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}

func limitFor(interval time.Duration) rate.Limit {
	if interval <= 0 {
		return rate.Inf
	}
	return rate.Every(interval)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
