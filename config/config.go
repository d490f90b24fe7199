package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// SupportedStates lists the states with zip code sources.
var SupportedStates = []string{"FL", "GA", "OH"}

// Config holds collector configuration.
type Config struct {
	BaseURL    string
	GeocodeURL string

	States       []string
	Batch        int
	TotalBatches int
	TestMode     bool
	RetryFailed  bool

	DrugFile     string
	UUIDCache    string
	ZipDir       string
	ResultsDir   string
	OutputFile   string
	OutputFormat string // csv or dual
	LogFile      string

	RequestDelay           time.Duration
	MaxRequestDelay        time.Duration
	Timeout                time.Duration
	MaxRetries             int
	RetryDelay             time.Duration
	RateLimitBackoff       time.Duration
	MaxRateLimitRetries    int
	MaxConsecutiveFailures int
	GeocodeDelay           time.Duration

	SearchRadius string
	TokenCommand string
	UserAgent    string
	MetricsAddr  string
	Verbose      bool
}

// DefaultConfig returns the production-safe defaults: 2.5 req/s stays under
// the upstream 10k requests per hour.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:                "https://prod-api.sidecarhealth.com/care/v1/cares/detail",
		GeocodeURL:             "https://nominatim.openstreetmap.org/search",
		States:                 append([]string(nil), SupportedStates...),
		DrugFile:               "top_100_drugs.csv",
		UUIDCache:              "uuid_cache.json",
		ZipDir:                 "zipcodes",
		ResultsDir:             "results",
		OutputFormat:           "csv",
		RequestDelay:           400 * time.Millisecond,
		MaxRequestDelay:        5 * time.Second,
		Timeout:                30 * time.Second,
		MaxRetries:             3,
		RetryDelay:             2 * time.Second,
		RateLimitBackoff:       4 * time.Second,
		MaxRateLimitRetries:    5,
		MaxConsecutiveFailures: 10,
		GeocodeDelay:           time.Second,
		SearchRadius:           "8",
		TokenCommand:           "./grab_token.sh",
		UserAgent:              "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/137.0.0.0 Safari/537.36",
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if err := validateURL("base URL", c.BaseURL); err != nil {
		return err
	}
	if err := validateURL("geocode URL", c.GeocodeURL); err != nil {
		return err
	}

	if len(c.States) == 0 {
		return fmt.Errorf("at least one state must be selected")
	}
	seen := make(map[string]struct{}, len(c.States))
	for _, state := range c.States {
		if !IsSupportedState(state) {
			return fmt.Errorf("unsupported state %q (choose from %s)", state, strings.Join(SupportedStates, ", "))
		}
		if _, ok := seen[state]; ok {
			return fmt.Errorf("state %s selected twice", state)
		}
		seen[state] = struct{}{}
	}

	if (c.Batch == 0) != (c.TotalBatches == 0) {
		return fmt.Errorf("batch and total batches must be specified together")
	}
	if c.TotalBatches != 0 {
		if c.TotalBatches < 0 {
			return fmt.Errorf("total batches must be positive")
		}
		if c.Batch < 1 || c.Batch > c.TotalBatches {
			return fmt.Errorf("batch number must be between 1 and %d", c.TotalBatches)
		}
		if len(c.States) != 1 {
			return fmt.Errorf("batch flags require exactly one state, got %d", len(c.States))
		}
	}

	if c.DrugFile == "" {
		return fmt.Errorf("drug file cannot be empty")
	}
	if c.ZipDir == "" {
		return fmt.Errorf("zip directory cannot be empty")
	}
	if c.ResultsDir == "" {
		return fmt.Errorf("results directory cannot be empty")
	}
	if c.OutputFormat != "csv" && c.OutputFormat != "dual" {
		return fmt.Errorf("output format must be csv or dual")
	}

	if c.RequestDelay < 0 {
		return fmt.Errorf("request delay cannot be negative")
	}
	if c.MaxRequestDelay > 0 && c.MaxRequestDelay < c.RequestDelay {
		return fmt.Errorf("max request delay (%s) cannot be below request delay (%s)", c.MaxRequestDelay, c.RequestDelay)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1")
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry delay cannot be negative")
	}
	if c.RateLimitBackoff < 0 {
		return fmt.Errorf("rate limit backoff cannot be negative")
	}
	if c.MaxRateLimitRetries < 0 {
		return fmt.Errorf("max rate limit retries cannot be negative")
	}
	if c.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("max consecutive failures cannot be negative")
	}
	if c.GeocodeDelay < 0 {
		return fmt.Errorf("geocode delay cannot be negative")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	return nil
}

// IsSupportedState reports whether state has a zip code source.
func IsSupportedState(state string) bool {
	for _, s := range SupportedStates {
		if s == state {
			return true
		}
	}
	return false
}

// ParseStates splits a comma or space separated state list and upper-cases it.
func ParseStates(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' '
	})
	states := make([]string, 0, len(fields))
	for _, f := range fields {
		states = append(states, strings.ToUpper(strings.TrimSpace(f)))
	}
	return states
}

// Batched reports whether a batch slice was requested.
func (c *Config) Batched() bool {
	return c.TotalBatches > 0
}

func validateURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host", name)
	}
	return nil
}
