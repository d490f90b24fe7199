package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrTimeout indicates a timeout while issuing a request.
type ErrTimeout struct {
	Err error
}

func (e ErrTimeout) Error() string {
	return fmt.Errorf("timeout: %w", e.Err).Error()
}

func (e ErrTimeout) Unwrap() error {
	return e.Err
}

// ErrConnection indicates a network connectivity failure.
type ErrConnection struct {
	Err error
}

func (e ErrConnection) Error() string {
	return fmt.Errorf("connection: %w", e.Err).Error()
}

func (e ErrConnection) Unwrap() error {
	return e.Err
}

// ErrUnauthorized indicates the token was rejected: HTTP 401/403, or an
// error body that complains about the token.
type ErrUnauthorized struct {
	Err error
}

func (e ErrUnauthorized) Error() string {
	return fmt.Errorf("unauthorized: %w", e.Err).Error()
}

func (e ErrUnauthorized) Unwrap() error {
	return e.Err
}

// ErrRateLimited indicates the API rate-limited the request.
type ErrRateLimited struct {
	Err        error
	RetryAfter time.Duration
}

func (e ErrRateLimited) Error() string {
	return fmt.Errorf("rate_limited: %w", e.Err).Error()
}

func (e ErrRateLimited) Unwrap() error {
	return e.Err
}

// ErrServer indicates a 5xx response.
type ErrServer struct {
	Err error
}

func (e ErrServer) Error() string {
	return fmt.Errorf("server: %w", e.Err).Error()
}

func (e ErrServer) Unwrap() error {
	return e.Err
}

// ErrClient indicates a 4xx response other than 401, 403 and 429.
type ErrClient struct {
	Err error
}

func (e ErrClient) Error() string {
	return fmt.Errorf("client: %w", e.Err).Error()
}

func (e ErrClient) Unwrap() error {
	return e.Err
}

// ErrDecode indicates a 2xx response whose body could not be decoded.
type ErrDecode struct {
	Err error
}

func (e ErrDecode) Error() string {
	return fmt.Errorf("decode: %w", e.Err).Error()
}

func (e ErrDecode) Unwrap() error {
	return e.Err
}

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var timeout ErrTimeout
	if errors.As(err, &timeout) {
		return "timeout"
	}
	var conn ErrConnection
	if errors.As(err, &conn) {
		return "connection"
	}
	var unauthorized ErrUnauthorized
	if errors.As(err, &unauthorized) {
		return "unauthorized"
	}
	var rateLimited ErrRateLimited
	if errors.As(err, &rateLimited) {
		return "rate_limited"
	}
	var server ErrServer
	if errors.As(err, &server) {
		return "server"
	}
	var client ErrClient
	if errors.As(err, &client) {
		return "client"
	}
	var decode ErrDecode
	if errors.As(err, &decode) {
		return "decode"
	}
	return "other"
}

// classifyError maps a transport error or an HTTP status to a typed error.
// body is only inspected for non-2xx statuses.
func classifyError(err error, statusCode int, body []byte) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{Err: err}
	}
	if err != nil {
		return err
	}

	if statusCode < http.StatusBadRequest {
		return nil
	}
	wrapped := fmt.Errorf("http status %d", statusCode)
	if snippet := bodySnippet(body); snippet != "" {
		wrapped = fmt.Errorf("http status %d: %s", statusCode, snippet)
	}
	switch {
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return ErrUnauthorized{Err: wrapped}
	case statusCode == http.StatusTooManyRequests:
		return ErrRateLimited{Err: wrapped}
	case mentionsToken(body):
		return ErrUnauthorized{Err: wrapped}
	case statusCode >= http.StatusInternalServerError:
		return ErrServer{Err: wrapped}
	default:
		return ErrClient{Err: wrapped}
	}
}

func mentionsToken(body []byte) bool {
	lower := strings.ToLower(string(body))
	return strings.Contains(lower, "token") || strings.Contains(lower, "unauthorized")
}

func bodySnippet(body []byte) string {
	s := strings.Join(strings.Fields(string(body)), " ")
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP
// date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
