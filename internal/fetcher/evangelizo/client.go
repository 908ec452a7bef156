// Package evangelizo fetches daily content from the evangelizo publication API.
package evangelizo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/ticnsp/eaas/internal/liturgy"
	"github.com/ticnsp/eaas/internal/metrics"
)

// DefaultBaseURL is the public publication endpoint.
const DefaultBaseURL = "https://publication.evangelizo.ws"

// Waiter paces outgoing requests.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
	Backoff(rawURL string, d time.Duration)
}

// StatusError is returned for non-2xx answers.
type StatusError struct {
	Code       int
	URL        string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s answered %d", e.URL, e.Code)
}

// Permanent reports whether retrying the same request is pointless. Client
// errors are permanent except for timeouts and throttling.
func (e *StatusError) Permanent() bool {
	if e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests {
		return false
	}
	return e.Code >= 400 && e.Code < 500
}

// Config configures a Client.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Client implements liturgy.Fetcher.
type Client struct {
	http    *resty.Client
	baseURL string
	limiter Waiter
	logger  *zap.Logger
}

var _ liturgy.Fetcher = (*Client)(nil)

type envelope struct {
	Data *liturgy.Payload `json:"data"`
}

// New builds a Client. limiter may be nil.
func New(cfg Config, limiter Waiter, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(0)
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}
	return &Client{
		http:    client,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		limiter: limiter,
		logger:  logger.Named("evangelizo"),
	}
}

// DayURL returns the endpoint for one key.
func (c *Client) DayURL(date, lang string) string {
	return c.baseURL + "/" + url.PathEscape(lang) + "/days/" + url.PathEscape(date)
}

// Fetch performs a single GET for the key. The returned payload's Lang is
// set to lang because upstream does not always include it.
func (c *Client) Fetch(ctx context.Context, date, lang string) (liturgy.Payload, error) {
	target := c.DayURL(date, lang)
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, target); err != nil {
			return liturgy.Payload{}, err
		}
	}

	start := time.Now()
	resp, err := c.http.R().SetContext(ctx).Get(target)
	if err != nil {
		metrics.ObserveFetch(0, time.Since(start))
		return liturgy.Payload{}, fmt.Errorf("get %s: %w", target, err)
	}
	metrics.ObserveFetch(resp.StatusCode(), time.Since(start))
	c.logger.Debug("fetched day",
		zap.String("url", target),
		zap.Int("status", resp.StatusCode()),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		statusErr := &StatusError{
			Code:       resp.StatusCode(),
			URL:        target,
			RetryAfter: parseRetryAfter(resp.Header().Get("Retry-After")),
		}
		if statusErr.RetryAfter > 0 && c.limiter != nil {
			c.limiter.Backoff(target, statusErr.RetryAfter)
		}
		return liturgy.Payload{}, statusErr
	}

	body := resp.Body()
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return liturgy.Payload{}, &DecodeError{URL: target, Err: err}
	}
	if env.Data == nil {
		return liturgy.Payload{}, &DecodeError{URL: target, Err: fmt.Errorf("missing data member")}
	}
	payload := *env.Data
	payload.Lang = lang
	if payload.Date == "" {
		payload.Date = date
	}
	payload.Raw = append([]byte(nil), body...)
	return payload, nil
}

// DecodeError reports a 2xx body that is not the expected envelope.
type DecodeError struct {
	URL string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Permanent is true: the same request will return the same body.
func (e *DecodeError) Permanent() bool { return true }

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
