package transport

import (
	"bytes"
	"context"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// Options controls retry behaviour for rate-limited responses
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultOptions are used for any zero field in Options
var DefaultOptions = Options{
	MaxAttempts: 5,
	BaseDelay:   time.Second,
	MaxDelay:    60 * time.Second,
}

// rateLimitReasons are the 403 error reasons the provider uses for quota exhaustion
var rateLimitReasons = []string{
	"rateLimitExceeded",
	"userRateLimitExceeded",
	"quotaExceeded",
	"dailyLimitExceeded",
}

// ThrottledTransport retries rate-limited requests with bounded exponential backoff.
// Any other response, including other errors, is passed through untouched.
type ThrottledTransport struct {
	base  http.RoundTripper
	opts  Options
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
	// jitter returns a value in [0, n)
	jitter func(n int64) int64
}

// Option customizes a ThrottledTransport
type Option func(*ThrottledTransport)

// WithSleep replaces the wait between attempts
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(t *ThrottledTransport) { t.sleep = fn }
}

// WithClock replaces the clock used to resolve Retry-After dates
func WithClock(now func() time.Time) Option {
	return func(t *ThrottledTransport) { t.now = now }
}

// WithJitter replaces the jitter source
func WithJitter(fn func(n int64) int64) Option {
	return func(t *ThrottledTransport) { t.jitter = fn }
}

// New wraps base (http.DefaultTransport when nil)
func New(base http.RoundTripper, opts Options, options ...Option) *ThrottledTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultOptions.MaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultOptions.BaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultOptions.MaxDelay
	}

	t := &ThrottledTransport{
		base:   base,
		opts:   opts,
		sleep:  sleepContext,
		now:    time.Now,
		jitter: rand.Int64N,
	}
	for _, o := range options {
		o(t)
	}
	return t
}

// RoundTrip implements http.RoundTripper
func (t *ThrottledTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	for attempt := 0; ; attempt++ {
		r := req
		if attempt > 0 && req.Body != nil && req.Body != http.NoBody {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			r = req.Clone(ctx)
			r.Body = body
		}

		resp, err := t.base.RoundTrip(r)
		if err != nil {
			return nil, err
		}

		if !isRateLimited(resp) || attempt+1 >= t.opts.MaxAttempts {
			return resp, nil
		}
		// the request body cannot be replayed
		if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
			return resp, nil
		}

		delay := t.Delay(resp, attempt)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		log.Warn().
			Str("url", req.URL.Path).
			Int("status", resp.StatusCode).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("provider rate limited, backing off")

		if err := t.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// Delay returns how long to wait before retrying after resp, the attempt-th failure (0-based).
// A Retry-After header wins; otherwise base*2^attempt plus jitter, capped at MaxDelay.
func (t *ThrottledTransport) Delay(resp *http.Response, attempt int) time.Duration {
	if d, ok := t.retryAfter(resp.Header.Get("Retry-After")); ok {
		return d
	}

	base := t.opts.BaseDelay
	if attempt >= 62 {
		return t.opts.MaxDelay
	}
	backoff := base << uint(attempt)
	if backoff <= 0 || backoff >= t.opts.MaxDelay {
		return t.opts.MaxDelay
	}

	backoff += time.Duration(t.jitter(int64(base)))
	if backoff > t.opts.MaxDelay {
		backoff = t.opts.MaxDelay
	}
	return backoff
}

func (t *ThrottledTransport) retryAfter(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(t.now())
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

type apiError struct {
	Error struct {
		Errors []struct {
			Reason string `json:"reason"`
		} `json:"errors"`
		Details []struct {
			Reason string `json:"reason"`
		} `json:"details"`
		Status string `json:"status"`
	} `json:"error"`
}

// isRateLimited reports whether resp signals quota exhaustion. For a 403 the body is
// inspected and then restored so the caller can still read it.
func isRateLimited(resp *http.Response) bool {
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return true
	case http.StatusForbidden:
	default:
		return false
	}

	if resp.Body == nil {
		return false
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return false
	}

	var e apiError
	if err := json.Unmarshal(body, &e); err == nil {
		for _, item := range e.Error.Errors {
			if isRateLimitReason(item.Reason) {
				return true
			}
		}
		for _, item := range e.Error.Details {
			if isRateLimitReason(item.Reason) {
				return true
			}
		}
	}

	text := string(body)
	for _, reason := range rateLimitReasons {
		if strings.Contains(text, reason) {
			return true
		}
	}
	return false
}

func isRateLimitReason(reason string) bool {
	for _, r := range rateLimitReasons {
		if strings.EqualFold(reason, r) {
			return true
		}
	}
	return false
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
