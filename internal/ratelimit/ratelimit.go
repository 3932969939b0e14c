// Package ratelimit enforces fixed-window request limits per client IP and
// per email address. Counters live in the job database so they survive
// restarts.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/smileloop/smileloop/internal/store"
)

// Rule is one fixed-window limit.
type Rule struct {
	Name    string
	Prefix  string
	Limit   int
	Window  time.Duration
	Message string
}

// Default rules: 10 per hour per IP and 20 per day per email.
var (
	PerIP = Rule{
		Name:    "ip_hourly",
		Prefix:  "ip:",
		Limit:   10,
		Window:  time.Hour,
		Message: "Rate limit exceeded. Maximum 10 requests per hour.",
	}
	PerEmail = Rule{
		Name:    "email_daily",
		Prefix:  "email:",
		Limit:   20,
		Window:  24 * time.Hour,
		Message: "Rate limit exceeded. Maximum 20 requests per day for this email.",
	}
)

// Decision is the outcome of a Reserve.
type Decision struct {
	Allowed bool
	Rule    string
	Message string
}

// Limiter reserves request slots against the IP and email rules.
type Limiter struct {
	counter store.RateCounter
	ip      Rule
	email   Rule
	now     func() time.Time
}

// New creates a limiter with the default rules.
func New(counter store.RateCounter) *Limiter {
	return &Limiter{counter: counter, ip: PerIP, email: PerEmail, now: time.Now}
}

// WithRules overrides the IP and email rules.
func (l *Limiter) WithRules(ip, email Rule) *Limiter {
	l.ip, l.email = ip, email
	return l
}

func (l *Limiter) limits(ip, email string) []store.RateLimit {
	return []store.RateLimit{
		{Key: l.ip.Prefix + ip, Limit: l.ip.Limit, Window: l.ip.Window},
		{Key: l.email.Prefix + normalizeEmail(email), Limit: l.email.Limit, Window: l.email.Window},
	}
}

// Reservation is one counted request. Release gives the slot back when the
// request is rejected after it was reserved.
type Reservation struct {
	counter store.RateCounter
	limits  []store.RateLimit
	at      time.Time
}

// Release returns the slot. It is safe on a nil Reservation and only acts
// once.
func (r *Reservation) Release(ctx context.Context) error {
	if r == nil || r.limits == nil {
		return nil
	}
	limits := r.limits
	r.limits = nil
	if err := r.counter.ReleaseRate(ctx, limits, r.at); err != nil {
		return fmt.Errorf("release rate limit: %w", err)
	}
	return nil
}

// Reserve counts one request against both rules in a single step. When a
// rule is exhausted nothing is counted and the decision names it, IP before
// email. The returned reservation is nil unless the request was allowed.
func (l *Limiter) Reserve(ctx context.Context, ip, email string) (Decision, *Reservation, error) {
	now := l.now()
	limits := l.limits(ip, email)
	exceeded, err := l.counter.ReserveRate(ctx, limits, now)
	if err != nil {
		return Decision{}, nil, fmt.Errorf("reserve rate limit: %w", err)
	}
	if exceeded >= 0 {
		r := []Rule{l.ip, l.email}[exceeded]
		return Decision{Rule: r.Name, Message: r.Message}, nil, nil
	}
	return Decision{Allowed: true}, &Reservation{counter: l.counter, limits: limits, at: now}, nil
}

// MaxWindow is the longest window, used to purge stale counters.
func (l *Limiter) MaxWindow() time.Duration {
	return max(l.ip.Window, l.email.Window)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
