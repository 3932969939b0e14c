// Package access decides who may download what. Previews are free once a job
// has rendered; the clean full video is released only after payment has been
// confirmed, either by a signed webhook or by an explicit confirmation.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/smileloop/smileloop/internal/model"
	"github.com/smileloop/smileloop/internal/store"
)

// DefaultPriceCents is the unlock price when none is configured.
const DefaultPriceCents = 499

var (
	// ErrNotReady means the job has no rendered preview yet.
	ErrNotReady = errors.New("video is not ready yet")
	// ErrPaymentRequired means the full video is locked until payment.
	ErrPaymentRequired = errors.New("payment required")
)

// Kind selects which rendition is being requested.
type Kind int

const (
	Preview Kind = iota
	Full
)

func (k Kind) String() string {
	if k == Full {
		return "full"
	}
	return "preview"
}

// Config configures the gate.
type Config struct {
	PriceCents    int
	Currency      string
	WebhookSecret string
	// Tolerance bounds the age of a webhook signature timestamp.
	Tolerance time.Duration
	Logger    *slog.Logger
}

// Checkout is a pending payment for one job.
type Checkout struct {
	JobID       string `json:"job_id"`
	CheckoutID  string `json:"session_id"`
	AmountCents int    `json:"amount_cents"`
	Currency    string `json:"currency"`
	AlreadyPaid bool   `json:"already_paid"`
}

// Gate enforces payment before full downloads.
type Gate struct {
	cfg    Config
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewGate creates a gate backed by the job store.
func NewGate(s store.Store, cfg Config) *Gate {
	if cfg.PriceCents <= 0 {
		cfg.PriceCents = DefaultPriceCents
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{cfg: cfg, store: s, logger: logger.With("component", "access"), now: time.Now}
}

// PriceCents returns the configured unlock price.
func (g *Gate) PriceCents() int { return g.cfg.PriceCents }

// WebhooksEnabled reports whether signed webhooks can be verified.
func (g *Gate) WebhooksEnabled() bool { return g.cfg.WebhookSecret != "" }

// Checkout opens (or reuses) a checkout reference for a job with a preview.
func (g *Gate) Checkout(ctx context.Context, id string) (*Checkout, error) {
	j, err := g.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	co := &Checkout{JobID: j.ID, AmountCents: g.cfg.PriceCents, Currency: g.cfg.Currency}
	switch j.Status {
	case model.StatusPaid:
		co.CheckoutID = j.CheckoutID
		co.AlreadyPaid = true
		return co, nil
	case model.StatusPreviewReady:
	default:
		return nil, ErrNotReady
	}

	co.CheckoutID = j.CheckoutID
	if co.CheckoutID == "" {
		co.CheckoutID = model.NewRef("cs")
		if err := g.store.SetCheckout(ctx, j.ID, co.CheckoutID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Status changed underneath us.
				return nil, ErrNotReady
			}
			return nil, fmt.Errorf("record checkout: %w", err)
		}
	}
	g.logger.Info("checkout opened", "job_id", j.ID, "checkout_id", co.CheckoutID)
	return co, nil
}

// ConfirmPayment moves a job from preview_ready to paid. Confirming an
// already paid job succeeds without changes.
func (g *Gate) ConfirmPayment(ctx context.Context, id string) (*model.Job, error) {
	if err := g.store.MarkPaid(ctx, id, g.now()); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return nil, ErrNotReady
		}
		return nil, err
	}
	j, err := g.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	g.logger.Info("payment confirmed", "job_id", id)
	return j, nil
}

// Verify reports whether the job has been paid for.
func (g *Gate) Verify(ctx context.Context, id string) (bool, error) {
	j, err := g.store.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	return j.Status == model.StatusPaid, nil
}

// Authorize checks whether kind may be served for j.
func Authorize(j *model.Job, kind Kind) error {
	switch kind {
	case Full:
		if j.Status == model.StatusPaid {
			return nil
		}
		if j.Status == model.StatusPreviewReady {
			return ErrPaymentRequired
		}
		return ErrNotReady
	default:
		if model.HasPreview(j.Status) {
			return nil
		}
		return ErrNotReady
	}
}
