package access

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/smileloop/smileloop/internal/store"
)

// DefaultTolerance is the maximum accepted age of a webhook signature.
const DefaultTolerance = 5 * time.Minute

// Webhook events that can unlock a job. Either must carry a paid session.
const (
	EventCheckoutCompleted     = "checkout.session.completed"
	EventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
)

// PaymentStatusPaid is the session payment_status that confirms payment.
const PaymentStatusPaid = "paid"

var (
	// ErrWebhooksDisabled is returned when no webhook secret is configured.
	ErrWebhooksDisabled = errors.New("payment webhooks are not configured")
	// ErrInvalidSignature is returned for missing, malformed, stale or
	// mismatched signatures.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// WebhookEvent is the subset of the processor's event payload we read.
type WebhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID                string            `json:"id"`
			ClientReferenceID string            `json:"client_reference_id"`
			PaymentStatus     string            `json:"payment_status"`
			Metadata          map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// WebhookResult reports what a webhook did. Reason explains why a
// recognised event left the job unchanged.
type WebhookResult struct {
	Type    string `json:"type"`
	JobID   string `json:"job_id,omitempty"`
	Handled bool   `json:"handled"`
	Reason  string `json:"reason,omitempty"`
}

// HandleWebhook verifies the signature header and applies the event.
// Unrecognised event types, unpaid sessions and events for unknown or
// unrendered jobs are acknowledged without unlocking anything, so the
// processor does not redeliver them. Only signature, decode and storage
// failures are returned as errors.
func (g *Gate) HandleWebhook(ctx context.Context, payload []byte, sigHeader string) (*WebhookResult, error) {
	if g.cfg.WebhookSecret == "" {
		return nil, ErrWebhooksDisabled
	}
	if err := VerifySignature(payload, sigHeader, g.cfg.WebhookSecret, g.cfg.Tolerance, g.now()); err != nil {
		return nil, err
	}

	var ev WebhookEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	res := &WebhookResult{Type: ev.Type}
	if ev.Type != EventCheckoutCompleted && ev.Type != EventAsyncPaymentSucceeded {
		return res, nil
	}

	obj := ev.Data.Object
	jobID := obj.Metadata["job_id"]
	if jobID == "" {
		jobID = obj.ClientReferenceID
	}
	if jobID == "" && obj.ID != "" {
		j, err := g.store.GetJobByCheckout(ctx, obj.ID)
		switch {
		case err == nil:
			jobID = j.ID
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("find job for checkout %s: %w", obj.ID, err)
		}
	}
	logger := g.logger.With("event_id", ev.ID, "type", ev.Type, "checkout_id", obj.ID)
	if jobID == "" {
		logger.Warn("webhook ignored: no job reference")
		res.Reason = "no job reference"
		return res, nil
	}
	res.JobID = jobID

	if obj.PaymentStatus != PaymentStatusPaid {
		logger.Info("webhook ignored: session not paid", "job_id", jobID, "payment_status", obj.PaymentStatus)
		res.Reason = "payment not completed"
		return res, nil
	}

	if _, err := g.ConfirmPayment(ctx, jobID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			res.Reason = "job not found"
		case errors.Is(err, ErrNotReady):
			res.Reason = "job not ready for payment"
		default:
			return nil, err
		}
		logger.Warn("webhook ignored", "job_id", jobID, "reason", res.Reason)
		return res, nil
	}
	res.Handled = true
	return res, nil
}

// Sign produces a signature header for payload at time t.
func Sign(payload []byte, secret string, t time.Time) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	return "t=" + ts + ",v1=" + computeSignature(ts, payload, secret)
}

// VerifySignature checks a "t=<unix>,v1=<hex>[,v1=<hex>...]" header.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	var (
		ts   string
		sigs []string
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return fmt.Errorf("%w: missing timestamp or signature", ErrInvalidSignature)
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	if age := now.Sub(time.Unix(unix, 0)); age > tolerance || age < -tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	expected := []byte(computeSignature(ts, payload, secret))
	for _, s := range sigs {
		if hmac.Equal(expected, []byte(s)) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", ErrInvalidSignature)
}

func computeSignature(ts string, payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
