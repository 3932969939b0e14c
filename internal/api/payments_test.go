package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/smileloop/smileloop/internal/access"
)

func TestCheckoutNotReady(t *testing.T) {
	gate := make(chan struct{})
	env := newTestEnv(t, envOptions{providers: []*stubProvider{{name: "kie", video: []byte("v"), gate: gate}}})
	defer close(gate)

	var out generateResponse
	decode(t, env.generate(t, validFields(), pngImage), &out)

	resp := env.post(t, "/api/payments/checkout", "application/json", strings.NewReader(`{"job_id":"`+out.JobID+`"}`))
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestCheckoutValidation(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	tests := []struct {
		body string
		want int
	}{
		{`not json`, http.StatusBadRequest},
		{`{}`, http.StatusBadRequest},
		{`{"job_id":"0123456789ab"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		resp := env.post(t, "/api/payments/checkout", "application/json", strings.NewReader(tt.body))
		if resp.StatusCode != tt.want {
			t.Errorf("body %s: status = %d, want %d", tt.body, resp.StatusCode, tt.want)
		}
	}
}

func TestCheckoutReusesReference(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	id := env.createReadyJob(t)

	var first, second checkoutResponse
	decode(t, env.post(t, "/api/payments/checkout", "application/json", strings.NewReader(`{"job_id":"`+id+`"}`)), &first)
	decode(t, env.post(t, "/api/payments/checkout", "application/json", strings.NewReader(`{"job_id":"`+id+`"}`)), &second)

	if first.Checkout == nil || !strings.HasPrefix(first.CheckoutID, "cs_") {
		t.Fatalf("checkout = %+v, want cs_ reference", first.Checkout)
	}
	if second.CheckoutID != first.CheckoutID {
		t.Errorf("second checkout = %q, want reuse of %q", second.CheckoutID, first.CheckoutID)
	}
	if first.AmountCents != access.DefaultPriceCents {
		t.Errorf("amount = %d, want %d", first.AmountCents, access.DefaultPriceCents)
	}
	if first.AlreadyPaid || first.DownloadURL != "" {
		t.Errorf("unpaid checkout reports paid: %+v", first)
	}
}

func TestCheckoutAlreadyPaid(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	id := env.createReadyJob(t)
	env.pay(t, id)

	var out checkoutResponse
	decode(t, env.post(t, "/api/payments/checkout", "application/json", strings.NewReader(`{"job_id":"`+id+`"}`)), &out)
	if !out.AlreadyPaid {
		t.Error("already_paid = false for paid job")
	}
	if out.DownloadURL != "/api/download/"+id {
		t.Errorf("download_url = %q", out.DownloadURL)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	id := env.createReadyJob(t)

	payload := webhookPayload(id)
	req, _ := http.NewRequest(http.MethodPost, env.ts.URL+"/api/payments/webhook", bytes.NewReader(payload))
	req.Header.Set(signatureHeader, access.Sign(payload, "wrong-secret", time.Now()))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	var v verifyPaymentResponse
	decode(t, env.post(t, "/api/verify-payment/"+id, "", nil), &v)
	if v.Paid {
		t.Error("job paid after forged webhook")
	}
}

func TestWebhookMarksPaid(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	id := env.createReadyJob(t)

	resp := env.pay(t, id)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out webhookResponse
	decode(t, resp, &out)
	if !out.Received || out.WebhookResult == nil || !out.Handled || out.JobID != id {
		t.Errorf("webhook response = %+v", out)
	}

	// Redelivery of the same event is harmless.
	if resp := env.pay(t, id); resp.StatusCode != http.StatusOK {
		t.Errorf("redelivery status = %d, want 200", resp.StatusCode)
	}

	var v verifyPaymentResponse
	decode(t, env.post(t, "/api/verify-payment/"+id, "", nil), &v)
	if !v.Paid || v.DownloadURL != "/api/download/"+id {
		t.Errorf("verify = %+v, want paid with download url", v)
	}
}

func TestWebhookBeforePreviewAcknowledged(t *testing.T) {
	gate := make(chan struct{})
	env := newTestEnv(t, envOptions{providers: []*stubProvider{{name: "kie", video: []byte("v"), gate: gate}}})
	defer close(gate)

	var out generateResponse
	decode(t, env.generate(t, validFields(), pngImage), &out)

	resp := env.pay(t, out.JobID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body webhookResponse
	decode(t, resp, &body)
	if !body.Received || body.WebhookResult == nil || body.Handled || body.Reason == "" {
		t.Errorf("webhook response = %+v, want received but not handled", body)
	}

	var v verifyPaymentResponse
	decode(t, env.post(t, "/api/verify-payment/"+out.JobID, "", nil), &v)
	if v.Paid {
		t.Error("job paid before its preview was ready")
	}
}

func TestWebhookUnknownJobAcknowledged(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	resp := env.pay(t, "0123456789ab")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body webhookResponse
	decode(t, resp, &body)
	if body.WebhookResult == nil || body.Handled {
		t.Errorf("webhook response = %+v, want not handled", body)
	}
}

func TestWebhookUnpaidSessionKeepsDownloadLocked(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	id := env.createReadyJob(t)

	payload, _ := json.Marshal(map[string]any{
		"id":   "evt_pending",
		"type": access.EventCheckoutCompleted,
		"data": map[string]any{"object": map[string]any{
			"id":             "cs_pending",
			"payment_status": "unpaid",
			"metadata":       map[string]string{"job_id": id},
		}},
	})
	req, _ := http.NewRequest(http.MethodPost, env.ts.URL+"/api/payments/webhook", bytes.NewReader(payload))
	req.Header.Set(signatureHeader, access.Sign(payload, testWebhookSecret, time.Now()))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if resp := env.get(t, "/api/download/"+id); resp.StatusCode != http.StatusPaymentRequired {
		t.Errorf("download status = %d, want 402", resp.StatusCode)
	}
}

func TestWebhookDisabled(t *testing.T) {
	env := newTestEnv(t, envOptions{noWebhooks: true})

	resp := env.post(t, "/api/payments/webhook", "application/json", strings.NewReader(`{}`))
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestVerifyPaymentUnpaid(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	id := env.createReadyJob(t)

	var v verifyPaymentResponse
	decode(t, env.post(t, "/api/verify-payment/"+id, "", nil), &v)
	if v.Paid || v.DownloadURL != "" {
		t.Errorf("verify = %+v, want unpaid", v)
	}
}
