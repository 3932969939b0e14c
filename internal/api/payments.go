package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/smileloop/smileloop/internal/access"
	"github.com/smileloop/smileloop/internal/model"
	"github.com/smileloop/smileloop/internal/store"
)

const (
	// signatureHeader carries "t=<unix>,v1=<hex>" on payment webhooks.
	signatureHeader = "Stripe-Signature"
	maxWebhookBytes = 64 << 10
	maxJSONBytes    = 16 << 10
)

type checkoutRequest struct {
	JobID string `json:"job_id"`
}

type checkoutResponse struct {
	*access.Checkout
	DownloadURL string `json:"download_url,omitempty"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.JobID = strings.TrimSpace(req.JobID)
	if req.JobID == "" {
		s.writeError(w, http.StatusBadRequest, "job_id is required.")
		return
	}
	if !model.ValidID(req.JobID) {
		s.writeError(w, http.StatusNotFound, "Job not found.")
		return
	}

	co, err := s.gate.Checkout(r.Context(), req.JobID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "Job not found.")
		return
	case errors.Is(err, access.ErrNotReady):
		s.writeError(w, http.StatusConflict, "Job not ready for payment.")
		return
	case err != nil:
		s.logger.Error("open checkout", "job_id", req.JobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to open checkout")
		return
	}

	resp := checkoutResponse{Checkout: co}
	if co.AlreadyPaid {
		resp.DownloadURL = downloadURL(co.JobID)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type webhookResponse struct {
	Received bool `json:"received"`
	*access.WebhookResult
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.gate.WebhooksEnabled() {
		s.writeError(w, http.StatusServiceUnavailable, "Webhooks not configured.")
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "webhook payload too large")
		return
	}

	res, err := s.gate.HandleWebhook(r.Context(), payload, r.Header.Get(signatureHeader))
	switch {
	case err == nil:
	case errors.Is(err, access.ErrWebhooksDisabled):
		s.writeError(w, http.StatusServiceUnavailable, "Webhooks not configured.")
		return
	case errors.Is(err, access.ErrInvalidSignature):
		s.logger.Warn("webhook rejected", "client_ip", clientIP(r), "error", err)
		s.writeError(w, http.StatusBadRequest, "Invalid webhook signature.")
		return
	default:
		s.logger.Error("handle webhook", "error", err)
		s.writeError(w, http.StatusBadRequest, "Invalid webhook.")
		return
	}

	// Acknowledged either way so the processor does not redeliver.
	if res.Handled {
		s.logger.Info("payment received", "job_id", res.JobID, "type", res.Type)
	} else if res.Reason != "" {
		s.logger.Warn("payment webhook not applied", "job_id", res.JobID, "type", res.Type, "reason", res.Reason)
	}
	s.writeJSON(w, http.StatusOK, webhookResponse{Received: true, WebhookResult: res})
}

type verifyPaymentResponse struct {
	Paid        bool   `json:"paid"`
	DownloadURL string `json:"download_url,omitempty"`
}

func (s *Server) handleVerifyPayment(w http.ResponseWriter, r *http.Request) {
	j, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	paid, err := s.gate.Verify(r.Context(), j.ID)
	if err != nil {
		s.logger.Error("verify payment", "job_id", j.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to verify payment")
		return
	}
	resp := verifyPaymentResponse{Paid: paid}
	if paid {
		resp.DownloadURL = downloadURL(j.ID)
	}
	s.writeJSON(w, http.StatusOK, resp)
}
