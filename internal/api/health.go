package api

import (
	"fmt"
	"net/http"

	"github.com/smileloop/smileloop/internal/storage"
)

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// appHealthResponse is the JSON response for GET /api/health.
type appHealthResponse struct {
	Status             string `json:"status"`
	VideoProvider      string `json:"video_provider"`
	PaymentsConfigured bool   `json:"payments_configured"`
	Storage            string `json:"storage"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	backend := storage.BackendLocal
	if s.files.RemoteEnabled() {
		backend = storage.BackendS3
	}
	s.writeJSON(w, http.StatusOK, appHealthResponse{
		Status:             "ok",
		VideoProvider:      s.engine.Registry().Default(),
		PaymentsConfigured: s.gate.WebhooksEnabled(),
		Storage:            backend,
	})
}

// configResponse is the public configuration the frontend needs.
type configResponse struct {
	PriceCents       int      `json:"price_cents"`
	PriceDisplay     string   `json:"price_display"`
	TurnstileSiteKey string   `json:"turnstile_site_key"`
	MaxUploadBytes   int64    `json:"max_upload_bytes"`
	Presets          []string `json:"presets"`
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	cents := s.gate.PriceCents()
	s.writeJSON(w, http.StatusOK, configResponse{
		PriceCents:       cents,
		PriceDisplay:     fmt.Sprintf("$%d.%02d", cents/100, cents%100),
		TurnstileSiteKey: s.cfg.TurnstileSiteKey,
		MaxUploadBytes:   s.cfg.MaxUploadBytes,
		Presets:          s.presetNames(),
	})
}
