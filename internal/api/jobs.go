package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/smileloop/smileloop/internal/model"
	"github.com/smileloop/smileloop/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// statusResponse is the JSON response for GET /api/status/{id}.
type statusResponse struct {
	JobID         string     `json:"job_id"`
	Status        string     `json:"status"`
	ProgressStep  string     `json:"progress_step,omitempty"`
	Error         string     `json:"error,omitempty"`
	Provider      string     `json:"provider"`
	Preset        string     `json:"preset,omitempty"`
	PaymentStatus string     `json:"payment_status"`
	PreviewURL    string     `json:"preview_url,omitempty"`
	FullURL       string     `json:"full_url,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// listJobsResponse wraps the paginated list response.
type listJobsResponse struct {
	Jobs   []*model.Job `json:"jobs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// statsResponse is the JSON response for GET /api/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByProvider    map[string]int `json:"by_provider"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	Downloads     int            `json:"downloads"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	j, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	resp := statusResponse{
		JobID:         j.ID,
		Status:        j.Status,
		ProgressStep:  j.ProgressStep,
		Error:         j.Error,
		Provider:      j.Provider,
		Preset:        j.Preset,
		PaymentStatus: j.PaymentStatus,
		CreatedAt:     j.CreatedAt,
		FinishedAt:    j.FinishedAt,
	}
	if model.HasPreview(j.Status) {
		resp.PreviewURL = "/api/preview/" + j.ID
	}
	if j.Status == model.StatusPaid {
		resp.FullURL = downloadURL(j.ID)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := s.store.ListJobs(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	if jobs == nil {
		jobs = []*model.Job{}
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:   jobs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetJobStats(r.Context())
	if err != nil {
		s.logger.Error("get job stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		ByProvider:    stats.CountByProvider,
		AvgDurationMS: stats.AvgDurationMS,
		Downloads:     stats.Downloads,
	})
}

// loadJob fetches the job named by the {id} URL parameter, writing a 404 or
// 500 response when it cannot.
func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (*model.Job, bool) {
	id := chi.URLParam(r, "id")
	if !model.ValidID(id) {
		s.writeError(w, http.StatusNotFound, "Job not found.")
		return nil, false
	}
	j, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "Job not found.")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return nil, false
	}
	return j, true
}

func downloadURL(id string) string { return "/api/download/" + id }

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
