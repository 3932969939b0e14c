package api

import "net/http"

const (
	defaultLogLines = 50
	maxLogLines     = 1000
)

type logsResponse struct {
	Logs []map[string]any `json:"logs"`
}

// handleGetLogs returns today's latest audit entries.
func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	n := parseIntQuery(r, "n", defaultLogLines)
	if n <= 0 {
		n = defaultLogLines
	}
	n = min(n, maxLogLines)

	entries, err := s.audit.Recent(n)
	if err != nil {
		s.logger.Error("read audit log", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read logs")
		return
	}
	s.writeJSON(w, http.StatusOK, logsResponse{Logs: entries})
}

type presetsResponse struct {
	Presets []string `json:"presets"`
	Default string   `json:"default,omitempty"`
}

func (s *Server) handleListPresets(w http.ResponseWriter, _ *http.Request) {
	resp := presetsResponse{Presets: s.presetNames()}
	if s.presets != nil {
		resp.Default = s.presets.Default()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// presetNames rescans the preset directory so newly dropped videos show up
// without a restart.
func (s *Server) presetNames() []string {
	if s.presets == nil {
		return []string{}
	}
	if err := s.presets.Refresh(); err != nil {
		s.logger.Warn("refresh presets", "dir", s.presets.Dir(), "error", err)
	}
	return s.presets.Names()
}
