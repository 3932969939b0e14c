package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListProviders(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Registry().List())
}

type modeResponse struct {
	Mode      string   `json:"mode"`
	Previous  string   `json:"previous,omitempty"`
	Available []string `json:"available"`
}

func (s *Server) handleGetMode(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, modeResponse{
		Mode:      s.engine.Registry().Default(),
		Available: s.providerNames(),
	})
}

// handleSetMode switches the default provider without a restart.
func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	mode := strings.ToLower(chi.URLParam(r, "mode"))
	reg := s.engine.Registry()
	prev := reg.Default()
	if err := reg.SetDefault(mode); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid mode %q. Choose from: %s", mode, strings.Join(s.providerNames(), ", ")))
		return
	}
	s.logger.Info("provider mode changed", "from", prev, "to", mode)
	s.writeJSON(w, http.StatusOK, modeResponse{
		Mode:      mode,
		Previous:  prev,
		Available: s.providerNames(),
	})
}

func (s *Server) providerNames() []string {
	infos := s.engine.Registry().List()
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}
	return names
}
