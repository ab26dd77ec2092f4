package runtime

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/tbflow/internal/runtime/jsoncodec"
)

// DefaultWebUIPort is used when the config leaves WebUIPort unset.
const DefaultWebUIPort = 8081

// StartWebUIServer registers /api/nodes, /api/status and, with metrics
// enabled, /metrics on the web UI port. The servers start with Run.
func (s *Service) StartWebUIServer() {
	if !s.Conf.WebUIEnabled {
		return
	}

	port := s.Conf.WebUIPort
	if port == 0 {
		port = DefaultWebUIPort
	}

	s.RegisterHTTPHandler(port, "/api/nodes", http.HandlerFunc(s.handleGetNodes))
	s.RegisterHTTPHandler(port, "/api/status", http.HandlerFunc(s.handleGetStatus))
	if s.registry != nil {
		s.RegisterHTTPHandler(port, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
}

func (s *Service) handleGetNodes(w http.ResponseWriter, r *http.Request) {
	if !s.prepareJSON(w, r) {
		return
	}
	if err := jsoncodec.Encode(w, s.scheduler.Stats()); err != nil {
		s.Logger.Error("Failed to encode node stats", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *Service) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	if !s.prepareJSON(w, r) {
		return
	}
	if err := jsoncodec.Encode(w, s.Status()); err != nil {
		s.Logger.Error("Failed to encode status", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// prepareJSON sets the content type and CORS headers. It returns false once
// the request has been answered.
func (s *Service) prepareJSON(w http.ResponseWriter, r *http.Request) bool {
	w.Header().Set("Content-Type", "application/json")

	if s.Conf != nil && len(s.Conf.WebUICORSAllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		allowedOrigin := s.getAllowedCORSOrigin(origin)
		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return false
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.WebUICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
