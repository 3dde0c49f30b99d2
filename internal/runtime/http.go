package runtime

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/drblury/vehiclerelay/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/vehiclerelay/internal/runtime/logging"
)

const (
	statusRunning  = "running"
	statusDegraded = "degraded"

	probeTimeout = 2 * time.Second
)

// StatusReport is the body of /status.
type StatusReport struct {
	Service       string            `json:"service"`
	Status        string            `json:"status"`
	TotalEvents   int64             `json:"totalEvents"`
	Timestamp     time.Time         `json:"timestamp"`
	Store         string            `json:"store"`
	Stores        map[string]string `json:"stores,omitempty"`
	UptimeSeconds float64           `json:"uptimeSeconds"`
	Resources     ResourceUsage     `json:"resources"`
}

// registerStatusEndpoints mounts the health, status, metrics and handler
// endpoints on http.port. Port 0 disables the HTTP surface.
func (s *Service) registerStatusEndpoints() {
	port := s.Conf.HTTP.Port
	if port == 0 {
		return
	}

	health := http.HandlerFunc(s.handleHealth)
	status := http.HandlerFunc(s.handleStatus)
	s.RegisterHTTPHandler(port, "GET /health", health)
	s.RegisterHTTPHandler(port, "GET /api/health", health)
	s.RegisterHTTPHandler(port, "GET /status", status)
	s.RegisterHTTPHandler(port, "GET /api/status", status)
	s.RegisterHTTPHandler(port, "/api/handlers", s.withCORS(http.HandlerFunc(s.handleGetHandlers)))
	s.RegisterHTTPHandler(port, "/api/dlq", s.withCORS(http.HandlerFunc(s.handleGetDLQ)))
	if s.Conf.Metrics.Enabled {
		s.RegisterHTTPHandler(port, "GET /metrics", s.metrics.Handler())
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "UP"})
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Status(r.Context()))
}

// Status pings every registered store and sums what they hold. The service
// is degraded while any store is unreachable.
func (s *Service) Status(ctx context.Context) StatusReport {
	now := s.getClock().Now()
	report := StatusReport{
		Service:       s.Conf.ServiceName,
		Status:        statusRunning,
		Timestamp:     now.UTC(),
		Store:         "connected",
		UptimeSeconds: now.Sub(s.startedAt).Seconds(),
		Resources:     s.getResourceTracker().Snapshot(),
	}

	s.mu.Lock()
	probes := append([]StoreProbe(nil), s.probes...)
	s.mu.Unlock()

	if len(probes) > 0 {
		report.Stores = make(map[string]string, len(probes))
	}
	for _, p := range probes {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		state := "connected"
		if err := p.Ping(pctx); err != nil {
			state = "disconnected: " + err.Error()
			if report.Status == statusRunning {
				report.Store = p.Name + " " + state
			}
			report.Status = statusDegraded
		} else if p.Count != nil {
			if n, err := p.Count(pctx); err == nil {
				report.TotalEvents += n
			} else {
				s.Logger.Error("Failed to count store contents", err, loggingpkg.LogFields{"store": p.Name})
			}
		}
		cancel()
		report.Stores[p.Name] = state
	}
	return report
}

func (s *Service) handleGetHandlers(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	s.writeJSON(w, http.StatusOK, s.handlers)
}

func (s *Service) handleGetDLQ(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, s.metrics.DLQ.Snapshot())
}

func (s *Service) writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := jsoncodec.Marshal(v)
	if err != nil {
		s.Logger.Error("Failed to encode response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// withCORS sets CORS headers when the request origin is allowed.
func (s *Service) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allowed := s.getAllowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		next.ServeHTTP(w, r)
	})
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.HTTP.CORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if requestOrigin != "" && strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
