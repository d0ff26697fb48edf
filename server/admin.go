package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arloliu/go-dispense/dispense"
	"github.com/arloliu/go-dispense/metrics"
)

// HandlerStatus is the state of one device handler.
type HandlerStatus struct {
	Type  string               `json:"type"`
	Slots []dispense.SlotState `json:"slots,omitempty"`
}

// ItemStatus is a catalog item as seen by a regular user.
type ItemStatus struct {
	Item        string `json:"item"`
	Status      string `json:"status"`
	Price       int    `json:"price"`
	Description string `json:"description"`
}

// Status is the body of GET /status.
type Status struct {
	Uptime   string          `json:"uptime"`
	Sessions []SessionInfo   `json:"sessions"`
	Handlers []HandlerStatus `json:"handlers"`
	Items    []ItemStatus    `json:"items"`
}

// Status returns a snapshot of the server state.
func (s *Server) Status() Status {
	st := Status{
		Uptime:   s.Uptime().Truncate(time.Second).String(),
		Sessions: s.Sessions(),
	}

	for _, t := range s.registry.Types() {
		hs := HandlerStatus{Type: t}
		if h, ok := s.registry.Lookup(t); ok {
			if r, ok := h.(dispense.SlotReporter); ok {
				hs.Slots = r.SlotStatuses()
			}
		}
		st.Handlers = append(st.Handlers, hs)
	}

	for _, ci := range s.catalog.Items() {
		st.Items = append(st.Items, ItemStatus{
			Item:        ci.Ref.String(),
			Status:      s.registry.Availability(guest, ci.Ref).ItemStatus().String(),
			Price:       ci.Price,
			Description: ci.Description,
		})
	}

	return st
}

// AdminHandler returns the administrative HTTP API:
//
//	GET /healthz   liveness probe
//	GET /status    sessions, handler slots and item availability (JSON)
//	GET /metrics   Prometheus metrics, when enabled
func (s *Server) AdminHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.NoCache)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if s.shutdown.Load() {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Status())
	})

	if reg := metrics.GetRegistry(); reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	return r
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
