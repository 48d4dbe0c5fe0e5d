package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	renderapm "github.com/itsneelabh/renderapm"
	"github.com/itsneelabh/renderapm/pkg/agents/redisagent"
	"github.com/itsneelabh/renderapm/pkg/provider"
	"github.com/itsneelabh/renderapm/pkg/telemetry"
)

// newHandler builds the demo site: pages made of included components, a
// directly mounted fragment, and admin endpoints to steer instrumentation.
func newHandler(inst *renderapm.Instrumentation) http.Handler {
	s := &server{inst: inst}
	r := mux.NewRouter()

	r.HandleFunc("/pages/{page}", s.page).Methods(http.MethodGet)
	// A route rendered as one component, named after the route
	r.Handle("/fragments/sidebar", inst.Dispatcher.Middleware()(http.HandlerFunc(s.sidebar))).
		Methods(http.MethodGet).Name("sidebar")

	admin := r.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/agents", s.listAgents).Methods(http.MethodGet)
	admin.HandleFunc("/agents/{name}", s.bindAgent).Methods(http.MethodPost)
	admin.HandleFunc("/agents/{name}", s.unbindAgent).Methods(http.MethodDelete)
	admin.HandleFunc("/switch/{state:on|off}", s.setSwitch).Methods(http.MethodPut)
	admin.HandleFunc("/components/{name}/stats", s.componentStats).Methods(http.MethodGet)

	if inst.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(inst.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	traced := telemetry.TracingMiddlewareWithConfig(inst.Config.ServiceName, &telemetry.TracingMiddlewareConfig{
		ExcludedPaths:  []string{"/metrics"},
		TracerProvider: inst.Telemetry.TracerProvider,
		MeterProvider:  inst.Telemetry.MeterProvider,
	})
	return traced(inst.Middleware(r))
}

type server struct {
	inst *renderapm.Instrumentation
}

func (s *server) page(w http.ResponseWriter, r *http.Request) {
	page := mux.Vars(r)["page"]
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	_, _ = io.WriteString(w, "<html><body>")
	s.inst.Includer.Include(w, r, "header", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "<header>renderapm demo</header>")
	}))
	s.inst.Includer.Include(w, r, "body", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "<main>%s</main>", page)
	}))
	s.inst.Includer.Include(w, r, "footer", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "<footer>request "+telemetry.GetRequestID(r.Context())+"</footer>")
	}))
	_, _ = io.WriteString(w, "</body></html>")
}

func (s *server) sidebar(w http.ResponseWriter, r *http.Request) {
	_, _ = io.WriteString(w, "<aside>sidebar</aside>")
}

type agentsResponse struct {
	Enabled bool            `json:"enabled"`
	Bound   []string        `json:"bound"`
	Agents  []provider.Info `json:"agents"`
}

func (s *server) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, agentsResponse{
		Enabled: s.inst.Switch.Enabled(),
		Bound:   s.inst.Registry.Names(),
		Agents:  s.inst.Provider.Info(),
	})
}

func (s *server) bindAgent(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !s.knownAgent(name) {
		writeError(w, http.StatusNotFound, "unknown agent "+name)
		return
	}
	if !s.inst.BindAgent(name) {
		writeError(w, http.StatusConflict, "agent "+name+" not bound, see logs")
		return
	}
	s.listAgents(w, r)
}

func (s *server) unbindAgent(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !s.knownAgent(name) {
		writeError(w, http.StatusNotFound, "unknown agent "+name)
		return
	}
	if !s.inst.UnbindAgent(name) {
		writeError(w, http.StatusConflict, "agent "+name+" is not bound")
		return
	}
	s.listAgents(w, r)
}

func (s *server) setSwitch(w http.ResponseWriter, r *http.Request) {
	on := mux.Vars(r)["state"] == "on"
	previous := s.inst.Switch.Set(on)
	s.inst.Logger.Info("Instrumentation switched", "enabled", on, "previous", previous)
	s.listAgents(w, r)
}

func (s *server) componentStats(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.inst.Provider.Agent(provider.Redis)
	if !ok {
		writeError(w, http.StatusNotFound, "redis agent not running")
		return
	}
	redis, ok := agent.(*redisagent.Agent)
	if !ok {
		writeError(w, http.StatusInternalServerError, "unexpected redis agent type")
		return
	}

	name := mux.Vars(r)["name"]
	stats, err := redis.Stats(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	samples, err := redis.Samples(r.Context(), name, 10)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"component": name,
		"count":     stats.Count,
		"mean_us":   stats.Mean().Microseconds(),
		"samples":   samples,
	})
}

func (s *server) knownAgent(name string) bool {
	for _, n := range s.inst.Provider.Names() {
		if n == name {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
