// Package health serves liveness and readiness probes for the recorder
// service, reporting backend reachability and log positions.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/jensholdgaard/eventrecorder/internal/clock"
)

// Status represents a health check result.
type Status struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
	Positions map[string]int64  `json:"positions,omitempty"`
	Uptime    string            `json:"uptime,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// Checker defines a named health check function.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Position reports a notification log position, such as the newest
// notification id or a follower's tracked id. Errors are reported as
// failed checks.
type Position struct {
	Name string
	Read func(ctx context.Context) (int64, error)
}

// Handler provides HTTP health check endpoints.
type Handler struct {
	mu        sync.RWMutex
	ready     bool
	checkers  []Checker
	positions []Position
	clock     clock.Clock
	started   time.Time
}

// NewHandler creates a new health handler with the given checkers.
func NewHandler(clk clock.Clock, checkers ...Checker) *Handler {
	return &Handler{checkers: checkers, clock: clk, started: clk.Now()}
}

// AddChecker adds a checker to the readiness report.
func (h *Handler) AddChecker(c Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers = append(h.checkers, c)
}

// AddPosition adds a position to the readiness report.
func (h *Handler) AddPosition(p Position) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.positions = append(h.positions, p)
	sort.Slice(h.positions, func(i, j int) bool { return h.positions[i].Name < h.positions[j].Name })
}

// SetReady marks the service as ready to receive traffic.
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// Routes registers /healthz and /readyz on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.Handle("GET /healthz", h.LivenessHandler())
	mux.Handle("GET /readyz", h.ReadinessHandler())
}

func (h *Handler) now() string {
	return h.clock.Now().UTC().Format(time.RFC3339)
}

// LivenessHandler returns HTTP 200 if the process is alive.
func (h *Handler) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Status{
			Status:    "ok",
			Uptime:    clock.Since(h.clock, h.started).Round(time.Second).String(),
			Timestamp: h.now(),
		})
	}
}

// ReadinessHandler returns HTTP 200 if the service is ready and every
// checker passes.
func (h *Handler) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.mu.RLock()
		ready := h.ready
		checkers := h.checkers
		positions := h.positions
		h.mu.RUnlock()

		if !ready {
			writeJSON(w, http.StatusServiceUnavailable, Status{Status: "not_ready", Timestamp: h.now()})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		checks := make(map[string]string)
		allOK := true
		for _, c := range checkers {
			if err := c.Check(ctx); err != nil {
				checks[c.Name] = err.Error()
				allOK = false
			} else {
				checks[c.Name] = "ok"
			}
		}

		var pos map[string]int64
		if len(positions) > 0 {
			pos = make(map[string]int64, len(positions))
			for _, p := range positions {
				id, err := p.Read(ctx)
				if err != nil {
					checks[p.Name] = err.Error()
					allOK = false
					continue
				}
				pos[p.Name] = id
			}
		}

		status := "ready"
		code := http.StatusOK
		if !allOK {
			status = "not_ready"
			code = http.StatusServiceUnavailable
		}

		writeJSON(w, code, Status{
			Status:    status,
			Checks:    checks,
			Positions: pos,
			Timestamp: h.now(),
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
