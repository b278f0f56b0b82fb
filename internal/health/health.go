// Package health serves the liveness and readiness probes of the medscribe
// HTTP API.
//
// /healthz always answers 200. /readyz runs every registered [Checker] and
// answers 503 when a required one fails. Optional checkers, such as the
// speech breaker that has a fallback behind it, only downgrade the status to
// "degraded".
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/medscribe/internal/catalog"
	"github.com/MrWong99/medscribe/internal/resilience"
)

const checkTimeout = 5 * time.Second

// Overall and per-check statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// Checker is a named readiness probe. Check returns nil when the dependency
// is usable.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error

	// Optional failures report degraded instead of failing readiness.
	Optional bool
}

// Pinger is satisfied by the telemetry stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping wraps a [Pinger] as a required [Checker].
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

var (
	// ErrEmptyCatalog is reported when the reference catalog has no diagnoses.
	ErrEmptyCatalog = errors.New("reference catalog is empty")

	// ErrBreakerOpen is reported while a guarded backend is short-circuited.
	ErrBreakerOpen = errors.New("circuit breaker open")
)

// Catalog fails while the loaded catalog holds no diagnoses.
func Catalog(counts func() catalog.Counts) Checker {
	return Checker{Name: "catalog", Check: func(context.Context) error {
		if counts().Diagnoses == 0 {
			return ErrEmptyCatalog
		}
		return nil
	}}
}

// Breaker is an optional checker reporting an open circuit breaker.
func Breaker(name string, cb *resilience.CircuitBreaker) Checker {
	return Checker{Name: name, Optional: true, Check: func(context.Context) error {
		if cb.State() == resilience.StateOpen {
			return ErrBreakerOpen
		}
		return nil
	}}
}

type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probes. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
}

func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Register adds GET /healthz and GET /readyz to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: StatusOK})
}

// Readyz runs the checkers concurrently, each bounded by its own timeout.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.evaluate(r.Context())
	code := http.StatusOK
	if rep.Status == StatusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

func (h *Handler) evaluate(ctx context.Context) report {
	rep := report{Status: StatusOK, Checks: make(map[string]string, len(h.checkers))}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			err := c.Check(cctx)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				rep.Checks[c.Name] = StatusOK
			case c.Optional:
				rep.Checks[c.Name] = StatusDegraded + ": " + err.Error()
				if rep.Status == StatusOK {
					rep.Status = StatusDegraded
				}
			default:
				rep.Checks[c.Name] = StatusFail + ": " + err.Error()
				rep.Status = StatusFail
			}
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
