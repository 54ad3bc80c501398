// Package health serves the liveness and readiness endpoints.
//
// /healthz answers 200 while the process can serve HTTP. /readyz answers 200
// only while the screener can take another call: every [Checker] passes and
// the server is not draining for shutdown. Both reply with a JSON report,
//
//	{"status":"fail","checks":{"provider":"ok","capacity":"fail: 8 of 8 sessions in use"}}
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// checkTimeout bounds a single check.
const checkTimeout = 5 * time.Second

// errDraining is reported under the "shutdown" key once Drain was called.
var errDraining = errors.New("draining")

// Checker is one named readiness condition. Check returns nil when the
// condition holds and must honour ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// ProviderChecker fails while status reports why no speech provider can take
// a session, e.g. missing credentials or every circuit breaker open.
func ProviderChecker(status func() error) Checker {
	return Checker{Name: "provider", Check: func(context.Context) error {
		if err := status(); err != nil {
			return fmt.Errorf("no speech provider available: %w", err)
		}
		return nil
	}}
}

// CapacityChecker fails while every call slot is taken. usage returns the
// active session count and the limit; zero means unlimited.
func CapacityChecker(usage func() (active, limit int)) Checker {
	return Checker{Name: "capacity", Check: func(context.Context) error {
		if active, limit := usage(); limit > 0 && active >= limit {
			return fmt.Errorf("%d of %d sessions in use", active, limit)
		}
		return nil
	}}
}

type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves both endpoints. The checker list is fixed by [New].
type Handler struct {
	checkers []Checker
	draining atomic.Bool
}

// New returns a Handler evaluating checkers on every readiness check.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Drain makes every later readiness check fail so load balancers stop
// routing calls here while live sessions wind down.
func (h *Handler) Drain() { h.draining.Store(true) }

// Register mounts GET /healthz and GET /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz is the liveness endpoint.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	reply(w, http.StatusOK, report{Status: "ok"})
}

// Readyz is the readiness endpoint. Checkers run concurrently.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep, ok := h.evaluate(r.Context())
	if !ok {
		reply(w, http.StatusServiceUnavailable, rep)
		return
	}
	reply(w, http.StatusOK, rep)
}

func (h *Handler) evaluate(ctx context.Context) (report, bool) {
	errs := make([]error, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Go(func() {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			errs[i] = c.Check(cctx)
		})
	}
	wg.Wait()

	rep := report{Status: "ok", Checks: make(map[string]string, len(h.checkers)+1)}
	record := func(name string, err error) {
		if err == nil {
			rep.Checks[name] = "ok"
			return
		}
		rep.Checks[name] = "fail: " + err.Error()
		rep.Status = "fail"
	}
	for i, c := range h.checkers {
		record(c.Name, errs[i])
	}
	if h.draining.Load() {
		record("shutdown", errDraining)
	}
	return rep, rep.Status == "ok"
}

func reply(w http.ResponseWriter, status int, rep report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rep)
}
