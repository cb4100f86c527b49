package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"
)

// Status is the outcome of a health check or of a whole report.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const defaultCheckTimeout = 5 * time.Second

// Check probes one dependency of a runtime. A failing critical check makes
// the runtime unhealthy, any other failure only degraded.
type Check struct {
	Name     string
	Probe    func(context.Context) error
	Timeout  time.Duration
	Critical bool
}

// Result is the outcome of one check.
type Result struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
	Took   string `json:"took"`
}

// Report is what the /health endpoint serves.
type Report struct {
	Status     Status            `json:"status"`
	Time       time.Time         `json:"time"`
	Uptime     string            `json:"uptime"`
	Goroutines int               `json:"goroutines"`
	Checks     map[string]Result `json:"checks"`
}

// Health holds the checks of one runtime. Each runtime owns its own, so
// two runtimes in one process never see each other's dependencies.
type Health struct {
	mu      sync.RWMutex
	checks  map[string]Check
	started time.Time
	now     func() time.Time
}

// NewHealth creates an empty set of checks.
func NewHealth() *Health {
	return &Health{
		checks:  make(map[string]Check),
		started: time.Now(),
		now:     time.Now,
	}
}

// Register adds c, replacing any check of the same name.
func (h *Health) Register(c Check) {
	if c.Timeout <= 0 {
		c.Timeout = defaultCheckTimeout
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[c.Name] = c
}

// Names lists the registered checks in order.
func (h *Health) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Report runs every check concurrently, each bounded by its own timeout.
func (h *Health) Report(ctx context.Context) Report {
	h.mu.RLock()
	checks := make([]Check, 0, len(h.checks))
	for _, c := range h.checks {
		checks = append(checks, c)
	}
	h.mu.RUnlock()

	results := make([]Result, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		i, c := i, c
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = run(ctx, c)
		}()
	}
	wg.Wait()

	report := Report{
		Status:     StatusHealthy,
		Time:       h.now(),
		Uptime:     h.now().Sub(h.started).Round(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
		Checks:     make(map[string]Result, len(checks)),
	}
	for i, c := range checks {
		res := results[i]
		report.Checks[c.Name] = res
		switch {
		case res.Status == StatusUnhealthy:
			report.Status = StatusUnhealthy
		case res.Status == StatusDegraded && report.Status == StatusHealthy:
			report.Status = StatusDegraded
		}
	}
	SetGoroutines(report.Goroutines)
	return report
}

func run(ctx context.Context, c Check) Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- c.Probe(ctx) }()

	var err error
	select {
	case err = <-errc:
	case <-ctx.Done():
		err = ctx.Err()
	}

	res := Result{Status: StatusHealthy, Took: time.Since(start).String()}
	if err != nil {
		res.Status = StatusDegraded
		if c.Critical {
			res.Status = StatusUnhealthy
		}
		res.Error = err.Error()
	}
	return res
}

// Handler serves the full report. Unhealthy answers 503, degraded still 200.
func (h *Health) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := h.Report(r.Context())
		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report)
	}
}

// ReadyHandler answers 200 only while every check passes.
func (h *Health) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.Report(r.Context()).Status != StatusHealthy {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// LiveHandler answers 200 as long as the process serves HTTP.
func LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// StoreCheck fails while the durable store cannot be reached. Losing it
// loses durability, so it is critical.
func StoreCheck(ping func(context.Context) error) Check {
	return Check{Name: "store", Probe: ping, Critical: true}
}

// ErrBusDegraded is reported by BusCheck while the bus runs on the relay.
var ErrBusDegraded = errors.New("native broadcast unavailable, using polling relay")

// BusCheck reports degraded while the bus runs on its fallback. The relay
// still delivers messages, so it is not critical.
func BusCheck(degraded func() bool) Check {
	return Check{
		Name: "bus",
		Probe: func(context.Context) error {
			if degraded() {
				return ErrBusDegraded
			}
			return nil
		},
		Timeout: time.Second,
	}
}
