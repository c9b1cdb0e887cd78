package api

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness probe.
const checkTimeout = 3 * time.Second

// Check is a named readiness probe. Check returns nil when the component is
// ready.
type Check struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthFunc adapts a boolean health signal, such as the capture
// supervisor's, into a probe.
func HealthFunc(name string, healthy func() bool, reason string) Check {
	return Check{Name: name, Check: func(context.Context) error {
		if healthy() {
			return nil
		}
		return errors.New(reason)
	}}
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// readyz runs every check in order and reports 503 if any fails.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	res := healthResponse{Status: "ok", Checks: make(map[string]string, len(s.cfg.Checks))}
	status := http.StatusOK
	for _, c := range s.cfg.Checks {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()
		if err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}
	writeJSON(w, status, res)
}
