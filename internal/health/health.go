// Package health serves the liveness and readiness endpoints the device
// supervisor polls.
package health

import (
	"encoding/json"
	"net/http"
)

func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// ReadinessReporter answers whether the store behind the daemon is
// reachable and how many packages it currently serves.
type ReadinessReporter interface {
	Readiness() (ready bool, packages int)
}

func Readiness(rr ReadinessReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		type resp struct {
			Status   string `json:"status"`
			Packages int    `json:"packages,omitempty"`
		}
		ready, packages := rr.Readiness()
		out := resp{Status: "not_ready"}
		if ready {
			out.Status = "ready"
			out.Packages = packages
		}
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
