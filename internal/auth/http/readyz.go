package http

import (
	"context"
	"net/http"
	"time"

	"github.com/aussiebroadwan/tavern/pkg/authsdk"
	"github.com/aussiebroadwan/tavern/pkg/httpx"
	"github.com/aussiebroadwan/tavern/pkg/slogx"
)

const readyzTimeout = 2 * time.Second

// ReadyzHandler runs every check and answers 503 if any fails. Failure
// details go to the log, not the response.
func ReadyzHandler(startTime time.Time, version string, checks map[string]Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyzTimeout)
		defer cancel()

		res := authsdk.HealthResponse{
			Status:  "ok",
			Uptime:  time.Since(startTime).Round(time.Second).String(),
			Version: version,
			Checks:  make(map[string]string, len(checks)),
		}
		status := http.StatusOK

		for name, check := range checks {
			if err := check(ctx); err != nil {
				slogx.FromContext(ctx).Warn("readiness check failed", "check", name, "err", err)
				res.Checks[name] = "error"
				res.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			res.Checks[name] = "ok"
		}

		httpx.WriteJSON(w, status, res)
	}
}
