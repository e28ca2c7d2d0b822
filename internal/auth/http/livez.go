package http

import (
	"net/http"
	"time"

	"github.com/aussiebroadwan/tavern/pkg/authsdk"
	"github.com/aussiebroadwan/tavern/pkg/httpx"
)

// LivezHandler answers 200 while the process is up.
func LivezHandler(startTime time.Time, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, authsdk.HealthResponse{
			Status:  "ok",
			Uptime:  time.Since(startTime).Round(time.Second).String(),
			Version: version,
		})
	}
}
