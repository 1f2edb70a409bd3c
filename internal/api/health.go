package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// Healthz handles GET /healthz. It answers 503 when the database does not
// respond within two seconds.
func Healthz(db Pinger, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok", Database: "ok"}
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				logger.Warn("health check: database unreachable", zap.Error(err))
				resp = healthResponse{Status: "degraded", Database: "unreachable"}
				JSON(w, http.StatusServiceUnavailable, resp)
				return
			}
		}
		JSON(w, http.StatusOK, resp)
	}
}
