package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the pool snapshot reported by /health/db.
type PoolStats struct {
	TotalConns    int32  `json:"total_conns"`
	IdleConns     int32  `json:"idle_conns"`
	AcquiredConns int32  `json:"acquired_conns"`
	MaxConns      int32  `json:"max_conns"`
	AcquireCount  int64  `json:"acquire_count"`
	AcquireWait   string `json:"acquire_wait"`
}

func statsOf(stat *pgxpool.Stat) PoolStats {
	return PoolStats{
		TotalConns:    stat.TotalConns(),
		IdleConns:     stat.IdleConns(),
		AcquiredConns: stat.AcquiredConns(),
		MaxConns:      stat.MaxConns(),
		AcquireCount:  stat.AcquireCount(),
		AcquireWait:   stat.AcquireDuration().String(),
	}
}

// HealthReport is the /health/db response body.
type HealthReport struct {
	Status string    `json:"status"`
	Error  string    `json:"error,omitempty"`
	Ledger string    `json:"ledger"`
	Pool   PoolStats `json:"pool"`
}

// HealthHandler pings the attempt ledger database. It answers 503 when the
// ping fails; the gateway itself keeps dispatching either way.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return healthHandler(pool.Ping, func() PoolStats { return statsOf(pool.Stat()) })
}

func healthHandler(ping func(context.Context) error, stats func() PoolStats) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		report := HealthReport{Status: "healthy", Ledger: "postgres", Pool: stats()}
		if err := ping(ctx); err != nil {
			report.Status = "unhealthy"
			report.Error = err.Error()
			return c.JSON(http.StatusServiceUnavailable, report)
		}
		return c.JSON(http.StatusOK, report)
	}
}
