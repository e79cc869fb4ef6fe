package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Check is a named dependency probe, e.g. the Redis broker.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// HealthHandler pings the database and every extra check. Any failure turns
// the response into a 503 listing which dependency is down.
func HealthHandler(pool *pgxpool.Pool, checks ...Check) echo.HandlerFunc {
	all := append([]Check{{Name: "database", Ping: pool.Ping}}, checks...)
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		status, body := runChecks(ctx, all)
		body["pool"] = GetPoolStats(pool)
		return c.JSON(status, body)
	}
}

func runChecks(ctx context.Context, checks []Check) (int, map[string]interface{}) {
	results := make(map[string]string, len(checks))
	status := http.StatusOK
	for _, chk := range checks {
		if err := chk.Ping(ctx); err != nil {
			results[chk.Name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[chk.Name] = "ok"
	}
	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	}
	return status, map[string]interface{}{
		"status": overall,
		"checks": results,
	}
}
