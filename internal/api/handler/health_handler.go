package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// DBPinger reports database liveness; satisfied by *sqlx.DB
type DBPinger interface {
	PingContext(ctx context.Context) error
}

// QueueProbe reports broker liveness and task queue depth
type QueueProbe interface {
	IsConnected() bool
	QueueDepth() (int, error)
}

// HealthHandler serves the liveness and readiness endpoints
type HealthHandler struct {
	logger  *slog.Logger
	service string
	db      DBPinger
	queue   QueueProbe
}

func NewHealthHandler(logger *slog.Logger, service string, db DBPinger, queue QueueProbe) *HealthHandler {
	return &HealthHandler{
		logger:  logger,
		service: service,
		db:      db,
		queue:   queue,
	}
}

// Health handles GET /health, a plain liveness probe
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": h.service,
	})
}

// Ready handles GET /ready. The service is ready when the database
// answers a ping and the broker connection is up.
func (h *HealthHandler) Ready(c *gin.Context) {
	checks := gin.H{}
	healthy := true

	if err := h.db.PingContext(c.Request.Context()); err != nil {
		h.logger.Warn("Readiness check failed: database", slog.String("error", err.Error()))
		checks["database"] = "unreachable"
		healthy = false
	} else {
		checks["database"] = "ok"
	}

	if !h.queue.IsConnected() {
		checks["rabbitmq"] = "disconnected"
		healthy = false
	} else if depth, err := h.queue.QueueDepth(); err != nil {
		h.logger.Warn("Readiness check failed: queue depth", slog.String("error", err.Error()))
		checks["rabbitmq"] = "error"
		healthy = false
	} else {
		checks["rabbitmq"] = "ok"
		checks["queue_depth"] = depth
	}

	status := http.StatusOK
	state := "ready"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}

	c.JSON(status, gin.H{
		"status":  state,
		"service": h.service,
		"checks":  checks,
	})
}
