// Package httpapi exposes the garage commands and traversal queries over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"garagecore/internal/core"
	"garagecore/pkg/domain"
)

var errNoDispatcher = errors.New("no dispatcher configured")

// Option configures the router.
type Option func(*Handler)

// WithLogger sets the request logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithGatherer serves the registry on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(h *Handler) { h.gatherer = g }
}

// Handler binds HTTP requests to service commands.
type Handler struct {
	svc      *core.Service
	logger   *zap.Logger
	gatherer prometheus.Gatherer
}

// NewRouter builds the gin engine for svc.
func NewRouter(svc *core.Service, opts ...Option) *gin.Engine {
	h := &Handler{svc: svc, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}

	r := gin.New()
	r.Use(recovery(h.logger), requestLog(h.logger))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if h.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}

	vehicles := r.Group("/vehicles")
	vehicles.POST("", command(http.StatusCreated, nil, svc.RegisterVehicle))
	vehicles.POST("/:id/mileage", command(http.StatusOK, func(cmd *core.UpdateMileageCommand, id string) { cmd.VehicleID = id }, svc.UpdateMileage))
	vehicles.POST("/:id/deactivate", command(http.StatusOK, func(cmd *core.DeactivateVehicleCommand, id string) { cmd.VehicleID = id }, svc.DeactivateVehicle))
	vehicles.POST("/:id/activate", command(http.StatusOK, func(cmd *core.ActivateVehicleCommand, id string) { cmd.VehicleID = id }, svc.ActivateVehicle))
	vehicles.POST("/:id/services", command(http.StatusCreated, func(cmd *core.RecordServiceCommand, id string) { cmd.VehicleID = id }, svc.RecordService))
	vehicles.POST("/:id/telemetry", command(http.StatusCreated, func(cmd *core.RecordTelemetryCommand, id string) { cmd.VehicleID = id }, svc.RecordTelemetry))
	vehicles.GET("/:id/components", query(svc.Queries().CurrentComponents))
	vehicles.GET("/:id/services", query(svc.Queries().ServiceHistory))
	vehicles.GET("/:id/cost", query(svc.Queries().TotalCostOfOwnership))
	vehicles.GET("/:id/telemetry", query(svc.Queries().TelemetryFor))

	components := r.Group("/components")
	components.POST("", command(http.StatusCreated, nil, svc.CatalogComponent))
	components.POST("/:id/install", command(http.StatusOK, func(cmd *core.InstallComponentCommand, id string) { cmd.ComponentID = id }, svc.InstallComponent))
	components.POST("/:id/remove", command(http.StatusOK, func(cmd *core.RemoveComponentCommand, id string) { cmd.ComponentID = id }, svc.RemoveComponent))
	components.POST("/:id/transfer", command(http.StatusOK, func(cmd *core.TransferComponentCommand, id string) { cmd.ComponentID = id }, svc.TransferComponent))
	components.POST("/:id/receive", command(http.StatusOK, func(cmd *core.ReceiveComponentCommand, id string) { cmd.ComponentID = id }, svc.ReceiveComponent))
	components.POST("/:id/dispose", command(http.StatusOK, func(cmd *core.DisposeComponentCommand, id string) { cmd.ComponentID = id }, svc.DisposeComponent))
	components.GET("/:id/history", query(svc.Queries().ComponentHistory))

	outbox := r.Group("/outbox")
	outbox.POST("/dispatch", h.dispatch)
	outbox.GET("/dead-letters", h.deadLetters)
	outbox.POST("/dead-letters/:event/:handler/redrive", h.redrive)
	return r
}

// command decodes an optional JSON body into C, applies the path id and runs fn.
func command[C any, R any](status int, setID func(*C, string), fn func(context.Context, C) (R, domain.Result, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var cmd C
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&cmd); err != nil {
				badRequest(c, err)
				return
			}
		}
		if setID != nil {
			setID(&cmd, c.Param("id"))
		}
		out, res, err := fn(c.Request.Context(), cmd)
		if err != nil {
			failure(c, err)
			return
		}
		success(c, status, out, res)
	}
}

func query[R any](fn func(context.Context, string) (R, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := fn(c.Request.Context(), c.Param("id"))
		if err != nil {
			failure(c, err)
			return
		}
		success(c, http.StatusOK, out, domain.Result{})
	}
}

func (h *Handler) dispatcher(c *gin.Context) *core.Dispatcher {
	d := h.svc.Dispatcher()
	if d == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, Envelope{Error: &ErrorBody{Kind: "unavailable", Message: errNoDispatcher.Error()}})
	}
	return d
}

func (h *Handler) dispatch(c *gin.Context) {
	d := h.dispatcher(c)
	if d == nil {
		return
	}
	report, err := d.DispatchPending(c.Request.Context())
	if err != nil {
		failure(c, err)
		return
	}
	success(c, http.StatusOK, report, domain.Result{})
}

func (h *Handler) deadLetters(c *gin.Context) {
	d := h.dispatcher(c)
	if d == nil {
		return
	}
	letters, err := d.DeadLetters(c.Request.Context())
	if err != nil {
		failure(c, err)
		return
	}
	if letters == nil {
		letters = []core.DeadLetter{}
	}
	success(c, http.StatusOK, letters, domain.Result{})
}

func (h *Handler) redrive(c *gin.Context) {
	d := h.dispatcher(c)
	if d == nil {
		return
	}
	if err := d.Redrive(c.Request.Context(), c.Param("event"), c.Param("handler")); err != nil {
		failure(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered", zap.Any("panic", r), zap.String("path", c.Request.URL.Path))
				c.AbortWithStatusJSON(http.StatusInternalServerError, Envelope{Error: &ErrorBody{Kind: "internal", Message: "internal server error"}})
			}
		}()
		c.Next()
	}
}

func requestLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(started)))
	}
}
