package api

import (
    "bytes"
    "context"
    "errors"
    "net/http"

    "QuantServe/internal/domain/models"
    "QuantServe/internal/service/metrics"
    "QuantServe/internal/usecase"
    xhttp "QuantServe/pkg/http"
    xlogger "QuantServe/pkg/logger"

    "github.com/labstack/echo/v4"
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/common/expfmt"
)

// ForecastEchoHandler serves forecasts, health and metrics.
type ForecastEchoHandler struct {
	logger   *xlogger.Logger
	orch     *usecase.Orchestrator
	registry *metrics.Registry
	gatherer prometheus.Gatherer
}

// NewForecastEchoHandler wires the handler. gatherer adds process-level
// collectors to /metrics; nil means prometheus.DefaultGatherer.
func NewForecastEchoHandler(logger *xlogger.Logger, orch *usecase.Orchestrator, reg *metrics.Registry, gatherer prometheus.Gatherer) *ForecastEchoHandler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &ForecastEchoHandler{logger: logger, orch: orch, registry: reg, gatherer: gatherer}
}

func (h *ForecastEchoHandler) RegisterRoutes(e *echo.Echo) {
	e.POST("/forecast", h.Forecast)
	e.GET("/healthz", h.Health)
	e.GET("/metrics", h.Metrics)
}

func (h *ForecastEchoHandler) Forecast(c echo.Context) error {
	body := &models.ForecastBody{}
	if verr := xhttp.ReadAndValidateRequest(c, body); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	resp, err := h.orch.Forecast(c.Request().Context(), body.ToRequest())
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, resp)
	case errors.Is(err, usecase.ErrValidation):
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError(err.Error()).WithError(err))
	case errors.Is(err, context.Canceled):
		// client went away; nothing useful to write
		return c.NoContent(499)
	default:
		if h.logger != nil {
			h.logger.Error("forecast usecase error",
				xlogger.String("market_id", body.MarketID),
				xlogger.Error(err),
			)
		}
		return xhttp.AppErrorResponse(c, xhttp.InternalError("forecast failed").WithError(err))
	}
}

func (h *ForecastEchoHandler) Health(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return xhttp.SuccessResponse(c, h.orch.Health())
}

// Metrics renders the forecast registry followed by the process collectors.
func (h *ForecastEchoHandler) Metrics(c echo.Context) error {
	var buf bytes.Buffer
	if err := h.registry.Write(&buf); err != nil {
		return xhttp.AppErrorResponse(c, xhttp.InternalError("render metrics").WithError(err))
	}
	families, err := h.gatherer.Gather()
	if err != nil && h.logger != nil {
		// partial results are still worth serving
		h.logger.Warn("prometheus gather error", xlogger.Error(err))
	}
	enc := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return xhttp.AppErrorResponse(c, xhttp.InternalError("encode metrics").WithError(err))
		}
	}
	return c.Blob(http.StatusOK, metrics.ContentType, buf.Bytes())
}
