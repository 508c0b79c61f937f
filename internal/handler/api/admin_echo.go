package api

import (
    "crypto/subtle"
    "strings"

    "QuantServe/internal/domain/models"
    "QuantServe/internal/usecase"
    xhttp "QuantServe/pkg/http"
    xlogger "QuantServe/pkg/logger"

    "github.com/labstack/echo/v4"
)

// AdminEchoHandler exposes runtime switches. When token is set every
// request must carry "Authorization: Bearer <token>".
type AdminEchoHandler struct {
	logger *xlogger.Logger
	orch   *usecase.Orchestrator
	token  string
}

func NewAdminEchoHandler(logger *xlogger.Logger, orch *usecase.Orchestrator, token string) *AdminEchoHandler {
	return &AdminEchoHandler{logger: logger, orch: orch, token: token}
}

func (h *AdminEchoHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/admin", h.auth)
	g.PUT("/degradation", h.SetDegradation)
	g.GET("/conformal", h.GetConformal)
	g.PUT("/conformal", h.PutConformal)
	g.DELETE("/conformal", h.DeleteConformal)
}

func (h *AdminEchoHandler) auth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if h.token == "" {
			return next(c)
		}
		got := strings.TrimPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
			return xhttp.AppErrorResponse(c, xhttp.UnauthorizedError("invalid admin token"))
		}
		return next(c)
	}
}

func (h *AdminEchoHandler) SetDegradation(c echo.Context) error {
	req := &models.DegradationBody{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	h.orch.SetDegraded(req.Enabled)
	if h.logger != nil {
		h.logger.Warn("degradation mode changed", xlogger.Bool("baseline_only", req.Enabled))
	}
	return xhttp.SuccessResponse(c, h.orch.Health())
}

func (h *AdminEchoHandler) GetConformal(c echo.Context) error {
	adj := h.orch.Adjustment()
	if adj == nil {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundError("no conformal adjustment installed"))
	}
	return xhttp.SuccessResponse(c, adj)
}

func (h *AdminEchoHandler) PutConformal(c echo.Context) error {
	req := &models.AdjustmentBody{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	adj := req.ToAdjustment()
	h.orch.SetAdjustment(&adj)
	if h.logger != nil {
		h.logger.Info("conformal adjustment installed",
			xlogger.String("bucket", adj.Bucket),
			xlogger.Float64("target_coverage", adj.TargetCoverage),
			xlogger.Float64("width_scale", adj.WidthScale),
		)
	}
	return xhttp.SuccessResponse(c, h.orch.Adjustment())
}

func (h *AdminEchoHandler) DeleteConformal(c echo.Context) error {
	h.orch.SetAdjustment(nil)
	return xhttp.SuccessResponse(c, nil)
}
