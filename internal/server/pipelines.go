package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/articleforge/articleforge/internal/budget"
	"github.com/articleforge/articleforge/internal/pipeline"
	"github.com/articleforge/articleforge/internal/runtime"
)

type PipelinesHandler struct {
	Service *pipeline.Service
}

func (h *PipelinesHandler) Register(g *echo.Group) {
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.POST("/:id/cancel", h.cancel)
	g.POST("/:id/pause", h.pause)
	g.POST("/:id/resume", h.resume)
}

// create admits and enqueues a pipeline. Rejections still return the
// persisted pipeline record so the caller can inspect the reason.
func (h *PipelinesHandler) create(c echo.Context) error {
	id, ok := runtime.IdentityFromEcho(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	var req CreatePipelineRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Topic == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "topic is required")
	}

	p, err := h.Service.Create(c.Request().Context(), id.OrgID, id.UserID, pipeline.ArticleRequest{
		Topic:    req.Topic,
		Keywords: req.Keywords,
		Notes:    req.Notes,
	}, req.Priority)
	if err != nil {
		var rej *budget.RejectionError
		if errors.As(err, &rej) {
			pipelinesRejected.WithLabelValues(rej.Reason).Inc()
			return c.JSON(http.StatusPaymentRequired, map[string]interface{}{
				"error":    rej.Reason,
				"usage":    rej.Usage,
				"limit":    rej.Limit,
				"pipeline": toPipelineResponse(p),
			})
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	pipelinesCreated.Inc()
	return c.JSON(http.StatusAccepted, toPipelineResponse(p))
}

func (h *PipelinesHandler) list(c echo.Context) error {
	id, ok := runtime.IdentityFromEcho(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	status := pipeline.Status(c.QueryParam("status"))
	pipelines, err := h.Service.List(c.Request().Context(), id.OrgID, status, 0)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]PipelineResponse, 0, len(pipelines))
	for _, p := range pipelines {
		out = append(out, toPipelineResponse(p))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *PipelinesHandler) get(c echo.Context) error {
	id, ok := runtime.IdentityFromEcho(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	snap, err := h.Service.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "pipeline not found")
	}
	if snap.Pipeline.OrgID != id.OrgID {
		return echo.NewHTTPError(http.StatusNotFound, "pipeline not found")
	}
	resp := PipelineDetailResponse{PipelineResponse: toPipelineResponse(snap.Pipeline)}
	for _, st := range snap.Steps {
		resp.Steps = append(resp.Steps, toStepResponse(st))
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *PipelinesHandler) cancel(c echo.Context) error {
	return h.control(c, h.Service.Cancel)
}

func (h *PipelinesHandler) pause(c echo.Context) error {
	return h.control(c, h.Service.Pause)
}

func (h *PipelinesHandler) resume(c echo.Context) error {
	return h.control(c, h.Service.Resume)
}

func (h *PipelinesHandler) control(c echo.Context, op func(ctx context.Context, id, actorID string) error) error {
	id, ok := runtime.IdentityFromEcho(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	err := op(c.Request().Context(), c.Param("id"), id.UserID)
	switch {
	case err == nil:
		return c.NoContent(http.StatusOK)
	case errors.Is(err, pipeline.ErrNotAuthorized):
		return echo.NewHTTPError(http.StatusForbidden, "not authorized for this pipeline")
	case errors.Is(err, pipeline.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
