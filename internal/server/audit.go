package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/articleforge/articleforge/internal/audit"
	"github.com/articleforge/articleforge/internal/runtime"
)

type AuditHandler struct {
	Recorder *audit.Recorder
}

func (h *AuditHandler) Register(g *echo.Group) {
	g.GET("", h.list)
}

func (h *AuditHandler) list(c echo.Context) error {
	id, ok := runtime.IdentityFromEcho(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if org := c.Param("org_id"); org != "" && org != id.OrgID {
		return echo.NewHTTPError(http.StatusForbidden, "wrong organization")
	}
	f := audit.Filter{
		EntityType: c.QueryParam("entity_type"),
		EntityID:   c.QueryParam("entity_id"),
		Action:     c.QueryParam("action"),
	}
	if raw := c.QueryParam("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be RFC3339")
		}
		f.Since = ts
	}
	if raw := c.QueryParam("until"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "until must be RFC3339")
		}
		f.Until = ts
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be an integer")
		}
		f.Limit = n
	}
	entries, err := h.Recorder.Query(c.Request().Context(), id.OrgID, f)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, entries)
}
