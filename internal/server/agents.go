package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/articleforge/articleforge/internal/audit"
	"github.com/articleforge/articleforge/internal/ledger"
	"github.com/articleforge/articleforge/internal/registry"
	"github.com/articleforge/articleforge/internal/runtime"
)

// AgentsHandler exposes per-organization agent configuration. Writes are
// restricted to admin and owner roles at registration time.
type AgentsHandler struct {
	Registry *registry.Registry
	Auditor  *audit.Recorder
}

func (h *AgentsHandler) Register(g *echo.Group) {
	g.GET("", h.list)
	g.GET("/:agent", h.get)
	adminOnly := runtime.RequireRole("admin", "owner")
	g.PUT("/:agent", h.update, adminOnly)
}

func (h *AgentsHandler) list(c echo.Context) error {
	id, ok := runtime.IdentityFromEcho(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	out := make([]AgentConfigResponse, 0, len(registry.AgentOrder))
	for _, kind := range registry.AgentOrder {
		cfg, err := h.Registry.Get(c.Request().Context(), id.OrgID, kind)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		out = append(out, toAgentConfigResponse(cfg))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *AgentsHandler) get(c echo.Context) error {
	id, ok := runtime.IdentityFromEcho(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	kind := registry.AgentKind(c.Param("agent"))
	if !kind.Valid() {
		return echo.NewHTTPError(http.StatusNotFound, "unknown agent kind")
	}
	cfg, err := h.Registry.Get(c.Request().Context(), id.OrgID, kind)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, toAgentConfigResponse(cfg))
}

// update applies a partial configuration change over the current row.
func (h *AgentsHandler) update(c echo.Context) error {
	id, ok := runtime.IdentityFromEcho(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	kind := registry.AgentKind(c.Param("agent"))
	if !kind.Valid() {
		return echo.NewHTTPError(http.StatusNotFound, "unknown agent kind")
	}
	var req AgentConfigRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	cfg, err := h.Registry.Get(ctx, id.OrgID, kind)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	before := cfg

	if req.Enabled != nil {
		cfg.Enabled = *req.Enabled
	}
	if req.TimeoutSecs != nil {
		cfg.TimeoutSecs = *req.TimeoutSecs
	}
	if req.MaxRetries != nil {
		cfg.MaxRetries = *req.MaxRetries
	}
	if req.MaxCostPerRun != nil {
		amount, err := ledger.ParseCents(*req.MaxCostPerRun)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "max_cost_per_run: "+err.Error())
		}
		cfg.MaxCostPerRun = amount
	}
	if req.ModelOverride != nil {
		cfg.ModelOverride = *req.ModelOverride
	}
	if req.RunsPerHour != nil {
		cfg.RunsPerHour = *req.RunsPerHour
	}
	if req.RunsPerDay != nil {
		cfg.RunsPerDay = *req.RunsPerDay
	}

	if err := h.Registry.Set(ctx, cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if h.Auditor != nil {
		_ = h.Auditor.Append(ctx, audit.Entry{
			OrgID:      id.OrgID,
			ActorID:    &id.UserID,
			Action:     audit.ActionAgentConfigSet,
			EntityType: "agent_config",
			EntityID:   string(kind),
			OldValue:   audit.Snapshot(toAgentConfigResponse(before)),
			NewValue:   audit.Snapshot(toAgentConfigResponse(cfg)),
			Success:    true,
		})
	}
	return c.JSON(http.StatusOK, toAgentConfigResponse(cfg))
}

func toAgentConfigResponse(cfg registry.Config) AgentConfigResponse {
	return AgentConfigResponse{
		Agent:         string(cfg.Agent),
		Enabled:       cfg.Enabled,
		TimeoutSecs:   cfg.TimeoutSecs,
		MaxRetries:    cfg.MaxRetries,
		MaxCostPerRun: cfg.MaxCostPerRun.String(),
		ModelOverride: cfg.ModelOverride,
		RunsPerHour:   cfg.RunsPerHour,
		RunsPerDay:    cfg.RunsPerDay,
		UpdatedAt:     cfg.UpdatedAt,
	}
}
