package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/articleforge/articleforge/internal/audit"
	"github.com/articleforge/articleforge/internal/runtime"
	"github.com/articleforge/articleforge/internal/secrets"
)

// CredentialsHandler stores external API credentials. Material is sealed
// at rest and never returned; callers only ever see the opaque handle.
type CredentialsHandler struct {
	Keeper  *secrets.Keeper
	Auditor *audit.Recorder
}

func (h *CredentialsHandler) Register(g *echo.Group) {
	adminOnly := runtime.RequireRole("admin", "owner")
	g.POST("", h.store, adminOnly)
	g.DELETE("/:handle", h.remove, adminOnly)
}

func (h *CredentialsHandler) store(c echo.Context) error {
	id, ok := runtime.IdentityFromEcho(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	var req CredentialRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Kind == "" || req.Material == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "kind and material are required")
	}
	ctx := c.Request().Context()
	handle, err := h.Keeper.Seal(ctx, id.OrgID, req.Kind, []byte(req.Material))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if h.Auditor != nil {
		_ = h.Auditor.Append(ctx, audit.Entry{
			OrgID:      id.OrgID,
			ActorID:    &id.UserID,
			Action:     audit.ActionCredentialStored,
			EntityType: "credential",
			EntityID:   handle,
			NewValue:   audit.Snapshot(map[string]string{"kind": req.Kind}),
			Success:    true,
		})
	}
	return c.JSON(http.StatusCreated, CredentialResponse{Handle: handle})
}

func (h *CredentialsHandler) remove(c echo.Context) error {
	id, ok := runtime.IdentityFromEcho(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	handle := c.Param("handle")
	ctx := c.Request().Context()
	if err := h.Keeper.Remove(ctx, id.OrgID, handle); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if h.Auditor != nil {
		_ = h.Auditor.Append(ctx, audit.Entry{
			OrgID:      id.OrgID,
			ActorID:    &id.UserID,
			Action:     audit.ActionCredentialRemoved,
			EntityType: "credential",
			EntityID:   handle,
			Success:    true,
		})
	}
	return c.NoContent(http.StatusNoContent)
}
