package server

import (
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"

	"github.com/articleforge/articleforge/internal/audit"
	"github.com/articleforge/articleforge/internal/runtime"
	"github.com/articleforge/articleforge/internal/store"
)

type AuthHandler struct {
	Store    *store.Store
	Auditor  *audit.Recorder
	Secret   []byte
	TokenTTL time.Duration
}

func (a *AuthHandler) Register(g *echo.Group) {
	g.POST("/signup", a.signup)
	g.POST("/login", a.login)
	g.POST("/logout", a.logout)
}

// signup creates the organization with its plan-tier limits and the first
// account as owner.
func (a *AuthHandler) signup(c echo.Context) error {
	var req AuthSignupRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.OrgName == "" || req.Email == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "org_name and email are required")
	}
	if len(req.Password) < 8 {
		return echo.NewHTTPError(http.StatusBadRequest, "password too short")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	ctx := c.Request().Context()
	org, err := a.Store.CreateOrganization(ctx, req.OrgName, req.PlanTier)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	userID, err := a.Store.CreateUser(ctx, org.ID, req.Email, string(hash), "owner")
	if err != nil {
		if pgErr, ok := err.(*pq.Error); ok && pgErr.Code == "23505" {
			return echo.NewHTTPError(http.StatusConflict, "email already exists")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if a.Auditor != nil {
		_ = a.Auditor.Append(ctx, audit.Entry{
			OrgID:      org.ID,
			ActorID:    &userID,
			Action:     audit.ActionOrgCreated,
			EntityType: "organization",
			EntityID:   org.ID,
			NewValue:   audit.Snapshot(map[string]interface{}{"name": org.Name, "plan_tier": org.PlanTier}),
			Success:    true,
		})
	}

	signed, err := runtime.SignJWT(runtime.Identity{UserID: userID, OrgID: org.ID, Role: "owner"}, a.Secret, a.TokenTTL)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	a.setCookie(c, signed)
	return c.JSON(http.StatusCreated, map[string]string{"token": signed, "org_id": org.ID, "user_id": userID})
}

func (a *AuthHandler) login(c echo.Context) error {
	var req AuthLoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Password) < 8 {
		return echo.NewHTTPError(http.StatusBadRequest, "password too short")
	}
	u, err := a.Store.GetUserByEmail(c.Request().Context(), req.Email)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)) != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}
	signed, err := runtime.SignJWT(runtime.Identity{UserID: u.ID, OrgID: u.OrgID, Role: u.Role}, a.Secret, a.TokenTTL)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	a.setCookie(c, signed)
	// also return token for Bearer flows
	c.Response().Header().Set("Authorization", "Bearer "+signed)
	return c.JSON(http.StatusOK, TokenResponse{Token: signed})
}

func (a *AuthHandler) logout(c echo.Context) error {
	cookie := new(http.Cookie)
	cookie.Name = "auth"
	cookie.Value = ""
	cookie.Path = "/"
	cookie.MaxAge = -1
	c.SetCookie(cookie)
	return c.NoContent(http.StatusOK)
}

func (a *AuthHandler) setCookie(c echo.Context, token string) {
	cookie := new(http.Cookie)
	cookie.Name = "auth"
	cookie.Value = token
	cookie.Path = "/"
	cookie.HttpOnly = true
	cookie.SameSite = http.SameSiteLaxMode
	if os.Getenv("ARTICLEFORGE_ENV") == "prod" {
		cookie.Secure = true
	}
	c.SetCookie(cookie)
}
