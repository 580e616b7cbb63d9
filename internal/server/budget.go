package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/articleforge/articleforge/internal/pipeline"
	"github.com/articleforge/articleforge/internal/runtime"
)

type BudgetHandler struct {
	Service *pipeline.Service
}

func (h *BudgetHandler) Register(g *echo.Group) {
	g.GET("/spend", h.spend)
}

// spend reports current-month spend against the organization budget,
// recomputed from the cost ledger.
func (h *BudgetHandler) spend(c echo.Context) error {
	id, ok := runtime.IdentityFromEcho(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if org := c.Param("org_id"); org != "" && org != id.OrgID {
		return echo.NewHTTPError(http.StatusForbidden, "wrong organization")
	}
	report, err := h.Service.MonthlySpend(c.Request().Context(), id.OrgID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, SpendResponse{
		Month:         string(report.Month),
		Spend:         report.Spend.String(),
		MonthlyBudget: report.MonthlyBudget.String(),
		Percentage:    report.Percentage,
		ByAgent:       centsMap(report.ByAgent),
	})
}
