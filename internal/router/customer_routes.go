package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cinema-ticketing/internal/handler"
	"github.com/iliyamo/cinema-ticketing/internal/middleware"
	"github.com/iliyamo/cinema-ticketing/internal/model"
)

// RegisterCustomer registers customer-scoped endpoints under /v1.  All
// routes require a valid JWT and the CUSTOMER role.
func RegisterCustomer(e *echo.Echo, acc *handler.AccountHandler, p *handler.PurchaseHandler, o Options) {
	g := e.Group("/v1",
		middleware.JWTAuth(o.JWTSecret),
		middleware.RequireRole(model.RoleCustomer),
		o.limit(),
	)
	g.POST("/me/plan", acc.ChangePlan)
	g.POST("/bank-accounts", acc.CreateBankAccount)
	g.POST("/wallet/charge", acc.ChargeWallet)

	g.POST("/purchases", p.Purchase)
	g.GET("/purchases", p.List)
	g.GET("/purchases/:id", p.Get)
	g.DELETE("/purchases/:id", p.Cancel)
}
