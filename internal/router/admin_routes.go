package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cinema-ticketing/internal/handler"
	"github.com/iliyamo/cinema-ticketing/internal/middleware"
	"github.com/iliyamo/cinema-ticketing/internal/model"
)

// RegisterAdmin registers catalog management under /v1/admin.
func RegisterAdmin(e *echo.Echo, c *handler.CatalogHandler, o Options) {
	g := e.Group("/v1/admin",
		middleware.JWTAuth(o.JWTSecret),
		middleware.RequireRole(model.RoleAdmin),
		o.limit(),
	)
	g.POST("/films", c.AddFilm)
	g.DELETE("/films/:name", c.RemoveFilm)
	g.POST("/films/:name/showings", c.AddShowing)
}
