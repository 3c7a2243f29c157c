// Package router registers the HTTP API on an echo instance.
package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cinema-ticketing/internal/handler"
	"github.com/iliyamo/cinema-ticketing/internal/middleware"
	"github.com/iliyamo/cinema-ticketing/internal/model"
)

// Handlers groups everything the routes dispatch to.
type Handlers struct {
	Auth      *handler.AuthHandler
	Account   *handler.AccountHandler
	Catalog   *handler.CatalogHandler
	Purchases *handler.PurchaseHandler
}

// Options carries the middleware shared across groups.
type Options struct {
	JWTSecret string
	RateLimit echo.MiddlewareFunc // nil disables
	Cache     echo.MiddlewareFunc // nil disables; applied to catalog reads
}

func (o Options) limit() echo.MiddlewareFunc {
	if o.RateLimit == nil {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return o.RateLimit
}

// RegisterRoutes registers every route of the API.
func RegisterRoutes(e *echo.Echo, h Handlers, o Options) {
	e.GET("/healthz", handler.Health)
	RegisterAuth(e, h.Auth, h.Account, o)
	RegisterPublic(e, h.Catalog, o)
	RegisterCustomer(e, h.Account, h.Purchases, o)
	RegisterAdmin(e, h.Catalog, o)
}

// RegisterAuth registers the token endpoints under /v1/auth and the
// account endpoints every signed in user has under /v1/me.  Rate limiting
// on the authenticated group runs after JWTAuth so it keys on the user.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, acc *handler.AccountHandler, o Options) {
	g := e.Group("/v1/auth", o.limit())
	g.POST("/signup", a.Signup)
	g.POST("/login", a.Login)
	g.POST("/refresh", a.Refresh)
	g.POST("/refresh-access", a.RefreshAccess)
	g.POST("/logout", a.Logout)

	me := e.Group("/v1/me",
		middleware.JWTAuth(o.JWTSecret),
		middleware.RequireRole(model.RoleCustomer, model.RoleAdmin),
		o.limit(),
	)
	me.GET("", acc.Me)
	me.PATCH("", acc.EditMe)
	me.DELETE("", acc.DeleteMe)
	me.POST("/password", acc.ChangePassword)
}

// RegisterPublic registers unauthenticated catalog browsing.  Reads go
// through the response cache.
func RegisterPublic(e *echo.Echo, c *handler.CatalogHandler, o Options) {
	mws := []echo.MiddlewareFunc{o.limit()}
	if o.Cache != nil {
		mws = append(mws, o.Cache)
	}
	g := e.Group("/v1/films", mws...)
	g.GET("", c.ListFilms)
	g.GET("/:name", c.GetFilm)
	g.GET("/:name/showings/:key/availability", c.Availability)
}
