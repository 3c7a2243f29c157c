package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/iliyamo/cinema-ticketing/internal/model"
	"github.com/iliyamo/cinema-ticketing/internal/repository"
)

// Invalidator drops cached catalog responses.
type Invalidator interface {
	Invalidate(ctx context.Context)
}

type nopInvalidator struct{}

func (nopInvalidator) Invalidate(context.Context) {}

// CatalogHandler serves public film browsing and admin catalog edits.
type CatalogHandler struct {
	Catalog *repository.CatalogRepo
	Cache   Invalidator
}

func NewCatalogHandler(catalog *repository.CatalogRepo, cache Invalidator) *CatalogHandler {
	if cache == nil {
		cache = nopInvalidator{}
	}
	return &CatalogHandler{Catalog: catalog, Cache: cache}
}

type showingView struct {
	Key       string `json:"key"`
	Date      string `json:"date"`
	Time      string `json:"time"`
	Capacity  int    `json:"capacity"`
	Available int    `json:"available"`
	Price     string `json:"price"`
}

type filmView struct {
	Name      string        `json:"name"`
	Genre     string        `json:"genre"`
	AgeRating int           `json:"age_rating"`
	Showings  []showingView `json:"showings"`
}

func viewShowing(sh model.Showing) showingView {
	return showingView{
		Key: sh.Key(), Date: sh.Date, Time: sh.Time, Capacity: sh.Capacity,
		Available: sh.Available, Price: sh.Price.StringFixed(2),
	}
}

func viewFilm(f model.Film) filmView {
	out := filmView{Name: f.Name, Genre: f.Genre, AgeRating: f.AgeRating, Showings: []showingView{}}
	for _, k := range repository.ShowingKeys(f) {
		out.Showings = append(out.Showings, viewShowing(f.Showings[k]))
	}
	return out
}

// ListFilms handles GET /v1/films with optional title, genre, max_age,
// page and page_size filters.
func (h *CatalogHandler) ListFilms(c echo.Context) error {
	maxAge, _ := strconv.Atoi(c.QueryParam("max_age"))
	page, _ := strconv.Atoi(c.QueryParam("page"))
	if page < 1 {
		page = 1
	}
	ps, _ := strconv.Atoi(c.QueryParam("page_size"))
	if ps < 1 {
		ps = 20
	}
	if ps > 100 {
		ps = 100
	}
	items, total := h.Catalog.SearchFilms(c.Request().Context(), repository.FilmSearchQuery{
		Title:    strings.TrimSpace(c.QueryParam("title")),
		Genre:    strings.TrimSpace(c.QueryParam("genre")),
		MaxAge:   maxAge,
		Page:     page,
		PageSize: ps,
	})
	if items == nil {
		items = []repository.FilmSummary{}
	}
	return c.JSON(http.StatusOK, echo.Map{
		"data":      items,
		"total":     total,
		"page":      page,
		"page_size": ps,
	})
}

// GetFilm returns one film with its showings in key order.
func (h *CatalogHandler) GetFilm(c echo.Context) error {
	f, err := h.Catalog.GetFilm(c.Request().Context(), param(c, "name"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, viewFilm(f))
}

// Availability reports whether ?quantity= seats (default 1) are left.
func (h *CatalogHandler) Availability(c echo.Context) error {
	qty := 1
	if s := c.QueryParam("quantity"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return badRequest(c, "quantity must be an integer")
		}
		qty = n
	}
	ctx := c.Request().Context()
	film, key := param(c, "name"), param(c, "key")
	ok, err := h.Catalog.CheckAvailability(ctx, film, key, qty)
	if err != nil {
		return respondError(c, err)
	}
	sh, err := h.Catalog.GetShowing(ctx, film, key)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"film":      film,
		"showing":   key,
		"quantity":  qty,
		"available": ok,
		"seats":     sh.Available,
	})
}

type addFilmReq struct {
	Name      string `json:"name"`
	Genre     string `json:"genre"`
	AgeRating int    `json:"age_rating"`
}

// AddFilm creates a film.
func (h *CatalogHandler) AddFilm(c echo.Context) error {
	var req addFilmReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	ctx := c.Request().Context()
	f, err := h.Catalog.AddFilm(ctx, req.Name, req.Genre, req.AgeRating)
	if err != nil {
		return respondError(c, err)
	}
	h.Cache.Invalidate(ctx)
	return c.JSON(http.StatusCreated, viewFilm(f))
}

// RemoveFilm deletes a film and its showings.
func (h *CatalogHandler) RemoveFilm(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.Catalog.RemoveFilm(ctx, param(c, "name")); err != nil {
		return respondError(c, err)
	}
	h.Cache.Invalidate(ctx)
	return c.NoContent(http.StatusNoContent)
}

type addShowingReq struct {
	Date     string          `json:"date"`
	Time     string          `json:"time"`
	Capacity int             `json:"capacity"`
	Price    decimal.Decimal `json:"price"`
}

// AddShowing schedules a showing of a film.
func (h *CatalogHandler) AddShowing(c echo.Context) error {
	var req addShowingReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	ctx := c.Request().Context()
	sh, err := h.Catalog.AddShowing(ctx, param(c, "name"), req.Date, req.Time, req.Capacity, req.Price)
	if err != nil {
		return respondError(c, err)
	}
	h.Cache.Invalidate(ctx)
	return c.JSON(http.StatusCreated, viewShowing(sh))
}
