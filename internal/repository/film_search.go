package repository

import (
	"context"
	"strings"
)

// FilmSearchQuery defines filters and pagination for listing films.
type FilmSearchQuery struct {
	Title    string
	Genre    string
	MaxAge   int // 0 means no limit
	Page     int
	PageSize int
}

// SearchFilms filters the catalog by case-insensitive title and genre
// substrings and by age rating, then returns the requested page and the
// total number of matches.
func (r *CatalogRepo) SearchFilms(ctx context.Context, q FilmSearchQuery) ([]FilmSummary, int) {
	title := strings.ToLower(q.Title)
	genre := strings.ToLower(q.Genre)

	var matched []FilmSummary
	for _, f := range r.ListFilms(ctx) {
		if title != "" && !strings.Contains(strings.ToLower(f.Name), title) {
			continue
		}
		if genre != "" && !strings.Contains(strings.ToLower(f.Genre), genre) {
			continue
		}
		if q.MaxAge > 0 && f.AgeRating > q.MaxAge {
			continue
		}
		s := FilmSummary{Name: f.Name, Genre: f.Genre, AgeRating: f.AgeRating, Showings: len(f.Showings)}
		for _, sh := range f.Showings {
			s.SeatsLeft += sh.Available
		}
		matched = append(matched, s)
	}

	total := len(matched)
	if q.PageSize <= 0 {
		return matched, total
	}
	page := max(q.Page, 1)
	start := (page - 1) * q.PageSize
	if start >= total {
		return []FilmSummary{}, total
	}
	end := min(start+q.PageSize, total)
	return matched[start:end], total
}

// FilmSummary is the list view of a film.
type FilmSummary struct {
	Name      string `json:"name"`
	Genre     string `json:"genre"`
	AgeRating int    `json:"age_rating"`
	Showings  int    `json:"showings"`
	SeatsLeft int    `json:"seats_left"`
}
