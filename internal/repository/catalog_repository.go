package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/cinema-ticketing/internal/model"
	"github.com/iliyamo/cinema-ticketing/internal/recordstore"
)

// FilmStore is the record store holding the catalog.
type FilmStore = recordstore.Store[string, model.Film]

// CatalogRepo manages films, their showings and seat inventory.  A
// showing lives inside its film record, so every seat change is a
// read-modify-write of that film under the film's key lock.
type CatalogRepo struct {
	films *FilmStore
}

func NewCatalogRepo(films *FilmStore) *CatalogRepo { return &CatalogRepo{films: films} }

// AddFilm creates a film with no showings.
func (r *CatalogRepo) AddFilm(ctx context.Context, name, genre string, ageRating int) (model.Film, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Film{}, fmt.Errorf("film name is required: %w", ErrInvalidRequest)
	}
	if ageRating < 0 {
		return model.Film{}, fmt.Errorf("age rating must not be negative: %w", ErrInvalidRequest)
	}
	f := model.Film{Name: name, Genre: genre, AgeRating: ageRating, Showings: map[string]model.Showing{}}
	if err := r.films.Insert(ctx, name, f); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return model.Film{}, ErrDuplicateFilm
		}
		return model.Film{}, err
	}
	return f, nil
}

// RemoveFilm deletes a film together with its showings.
func (r *CatalogRepo) RemoveFilm(ctx context.Context, name string) error {
	return r.films.Remove(ctx, name)
}

// AddShowing schedules a showing with every seat available.
func (r *CatalogRepo) AddShowing(ctx context.Context, film, date, clock string, capacity int, price decimal.Decimal) (model.Showing, error) {
	if strings.TrimSpace(date) == "" || strings.TrimSpace(clock) == "" {
		return model.Showing{}, fmt.Errorf("date and time are required: %w", ErrInvalidRequest)
	}
	if capacity <= 0 {
		return model.Showing{}, fmt.Errorf("capacity must be positive: %w", ErrInvalidRequest)
	}
	if price.IsNegative() {
		return model.Showing{}, fmt.Errorf("price must not be negative: %w", ErrInvalidRequest)
	}
	sh := model.Showing{
		Date:      strings.TrimSpace(date),
		Time:      strings.TrimSpace(clock),
		Capacity:  capacity,
		Available: capacity,
		Price:     price,
	}
	_, err := r.films.Update(ctx, film, func(f model.Film) (model.Film, error) {
		if _, ok := f.Showings[sh.Key()]; ok {
			return f, ErrDuplicateShowing
		}
		f.Showings[sh.Key()] = sh
		return f, nil
	})
	if err != nil {
		return model.Showing{}, err
	}
	return sh, nil
}

// GetFilm returns one film.
func (r *CatalogRepo) GetFilm(ctx context.Context, name string) (model.Film, error) {
	return r.films.Get(ctx, name)
}

// ListFilms returns every film ordered by name.
func (r *CatalogRepo) ListFilms(ctx context.Context) []model.Film {
	entries := r.films.All(ctx)
	out := make([]model.Film, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Value)
	}
	return out
}

// GetShowing returns one showing of a film.
func (r *CatalogRepo) GetShowing(ctx context.Context, film, key string) (model.Showing, error) {
	f, err := r.films.Get(ctx, film)
	if err != nil {
		return model.Showing{}, err
	}
	return showingOf(f, key)
}

func showingOf(f model.Film, key string) (model.Showing, error) {
	sh, ok := f.Showings[key]
	if !ok {
		return model.Showing{}, fmt.Errorf("showing %q of %s: %w", key, f.Name, ErrNotFound)
	}
	return sh, nil
}

// ShowingKeys returns the keys of a film's showings in order.
func ShowingKeys(f model.Film) []string {
	keys := make([]string, 0, len(f.Showings))
	for k := range f.Showings {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// CheckAvailability reports whether quantity seats are left.  It never
// changes state.
func (r *CatalogRepo) CheckAvailability(ctx context.Context, film, key string, quantity int) (bool, error) {
	if quantity <= 0 {
		return false, fmt.Errorf("quantity must be positive: %w", ErrInvalidRequest)
	}
	sh, err := r.GetShowing(ctx, film, key)
	if err != nil {
		return false, err
	}
	return sh.Available >= quantity, nil
}

// ReserveSeats takes quantity seats out of a showing.  The check and the
// decrement happen under the film's lock, so concurrent callers can never
// oversell.
func (r *CatalogRepo) ReserveSeats(ctx context.Context, film, key string, quantity int) (model.Showing, error) {
	if quantity <= 0 {
		return model.Showing{}, fmt.Errorf("quantity must be positive: %w", ErrInvalidRequest)
	}
	var out model.Showing
	_, err := r.films.Update(ctx, film, func(f model.Film) (model.Film, error) {
		sh, err := showingOf(f, key)
		if err != nil {
			return f, err
		}
		if quantity > sh.Available {
			return f, &InsufficientCapacityError{Film: film, Showing: key, Requested: quantity, Available: sh.Available}
		}
		sh.Available -= quantity
		f.Showings[key] = sh
		out = sh
		return f, nil
	})
	if err != nil {
		return model.Showing{}, err
	}
	return out, nil
}

// ReleaseSeats puts quantity seats back.  The count never exceeds the
// showing's capacity.
func (r *CatalogRepo) ReleaseSeats(ctx context.Context, film, key string, quantity int) (model.Showing, error) {
	if quantity <= 0 {
		return model.Showing{}, fmt.Errorf("quantity must be positive: %w", ErrInvalidRequest)
	}
	var out model.Showing
	_, err := r.films.Update(ctx, film, func(f model.Film) (model.Film, error) {
		sh, err := showingOf(f, key)
		if err != nil {
			return f, err
		}
		sh.Available = min(sh.Available+quantity, sh.Capacity)
		f.Showings[key] = sh
		out = sh
		return f, nil
	})
	if err != nil {
		return model.Showing{}, err
	}
	return out, nil
}
