package model

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ShowingKey renders the composite key of a showing.  The format is
// "<date> _ <time>" and is what clients pass back to address a showing.
func ShowingKey(date, clock string) string {
	return fmt.Sprintf("%s _ %s", strings.TrimSpace(date), strings.TrimSpace(clock))
}

// Showing is one scheduled screening of a film.  Available counts the
// unsold seats and stays within [0, Capacity].
type Showing struct {
	Date      string          `json:"date"`
	Time      string          `json:"time"`
	Capacity  int             `json:"capacity"`
	Available int             `json:"available"`
	Price     decimal.Decimal `json:"price"`
}

// Key returns the showing's key within its film.
func (s Showing) Key() string { return ShowingKey(s.Date, s.Time) }

// Film is a catalog entry keyed by Name.  Its showings are stored inside
// the film record.
type Film struct {
	Name      string             `json:"name"`
	Genre     string             `json:"genre"`
	AgeRating int                `json:"age_rating"`
	Showings  map[string]Showing `json:"showings"`
}

func (f Film) Clone() Film {
	out := f
	out.Showings = make(map[string]Showing, len(f.Showings))
	for k, v := range f.Showings {
		out.Showings[k] = v
	}
	return out
}
