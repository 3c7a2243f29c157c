package repository

import (
	"context"
	"time"

	"github.com/iliyamo/cinema-ticketing/internal/model"
	"github.com/iliyamo/cinema-ticketing/internal/recordstore"
)

// TokenStore holds refresh tokens keyed by token hash.
type TokenStore = recordstore.Store[string, model.RefreshToken]

// TokenRepo persists and validates refresh tokens.
type TokenRepo struct{ tokens *TokenStore }

func NewTokenRepo(tokens *TokenStore) *TokenRepo { return &TokenRepo{tokens: tokens} }

// StoreRefresh records a refresh token hash for username.
func (r *TokenRepo) StoreRefresh(ctx context.Context, username string, role model.Role, tokenHash string, exp time.Time) error {
	return r.tokens.Insert(ctx, tokenHash, model.RefreshToken{
		Username:  username,
		Role:      role,
		ExpiresAt: exp,
		CreatedAt: time.Now().UTC(),
	})
}

// ValidateRefresh returns the token if it exists and is neither revoked
// nor expired.
func (r *TokenRepo) ValidateRefresh(ctx context.Context, tokenHash string) (model.RefreshToken, error) {
	t, err := r.tokens.Get(ctx, tokenHash)
	if err != nil {
		return model.RefreshToken{}, ErrAuthFailed
	}
	if !t.Active(time.Now().UTC()) {
		return model.RefreshToken{}, ErrAuthFailed
	}
	return t, nil
}

// RevokeByHash marks one token as revoked.
func (r *TokenRepo) RevokeByHash(ctx context.Context, tokenHash string) error {
	_, err := r.tokens.Update(ctx, tokenHash, func(t model.RefreshToken) (model.RefreshToken, error) {
		if t.RevokedAt == nil {
			now := time.Now().UTC()
			t.RevokedAt = &now
		}
		return t, nil
	})
	return err
}

// RevokeAllForUser revokes every active token of username and drops the
// expired ones.
func (r *TokenRepo) RevokeAllForUser(ctx context.Context, role model.Role, username string) error {
	now := time.Now().UTC()
	for _, e := range r.tokens.All(ctx) {
		t := e.Value
		if t.Username != username || t.Role != role {
			continue
		}
		if now.After(t.ExpiresAt) {
			if err := r.tokens.Remove(ctx, e.Key); err != nil && !isNotFound(err) {
				return err
			}
			continue
		}
		if t.RevokedAt == nil {
			if err := r.RevokeByHash(ctx, e.Key); err != nil && !isNotFound(err) {
				return err
			}
		}
	}
	return nil
}
