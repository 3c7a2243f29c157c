package database

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/cinema-ticketing/internal/config"
	"github.com/iliyamo/cinema-ticketing/internal/model"
	"github.com/iliyamo/cinema-ticketing/internal/recordstore"
	"github.com/iliyamo/cinema-ticketing/internal/repository"
)

// Store names.  With the file backend each is a JSON document
// <name>.json in the data directory.
const (
	CustomersStore = "accounts"
	AdminsStore    = "admins"
	FilmsStore     = "films"
	BankStore      = "bank_accounts"
	ReceiptsStore  = "receipts"
	TokensStore    = "refresh_tokens"
)

// Stores holds every record store of the application.
type Stores struct {
	Customers *repository.AccountStore
	Admins    *repository.AccountStore
	Films     *repository.FilmStore
	Bank      *repository.BankStore
	Receipts  *repository.ReceiptStore
	Tokens    *repository.TokenStore
}

// BackendFactory returns the backend for a named store.
type BackendFactory func(name string) recordstore.Backend

// FileBackends stores each record store as <dir>/<name>.json.
func FileBackends(dir string) BackendFactory {
	return func(name string) recordstore.Backend {
		return recordstore.NewFileBackend(filepath.Join(dir, name+".json"))
	}
}

// SQLBackends stores each record store as a bucket of the records table.
func SQLBackends(db *sql.DB) BackendFactory {
	return func(name string) recordstore.Backend { return recordstore.NewSQLBackend(db, name) }
}

// RedisBackends stores each record store as one hash.
func RedisBackends(rdb *redis.Client, prefix string) BackendFactory {
	return func(name string) recordstore.Backend { return recordstore.NewRedisBackend(rdb, prefix, name) }
}

// MemoryBackends keeps everything in process.
func MemoryBackends() BackendFactory {
	return func(string) recordstore.Backend { return recordstore.NewMemoryBackend() }
}

// OpenStores loads every store through factory.
func OpenStores(ctx context.Context, factory BackendFactory) (*Stores, error) {
	var (
		s   Stores
		err error
	)
	if s.Customers, err = recordstore.Open[string, model.Account](ctx, CustomersStore, factory(CustomersStore)); err != nil {
		return nil, err
	}
	if s.Admins, err = recordstore.Open[string, model.Account](ctx, AdminsStore, factory(AdminsStore)); err != nil {
		return nil, err
	}
	if s.Films, err = recordstore.Open[string, model.Film](ctx, FilmsStore, factory(FilmsStore)); err != nil {
		return nil, err
	}
	if s.Bank, err = recordstore.Open[string, model.BankAccount](ctx, BankStore, factory(BankStore)); err != nil {
		return nil, err
	}
	if s.Receipts, err = recordstore.Open[string, model.Receipt](ctx, ReceiptsStore, factory(ReceiptsStore)); err != nil {
		return nil, err
	}
	if s.Tokens, err = recordstore.Open[string, model.RefreshToken](ctx, TokensStore, factory(TokensStore)); err != nil {
		return nil, err
	}
	return &s, nil
}

// Backends picks the backend factory for cfg.StoreBackend, opening the
// MySQL pool when needed.  The returned close function releases it.
func Backends(ctx context.Context, cfg config.Config, rdb *redis.Client) (BackendFactory, func() error, error) {
	noop := func() error { return nil }
	switch cfg.StoreBackend {
	case config.BackendFile:
		return FileBackends(cfg.DataDir), noop, nil
	case config.BackendMySQL:
		db, err := Open(ctx, cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
		if err != nil {
			return nil, nil, fmt.Errorf("opening mysql: %w", err)
		}
		if err := recordstore.EnsureSchema(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return SQLBackends(db), db.Close, nil
	case config.BackendRedis:
		if rdb == nil {
			return nil, nil, fmt.Errorf("redis store backend selected but redis is unreachable at %s", cfg.Redis.Addr)
		}
		return RedisBackends(rdb, cfg.RedisPrefix), noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
