// Package app assembles repositories, services and the HTTP API from a set
// of opened record stores.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/cinema-ticketing/internal/config"
	"github.com/iliyamo/cinema-ticketing/internal/database"
	"github.com/iliyamo/cinema-ticketing/internal/handler"
	"github.com/iliyamo/cinema-ticketing/internal/middleware"
	"github.com/iliyamo/cinema-ticketing/internal/model"
	"github.com/iliyamo/cinema-ticketing/internal/repository"
	"github.com/iliyamo/cinema-ticketing/internal/router"
	"github.com/iliyamo/cinema-ticketing/internal/service"
)

// Deps are the external resources the application runs on.  Redis and
// Events may be nil.
type Deps struct {
	Config config.Config
	Stores *database.Stores
	Redis  *redis.Client
	Events service.EventPublisher
	Log    *slog.Logger
}

// App is a wired application.
type App struct {
	Echo         *echo.Echo
	Accounts     *repository.AccountRepo
	Catalog      *repository.CatalogRepo
	Bank         *repository.BankRepo
	Reservations *service.Reservations
	Funds        *service.Funds
}

// New wires the application and seeds the configured administrator.
func New(ctx context.Context, d Deps) (*App, error) {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	cfg := d.Config
	opts := repository.AccountOptions{BcryptCost: cfg.BcryptCost, MinPasswordLen: cfg.MinPasswordLen}

	accounts := repository.NewAccountRepo(d.Stores.Customers, d.Stores.Admins, opts)
	catalog := repository.NewCatalogRepo(d.Stores.Films)
	bank := repository.NewBankRepo(d.Stores.Bank, opts)
	receipts := repository.NewReceiptRepo(d.Stores.Receipts)
	tokens := repository.NewTokenRepo(d.Stores.Tokens)
	wallet := repository.WalletLedger{Accounts: accounts}

	locks := &service.Locks{}
	reservations := service.NewReservations(service.ReservationsConfig{
		Catalog:  catalog,
		Accounts: accounts,
		Receipts: receipts,
		Ledgers: map[model.PaymentMethod]service.Ledger{
			model.PayByBank:   bank,
			model.PayByWallet: wallet,
		},
		Locks:  locks,
		Events: d.Events,
		Log:    d.Log.With("component", "reservations"),
	})
	funds := service.NewFunds(accounts, bank, wallet, locks, d.Events, d.Log.With("component", "funds"))

	if err := seedAdmin(ctx, cfg, accounts, d.Log); err != nil {
		return nil, err
	}

	cache := middleware.NewResponseCache(cfg.Cache, d.Redis, d.Log)
	auth := handler.NewAuthHandler(cfg, accounts, tokens)
	h := router.Handlers{
		Auth:      auth,
		Account:   handler.NewAccountHandler(auth, bank, funds, reservations),
		Catalog:   handler.NewCatalogHandler(catalog, cache),
		Purchases: handler.NewPurchaseHandler(reservations, cache),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(d.Log))
	e.Use(echomw.BodyLimit("1M"))
	e.Use(echomw.ContextTimeout(cfg.RequestTimeout))
	router.RegisterRoutes(e, h, router.Options{
		JWTSecret: cfg.JWTSecret,
		RateLimit: middleware.NewTokenBucket(cfg.RateLimit, d.Redis, d.Log),
		Cache:     cache.Middleware(),
	})

	return &App{
		Echo:         e,
		Accounts:     accounts,
		Catalog:      catalog,
		Bank:         bank,
		Reservations: reservations,
		Funds:        funds,
	}, nil
}

func seedAdmin(ctx context.Context, cfg config.Config, accounts *repository.AccountRepo, log *slog.Logger) error {
	if cfg.AdminUsername == "" || cfg.AdminPassword == "" {
		return nil
	}
	_, err := accounts.Signup(ctx, model.RoleAdmin, model.Profile{Username: cfg.AdminUsername}, cfg.AdminPassword)
	switch {
	case err == nil:
		log.Info("seeded administrator", "username", cfg.AdminUsername)
		return nil
	case errors.Is(err, repository.ErrDuplicateKey):
		return nil
	default:
		return fmt.Errorf("seeding administrator: %w", err)
	}
}
