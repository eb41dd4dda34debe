package server

import (
	"farmmarket/internal/config"
	"farmmarket/internal/handler"
	repo "farmmarket/internal/repository"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
)

// Handlers はルート登録に必要なハンドラ一式。
type Handlers struct {
	Auth     *handler.AuthHandler
	Listing  *handler.ListingHandler
	Cart     *handler.CartHandler
	Checkout *handler.CheckoutHandler
	Order    *handler.OrderHandler
	Message  *handler.MessageHandler
}

// New はEchoを組み立てる（起動はしない。テストでも使う）。
func New(cfg config.Config, h Handlers, userRepo repo.UserRepository, rdb *redis.Client) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(echomw.Logger())
	e.Use(echomw.Recover())

	if cfg.FEURL != "" {
		e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
			AllowOrigins:     []string{cfg.FEURL},
			AllowCredentials: true,
		}))
	}

	h.Auth.RegisterRoutes(e, cfg, rdb)
	h.Listing.RegisterRoutes(e, cfg, userRepo)
	h.Cart.RegisterRoutes(e, cfg, userRepo)
	h.Checkout.RegisterRoutes(e, cfg, userRepo)
	h.Order.RegisterRoutes(e, cfg, userRepo)
	h.Message.RegisterRoutes(e, cfg, userRepo)

	return e
}

// Start はサーバを起動する。
func Start(cfg config.Config, h Handlers, userRepo repo.UserRepository, rdb *redis.Client) error {
	e := New(cfg, h, userRepo, rdb)

	addr := cfg.Port
	if addr != "" && addr[0] != ':' {
		addr = ":" + addr
	}

	return e.Start(addr)
}
