package main

import (
	"log"
	"time"

	"farmmarket/internal/cache"
	"farmmarket/internal/config"
	"farmmarket/internal/domain/model"
	"farmmarket/internal/handler"
	"farmmarket/internal/infra/db"
	infraRepo "farmmarket/internal/infra/repository"
	"farmmarket/internal/payment"
	"farmmarket/internal/server"
	"farmmarket/internal/usecase"
	auth "farmmarket/internal/usecase/auth_usecase"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/stripe/stripe-go/v83"
)

type uuidGenerator struct{}

func (g *uuidGenerator) NewID() string {
	return uuid.NewString()
}

type realClock struct{}

func (c *realClock) Now() time.Time {
	return time.Now()
}

type jwtIssuer struct {
	secret    []byte
	accessTTL time.Duration
}

func (i *jwtIssuer) Issue(userID int64, role model.Role, tokenVersion int, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(i.accessTTL)

	claims := jwt.MapClaims{
		"sub":  userID,
		"role": string(role),
		"tv":   tokenVersion,
		"iat":  now.Unix(),
		"exp":  expiresAt.Unix(),
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

func main() {
	// .envは任意（本番は実環境変数）
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	// DB接続
	gormDB, err := db.Connect()
	if err != nil {
		log.Fatal(err)
	}
	if err := gormDB.AutoMigrate(
		&model.User{},
		&model.RefreshToken{},
		&model.Listing{},
		&model.Cart{},
		&model.CartItem{},
		&model.Order{},
		&model.OrderItem{},
		&model.Message{},
	); err != nil {
		log.Fatal(err)
	}

	// Stripe（キーが無ければカード決済は無効のまま動く）
	if cfg.StripeSecretKey != "" {
		stripe.Key = cfg.StripeSecretKey
	}

	// Redis（レート制限用、任意）
	rdb, err := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		log.Fatal(err)
	}

	// Repository（GORM実装）生成
	userRepo := infraRepo.NewUserGormRepository(gormDB)
	rtRepo := infraRepo.NewRefreshTokenRepository(gormDB)
	listingRepo := infraRepo.NewListingGormRepository(gormDB)
	cartRepo := infraRepo.NewCartGormRepository(gormDB)
	orderRepo := infraRepo.NewOrderGormRepository(gormDB)
	orderItemRepo := infraRepo.NewOrderItemGormRepository(gormDB)
	messageRepo := infraRepo.NewMessageGormRepository(gormDB)
	txManager := infraRepo.NewTxManagerGorm(gormDB)

	// usecaseに渡す部品
	idGen := &uuidGenerator{}
	clock := &realClock{}

	// bcrypt（会員登録：Hash / ログイン：Verify）
	hasher := auth.NewBcryptPasswordHasher(12)
	verifier := auth.NewBcryptPasswordVerifier()

	// JWT issuer
	issuer := &jwtIssuer{
		secret:    []byte(cfg.JWTSecret),
		accessTTL: 15 * time.Minute,
	}

	// refresh TTL
	refreshTTL := 14 * 24 * time.Hour

	// 決済ゲートウェイ
	gateway := payment.NewStripeGateway()

	// Usecase生成
	registerUC := auth.NewRegisterUsecase(userRepo, hasher, clock)
	loginUC := auth.NewLoginUsecase(userRepo, rtRepo, verifier, issuer, idGen, clock, refreshTTL)
	refreshUC := auth.NewRefreshUsecase(userRepo, rtRepo, issuer, idGen, clock)

	listingUC := usecase.NewListingUsecase(listingRepo)
	cartUC := usecase.NewCartUsecase(cartRepo, cartRepo, listingRepo)
	checkoutUC := usecase.NewCheckoutUsecase(txManager, gateway,
		time.Duration(cfg.LockTimeoutMS)*time.Millisecond)
	orderUC := usecase.NewOrderUsecase(orderRepo, orderItemRepo)
	messageUC := usecase.NewMessageUsecase(messageRepo, userRepo)

	// Handler生成
	handlers := server.Handlers{
		Auth:     handler.NewAuthHandler(registerUC, loginUC, refreshUC, refreshTTL),
		Listing:  handler.NewListingHandler(listingUC),
		Cart:     handler.NewCartHandler(cartUC),
		Checkout: handler.NewCheckoutHandler(checkoutUC, orderUC, cfg.StripeWebhookSecret),
		Order:    handler.NewOrderHandler(orderUC),
		Message:  handler.NewMessageHandler(messageUC),
	}

	// Server起動
	if err := server.Start(cfg, handlers, userRepo, rdb); err != nil {
		log.Fatal(err)
	}
}
