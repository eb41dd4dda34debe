package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"farmmarket/internal/config"
	"farmmarket/internal/middleware"
	repo "farmmarket/internal/repository"
	"farmmarket/internal/usecase"

	"github.com/labstack/echo/v4"
	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"
)

// /checkout のHTTP
type CheckoutHandler struct {
	uc            *usecase.CheckoutUsecase
	orderUC       *usecase.OrderUsecase
	webhookSecret string
}

// DI
func NewCheckoutHandler(uc *usecase.CheckoutUsecase, orderUC *usecase.OrderUsecase, webhookSecret string) *CheckoutHandler {
	return &CheckoutHandler{uc: uc, orderUC: orderUC, webhookSecret: webhookSecret}
}

type CheckoutRequest struct {
	PaymentMethod   string `json:"payment_method"`
	PaymentIntentID string `json:"payment_intent_id"`
	DeliveryAddress string `json:"delivery_address"`
	IdempotencyKey  string `json:"idempotency_key"`
}

// 注文確定のレスポンス。失敗時もこの形（successで判定）。
type CheckoutResponse struct {
	Success bool                    `json:"success"`
	OrderID int64                   `json:"order_id,omitempty"`
	Total   int64                   `json:"total,omitempty"`
	Message string                  `json:"message"`
	Order   *usecase.CheckoutOutput `json:"order,omitempty"`
}

type CreateIntentRequest struct {
	Currency string `json:"currency"`
}

type CreateIntentResponse struct {
	PaymentIntentID string `json:"payment_intent_id"`
	ClientSecret    string `json:"client_secret"`
	AmountCents     int64  `json:"amount_cents"`
}

// /checkout, /webhooks/stripe を登録
func (h *CheckoutHandler) RegisterRoutes(e *echo.Echo, cfg config.Config, userRepo repo.UserRepository) {
	g := e.Group("/checkout")
	g.Use(middleware.AuthJWT(cfg))
	g.Use(middleware.TokenVersionGuard(userRepo))

	g.POST("", h.commit)
	g.POST("/intent", h.createIntent)

	// Stripeからの呼び出しなので認証なし（署名で検証）
	e.POST("/webhooks/stripe", h.stripeWebhook)
}

func (h *CheckoutHandler) commit(c echo.Context) error {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
	}

	var req CheckoutRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, CheckoutResponse{
			Success: false,
			Message: "invalid request body",
		})
	}

	// 冪等キーはヘッダ優先（ボディは互換のため残す）
	key := c.Request().Header.Get("X-Idempotency-Key")
	if key == "" {
		key = req.IdempotencyKey
	}

	out, err := h.uc.CommitOrder(c.Request().Context(), userID, usecase.CheckoutInput{
		PaymentMethod:   req.PaymentMethod,
		PaymentIntentID: req.PaymentIntentID,
		DeliveryAddress: req.DeliveryAddress,
		IdempotencyKey:  key,
	})
	if err != nil {
		return writeCheckoutError(c, err)
	}

	return c.JSON(http.StatusOK, CheckoutResponse{
		Success: true,
		OrderID: out.OrderID,
		Total:   out.TotalCents,
		Message: "order placed",
		Order:   &out,
	})
}

// 注文確定のエラーをレスポンスに変換する。
// 業務エラーは400、認証は401、ロック待ち超過は409、保存失敗は500。
func writeCheckoutError(c echo.Context, err error) error {
	var insufficientErr *usecase.InsufficientStockError
	var paymentErr *usecase.PaymentError

	switch {
	case errors.Is(err, usecase.ErrEmptyCart):
		return c.JSON(http.StatusBadRequest, CheckoutResponse{
			Success: false,
			Message: "cart is empty",
		})
	case errors.As(err, &insufficientErr):
		return c.JSON(http.StatusBadRequest, CheckoutResponse{
			Success: false,
			Message: "insufficient stock: " + insufficientErr.ListingName,
		})
	case errors.As(err, &paymentErr):
		return c.JSON(http.StatusBadRequest, CheckoutResponse{
			Success: false,
			Message: "payment failed: " + paymentErr.Reason,
		})
	case errors.Is(err, usecase.ErrLockTimeout):
		return c.JSON(http.StatusConflict, CheckoutResponse{
			Success: false,
			Message: "checkout busy, retry shortly",
		})
	}

	if he, ok := usecase.AsHTTPError(err); ok {
		if he.Status == http.StatusUnauthorized {
			return c.JSON(he.Status, ErrorResponse{Error: he.Message})
		}
		return c.JSON(he.Status, CheckoutResponse{
			Success: false,
			Message: he.Message,
		})
	}

	return c.JSON(http.StatusInternalServerError, CheckoutResponse{
		Success: false,
		Message: "order could not be saved",
	})
}

func (h *CheckoutHandler) createIntent(c echo.Context) error {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
	}

	var req CreateIntentRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}

	intent, amount, err := h.uc.CreateIntent(c.Request().Context(), userID, req.Currency)
	if err != nil {
		return writeCheckoutError(c, err)
	}

	return c.JSON(http.StatusOK, CreateIntentResponse{
		PaymentIntentID: intent.ReferenceID,
		ClientSecret:    intent.ClientSecret,
		AmountCents:     amount,
	})
}

// Stripe Webhook。署名検証してpayment_intent.succeededだけ処理する。
func (h *CheckoutHandler) stripeWebhook(c echo.Context) error {
	if h.webhookSecret == "" {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "not found"})
	}

	payload, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid payload"})
	}

	event, err := webhook.ConstructEvent(payload, c.Request().Header.Get("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid signature"})
	}

	if event.Type == "payment_intent.succeeded" {
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid event"})
		}
		if err := h.orderUC.MarkPaidByIntentID(c.Request().Context(), pi.ID); err != nil {
			return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		}
	}

	return c.JSON(http.StatusOK, SuccessResponse{Message: "ok"})
}
