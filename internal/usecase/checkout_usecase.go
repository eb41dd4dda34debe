package usecase

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"farmmarket/internal/domain/model"
	"farmmarket/internal/payment"
	repo "farmmarket/internal/repository"
)

// CheckoutUsecaseはカートを注文に変換する確定処理。
// 在庫の二重販売防止と全or無の書き込みを約束する。
type CheckoutUsecase struct {
	tx       repo.TransactionManager
	gateway  payment.Gateway
	lockWait time.Duration
}

// DI
func NewCheckoutUsecase(tx repo.TransactionManager, gateway payment.Gateway, lockWait time.Duration) *CheckoutUsecase {
	return &CheckoutUsecase{tx: tx, gateway: gateway, lockWait: lockWait}
}

type CheckoutInput struct {
	PaymentMethod   string
	PaymentIntentID string
	DeliveryAddress string
	IdempotencyKey  string
}

type CheckoutItemOutput struct {
	ListingID       int64  `json:"listing_id"`
	Name            string `json:"name"`
	PriceAtPurchase int64  `json:"price_at_purchase"`
	Quantity        int64  `json:"quantity"`
}

type CheckoutOutput struct {
	OrderID    int64                `json:"order_id"`
	Status     string               `json:"status"`
	TotalCents int64                `json:"total_cents"`
	Items      []CheckoutItemOutput `json:"items"`
}

// CommitOrder はカートを注文にする。全て1トランザクション内：
//  1. カート明細と対象の出品行をFOR UPDATEでロック
//  2. 在庫チェック（1件でも不足なら全体失敗、書き込みなし）
//  3. 合計はロックした現在価格×数量で再計算（クライアントの合計は信用しない）
//  4. 注文＋明細を作成（価格スナップショット）
//  5. 在庫減算（0になったらOUT_OF_STOCK）
//  6. カートをクリア
func (u *CheckoutUsecase) CommitOrder(ctx context.Context, userID int64, in CheckoutInput) (CheckoutOutput, error) {
	if userID <= 0 {
		return CheckoutOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}

	method := model.PaymentMethod(strings.TrimSpace(in.PaymentMethod))
	if method != model.PaymentMethodCash && method != model.PaymentMethodStripe {
		return CheckoutOutput{}, NewHTTPError(http.StatusBadRequest, "invalid payment_method")
	}
	if strings.TrimSpace(in.DeliveryAddress) == "" {
		return CheckoutOutput{}, NewHTTPError(http.StatusBadRequest, "invalid delivery_address")
	}
	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" || len(key) > 255 {
		return CheckoutOutput{}, NewHTTPError(http.StatusBadRequest, "invalid idempotency_key")
	}

	// カード決済は確定前に入金を検証する
	var verified *payment.Verification
	if method == model.PaymentMethodStripe {
		if strings.TrimSpace(in.PaymentIntentID) == "" {
			return CheckoutOutput{}, NewHTTPError(http.StatusBadRequest, "invalid payment_intent_id")
		}
		v, err := u.gateway.VerifyPayment(ctx, in.PaymentIntentID)
		if err != nil {
			return CheckoutOutput{}, &PaymentError{Reason: err.Error()}
		}
		if !v.Settled {
			return CheckoutOutput{}, &PaymentError{Reason: "payment not settled"}
		}
		verified = &v
	}

	var out CheckoutOutput

	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		// 同じキーなら同じ結果
		existing, found, err := r.Orders().FindByIdempotencyKey(ctx, userID, key)
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}
		if found {
			items, err := r.OrderItems().ListByOrderID(ctx, existing.ID)
			if err != nil {
				return NewHTTPError(http.StatusInternalServerError, "db error")
			}
			out = toCheckoutOutput(existing, items)
			return nil
		}

		//同じPaymentIntentを別の注文に使い回させない
		if verified != nil {
			_, used, err := r.Orders().FindByPaymentIntentID(ctx, in.PaymentIntentID)
			if err != nil {
				return NewHTTPError(http.StatusInternalServerError, "db error")
			}
			if used {
				return &PaymentError{Reason: "payment intent already used"}
			}
		}

		//ACTIVEカート取得
		cart, err := r.Carts().FindActiveByUserID(ctx, userID)
		if err == repo.ErrNotFound {
			return ErrEmptyCart
		}
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		cartItems, err := r.CartItems().ListByCartID(ctx, cart.ID)
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}
		if len(cartItems) == 0 {
			return ErrEmptyCart
		}

		//出品行を先にまとめてロック（在庫チェックと減算を同一スナップショットで）
		ids := make([]int64, 0, len(cartItems))
		for _, ci := range cartItems {
			ids = append(ids, ci.ListingID)
		}

		listings, err := r.Listings().LockForUpdate(ctx, ids, u.lockWait)
		if err != nil {
			if errors.Is(err, repo.ErrLockTimeout) {
				return ErrLockTimeout
			}
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		byID := make(map[int64]model.Listing, len(listings))
		for _, l := range listings {
			byID[l.ID] = l
		}

		//在庫チェック＋合計再計算（ロック内の現在価格を使う）
		orderItems := make([]model.OrderItem, 0, len(cartItems))
		var total int64 = 0

		for _, ci := range cartItems {
			l, ok := byID[ci.ListingID]
			if !ok || l.Status == model.ListingStatusInactive {
				return NewHTTPError(http.StatusBadRequest, "invalid")
			}
			if ci.Quantity < 1 {
				return NewHTTPError(http.StatusBadRequest, "invalid quantity")
			}
			if l.Quantity < ci.Quantity {
				return &InsufficientStockError{
					ListingName: l.Name,
					Available:   l.Quantity,
					Requested:   ci.Quantity,
				}
			}

			//スナップショットは確定時点の価格
			orderItems = append(orderItems, model.OrderItem{
				ListingID:           ci.ListingID,
				ListingNameSnapshot: l.Name,
				PriceAtPurchase:     l.PriceCents,
				Quantity:            ci.Quantity,
				CreatedAt:           time.Now(),
			})

			total += l.PriceCents * ci.Quantity
		}

		//入金額とサーバー計算の合計が食い違ったら確定しない
		if verified != nil && verified.AmountCents != total {
			return &PaymentError{Reason: "settled amount mismatch"}
		}

		status := model.OrderStatusPending
		if verified != nil {
			status = model.OrderStatusPaid
		}

		now := time.Now()
		orderID, err := r.Orders().Create(ctx, model.Order{
			UserID:          userID,
			Status:          status,
			TotalCents:      total,
			PaymentMethod:   method,
			PaymentIntentID: in.PaymentIntentID,
			DeliveryAddress: in.DeliveryAddress,
			IdempotencyKey:  key,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
		if err != nil {
			//競合（同時で同じキーが入った等）はもう一回検索して同じ結果を返す
			ex2, found2, err2 := r.Orders().FindByIdempotencyKey(ctx, userID, key)
			if err2 == nil && found2 {
				items2, err3 := r.OrderItems().ListByOrderID(ctx, ex2.ID)
				if err3 != nil {
					return NewHTTPError(http.StatusInternalServerError, "db error")
				}
				out = toCheckoutOutput(ex2, items2)
				return nil
			}
			return NewHTTPError(http.StatusBadRequest, "idempotency conflict")
		}

		if err := r.OrderItems().CreateBulk(ctx, orderID, orderItems); err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		//在庫減算（チェック済みだが条件付きUPDATEで二重に守る）
		for _, it := range orderItems {
			ok, err := r.Listings().DecrementStock(ctx, it.ListingID, it.Quantity)
			if err != nil {
				return NewHTTPError(http.StatusInternalServerError, "db error")
			}
			if !ok {
				return &InsufficientStockError{ListingName: it.ListingNameSnapshot, Requested: it.Quantity}
			}
		}

		//カートをCHECKED_OUTにして明細をクリア（再注文防止）
		if err := r.Carts().UpdateStatus(ctx, cart.ID, model.CartStatusCheckedOut); err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}
		if err := r.Carts().Clear(ctx, cart.ID); err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		created := model.Order{
			ID:         orderID,
			UserID:     userID,
			Status:     status,
			TotalCents: total,
			CreatedAt:  now,
		}
		out = toCheckoutOutput(created, orderItems)
		return nil
	})

	if err != nil {
		return CheckoutOutput{}, err
	}
	return out, nil
}

// CreateIntent は現在のカート内容からStripeのPaymentIntentを作る。
// ここで返す金額は表示用。確定時にロック内で必ず再計算する。
func (u *CheckoutUsecase) CreateIntent(ctx context.Context, userID int64, currency string) (payment.Intent, int64, error) {
	if userID <= 0 {
		return payment.Intent{}, 0, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}

	var total int64
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		cart, err := r.Carts().FindActiveByUserID(ctx, userID)
		if err == repo.ErrNotFound {
			return ErrEmptyCart
		}
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		items, err := r.CartItems().ListByCartID(ctx, cart.ID)
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}
		if len(items) == 0 {
			return ErrEmptyCart
		}

		for _, ci := range items {
			l, err := r.Listings().FindByID(ctx, ci.ListingID)
			if err == repo.ErrNotFound {
				return NewHTTPError(http.StatusBadRequest, "invalid")
			}
			if err != nil {
				return NewHTTPError(http.StatusInternalServerError, "db error")
			}
			total += l.PriceCents * ci.Quantity
		}
		return nil
	})
	if err != nil {
		return payment.Intent{}, 0, err
	}

	intent, err := u.gateway.CreateIntent(ctx, total, currency, map[string]string{
		"user_id": strconv.FormatInt(userID, 10),
	})
	if err != nil {
		return payment.Intent{}, 0, &PaymentError{Reason: err.Error()}
	}

	return intent, total, nil
}

func toCheckoutOutput(o model.Order, items []model.OrderItem) CheckoutOutput {
	outItems := make([]CheckoutItemOutput, 0, len(items))
	for _, it := range items {
		outItems = append(outItems, CheckoutItemOutput{
			ListingID:       it.ListingID,
			Name:            it.ListingNameSnapshot,
			PriceAtPurchase: it.PriceAtPurchase,
			Quantity:        it.Quantity,
		})
	}

	return CheckoutOutput{
		OrderID:    o.ID,
		Status:     string(o.Status),
		TotalCents: o.TotalCents,
		Items:      outItems,
	}
}
