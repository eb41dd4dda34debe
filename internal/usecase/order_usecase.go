package usecase

import (
	"context"
	"net/http"
	"time"

	"farmmarket/internal/domain/model"
	repo "farmmarket/internal/repository"
)

type OrderUsecase struct {
	orderRepo     repo.OrderRepository
	orderItemRepo repo.OrderItemRepository
}

// DI
func NewOrderUsecase(orderRepo repo.OrderRepository, orderItemRepo repo.OrderItemRepository) *OrderUsecase {
	return &OrderUsecase{orderRepo: orderRepo, orderItemRepo: orderItemRepo}
}

type OrderItemResponse struct {
	ListingID       int64  `json:"listing_id"`
	Name            string `json:"name"`
	PriceAtPurchase int64  `json:"price_at_purchase"`
	Quantity        int64  `json:"quantity"`
}

type OrderSummaryResponse struct {
	ID            int64  `json:"id"`
	Status        string `json:"status"`
	TotalCents    int64  `json:"total_cents"`
	PaymentMethod string `json:"payment_method"`
	CreatedAt     string `json:"created_at"`
}

type OrderDetailResponse struct {
	OrderSummaryResponse
	DeliveryAddress string              `json:"delivery_address"`
	Items           []OrderItemResponse `json:"items"`
}

type OrderListResponse struct {
	Orders []OrderSummaryResponse `json:"orders"`
	Total  int64                  `json:"total"`
	Page   int                    `json:"page"`
	Limit  int                    `json:"limit"`
}

// 自分の注文履歴（新しい順）。
func (u *OrderUsecase) ListMyOrders(ctx context.Context, userID int64, page, limit int) (OrderListResponse, error) {
	if userID <= 0 {
		return OrderListResponse{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	orders, total, err := u.orderRepo.ListByUserID(ctx, userID, page, limit)
	if err != nil {
		return OrderListResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	resp := OrderListResponse{
		Orders: make([]OrderSummaryResponse, 0, len(orders)),
		Total:  total,
		Page:   page,
		Limit:  limit,
	}
	for _, o := range orders {
		resp.Orders = append(resp.Orders, toOrderSummary(o))
	}
	return resp, nil
}

// 注文詳細（明細込み）。他人の注文は404。
func (u *OrderUsecase) GetMyOrderDetail(ctx context.Context, userID int64, orderID int64) (OrderDetailResponse, error) {
	if userID <= 0 {
		return OrderDetailResponse{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if orderID <= 0 {
		return OrderDetailResponse{}, NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	o, err := u.orderRepo.FindByID(ctx, orderID)
	if err == repo.ErrNotFound {
		return OrderDetailResponse{}, NewHTTPError(http.StatusNotFound, "not found")
	}
	if err != nil {
		return OrderDetailResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}
	if o.UserID != userID {
		return OrderDetailResponse{}, NewHTTPError(http.StatusNotFound, "not found")
	}

	items, err := u.orderItemRepo.ListByOrderID(ctx, orderID)
	if err != nil {
		return OrderDetailResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	resp := OrderDetailResponse{
		OrderSummaryResponse: toOrderSummary(o),
		DeliveryAddress:      o.DeliveryAddress,
		Items:                make([]OrderItemResponse, 0, len(items)),
	}
	for _, it := range items {
		resp.Items = append(resp.Items, OrderItemResponse{
			ListingID:       it.ListingID,
			Name:            it.ListingNameSnapshot,
			PriceAtPurchase: it.PriceAtPurchase,
			Quantity:        it.Quantity,
		})
	}
	return resp, nil
}

// Webhook（payment_intent.succeeded）から呼ばれる。
// PENDINGの注文だけPAIDにする。対象が無くてもエラーにしない。
func (u *OrderUsecase) MarkPaidByIntentID(ctx context.Context, intentID string) error {
	if intentID == "" {
		return nil
	}

	o, found, err := u.orderRepo.FindByPaymentIntentID(ctx, intentID)
	if err != nil {
		return err
	}
	if !found {
		// 注文確定前にWebhookが届くことがある。無害なので無視。
		return nil
	}
	if o.Status != model.OrderStatusPending {
		return nil
	}

	return u.orderRepo.UpdateStatus(ctx, o.ID, model.OrderStatusPaid)
}

func toOrderSummary(o model.Order) OrderSummaryResponse {
	return OrderSummaryResponse{
		ID:            o.ID,
		Status:        string(o.Status),
		TotalCents:    o.TotalCents,
		PaymentMethod: string(o.PaymentMethod),
		CreatedAt:     o.CreatedAt.Format(time.RFC3339),
	}
}
