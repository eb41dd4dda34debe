package usecase

import (
	"errors"
	"fmt"
)

type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

func NewHTTPError(status int, message string) error {
	return &HTTPError{
		Status:  status,
		Message: message,
	}
}

func AsHTTPError(err error) (*HTTPError, bool) {
	var he *HTTPError
	ok := errors.As(err, &he)
	return he, ok
}

// 注文確定の型付きエラー。
// handlerで一括変換する（例外をハンドラ層に漏らさない）。
var (
	ErrEmptyCart   = errors.New("cart empty")
	ErrLockTimeout = errors.New("lock timeout")
)

// 在庫不足（どの出品かを必ず持つ）
type InsufficientStockError struct {
	ListingName string
	Available   int64
	Requested   int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock: %s (available %d, requested %d)",
		e.ListingName, e.Available, e.Requested)
}

// 決済側の失敗（確定処理は行わない）
type PaymentError struct {
	Reason string
}

func (e *PaymentError) Error() string {
	return "payment failed: " + e.Reason
}
