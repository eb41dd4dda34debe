package repository

import (
	"context"
	"errors"
	"time"

	"farmmarket/internal/domain/model"
)

var ErrNotFound = errors.New("not found")

// 出品行ロックの待ち時間超過（lock_timeout）
var ErrLockTimeout = errors.New("lock timeout")

// 一覧検索
type ListingListQuery struct {
	Page     int
	Limit    int
	Q        string
	MinPrice *int64
	MaxPrice *int64
	FarmerID *int64
	Sort     string
}

// 出品の永続化だけを約束。
// 在庫（quantity）の操作もここに含む。在庫は出品行そのものにあるため。
type ListingRepository interface {
	ListPublic(ctx context.Context, q ListingListQuery) ([]model.Listing, int64, error)
	FindByID(ctx context.Context, id int64) (model.Listing, error)

	Create(ctx context.Context, l model.Listing) (model.Listing, error)
	Update(ctx context.Context, l model.Listing) error
	SoftDelete(ctx context.Context, id int64) error

	// SELECT ... FOR UPDATE で出品行を排他ロック。
	// waitを超えたらErrLockTimeout。トランザクション内でのみ使う。
	LockForUpdate(ctx context.Context, ids []int64, wait time.Duration) ([]model.Listing, error)

	// 在庫が足りるときだけ減算。0になったらOUT_OF_STOCKへ。
	DecrementStock(ctx context.Context, listingID int64, qty int64) (bool, error)
}
