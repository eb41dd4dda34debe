package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"farmmarket/internal/domain/model"
	repo "farmmarket/internal/repository"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ListingGormRepository struct {
	db *gorm.DB
}

// DI
func NewListingGormRepository(db *gorm.DB) *ListingGormRepository {
	return &ListingGormRepository{db: db}
}

func (r *ListingGormRepository) ListPublic(ctx context.Context, q repo.ListingListQuery) ([]model.Listing, int64, error) {
	dbq := r.db.WithContext(ctx).Model(&model.Listing{}).
		Where("status <> ?", model.ListingStatusInactive)

	if q.Q != "" {
		like := "%" + q.Q + "%"
		dbq = dbq.Where("name ILIKE ? OR description ILIKE ?", like, like)
	}
	if q.MinPrice != nil {
		dbq = dbq.Where("price_cents >= ?", *q.MinPrice)
	}
	if q.MaxPrice != nil {
		dbq = dbq.Where("price_cents <= ?", *q.MaxPrice)
	}
	if q.FarmerID != nil {
		dbq = dbq.Where("farmer_id = ?", *q.FarmerID)
	}

	var total int64
	if err := dbq.Count(&total).Error; err != nil {
		return []model.Listing{}, 0, err
	}

	order := "id desc"
	switch q.Sort {
	case "price_asc":
		order = "price_cents asc"
	case "price_desc":
		order = "price_cents desc"
	}

	var items []model.Listing
	offset := (q.Page - 1) * q.Limit
	if err := dbq.Order(order).Limit(q.Limit).Offset(offset).Find(&items).Error; err != nil {
		return []model.Listing{}, 0, err
	}

	return items, total, nil
}

func (r *ListingGormRepository) FindByID(ctx context.Context, id int64) (model.Listing, error) {
	var l model.Listing
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Listing{}, repo.ErrNotFound
	}
	if err != nil {
		return model.Listing{}, err
	}
	return l, nil
}

func (r *ListingGormRepository) Create(ctx context.Context, l model.Listing) (model.Listing, error) {
	if err := r.db.WithContext(ctx).Create(&l).Error; err != nil {
		return model.Listing{}, err
	}
	return l, nil
}

func (r *ListingGormRepository) Update(ctx context.Context, l model.Listing) error {
	res := r.db.WithContext(ctx).Model(&model.Listing{}).
		Where("id = ?", l.ID).
		Updates(map[string]interface{}{
			"name":        l.Name,
			"description": l.Description,
			"price_cents": l.PriceCents,
			"quantity":    l.Quantity,
			"status":      l.Status,
		})

	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (r *ListingGormRepository) SoftDelete(ctx context.Context, id int64) error {
	res := r.db.WithContext(ctx).Delete(&model.Listing{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// SELECT ... FOR UPDATE。トランザクション内でのみ呼ぶ。
// id昇順でロックしてデッドロックを避ける。
func (r *ListingGormRepository) LockForUpdate(ctx context.Context, ids []int64, wait time.Duration) ([]model.Listing, error) {
	ms := wait.Milliseconds()
	if ms <= 0 {
		ms = 3000
	}

	// SET LOCALはプレースホルダが使えない（値は整数のみ埋め込み）
	if err := r.db.WithContext(ctx).
		Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", ms)).Error; err != nil {
		return nil, err
	}

	var items []model.Listing
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ?", ids).
		Order("id asc").
		Find(&items).Error

	if err != nil {
		if isLockTimeout(err) {
			return nil, repo.ErrLockTimeout
		}
		return nil, err
	}
	return items, nil
}

// 在庫が足りるときだけ減らす。0になったらOUT_OF_STOCKへ。
func (r *ListingGormRepository) DecrementStock(ctx context.Context, listingID int64, qty int64) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Listing{}).
		Where("id = ? AND quantity >= ?", listingID, qty).
		Update("quantity", gorm.Expr("quantity - ?", qty))

	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	// 残0ならstatusを切り替える
	if err := r.db.WithContext(ctx).
		Model(&model.Listing{}).
		Where("id = ? AND quantity <= 0 AND status = ?", listingID, model.ListingStatusActive).
		Update("status", model.ListingStatusOutOfStock).Error; err != nil {
		return false, err
	}

	return true, nil
}

// Postgresのlock_not_available（55P03）
func isLockTimeout(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "55P03"
}
