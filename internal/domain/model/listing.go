package model

import (
	"time"

	"gorm.io/gorm"
)

type ListingStatus string

const (
	ListingStatusActive     ListingStatus = "ACTIVE"
	ListingStatusOutOfStock ListingStatus = "OUT_OF_STOCK"
	ListingStatusInactive   ListingStatus = "INACTIVE"
)

// 農家の出品。価格は最小通貨単位（セント）で保持。
// quantityが0になったら注文確定の副作用としてOUT_OF_STOCKへ。
type Listing struct {
	ID          int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	FarmerID    int64          `gorm:"not null;index" json:"farmer_id"`
	Name        string         `gorm:"type:varchar(255);not null" json:"name"`
	Description string         `gorm:"type:text" json:"description"`
	PriceCents  int64          `gorm:"not null;column:price_cents" json:"price_cents"`
	Quantity    int64          `gorm:"not null" json:"quantity"`
	Status      ListingStatus  `gorm:"type:varchar(20);not null;index" json:"status"`
	CreatedAt   time.Time      `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;autoUpdateTime" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

// 購入可能か（ACTIVEかつ在庫あり）。
func (l *Listing) IsPurchasable() bool {
	return l.Status == ListingStatusActive && l.Quantity > 0
}
