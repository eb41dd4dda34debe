package model

import "time"

// 注文明細。価格と商品名は確定時点のスナップショット。
// 出品の価格が後で変わっても変更しない。
type OrderItem struct {
	ID                  int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID             int64     `gorm:"not null;index" json:"order_id"`
	ListingID           int64     `gorm:"not null;index" json:"listing_id"`
	ListingNameSnapshot string    `gorm:"type:varchar(255);not null" json:"listing_name_snapshot"`
	PriceAtPurchase     int64     `gorm:"not null;column:price_at_purchase" json:"price_at_purchase"`
	Quantity            int64     `gorm:"not null" json:"quantity"`
	CreatedAt           time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
}
