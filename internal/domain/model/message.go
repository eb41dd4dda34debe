package model

import "time"

// 2ユーザー間のダイレクトメッセージ（追記のみ）
type Message struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SenderID    int64     `gorm:"not null;index" json:"sender_id"`
	RecipientID int64     `gorm:"not null;index" json:"recipient_id"`
	ListingID   *int64    `gorm:"index" json:"listing_id,omitempty"`
	Body        string    `gorm:"type:text;not null" json:"body"`
	CreatedAt   time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
}
