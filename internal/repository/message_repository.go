package repository

import (
	"context"

	"farmmarket/internal/domain/model"
)

// 追記と取得だけ（更新・削除なし）
type MessageRepository interface {
	Create(ctx context.Context, m model.Message) (int64, error)
	ListConversation(ctx context.Context, userID int64, peerID int64, page int, limit int) ([]model.Message, int64, error)
}
