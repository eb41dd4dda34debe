package repository

import (
	"context"

	"farmmarket/internal/domain/model"

	"gorm.io/gorm"
)

type MessageGormRepository struct {
	db *gorm.DB
}

// DI
func NewMessageGormRepository(db *gorm.DB) *MessageGormRepository {
	return &MessageGormRepository{db: db}
}

func (r *MessageGormRepository) Create(ctx context.Context, m model.Message) (int64, error) {
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return 0, err
	}
	return m.ID, nil
}

// 2者間の会話を新しい順で取得
func (r *MessageGormRepository) ListConversation(ctx context.Context, userID int64, peerID int64, page int, limit int) ([]model.Message, int64, error) {
	q := r.db.WithContext(ctx).Model(&model.Message{}).
		Where("(sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)",
			userID, peerID, peerID, userID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return []model.Message{}, 0, err
	}

	var items []model.Message
	offset := (page - 1) * limit
	if err := q.Order("id desc").Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return []model.Message{}, 0, err
	}

	return items, total, nil
}
