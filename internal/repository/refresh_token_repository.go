package repository

import (
	"context"

	"farmmarket/internal/domain/model"
)

type RefreshTokenRepository interface {
	Create(ctx context.Context, t model.RefreshToken) error
	FindByTokenHash(ctx context.Context, hash string) (model.RefreshToken, error)
	MarkUsed(ctx context.Context, id string) error
	RevokeAllByUserID(ctx context.Context, userID int64) error
}
