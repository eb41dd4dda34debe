package auth

import (
	"context"
	"errors"

	"farmmarket/internal/domain/model"
	repo "farmmarket/internal/repository"
)

// リフレッシュトークンが無効・期限切れ・使用済み
var ErrInvalidRefreshToken = errors.New("invalid refresh token")

type RefreshInput struct {
	PlainRefreshToken string
	UserAgent         string
}

type RefreshOutput struct {
	UserID int64          `json:"user_id"`
	Token  JwtAccessToken `json:"token"`
}

type RefreshSideEffect struct {
	PlainRefreshToken string
}

// RefreshUsecaseはアクセストークンの再発行。
// 使用済みトークンの再提示は盗難とみなし、全トークンを失効させる。
type RefreshUsecase struct {
	userRepo repo.UserRepository
	rtRepo   repo.RefreshTokenRepository
	issuer   AccessTokenIssuer
	idGen    IDGenerator
	clock    Clock
}

// DI
func NewRefreshUsecase(
	userRepo repo.UserRepository,
	rtRepo repo.RefreshTokenRepository,
	issuer AccessTokenIssuer,
	idGen IDGenerator,
	clock Clock,
) *RefreshUsecase {
	return &RefreshUsecase{
		userRepo: userRepo,
		rtRepo:   rtRepo,
		issuer:   issuer,
		idGen:    idGen,
		clock:    clock,
	}
}

// トークン再発行（ローテーション方式）
func (u *RefreshUsecase) Execute(ctx context.Context, in RefreshInput) (RefreshOutput, RefreshSideEffect, error) {
	var out RefreshOutput
	var side RefreshSideEffect

	if in.PlainRefreshToken == "" {
		return out, side, ErrInvalidRefreshToken
	}

	stored, err := u.rtRepo.FindByTokenHash(ctx, hashRefreshToken(in.PlainRefreshToken))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return out, side, ErrInvalidRefreshToken
		}
		return out, side, err
	}

	now := u.clock.Now()

	if stored.RevokedAt != nil || now.After(stored.ExpiresAt) {
		return out, side, ErrInvalidRefreshToken
	}

	// 再利用検知：使用済みトークンが再提示されたら全失効
	if stored.UsedAt != nil {
		_ = u.rtRepo.RevokeAllByUserID(ctx, stored.UserID)
		return out, side, ErrInvalidRefreshToken
	}

	user, err := u.userRepo.FindByID(ctx, stored.UserID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return out, side, ErrInvalidRefreshToken
		}
		return out, side, err
	}
	if !user.IsActive {
		return out, side, ErrUserInactive
	}

	if err := u.rtRepo.MarkUsed(ctx, stored.ID); err != nil {
		return out, side, err
	}

	accessToken, accessExp, err := u.issuer.Issue(user.ID, user.Role, user.TokenVersion, now)
	if err != nil {
		return out, side, err
	}

	// 新しいリフレッシュトークンを発行（ローテーション）
	plainRefresh, err := generateSecureToken(32)
	if err != nil {
		return out, side, err
	}

	next := model.RefreshToken{
		ID:        u.idGen.NewID(),
		UserID:    user.ID,
		TokenHash: hashRefreshToken(plainRefresh),
		UserAgent: in.UserAgent,
		ExpiresAt: stored.ExpiresAt, // 有効期限は引き継ぐ（無限延長を防ぐ）
	}
	if err := u.rtRepo.Create(ctx, next); err != nil {
		return out, side, err
	}

	out.UserID = user.ID
	out.Token = JwtAccessToken{
		AccessToken:  accessToken,
		ExpiresIn:    int(accessExp.Sub(now).Seconds()),
		TokenVersion: user.TokenVersion,
	}
	side.PlainRefreshToken = plainRefresh
	return out, side, nil
}
