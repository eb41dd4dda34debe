package usecase

import (
	"context"
	"net/http"
	"strings"
	"time"

	"farmmarket/internal/domain/model"
	repo "farmmarket/internal/repository"
)

const maxMessageBodyLen = 2000

type MessageUsecase struct {
	messageRepo repo.MessageRepository
	userRepo    repo.UserRepository
}

// DI
func NewMessageUsecase(messageRepo repo.MessageRepository, userRepo repo.UserRepository) *MessageUsecase {
	return &MessageUsecase{messageRepo: messageRepo, userRepo: userRepo}
}

type SendMessageInput struct {
	RecipientID int64
	ListingID   *int64
	Body        string
}

type MessageResponse struct {
	ID          int64  `json:"id"`
	SenderID    int64  `json:"sender_id"`
	RecipientID int64  `json:"recipient_id"`
	ListingID   *int64 `json:"listing_id,omitempty"`
	Body        string `json:"body"`
	CreatedAt   string `json:"created_at"`
}

type ConversationResponse struct {
	Messages []MessageResponse `json:"messages"`
	Total    int64             `json:"total"`
	Page     int               `json:"page"`
	Limit    int               `json:"limit"`
}

// メッセージ送信。宛先の実在チェックあり。
func (u *MessageUsecase) Send(ctx context.Context, senderID int64, in SendMessageInput) (MessageResponse, error) {
	if senderID <= 0 {
		return MessageResponse{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if in.RecipientID <= 0 || in.RecipientID == senderID {
		return MessageResponse{}, NewHTTPError(http.StatusBadRequest, "invalid recipient")
	}

	body := strings.TrimSpace(in.Body)
	if body == "" || len(body) > maxMessageBodyLen {
		return MessageResponse{}, NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	if _, err := u.userRepo.FindByID(ctx, in.RecipientID); err != nil {
		if err == repo.ErrNotFound {
			return MessageResponse{}, NewHTTPError(http.StatusBadRequest, "invalid recipient")
		}
		return MessageResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	m := model.Message{
		SenderID:    senderID,
		RecipientID: in.RecipientID,
		ListingID:   in.ListingID,
		Body:        body,
		CreatedAt:   time.Now(),
	}

	id, err := u.messageRepo.Create(ctx, m)
	if err != nil {
		return MessageResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}
	m.ID = id

	return toMessageResponse(m), nil
}

// 相手とのやりとりを新しい順で返す。
func (u *MessageUsecase) ListConversation(ctx context.Context, userID int64, peerID int64, page, limit int) (ConversationResponse, error) {
	if userID <= 0 {
		return ConversationResponse{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if peerID <= 0 {
		return ConversationResponse{}, NewHTTPError(http.StatusBadRequest, "invalid peer")
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 50
	}

	msgs, total, err := u.messageRepo.ListConversation(ctx, userID, peerID, page, limit)
	if err != nil {
		return ConversationResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	resp := ConversationResponse{
		Messages: make([]MessageResponse, 0, len(msgs)),
		Total:    total,
		Page:     page,
		Limit:    limit,
	}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, toMessageResponse(m))
	}
	return resp, nil
}

func toMessageResponse(m model.Message) MessageResponse {
	return MessageResponse{
		ID:          m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		ListingID:   m.ListingID,
		Body:        m.Body,
		CreatedAt:   m.CreatedAt.Format(time.RFC3339),
	}
}
