package usecase

import (
	"context"
	"net/http"
	"strings"

	"farmmarket/internal/domain/model"
	repo "farmmarket/internal/repository"
)

type ListingUsecase struct {
	listingRepo repo.ListingRepository
}

// DI
func NewListingUsecase(listingRepo repo.ListingRepository) *ListingUsecase {
	return &ListingUsecase{listingRepo: listingRepo}
}

type ListingResponse struct {
	ID          int64  `json:"id"`
	FarmerID    int64  `json:"farmer_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	PriceCents  int64  `json:"price_cents"`
	Quantity    int64  `json:"quantity"`
	Status      string `json:"status"`
}

type ListingListResponse struct {
	Items []ListingResponse `json:"items"`
	Total int64             `json:"total"`
	Page  int               `json:"page"`
	Limit int               `json:"limit"`
}

type ListingInput struct {
	Name        string
	Description string
	PriceCents  int64
	Quantity    int64
}

// 公開一覧。INACTIVEは出さない（リポジトリ側で除外）。
func (u *ListingUsecase) List(ctx context.Context, q repo.ListingListQuery) (ListingListResponse, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 || q.Limit > 100 {
		q.Limit = 20
	}

	items, total, err := u.listingRepo.ListPublic(ctx, q)
	if err != nil {
		return ListingListResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	resp := ListingListResponse{
		Items: make([]ListingResponse, 0, len(items)),
		Total: total,
		Page:  q.Page,
		Limit: q.Limit,
	}
	for _, l := range items {
		resp.Items = append(resp.Items, toListingResponse(l))
	}
	return resp, nil
}

// 公開詳細
func (u *ListingUsecase) Detail(ctx context.Context, id int64) (ListingResponse, error) {
	if id <= 0 {
		return ListingResponse{}, NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	l, err := u.listingRepo.FindByID(ctx, id)
	if err == repo.ErrNotFound {
		return ListingResponse{}, NewHTTPError(http.StatusNotFound, "not found")
	}
	if err != nil {
		return ListingResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}
	if l.Status == model.ListingStatusInactive {
		return ListingResponse{}, NewHTTPError(http.StatusNotFound, "not found")
	}

	return toListingResponse(l), nil
}

// 農家の自分の出品一覧。
func (u *ListingUsecase) ListMine(ctx context.Context, farmerID int64, page, limit int) (ListingListResponse, error) {
	if farmerID <= 0 {
		return ListingListResponse{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	q := repo.ListingListQuery{Page: page, Limit: limit, FarmerID: &farmerID}
	items, total, err := u.listingRepo.ListPublic(ctx, q)
	if err != nil {
		return ListingListResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	resp := ListingListResponse{
		Items: make([]ListingResponse, 0, len(items)),
		Total: total,
		Page:  page,
		Limit: limit,
	}
	for _, l := range items {
		resp.Items = append(resp.Items, toListingResponse(l))
	}
	return resp, nil
}

// 出品作成（農家のみ。認可はハンドラ側）。
func (u *ListingUsecase) Create(ctx context.Context, farmerID int64, in ListingInput) (ListingResponse, error) {
	if farmerID <= 0 {
		return ListingResponse{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if err := validateListingInput(in); err != nil {
		return ListingResponse{}, err
	}

	status := model.ListingStatusActive
	if in.Quantity == 0 {
		status = model.ListingStatusOutOfStock
	}

	l := model.Listing{
		FarmerID:    farmerID,
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		PriceCents:  in.PriceCents,
		Quantity:    in.Quantity,
		Status:      status,
	}

	created, err := u.listingRepo.Create(ctx, l)
	if err != nil {
		return ListingResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}
	return toListingResponse(created), nil
}

// 出品更新。在庫を補充したらOUT_OF_STOCK→ACTIVEに戻す。
func (u *ListingUsecase) Update(ctx context.Context, farmerID int64, id int64, in ListingInput) (ListingResponse, error) {
	if farmerID <= 0 {
		return ListingResponse{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if id <= 0 {
		return ListingResponse{}, NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := validateListingInput(in); err != nil {
		return ListingResponse{}, err
	}

	l, err := u.listingRepo.FindByID(ctx, id)
	if err == repo.ErrNotFound {
		return ListingResponse{}, NewHTTPError(http.StatusNotFound, "not found")
	}
	if err != nil {
		return ListingResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}
	if l.FarmerID != farmerID {
		// 他人の出品は存在も明かさない
		return ListingResponse{}, NewHTTPError(http.StatusNotFound, "not found")
	}

	l.Name = strings.TrimSpace(in.Name)
	l.Description = in.Description
	l.PriceCents = in.PriceCents
	l.Quantity = in.Quantity

	switch {
	case l.Quantity == 0 && l.Status == model.ListingStatusActive:
		l.Status = model.ListingStatusOutOfStock
	case l.Quantity > 0 && l.Status == model.ListingStatusOutOfStock:
		l.Status = model.ListingStatusActive
	}

	if err := u.listingRepo.Update(ctx, l); err != nil {
		if err == repo.ErrNotFound {
			return ListingResponse{}, NewHTTPError(http.StatusNotFound, "not found")
		}
		return ListingResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}
	return toListingResponse(l), nil
}

// 出品停止（論理削除）。
func (u *ListingUsecase) Delete(ctx context.Context, farmerID int64, id int64) error {
	if farmerID <= 0 {
		return NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if id <= 0 {
		return NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	l, err := u.listingRepo.FindByID(ctx, id)
	if err == repo.ErrNotFound {
		return NewHTTPError(http.StatusNotFound, "not found")
	}
	if err != nil {
		return NewHTTPError(http.StatusInternalServerError, "db error")
	}
	if l.FarmerID != farmerID {
		return NewHTTPError(http.StatusNotFound, "not found")
	}

	if err := u.listingRepo.SoftDelete(ctx, id); err != nil {
		if err == repo.ErrNotFound {
			return NewHTTPError(http.StatusNotFound, "not found")
		}
		return NewHTTPError(http.StatusInternalServerError, "db error")
	}
	return nil
}

func validateListingInput(in ListingInput) error {
	name := strings.TrimSpace(in.Name)
	if name == "" || len(name) > 255 {
		return NewHTTPError(http.StatusBadRequest, "invalid name")
	}
	if in.PriceCents < 1 {
		return NewHTTPError(http.StatusBadRequest, "invalid price")
	}
	if in.Quantity < 0 {
		return NewHTTPError(http.StatusBadRequest, "invalid quantity")
	}
	return nil
}

func toListingResponse(l model.Listing) ListingResponse {
	return ListingResponse{
		ID:          l.ID,
		FarmerID:    l.FarmerID,
		Name:        l.Name,
		Description: l.Description,
		PriceCents:  l.PriceCents,
		Quantity:    l.Quantity,
		Status:      string(l.Status),
	}
}
