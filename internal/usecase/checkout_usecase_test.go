package usecase_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"farmmarket/internal/domain/model"
	"farmmarket/internal/payment"
	repo "farmmarket/internal/repository"
	"farmmarket/internal/usecase"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// =====================
// Mocks（衝突回避の命名）
// =====================

type CoOrderRepoMock struct{ mock.Mock }

func (m *CoOrderRepoMock) FindByID(ctx context.Context, orderID int64) (model.Order, error) {
	panic("not used in CheckoutUsecase tests")
}

func (m *CoOrderRepoMock) ListByUserID(ctx context.Context, userID int64, page int, limit int) ([]model.Order, int64, error) {
	panic("not used in CheckoutUsecase tests")
}

func (m *CoOrderRepoMock) Create(ctx context.Context, order model.Order) (int64, error) {
	args := m.Called(ctx, order)
	return args.Get(0).(int64), args.Error(1)
}

func (m *CoOrderRepoMock) UpdateStatus(ctx context.Context, orderID int64, status model.OrderStatus) error {
	args := m.Called(ctx, orderID, status)
	return args.Error(0)
}

func (m *CoOrderRepoMock) FindByIdempotencyKey(ctx context.Context, userID int64, key string) (model.Order, bool, error) {
	args := m.Called(ctx, userID, key)
	o, _ := args.Get(0).(model.Order)
	return o, args.Bool(1), args.Error(2)
}

func (m *CoOrderRepoMock) FindByPaymentIntentID(ctx context.Context, intentID string) (model.Order, bool, error) {
	args := m.Called(ctx, intentID)
	o, _ := args.Get(0).(model.Order)
	return o, args.Bool(1), args.Error(2)
}

type CoOrderItemRepoMock struct{ mock.Mock }

func (m *CoOrderItemRepoMock) CreateBulk(ctx context.Context, orderID int64, items []model.OrderItem) error {
	args := m.Called(ctx, orderID, items)
	return args.Error(0)
}

func (m *CoOrderItemRepoMock) ListByOrderID(ctx context.Context, orderID int64) ([]model.OrderItem, error) {
	args := m.Called(ctx, orderID)
	items, _ := args.Get(0).([]model.OrderItem)
	return items, args.Error(1)
}

type CoCartRepoMock struct{ mock.Mock }

func (m *CoCartRepoMock) GetOrCreateActiveByUserID(ctx context.Context, userID int64) (model.Cart, error) {
	panic("not used in CheckoutUsecase tests")
}

func (m *CoCartRepoMock) FindActiveByUserID(ctx context.Context, userID int64) (model.Cart, error) {
	args := m.Called(ctx, userID)
	c, _ := args.Get(0).(model.Cart)
	return c, args.Error(1)
}

func (m *CoCartRepoMock) UpdateStatus(ctx context.Context, cartID int64, status model.CartStatus) error {
	args := m.Called(ctx, cartID, status)
	return args.Error(0)
}

func (m *CoCartRepoMock) Clear(ctx context.Context, cartID int64) error {
	args := m.Called(ctx, cartID)
	return args.Error(0)
}

type CoCartItemRepoMock struct{ mock.Mock }

func (m *CoCartItemRepoMock) ListByCartID(ctx context.Context, cartID int64) ([]model.CartItem, error) {
	args := m.Called(ctx, cartID)
	items, _ := args.Get(0).([]model.CartItem)
	return items, args.Error(1)
}

func (m *CoCartItemRepoMock) UpsertByCartAndListing(ctx context.Context, cartID int64, listingID int64, addQty int64, unitPriceSnapshot int64) error {
	panic("not used in CheckoutUsecase tests")
}

func (m *CoCartItemRepoMock) UpdateQuantity(ctx context.Context, cartItemID int64, qty int64) error {
	panic("not used in CheckoutUsecase tests")
}

func (m *CoCartItemRepoMock) DeleteByID(ctx context.Context, cartItemID int64) error {
	panic("not used in CheckoutUsecase tests")
}

func (m *CoCartItemRepoMock) FindByID(ctx context.Context, cartItemID int64) (model.CartItem, error) {
	panic("not used in CheckoutUsecase tests")
}

func (m *CoCartItemRepoMock) IsOwnedByUser(ctx context.Context, cartItemID int64, userID int64) (bool, error) {
	panic("not used in CheckoutUsecase tests")
}

type CoListingRepoMock struct{ mock.Mock }

func (m *CoListingRepoMock) ListPublic(ctx context.Context, q repo.ListingListQuery) ([]model.Listing, int64, error) {
	panic("not used in CheckoutUsecase tests")
}

func (m *CoListingRepoMock) FindByID(ctx context.Context, id int64) (model.Listing, error) {
	args := m.Called(ctx, id)
	l, _ := args.Get(0).(model.Listing)
	return l, args.Error(1)
}

func (m *CoListingRepoMock) Create(ctx context.Context, l model.Listing) (model.Listing, error) {
	panic("not used in CheckoutUsecase tests")
}

func (m *CoListingRepoMock) Update(ctx context.Context, l model.Listing) error {
	panic("not used in CheckoutUsecase tests")
}

func (m *CoListingRepoMock) SoftDelete(ctx context.Context, id int64) error {
	panic("not used in CheckoutUsecase tests")
}

func (m *CoListingRepoMock) LockForUpdate(ctx context.Context, ids []int64, wait time.Duration) ([]model.Listing, error) {
	args := m.Called(ctx, ids, wait)
	items, _ := args.Get(0).([]model.Listing)
	return items, args.Error(1)
}

func (m *CoListingRepoMock) DecrementStock(ctx context.Context, listingID int64, qty int64) (bool, error) {
	args := m.Called(ctx, listingID, qty)
	return args.Bool(0), args.Error(1)
}

type CoGatewayMock struct{ mock.Mock }

func (m *CoGatewayMock) CreateIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (payment.Intent, error) {
	args := m.Called(ctx, amountCents, currency, metadata)
	i, _ := args.Get(0).(payment.Intent)
	return i, args.Error(1)
}

func (m *CoGatewayMock) VerifyPayment(ctx context.Context, referenceID string) (payment.Verification, error) {
	args := m.Called(ctx, referenceID)
	v, _ := args.Get(0).(payment.Verification)
	return v, args.Error(1)
}

// トランザクションをそのまま通すスタブ
type txRepos struct {
	orders     *CoOrderRepoMock
	orderItems *CoOrderItemRepoMock
	carts      *CoCartRepoMock
	cartItems  *CoCartItemRepoMock
	listings   *CoListingRepoMock
}

func (r *txRepos) Orders() repo.OrderRepository         { return r.orders }
func (r *txRepos) OrderItems() repo.OrderItemRepository { return r.orderItems }
func (r *txRepos) Carts() repo.CartRepository           { return r.carts }
func (r *txRepos) CartItems() repo.CartItemRepository   { return r.cartItems }
func (r *txRepos) Listings() repo.ListingRepository     { return r.listings }

type stubTxManager struct {
	repos *txRepos
}

func (t *stubTxManager) WithinTx(ctx context.Context, fn func(r repo.TxRepos) error) error {
	return fn(t.repos)
}

// =====================
// 同時確定用のインメモリフェイク
// =====================

// 在庫を実際に持つフェイク。FOR UPDATE相当として
// トランザクション全体をmutexで直列化する。
type raceData struct {
	listing       model.Listing
	orderSeq      int64
	ordersCreated int
}

type raceOrderRepo struct{ d *raceData }

func (r *raceOrderRepo) FindByID(ctx context.Context, orderID int64) (model.Order, error) {
	panic("not used in concurrent checkout test")
}

func (r *raceOrderRepo) ListByUserID(ctx context.Context, userID int64, page int, limit int) ([]model.Order, int64, error) {
	panic("not used in concurrent checkout test")
}

func (r *raceOrderRepo) Create(ctx context.Context, order model.Order) (int64, error) {
	r.d.orderSeq++
	r.d.ordersCreated++
	return r.d.orderSeq, nil
}

func (r *raceOrderRepo) UpdateStatus(ctx context.Context, orderID int64, status model.OrderStatus) error {
	panic("not used in concurrent checkout test")
}

func (r *raceOrderRepo) FindByIdempotencyKey(ctx context.Context, userID int64, key string) (model.Order, bool, error) {
	return model.Order{}, false, nil
}

func (r *raceOrderRepo) FindByPaymentIntentID(ctx context.Context, intentID string) (model.Order, bool, error) {
	return model.Order{}, false, nil
}

type raceOrderItemRepo struct{}

func (r *raceOrderItemRepo) CreateBulk(ctx context.Context, orderID int64, items []model.OrderItem) error {
	return nil
}

func (r *raceOrderItemRepo) ListByOrderID(ctx context.Context, orderID int64) ([]model.OrderItem, error) {
	panic("not used in concurrent checkout test")
}

type raceCartRepo struct{}

func (r *raceCartRepo) GetOrCreateActiveByUserID(ctx context.Context, userID int64) (model.Cart, error) {
	panic("not used in concurrent checkout test")
}

func (r *raceCartRepo) FindActiveByUserID(ctx context.Context, userID int64) (model.Cart, error) {
	return model.Cart{ID: userID * 10, UserID: userID, Status: model.CartStatusActive}, nil
}

func (r *raceCartRepo) UpdateStatus(ctx context.Context, cartID int64, status model.CartStatus) error {
	return nil
}

func (r *raceCartRepo) Clear(ctx context.Context, cartID int64) error { return nil }

type raceCartItemRepo struct{ d *raceData }

func (r *raceCartItemRepo) ListByCartID(ctx context.Context, cartID int64) ([]model.CartItem, error) {
	return []model.CartItem{
		{ID: cartID, CartID: cartID, ListingID: r.d.listing.ID, Quantity: 1, UnitPriceSnapshot: r.d.listing.PriceCents},
	}, nil
}

func (r *raceCartItemRepo) UpsertByCartAndListing(ctx context.Context, cartID int64, listingID int64, addQty int64, unitPriceSnapshot int64) error {
	panic("not used in concurrent checkout test")
}

func (r *raceCartItemRepo) UpdateQuantity(ctx context.Context, cartItemID int64, qty int64) error {
	panic("not used in concurrent checkout test")
}

func (r *raceCartItemRepo) DeleteByID(ctx context.Context, cartItemID int64) error {
	panic("not used in concurrent checkout test")
}

func (r *raceCartItemRepo) FindByID(ctx context.Context, cartItemID int64) (model.CartItem, error) {
	panic("not used in concurrent checkout test")
}

func (r *raceCartItemRepo) IsOwnedByUser(ctx context.Context, cartItemID int64, userID int64) (bool, error) {
	panic("not used in concurrent checkout test")
}

type raceListingRepo struct{ d *raceData }

func (r *raceListingRepo) ListPublic(ctx context.Context, q repo.ListingListQuery) ([]model.Listing, int64, error) {
	panic("not used in concurrent checkout test")
}

func (r *raceListingRepo) FindByID(ctx context.Context, id int64) (model.Listing, error) {
	panic("not used in concurrent checkout test")
}

func (r *raceListingRepo) Create(ctx context.Context, l model.Listing) (model.Listing, error) {
	panic("not used in concurrent checkout test")
}

func (r *raceListingRepo) Update(ctx context.Context, l model.Listing) error {
	panic("not used in concurrent checkout test")
}

func (r *raceListingRepo) SoftDelete(ctx context.Context, id int64) error {
	panic("not used in concurrent checkout test")
}

func (r *raceListingRepo) LockForUpdate(ctx context.Context, ids []int64, wait time.Duration) ([]model.Listing, error) {
	return []model.Listing{r.d.listing}, nil
}

func (r *raceListingRepo) DecrementStock(ctx context.Context, listingID int64, qty int64) (bool, error) {
	if r.d.listing.Quantity < qty {
		return false, nil
	}
	r.d.listing.Quantity -= qty
	if r.d.listing.Quantity == 0 {
		r.d.listing.Status = model.ListingStatusOutOfStock
	}
	return true, nil
}

type raceTxRepos struct {
	orders     *raceOrderRepo
	orderItems *raceOrderItemRepo
	carts      *raceCartRepo
	cartItems  *raceCartItemRepo
	listings   *raceListingRepo
}

func (r *raceTxRepos) Orders() repo.OrderRepository         { return r.orders }
func (r *raceTxRepos) OrderItems() repo.OrderItemRepository { return r.orderItems }
func (r *raceTxRepos) Carts() repo.CartRepository           { return r.carts }
func (r *raceTxRepos) CartItems() repo.CartItemRepository   { return r.cartItems }
func (r *raceTxRepos) Listings() repo.ListingRepository     { return r.listings }

type raceTxManager struct {
	mu    sync.Mutex
	repos *raceTxRepos
}

func (t *raceTxManager) WithinTx(ctx context.Context, fn func(r repo.TxRepos) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn(t.repos)
}

func newCheckoutFixture() (*txRepos, *CoGatewayMock, *usecase.CheckoutUsecase) {
	r := &txRepos{
		orders:     new(CoOrderRepoMock),
		orderItems: new(CoOrderItemRepoMock),
		carts:      new(CoCartRepoMock),
		cartItems:  new(CoCartItemRepoMock),
		listings:   new(CoListingRepoMock),
	}
	gw := new(CoGatewayMock)
	uc := usecase.NewCheckoutUsecase(&stubTxManager{repos: r}, gw, 3*time.Second)
	return r, gw, uc
}

func validInput() usecase.CheckoutInput {
	return usecase.CheckoutInput{
		PaymentMethod:   "cash",
		DeliveryAddress: "12 Orchard Lane",
		IdempotencyKey:  "key-1",
	}
}

// =====================
// CommitOrder
// =====================

func TestCommitOrder_Success_MultipleItems(t *testing.T) {
	ctx := context.Background()
	r, _, uc := newCheckoutFixture()

	r.orders.On("FindByIdempotencyKey", mock.Anything, int64(7), "key-1").
		Return(model.Order{}, false, nil)
	r.carts.On("FindActiveByUserID", mock.Anything, int64(7)).
		Return(model.Cart{ID: 30, UserID: 7, Status: model.CartStatusActive}, nil)
	r.cartItems.On("ListByCartID", mock.Anything, int64(30)).
		Return([]model.CartItem{
			{ID: 1, CartID: 30, ListingID: 100, Quantity: 2, UnitPriceSnapshot: 500},
			{ID: 2, CartID: 30, ListingID: 101, Quantity: 1, UnitPriceSnapshot: 300},
		}, nil)
	r.listings.On("LockForUpdate", mock.Anything, []int64{100, 101}, 3*time.Second).
		Return([]model.Listing{
			{ID: 100, Name: "Heirloom Tomatoes", PriceCents: 500, Quantity: 10, Status: model.ListingStatusActive},
			{ID: 101, Name: "Raw Honey", PriceCents: 300, Quantity: 5, Status: model.ListingStatusActive},
		}, nil)
	r.orders.On("Create", mock.Anything, mock.MatchedBy(func(o model.Order) bool {
		return o.UserID == 7 &&
			o.Status == model.OrderStatusPending &&
			o.TotalCents == 1300 &&
			o.IdempotencyKey == "key-1"
	})).Return(int64(900), nil)
	r.orderItems.On("CreateBulk", mock.Anything, int64(900), mock.MatchedBy(func(items []model.OrderItem) bool {
		return len(items) == 2 &&
			items[0].PriceAtPurchase == 500 && items[0].ListingNameSnapshot == "Heirloom Tomatoes" &&
			items[1].PriceAtPurchase == 300
	})).Return(nil)
	r.listings.On("DecrementStock", mock.Anything, int64(100), int64(2)).Return(true, nil)
	r.listings.On("DecrementStock", mock.Anything, int64(101), int64(1)).Return(true, nil)
	r.carts.On("UpdateStatus", mock.Anything, int64(30), model.CartStatusCheckedOut).Return(nil)
	r.carts.On("Clear", mock.Anything, int64(30)).Return(nil)

	out, err := uc.CommitOrder(ctx, 7, validInput())
	assert.NoError(t, err)
	assert.Equal(t, int64(900), out.OrderID)
	assert.Equal(t, int64(1300), out.TotalCents)
	assert.Len(t, out.Items, 2)

	r.orders.AssertExpectations(t)
	r.orderItems.AssertExpectations(t)
	r.listings.AssertExpectations(t)
	r.carts.AssertExpectations(t)
}

// 合計はカートのスナップショットではなくロックした現在価格から計算する
func TestCommitOrder_TotalUsesLockedPrice_NotCartSnapshot(t *testing.T) {
	ctx := context.Background()
	r, _, uc := newCheckoutFixture()

	r.orders.On("FindByIdempotencyKey", mock.Anything, int64(7), "key-1").
		Return(model.Order{}, false, nil)
	r.carts.On("FindActiveByUserID", mock.Anything, int64(7)).
		Return(model.Cart{ID: 30}, nil)
	// カート追加時は500だったが、その後値上げされて700
	r.cartItems.On("ListByCartID", mock.Anything, int64(30)).
		Return([]model.CartItem{
			{ID: 1, CartID: 30, ListingID: 100, Quantity: 2, UnitPriceSnapshot: 500},
		}, nil)
	r.listings.On("LockForUpdate", mock.Anything, []int64{100}, mock.Anything).
		Return([]model.Listing{
			{ID: 100, Name: "Heirloom Tomatoes", PriceCents: 700, Quantity: 10, Status: model.ListingStatusActive},
		}, nil)
	r.orders.On("Create", mock.Anything, mock.MatchedBy(func(o model.Order) bool {
		return o.TotalCents == 1400
	})).Return(int64(901), nil)
	r.orderItems.On("CreateBulk", mock.Anything, int64(901), mock.MatchedBy(func(items []model.OrderItem) bool {
		return len(items) == 1 && items[0].PriceAtPurchase == 700
	})).Return(nil)
	r.listings.On("DecrementStock", mock.Anything, int64(100), int64(2)).Return(true, nil)
	r.carts.On("UpdateStatus", mock.Anything, int64(30), model.CartStatusCheckedOut).Return(nil)
	r.carts.On("Clear", mock.Anything, int64(30)).Return(nil)

	out, err := uc.CommitOrder(ctx, 7, validInput())
	assert.NoError(t, err)
	assert.Equal(t, int64(1400), out.TotalCents)
	assert.Equal(t, int64(700), out.Items[0].PriceAtPurchase)
}

func TestCommitOrder_EmptyCart(t *testing.T) {
	ctx := context.Background()
	r, _, uc := newCheckoutFixture()

	r.orders.On("FindByIdempotencyKey", mock.Anything, int64(7), "key-1").
		Return(model.Order{}, false, nil)
	r.carts.On("FindActiveByUserID", mock.Anything, int64(7)).
		Return(model.Cart{}, repo.ErrNotFound)

	_, err := uc.CommitOrder(ctx, 7, validInput())
	assert.ErrorIs(t, err, usecase.ErrEmptyCart)
}

func TestCommitOrder_EmptyCart_NoItems(t *testing.T) {
	ctx := context.Background()
	r, _, uc := newCheckoutFixture()

	r.orders.On("FindByIdempotencyKey", mock.Anything, int64(7), "key-1").
		Return(model.Order{}, false, nil)
	r.carts.On("FindActiveByUserID", mock.Anything, int64(7)).
		Return(model.Cart{ID: 30}, nil)
	r.cartItems.On("ListByCartID", mock.Anything, int64(30)).
		Return([]model.CartItem{}, nil)

	_, err := uc.CommitOrder(ctx, 7, validInput())
	assert.ErrorIs(t, err, usecase.ErrEmptyCart)
}

// 在庫不足は型付きエラーで、どの出品かを持つ。注文もカートも書き込まない。
func TestCommitOrder_InsufficientStock_NoWrites(t *testing.T) {
	ctx := context.Background()
	r, _, uc := newCheckoutFixture()

	r.orders.On("FindByIdempotencyKey", mock.Anything, int64(7), "key-1").
		Return(model.Order{}, false, nil)
	r.carts.On("FindActiveByUserID", mock.Anything, int64(7)).
		Return(model.Cart{ID: 30}, nil)
	r.cartItems.On("ListByCartID", mock.Anything, int64(30)).
		Return([]model.CartItem{
			{ID: 1, CartID: 30, ListingID: 100, Quantity: 3, UnitPriceSnapshot: 500},
			{ID: 2, CartID: 30, ListingID: 101, Quantity: 1, UnitPriceSnapshot: 300},
		}, nil)
	r.listings.On("LockForUpdate", mock.Anything, []int64{100, 101}, mock.Anything).
		Return([]model.Listing{
			{ID: 100, Name: "Heirloom Tomatoes", PriceCents: 500, Quantity: 2, Status: model.ListingStatusActive},
			{ID: 101, Name: "Raw Honey", PriceCents: 300, Quantity: 5, Status: model.ListingStatusActive},
		}, nil)

	_, err := uc.CommitOrder(ctx, 7, validInput())

	var stockErr *usecase.InsufficientStockError
	assert.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "Heirloom Tomatoes", stockErr.ListingName)
	assert.Equal(t, int64(2), stockErr.Available)
	assert.Equal(t, int64(3), stockErr.Requested)

	r.orders.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	r.listings.AssertNotCalled(t, "DecrementStock", mock.Anything, mock.Anything, mock.Anything)
	r.carts.AssertNotCalled(t, "Clear", mock.Anything, mock.Anything)
}

func TestCommitOrder_LockTimeout(t *testing.T) {
	ctx := context.Background()
	r, _, uc := newCheckoutFixture()

	r.orders.On("FindByIdempotencyKey", mock.Anything, int64(7), "key-1").
		Return(model.Order{}, false, nil)
	r.carts.On("FindActiveByUserID", mock.Anything, int64(7)).
		Return(model.Cart{ID: 30}, nil)
	r.cartItems.On("ListByCartID", mock.Anything, int64(30)).
		Return([]model.CartItem{
			{ID: 1, CartID: 30, ListingID: 100, Quantity: 1, UnitPriceSnapshot: 500},
		}, nil)
	r.listings.On("LockForUpdate", mock.Anything, []int64{100}, mock.Anything).
		Return([]model.Listing(nil), repo.ErrLockTimeout)

	_, err := uc.CommitOrder(ctx, 7, validInput())
	assert.ErrorIs(t, err, usecase.ErrLockTimeout)
	r.orders.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

// 同じ冪等キーは既存の注文をそのまま返す（二重確定しない）
func TestCommitOrder_IdempotencyReplay(t *testing.T) {
	ctx := context.Background()
	r, _, uc := newCheckoutFixture()

	existing := model.Order{ID: 900, UserID: 7, Status: model.OrderStatusPending, TotalCents: 1300}
	r.orders.On("FindByIdempotencyKey", mock.Anything, int64(7), "key-1").
		Return(existing, true, nil)
	r.orderItems.On("ListByOrderID", mock.Anything, int64(900)).
		Return([]model.OrderItem{
			{OrderID: 900, ListingID: 100, ListingNameSnapshot: "Heirloom Tomatoes", PriceAtPurchase: 500, Quantity: 2},
		}, nil)

	out, err := uc.CommitOrder(ctx, 7, validInput())
	assert.NoError(t, err)
	assert.Equal(t, int64(900), out.OrderID)
	assert.Equal(t, int64(1300), out.TotalCents)

	r.carts.AssertNotCalled(t, "FindActiveByUserID", mock.Anything, mock.Anything)
	r.orders.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestCommitOrder_Stripe_NotSettled(t *testing.T) {
	ctx := context.Background()
	_, gw, uc := newCheckoutFixture()

	gw.On("VerifyPayment", mock.Anything, "pi_123").
		Return(payment.Verification{ReferenceID: "pi_123", Settled: false}, nil)

	in := validInput()
	in.PaymentMethod = "stripe"
	in.PaymentIntentID = "pi_123"

	_, err := uc.CommitOrder(ctx, 7, in)

	var payErr *usecase.PaymentError
	assert.ErrorAs(t, err, &payErr)
}

// 入金額とサーバー再計算の合計が食い違ったら確定しない
func TestCommitOrder_Stripe_AmountMismatch(t *testing.T) {
	ctx := context.Background()
	r, gw, uc := newCheckoutFixture()

	gw.On("VerifyPayment", mock.Anything, "pi_123").
		Return(payment.Verification{ReferenceID: "pi_123", Settled: true, AmountCents: 999}, nil)

	r.orders.On("FindByIdempotencyKey", mock.Anything, int64(7), "key-1").
		Return(model.Order{}, false, nil)
	r.orders.On("FindByPaymentIntentID", mock.Anything, "pi_123").
		Return(model.Order{}, false, nil)
	r.carts.On("FindActiveByUserID", mock.Anything, int64(7)).
		Return(model.Cart{ID: 30}, nil)
	r.cartItems.On("ListByCartID", mock.Anything, int64(30)).
		Return([]model.CartItem{
			{ID: 1, CartID: 30, ListingID: 100, Quantity: 2, UnitPriceSnapshot: 500},
		}, nil)
	r.listings.On("LockForUpdate", mock.Anything, []int64{100}, mock.Anything).
		Return([]model.Listing{
			{ID: 100, Name: "Heirloom Tomatoes", PriceCents: 500, Quantity: 10, Status: model.ListingStatusActive},
		}, nil)

	in := validInput()
	in.PaymentMethod = "stripe"
	in.PaymentIntentID = "pi_123"

	_, err := uc.CommitOrder(ctx, 7, in)

	var payErr *usecase.PaymentError
	assert.ErrorAs(t, err, &payErr)
	r.orders.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

// 決済済みPaymentIntentの使い回しは拒否する（別キーで二重注文させない）
func TestCommitOrder_Stripe_IntentAlreadyUsed(t *testing.T) {
	ctx := context.Background()
	r, gw, uc := newCheckoutFixture()

	gw.On("VerifyPayment", mock.Anything, "pi_123").
		Return(payment.Verification{ReferenceID: "pi_123", Settled: true, AmountCents: 1000}, nil)

	r.orders.On("FindByIdempotencyKey", mock.Anything, int64(7), "key-2").
		Return(model.Order{}, false, nil)
	r.orders.On("FindByPaymentIntentID", mock.Anything, "pi_123").
		Return(model.Order{ID: 900, UserID: 7, PaymentIntentID: "pi_123"}, true, nil)

	in := validInput()
	in.PaymentMethod = "stripe"
	in.PaymentIntentID = "pi_123"
	in.IdempotencyKey = "key-2"

	_, err := uc.CommitOrder(ctx, 7, in)

	var payErr *usecase.PaymentError
	assert.ErrorAs(t, err, &payErr)
	r.orders.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	r.carts.AssertNotCalled(t, "FindActiveByUserID", mock.Anything, mock.Anything)
}

// 決済済みならPAIDで作成
func TestCommitOrder_Stripe_Settled_CreatesPaid(t *testing.T) {
	ctx := context.Background()
	r, gw, uc := newCheckoutFixture()

	gw.On("VerifyPayment", mock.Anything, "pi_123").
		Return(payment.Verification{ReferenceID: "pi_123", Settled: true, AmountCents: 1000}, nil)

	r.orders.On("FindByIdempotencyKey", mock.Anything, int64(7), "key-1").
		Return(model.Order{}, false, nil)
	r.orders.On("FindByPaymentIntentID", mock.Anything, "pi_123").
		Return(model.Order{}, false, nil)
	r.carts.On("FindActiveByUserID", mock.Anything, int64(7)).
		Return(model.Cart{ID: 30}, nil)
	r.cartItems.On("ListByCartID", mock.Anything, int64(30)).
		Return([]model.CartItem{
			{ID: 1, CartID: 30, ListingID: 100, Quantity: 2, UnitPriceSnapshot: 500},
		}, nil)
	r.listings.On("LockForUpdate", mock.Anything, []int64{100}, mock.Anything).
		Return([]model.Listing{
			{ID: 100, Name: "Heirloom Tomatoes", PriceCents: 500, Quantity: 10, Status: model.ListingStatusActive},
		}, nil)
	r.orders.On("Create", mock.Anything, mock.MatchedBy(func(o model.Order) bool {
		return o.Status == model.OrderStatusPaid && o.PaymentIntentID == "pi_123"
	})).Return(int64(902), nil)
	r.orderItems.On("CreateBulk", mock.Anything, int64(902), mock.Anything).Return(nil)
	r.listings.On("DecrementStock", mock.Anything, int64(100), int64(2)).Return(true, nil)
	r.carts.On("UpdateStatus", mock.Anything, int64(30), model.CartStatusCheckedOut).Return(nil)
	r.carts.On("Clear", mock.Anything, int64(30)).Return(nil)

	in := validInput()
	in.PaymentMethod = "stripe"
	in.PaymentIntentID = "pi_123"

	out, err := uc.CommitOrder(ctx, 7, in)
	assert.NoError(t, err)
	assert.Equal(t, "PAID", out.Status)
}

// 減算の条件付きUPDATEが失敗したらロールバック（同時実行で先を越された場合）
func TestCommitOrder_DecrementRace_Fails(t *testing.T) {
	ctx := context.Background()
	r, _, uc := newCheckoutFixture()

	r.orders.On("FindByIdempotencyKey", mock.Anything, int64(7), "key-1").
		Return(model.Order{}, false, nil)
	r.carts.On("FindActiveByUserID", mock.Anything, int64(7)).
		Return(model.Cart{ID: 30}, nil)
	r.cartItems.On("ListByCartID", mock.Anything, int64(30)).
		Return([]model.CartItem{
			{ID: 1, CartID: 30, ListingID: 100, Quantity: 1, UnitPriceSnapshot: 500},
		}, nil)
	r.listings.On("LockForUpdate", mock.Anything, []int64{100}, mock.Anything).
		Return([]model.Listing{
			{ID: 100, Name: "Last Jar", PriceCents: 500, Quantity: 1, Status: model.ListingStatusActive},
		}, nil)
	r.orders.On("Create", mock.Anything, mock.Anything).Return(int64(903), nil)
	r.orderItems.On("CreateBulk", mock.Anything, int64(903), mock.Anything).Return(nil)
	r.listings.On("DecrementStock", mock.Anything, int64(100), int64(1)).Return(false, nil)

	_, err := uc.CommitOrder(ctx, 7, validInput())

	var stockErr *usecase.InsufficientStockError
	assert.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "Last Jar", stockErr.ListingName)
	r.carts.AssertNotCalled(t, "Clear", mock.Anything, mock.Anything)
}

// 残り1個の出品に2人が同時に確定をかけたら、成功はちょうど1人。
// もう1人は在庫不足で失敗し、在庫は負にならない。
func TestCommitOrder_ConcurrentCheckout_ExactlyOneSucceeds(t *testing.T) {
	d := &raceData{
		listing: model.Listing{ID: 100, Name: "Last Jar", PriceCents: 500, Quantity: 1, Status: model.ListingStatusActive},
	}
	repos := &raceTxRepos{
		orders:     &raceOrderRepo{d: d},
		orderItems: &raceOrderItemRepo{},
		carts:      &raceCartRepo{},
		cartItems:  &raceCartItemRepo{d: d},
		listings:   &raceListingRepo{d: d},
	}
	uc := usecase.NewCheckoutUsecase(&raceTxManager{repos: repos}, new(CoGatewayMock), 3*time.Second)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for _, userID := range []int64{7, 8} {
		wg.Add(1)
		go func(uid int64) {
			defer wg.Done()
			in := validInput()
			in.IdempotencyKey = "key-" + strconv.FormatInt(uid, 10)
			_, err := uc.CommitOrder(context.Background(), uid, in)
			errs <- err
		}(userID)
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	stockFailed := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var stockErr *usecase.InsufficientStockError
		assert.ErrorAs(t, err, &stockErr)
		stockFailed++
	}

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, stockFailed)
	assert.Equal(t, 1, d.ordersCreated)
	assert.Equal(t, int64(0), d.listing.Quantity)
	assert.Equal(t, model.ListingStatusOutOfStock, d.listing.Status)
}

func TestCommitOrder_InvalidInput(t *testing.T) {
	ctx := context.Background()
	_, _, uc := newCheckoutFixture()

	cases := []struct {
		name string
		mod  func(*usecase.CheckoutInput)
	}{
		{"unknown method", func(in *usecase.CheckoutInput) { in.PaymentMethod = "paypal" }},
		{"empty address", func(in *usecase.CheckoutInput) { in.DeliveryAddress = " " }},
		{"empty key", func(in *usecase.CheckoutInput) { in.IdempotencyKey = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := validInput()
			tc.mod(&in)
			_, err := uc.CommitOrder(ctx, 7, in)
			he, ok := usecase.AsHTTPError(err)
			assert.True(t, ok)
			assert.Equal(t, 400, he.Status)
		})
	}
}

func TestCommitOrder_GatewayError(t *testing.T) {
	ctx := context.Background()
	_, gw, uc := newCheckoutFixture()

	gw.On("VerifyPayment", mock.Anything, "pi_err").
		Return(payment.Verification{}, errors.New("stripe down"))

	in := validInput()
	in.PaymentMethod = "stripe"
	in.PaymentIntentID = "pi_err"

	_, err := uc.CommitOrder(ctx, 7, in)

	var payErr *usecase.PaymentError
	assert.ErrorAs(t, err, &payErr)
}

// =====================
// CreateIntent
// =====================

func TestCreateIntent_Success(t *testing.T) {
	ctx := context.Background()
	r, gw, uc := newCheckoutFixture()

	r.carts.On("FindActiveByUserID", mock.Anything, int64(7)).
		Return(model.Cart{ID: 30}, nil)
	r.cartItems.On("ListByCartID", mock.Anything, int64(30)).
		Return([]model.CartItem{
			{ID: 1, CartID: 30, ListingID: 100, Quantity: 2, UnitPriceSnapshot: 500},
		}, nil)
	r.listings.On("FindByID", mock.Anything, int64(100)).
		Return(model.Listing{ID: 100, Name: "Heirloom Tomatoes", PriceCents: 500, Quantity: 10, Status: model.ListingStatusActive}, nil)
	gw.On("CreateIntent", mock.Anything, int64(1000), "usd", mock.Anything).
		Return(payment.Intent{ReferenceID: "pi_new", ClientSecret: "secret"}, nil)

	intent, amount, err := uc.CreateIntent(ctx, 7, "usd")
	assert.NoError(t, err)
	assert.Equal(t, "pi_new", intent.ReferenceID)
	assert.Equal(t, int64(1000), amount)
}

func TestCreateIntent_EmptyCart(t *testing.T) {
	ctx := context.Background()
	r, _, uc := newCheckoutFixture()

	r.carts.On("FindActiveByUserID", mock.Anything, int64(7)).
		Return(model.Cart{}, repo.ErrNotFound)

	_, _, err := uc.CreateIntent(ctx, 7, "usd")
	assert.ErrorIs(t, err, usecase.ErrEmptyCart)
}
