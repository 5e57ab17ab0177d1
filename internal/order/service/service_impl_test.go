package service_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	catalogdomain "github.com/dukahq/duka/internal/catalog/domain"
	catalogrepo "github.com/dukahq/duka/internal/catalog/repository"
	catalogservice "github.com/dukahq/duka/internal/catalog/service"
	"github.com/dukahq/duka/internal/clock"
	commissionrepo "github.com/dukahq/duka/internal/commission/repository"
	commissionservice "github.com/dukahq/duka/internal/commission/service"
	"github.com/dukahq/duka/internal/config"
	"github.com/dukahq/duka/internal/order/domain"
	orderrepo "github.com/dukahq/duka/internal/order/repository"
	orderservice "github.com/dukahq/duka/internal/order/service"
	paymentdomain "github.com/dukahq/duka/internal/payment/domain"
	paymentrepo "github.com/dukahq/duka/internal/payment/repository"
	paymentservice "github.com/dukahq/duka/internal/payment/service"
	"github.com/dukahq/duka/internal/providers/email"
	"github.com/dukahq/duka/internal/providers/pdf"
	referralrepo "github.com/dukahq/duka/internal/referral/repository"
	referralservice "github.com/dukahq/duka/internal/referral/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stubGateway struct {
	pushErr error
	next    int
}

func (g *stubGateway) PushPayment(ctx context.Context, req paymentdomain.PushRequest) (*paymentdomain.PushResponse, error) {
	if g.pushErr != nil {
		return nil, g.pushErr
	}
	g.next++
	return &paymentdomain.PushResponse{GatewayRequestID: fmt.Sprintf("gw-req-%d", g.next)}, nil
}

func (g *stubGateway) QueryStatus(ctx context.Context, gatewayRequestID string) (*paymentdomain.GatewayResult, error) {
	return &paymentdomain.GatewayResult{Kind: paymentdomain.ResultPending}, nil
}

type orderFixture struct {
	db      *gorm.DB
	node    *snowflake.Node
	clk     *clock.FakeClock
	gateway *stubGateway
	engine  paymentdomain.Service
	orders  domain.Service
}

func newOrderFixture(t *testing.T) *orderFixture {
	t.Helper()

	db := setupTestDB(t)
	node, err := snowflake.NewNode(9)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	gw := &stubGateway{}
	policy := config.NewStaticPolicyHolder(config.DefaultReconcilePolicy())

	catalogSvc := catalogservice.NewService(catalogservice.Params{
		DB:   db,
		Log:  zap.NewNop(),
		Repo: catalogrepo.Provide(),
	})
	referralSvc := referralservice.NewService(referralservice.Params{
		DB:   db,
		Log:  zap.NewNop(),
		Repo: referralrepo.Provide(),
	})
	commissionSvc := commissionservice.NewService(commissionservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Repo:     commissionrepo.Provide(),
		Referral: referralSvc,
		Policy:   policy,
	})
	ordersRepo := orderrepo.Provide()
	engine := paymentservice.NewService(paymentservice.Params{
		DB:            db,
		Log:           zap.NewNop(),
		GenID:         node,
		Clock:         clk,
		Repo:          paymentrepo.Provide(),
		OrderRepo:     ordersRepo,
		CommissionSvc: commissionSvc,
		Gateway:       gw,
		Policy:        policy,
		Email:         &email.NoOpProvider{},
	})
	orders := orderservice.NewService(orderservice.Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clk,
		Repo:    ordersRepo,
		Catalog: catalogSvc,
		Engine:  engine,
		PDF:     pdf.New(),
	})

	return &orderFixture{
		db:      db,
		node:    node,
		clk:     clk,
		gateway: gw,
		engine:  engine,
		orders:  orders,
	}
}

func (f *orderFixture) seedProduct(t *testing.T, sku string, price int64, active bool) {
	t.Helper()
	err := f.db.Exec(
		`INSERT INTO products (id, sku, name, description, price_amount, currency, active, created_at, updated_at)
		 VALUES (?, ?, ?, '', ?, 'KES', ?, ?, ?)`,
		f.node.Generate(), sku, "Product "+sku, price, active, f.clk.Now(), f.clk.Now(),
	).Error
	if err != nil {
		t.Fatalf("seed product: %v", err)
	}
}

func validInput() domain.CreateOrderInput {
	return domain.CreateOrderInput{
		Items: []domain.Item{
			{SKU: "KB-01", Name: "Kiondo basket", Quantity: 2, UnitPrice: 3500},
			{SKU: "SH-02", Name: "Shuka", Quantity: 1, UnitPrice: 3000},
		},
		Totals: domain.Totals{
			Subtotal: 10000,
			Tax:      0,
			Shipping: 500,
			Discount: 0,
			Total:    10500,
		},
		CustomerPhone:   "254700111222",
		ShippingAddress: "Moi Avenue 12, Nairobi",
	}
}

func TestCreateOrderOpensFirstAttempt(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture(t)
	f.seedProduct(t, "KB-01", 3500, true)
	f.seedProduct(t, "SH-02", 3000, true)

	result, err := f.orders.Create(ctx, validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if result.Order.Status != domain.StatusPlaced {
		t.Fatalf("expected placed, got %s", result.Order.Status)
	}
	if result.PaymentAttemptID == 0 {
		t.Fatal("expected a payment attempt id")
	}

	var status string
	if err := f.db.Raw("SELECT status FROM orders WHERE id = ?", result.Order.ID).Scan(&status).Error; err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status != string(domain.StatusPaymentPending) {
		t.Fatalf("expected payment_pending after push, got %s", status)
	}

	var state string
	if err := f.db.Raw("SELECT state FROM payment_attempts WHERE id = ?", result.PaymentAttemptID).Scan(&state).Error; err != nil {
		t.Fatalf("read attempt: %v", err)
	}
	if state != string(paymentdomain.StateAwaitingConfirmation) {
		t.Fatalf("expected awaiting_confirmation, got %s", state)
	}
}

func TestCreateOrderRejectsBrokenTotals(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture(t)

	input := validInput()
	input.Totals.Total = 9999

	_, err := f.orders.Create(ctx, input)
	var totalsErr *domain.InvalidTotalsError
	if !errors.As(err, &totalsErr) {
		t.Fatalf("expected InvalidTotalsError, got %v", err)
	}
	if totalsErr.Expected != 10500 || totalsErr.Got != 9999 {
		t.Fatalf("unexpected mismatch detail: %+v", totalsErr)
	}
}

func TestCreateOrderRejectsMissingPhone(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture(t)

	input := validInput()
	input.CustomerPhone = "   "

	_, err := f.orders.Create(ctx, input)
	if !errors.Is(err, domain.ErrCustomerPhoneMissing) {
		t.Fatalf("expected ErrCustomerPhoneMissing, got %v", err)
	}
}

func TestCreateOrderRejectsNegativeComponent(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture(t)

	input := validInput()
	input.Totals.Discount = -100

	_, err := f.orders.Create(ctx, input)
	var totalsErr *domain.InvalidTotalsError
	if !errors.As(err, &totalsErr) {
		t.Fatalf("expected InvalidTotalsError, got %v", err)
	}
}

func TestCreateOrderRejectsCatalogPriceMismatch(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture(t)
	f.seedProduct(t, "KB-01", 4000, true) // storefront sent 3500
	f.seedProduct(t, "SH-02", 3000, true)

	_, err := f.orders.Create(ctx, validInput())
	var totalsErr *domain.InvalidTotalsError
	if !errors.As(err, &totalsErr) {
		t.Fatalf("expected InvalidTotalsError, got %v", err)
	}
}

func TestCreateOrderRejectsSubtotalLineMismatch(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture(t)
	f.seedProduct(t, "KB-01", 3500, true)
	f.seedProduct(t, "SH-02", 3000, true)

	input := validInput()
	input.Totals.Subtotal = 9000
	input.Totals.Total = 9500

	_, err := f.orders.Create(ctx, input)
	var totalsErr *domain.InvalidTotalsError
	if !errors.As(err, &totalsErr) {
		t.Fatalf("expected InvalidTotalsError, got %v", err)
	}
}

func TestCreateOrderRejectsInactiveProduct(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture(t)
	f.seedProduct(t, "KB-01", 3500, false)
	f.seedProduct(t, "SH-02", 3000, true)

	_, err := f.orders.Create(ctx, validInput())
	if !errors.Is(err, catalogdomain.ErrProductInactive) {
		t.Fatalf("expected inactive product error, got %v", err)
	}
}

func TestCreateOrderSurvivesUnavailableGateway(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture(t)
	f.seedProduct(t, "KB-01", 3500, true)
	f.seedProduct(t, "SH-02", 3000, true)

	f.gateway.pushErr = paymentdomain.ErrGatewayUnavailable
	_, err := f.orders.Create(ctx, validInput())
	if !errors.Is(err, paymentdomain.ErrGatewayUnavailable) {
		t.Fatalf("expected gateway unavailable, got %v", err)
	}

	// The order row is kept so the customer can retry once the gateway is back.
	var count int64
	if err := f.db.Raw("SELECT COUNT(1) FROM orders").Scan(&count).Error; err != nil {
		t.Fatalf("count orders: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected the order to survive, got %d rows", count)
	}
}

func TestRetryGuardsOnStatus(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture(t)
	f.seedProduct(t, "KB-01", 3500, true)
	f.seedProduct(t, "SH-02", 3000, true)

	result, err := f.orders.Create(ctx, validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// payment_pending with an attempt in flight is not retryable.
	_, err = f.orders.Retry(ctx, result.Order.ID)
	if !errors.Is(err, domain.ErrOrderNotRetryable) {
		t.Fatalf("expected ErrOrderNotRetryable, got %v", err)
	}

	// A failed payment re-opens the door.
	failure := fmt.Sprintf(`{"request_id":"gw-req-%d","result_code":1032,"result_description":"Request cancelled by user"}`, f.gateway.next)
	if err := f.engine.HandleCallback(ctx, []byte(failure)); err != nil {
		t.Fatalf("failure callback: %v", err)
	}

	retried, err := f.orders.Retry(ctx, result.Order.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.PaymentAttemptID == result.PaymentAttemptID {
		t.Fatal("expected a fresh attempt id on retry")
	}
}

func TestReceiptOnlyForPaidOrders(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture(t)
	f.seedProduct(t, "KB-01", 3500, true)
	f.seedProduct(t, "SH-02", 3000, true)

	result, err := f.orders.Create(ctx, validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := f.orders.Receipt(ctx, result.Order.OrderNumber); !errors.Is(err, domain.ErrReceiptUnavailable) {
		t.Fatalf("expected ErrReceiptUnavailable, got %v", err)
	}

	success := fmt.Sprintf(`{"request_id":"gw-req-%d","result_code":0,"result_description":"processed"}`, f.gateway.next)
	if err := f.engine.HandleCallback(ctx, []byte(success)); err != nil {
		t.Fatalf("success callback: %v", err)
	}

	receipt, err := f.orders.Receipt(ctx, result.Order.OrderNumber)
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	pdfBytes, err := io.ReadAll(receipt)
	if err != nil {
		t.Fatalf("read receipt: %v", err)
	}
	if len(pdfBytes) < 4 || string(pdfBytes[:4]) != "%PDF" {
		t.Fatalf("expected a PDF document, got %d bytes", len(pdfBytes))
	}
}

func TestGetByNumberAndByID(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture(t)
	f.seedProduct(t, "KB-01", 3500, true)
	f.seedProduct(t, "SH-02", 3000, true)

	result, err := f.orders.Create(ctx, validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	byNumber, err := f.orders.Get(ctx, result.Order.OrderNumber)
	if err != nil {
		t.Fatalf("get by number: %v", err)
	}
	byID, err := f.orders.Get(ctx, result.Order.ID.String())
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if byNumber.ID != byID.ID {
		t.Fatal("number and id lookups disagree")
	}

	if _, err := f.orders.Get(ctx, "DK-does-not-exist"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	schema := []string{
		`CREATE TABLE products (
			id BIGINT PRIMARY KEY,
			sku TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			price_amount BIGINT NOT NULL,
			currency TEXT NOT NULL DEFAULT 'KES',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE ambassadors (
			id BIGINT PRIMARY KEY,
			referral_code TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE orders (
			id BIGINT PRIMARY KEY,
			order_number TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL DEFAULT 'placed',
			customer_phone TEXT NOT NULL,
			customer_email TEXT NOT NULL DEFAULT '',
			shipping_address TEXT NOT NULL DEFAULT '',
			referral_code TEXT,
			items TEXT NOT NULL DEFAULT '[]',
			subtotal_amount BIGINT NOT NULL,
			tax_amount BIGINT NOT NULL DEFAULT 0,
			shipping_amount BIGINT NOT NULL DEFAULT 0,
			discount_amount BIGINT NOT NULL DEFAULT 0,
			total_amount BIGINT NOT NULL,
			currency TEXT NOT NULL DEFAULT 'KES',
			paid_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE payment_attempts (
			id BIGINT PRIMARY KEY,
			order_id BIGINT NOT NULL,
			state TEXT NOT NULL DEFAULT 'initiated',
			gateway_request_id TEXT,
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL DEFAULT 'KES',
			msisdn TEXT NOT NULL,
			confirmation_source TEXT,
			result_code TEXT,
			result_description TEXT,
			raw_payload TEXT,
			deadline_at TIMESTAMP,
			finalized_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE commission_entries (
			id BIGINT PRIMARY KEY,
			order_id BIGINT NOT NULL UNIQUE,
			ambassador_id BIGINT NOT NULL,
			attempt_id BIGINT NOT NULL,
			amount BIGINT NOT NULL,
			rate_bps BIGINT NOT NULL,
			currency TEXT NOT NULL DEFAULT 'KES',
			source TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
	}

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}

	return db
}
