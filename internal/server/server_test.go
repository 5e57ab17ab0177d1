package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/dukahq/duka/internal/catalog/domain"
	commissiondomain "github.com/dukahq/duka/internal/commission/domain"
	obsmetrics "github.com/dukahq/duka/internal/observability/metrics"
	orderdomain "github.com/dukahq/duka/internal/order/domain"
	paymentdomain "github.com/dukahq/duka/internal/payment/domain"
	"github.com/dukahq/duka/internal/server"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stubOrderService struct {
	createResult *orderdomain.CreateResult
	createErr    error
	getOrder     *orderdomain.Order
	getErr       error
	cancelErr    error
	receipt      io.Reader
	receiptErr   error
}

func (s *stubOrderService) Create(ctx context.Context, input orderdomain.CreateOrderInput) (*orderdomain.CreateResult, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	return s.createResult, nil
}

func (s *stubOrderService) Get(ctx context.Context, numberOrID string) (*orderdomain.Order, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.getOrder, nil
}

func (s *stubOrderService) Cancel(ctx context.Context, id snowflake.ID) error {
	return s.cancelErr
}

func (s *stubOrderService) Retry(ctx context.Context, id snowflake.ID) (*orderdomain.CreateResult, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	return s.createResult, nil
}

func (s *stubOrderService) Receipt(ctx context.Context, numberOrID string) (io.Reader, error) {
	if s.receiptErr != nil {
		return nil, s.receiptErr
	}
	return s.receipt, nil
}

type stubPaymentService struct {
	callbackErr error
	callbacks   int
	attempt     *paymentdomain.PaymentAttempt
	pollErr     error
}

func (s *stubPaymentService) OpenAttempt(ctx context.Context, order *orderdomain.Order) (*paymentdomain.PaymentAttempt, error) {
	return s.attempt, nil
}

func (s *stubPaymentService) HandleCallback(ctx context.Context, payload []byte) error {
	s.callbacks++
	return s.callbackErr
}

func (s *stubPaymentService) PollStatus(ctx context.Context, attemptID snowflake.ID) (*paymentdomain.PaymentAttempt, error) {
	if s.pollErr != nil {
		return nil, s.pollErr
	}
	return s.attempt, nil
}

func (s *stubPaymentService) CancelOrder(ctx context.Context, orderID snowflake.ID) error {
	return nil
}

func (s *stubPaymentService) ExpireOverdue(ctx context.Context) (int, error) {
	return 0, nil
}

type stubCommissionService struct{}

func (stubCommissionService) AttributeOnPaid(ctx context.Context, tx *gorm.DB, order *orderdomain.Order, attemptID snowflake.ID) (bool, error) {
	return false, nil
}

func (stubCommissionService) EntryForOrder(ctx context.Context, orderID snowflake.ID) (*commissiondomain.Entry, error) {
	return nil, nil
}

type stubCatalogService struct {
	products []catalogdomain.Product
}

func (s *stubCatalogService) Lookup(ctx context.Context, sku string) (*catalogdomain.Product, error) {
	return nil, catalogdomain.ErrProductNotFound
}

func (s *stubCatalogService) List(ctx context.Context) ([]catalogdomain.Product, error) {
	return s.products, nil
}

type serverFixture struct {
	engine     *gin.Engine
	orderSvc   *stubOrderService
	paymentSvc *stubPaymentService
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	node, err := snowflake.NewNode(3)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	engine := server.NewEngine(obsmetrics.New(), zap.NewNop())
	orderSvc := &stubOrderService{}
	paymentSvc := &stubPaymentService{}

	server.NewServer(server.ServerParams{
		Gin:           engine,
		Log:           zap.NewNop(),
		GenID:         node,
		OrderSvc:      orderSvc,
		PaymentSvc:    paymentSvc,
		CommissionSvc: stubCommissionService{},
		CatalogSvc:    &stubCatalogService{},
	})

	return &serverFixture{engine: engine, orderSvc: orderSvc, paymentSvc: paymentSvc}
}

func (f *serverFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func TestCallbackAlwaysAcknowledged(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(http.MethodPost, "/payments/callback", `{"request_id":"ws_CO_1","result_code":0}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if f.paymentSvc.callbacks != 1 {
		t.Fatalf("expected the callback to reach the engine, got %d calls", f.paymentSvc.callbacks)
	}

	// Garbage bodies are still acknowledged; classification happens inside the
	// engine, never at the HTTP edge.
	w = f.do(http.MethodPost, "/payments/callback", `not json at all`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for garbage body, got %d", w.Code)
	}
}

func TestCallbackStorageFailureAsksForRedelivery(t *testing.T) {
	f := newServerFixture(t)
	f.paymentSvc.callbackErr = context.DeadlineExceeded

	w := f.do(http.MethodPost, "/payments/callback", `{"request_id":"ws_CO_1","result_code":0}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 to trigger redelivery, got %d", w.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "retry" {
		t.Fatalf("expected retry status, got %q", body["status"])
	}
}

func TestPaymentStatusEndpoint(t *testing.T) {
	f := newServerFixture(t)

	code := "0"
	source := paymentdomain.SourceWebhook
	f.paymentSvc.attempt = &paymentdomain.PaymentAttempt{
		ID:                 42,
		State:              paymentdomain.StateConfirmed,
		ConfirmationSource: &source,
		ResultCode:         &code,
	}

	w := f.do(http.MethodGet, "/payments/status/42", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var body struct {
		AttemptID  string  `json:"attemptId"`
		State      string  `json:"state"`
		ResultCode *string `json:"resultCode"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.State != string(paymentdomain.StateConfirmed) {
		t.Fatalf("expected confirmed, got %s", body.State)
	}
	if body.ResultCode == nil || *body.ResultCode != "0" {
		t.Fatalf("expected resultCode 0, got %v", body.ResultCode)
	}
}

func TestPaymentStatusBadIDIs404(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(http.MethodGet, "/payments/status/not-a-snowflake", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestCreateOrderResponseShape(t *testing.T) {
	f := newServerFixture(t)
	f.orderSvc.createResult = &orderdomain.CreateResult{
		Order: &orderdomain.Order{
			ID:          1234,
			OrderNumber: "DK-1234",
			Status:      orderdomain.StatusPlaced,
		},
		PaymentAttemptID: 5678,
	}

	w := f.do(http.MethodPost, "/orders", `{"items":[{"sku":"KB-01","quantity":1,"unit_price":10000}],"totals":{"subtotal":10000,"total":10000},"customer_phone":"254700111222"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}

	var body struct {
		OrderID          string `json:"orderId"`
		OrderNumber      string `json:"orderNumber"`
		PaymentAttemptID string `json:"paymentAttemptId"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.OrderNumber != "DK-1234" || body.PaymentAttemptID != "5678" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestCreateOrderErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{
			name:       "broken totals",
			err:        &orderdomain.InvalidTotalsError{Reason: "total does not match", Expected: 10500, Got: 9999},
			wantStatus: http.StatusBadRequest,
			wantType:   "invalid_totals",
		},
		{
			name:       "missing phone",
			err:        orderdomain.ErrCustomerPhoneMissing,
			wantStatus: http.StatusBadRequest,
			wantType:   "invalid_request",
		},
		{
			name:       "unknown product",
			err:        catalogdomain.ErrProductNotFound,
			wantStatus: http.StatusNotFound,
			wantType:   "not_found",
		},
		{
			name:       "inactive product",
			err:        catalogdomain.ErrProductInactive,
			wantStatus: http.StatusConflict,
			wantType:   "conflict",
		},
		{
			name:       "gateway rejection",
			err:        paymentdomain.ErrGatewayRejected,
			wantStatus: http.StatusUnprocessableEntity,
			wantType:   "gateway_rejected",
		},
		{
			name:       "gateway outage",
			err:        paymentdomain.ErrGatewayUnavailable,
			wantStatus: http.StatusServiceUnavailable,
			wantType:   "gateway_unavailable",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newServerFixture(t)
			f.orderSvc.createErr = tc.err

			w := f.do(http.MethodPost, "/orders", `{"items":[],"totals":{},"customer_phone":""}`)
			if w.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d", tc.wantStatus, w.Code)
			}

			var body struct {
				Error struct {
					Type string `json:"type"`
				} `json:"error"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Error.Type != tc.wantType {
				t.Fatalf("expected error type %q, got %q", tc.wantType, body.Error.Type)
			}
		})
	}
}

func TestCancelOrderConflict(t *testing.T) {
	f := newServerFixture(t)
	f.orderSvc.cancelErr = orderdomain.ErrOrderNotCancellable

	w := f.do(http.MethodPost, "/orders/1234/cancel", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestReceiptStreamsPDF(t *testing.T) {
	f := newServerFixture(t)
	f.orderSvc.getOrder = &orderdomain.Order{ID: 1234, Status: orderdomain.StatusPaid}
	f.orderSvc.receipt = strings.NewReader("%PDF-1.7 fake")

	w := f.do(http.MethodGet, "/orders/DK-1234/receipt", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("expected application/pdf, got %q", ct)
	}
	if !strings.HasPrefix(w.Body.String(), "%PDF") {
		t.Fatalf("expected PDF bytes, got %q", w.Body.String())
	}
}

func TestReceiptUnavailableBeforePayment(t *testing.T) {
	f := newServerFixture(t)
	f.orderSvc.receiptErr = orderdomain.ErrReceiptUnavailable

	w := f.do(http.MethodGet, "/orders/DK-1234/receipt", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newServerFixture(t)

	// A request through the middleware shows up in the scrape output.
	f.do(http.MethodGet, "/health", "")

	w := f.do(http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "duka_http_request_duration_seconds") {
		t.Fatal("expected request duration metric in scrape output")
	}
}
