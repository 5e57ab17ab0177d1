package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/dukahq/duka/internal/catalog/domain"
	"github.com/dukahq/duka/internal/clock"
	"github.com/dukahq/duka/internal/order/domain"
	paymentdomain "github.com/dukahq/duka/internal/payment/domain"
	"github.com/dukahq/duka/internal/providers/pdf"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultCurrency = "KES"

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    domain.Repository
	Catalog catalogdomain.Service
	Engine  paymentdomain.Service
	PDF     pdf.Provider
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    domain.Repository
	catalog catalogdomain.Service
	engine  paymentdomain.Service
	pdf     pdf.Provider
}

func NewService(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("order.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		catalog: p.Catalog,
		engine:  p.Engine,
		pdf:     p.PDF,
	}
}

func (s *Service) Create(ctx context.Context, input domain.CreateOrderInput) (*domain.CreateResult, error) {
	if err := input.Totals.Validate(); err != nil {
		return nil, err
	}
	if len(input.Items) == 0 {
		return nil, &domain.InvalidTotalsError{Reason: "order has no items"}
	}
	input.CustomerPhone = strings.TrimSpace(input.CustomerPhone)
	if input.CustomerPhone == "" {
		return nil, domain.ErrCustomerPhoneMissing
	}

	if err := s.checkItems(ctx, input.Items, input.Totals.Subtotal); err != nil {
		return nil, err
	}

	itemsJSON, err := json.Marshal(input.Items)
	if err != nil {
		return nil, err
	}

	var referral *string
	if input.ReferralCode != nil {
		code := strings.ToUpper(strings.TrimSpace(*input.ReferralCode))
		if code != "" {
			referral = &code
		}
	}

	now := s.clock.Now()
	id := s.genID.Generate()
	order := &domain.Order{
		ID:             id,
		OrderNumber:    "DK-" + id.String(),
		Status:         domain.StatusPlaced,
		CustomerPhone:  input.CustomerPhone,
		CustomerEmail:  strings.TrimSpace(input.CustomerEmail),
		ShippingAddr:   strings.TrimSpace(input.ShippingAddress),
		ReferralCode:   referral,
		Items:          datatypes.JSON(itemsJSON),
		SubtotalAmount: input.Totals.Subtotal,
		TaxAmount:      input.Totals.Tax,
		ShippingAmount: input.Totals.Shipping,
		DiscountAmount: input.Totals.Discount,
		TotalAmount:    input.Totals.Total,
		Currency:       defaultCurrency,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.repo.Insert(ctx, s.db, order); err != nil {
		return nil, err
	}

	attempt, err := s.engine.OpenAttempt(ctx, order)
	if err != nil {
		// The order survives a failed push so the customer can retry; only
		// gateway errors are surfaced at creation time.
		s.log.Warn("first payment attempt failed at creation",
			zap.String("order_id", order.ID.String()),
			zap.Error(err),
		)
		return nil, err
	}

	s.log.Info("order placed",
		zap.String("order_id", order.ID.String()),
		zap.String("order_number", order.OrderNumber),
		zap.Int64("total", order.TotalAmount),
	)

	return &domain.CreateResult{Order: order, PaymentAttemptID: attempt.ID}, nil
}

// checkItems verifies each line against the catalog: the product must exist,
// be active, and carry its current price; the lines must add up to subtotal.
func (s *Service) checkItems(ctx context.Context, items []domain.Item, subtotal int64) error {
	var sum int64
	for _, item := range items {
		if item.Quantity <= 0 {
			return &domain.InvalidTotalsError{Reason: "item quantity must be positive"}
		}
		product, err := s.catalog.Lookup(ctx, item.SKU)
		if err != nil {
			return err
		}
		if item.UnitPrice != product.PriceAmount {
			return &domain.InvalidTotalsError{
				Reason:   fmt.Sprintf("unit price for %s does not match catalog", item.SKU),
				Expected: product.PriceAmount,
				Got:      item.UnitPrice,
			}
		}
		sum += item.Quantity * item.UnitPrice
	}
	if sum != subtotal {
		return &domain.InvalidTotalsError{
			Reason:   "subtotal does not match order lines",
			Expected: sum,
			Got:      subtotal,
		}
	}
	return nil
}

func (s *Service) Get(ctx context.Context, numberOrID string) (*domain.Order, error) {
	order, err := s.find(ctx, numberOrID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, domain.ErrOrderNotFound
	}
	return order, nil
}

func (s *Service) Cancel(ctx context.Context, id snowflake.ID) error {
	return s.engine.CancelOrder(ctx, id)
}

func (s *Service) Retry(ctx context.Context, id snowflake.ID) (*domain.CreateResult, error) {
	order, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, domain.ErrOrderNotFound
	}
	if order.Status != domain.StatusPaymentFailed && order.Status != domain.StatusPlaced {
		return nil, domain.ErrOrderNotRetryable
	}

	attempt, err := s.engine.OpenAttempt(ctx, order)
	if err != nil {
		return nil, err
	}
	return &domain.CreateResult{Order: order, PaymentAttemptID: attempt.ID}, nil
}

func (s *Service) Receipt(ctx context.Context, numberOrID string) (io.Reader, error) {
	order, err := s.Get(ctx, numberOrID)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.StatusPaid {
		return nil, domain.ErrReceiptUnavailable
	}

	var items []domain.Item
	if err := json.Unmarshal(order.Items, &items); err != nil {
		return nil, err
	}

	data := pdf.ReceiptData{
		StoreName:     "Duka",
		OrderNumber:   order.OrderNumber,
		CustomerPhone: order.CustomerPhone,
		Subtotal:      formatMinor(order.SubtotalAmount, order.Currency),
		Tax:           formatMinor(order.TaxAmount, order.Currency),
		Shipping:      formatMinor(order.ShippingAmount, order.Currency),
		Discount:      formatMinor(order.DiscountAmount, order.Currency),
		Total:         formatMinor(order.TotalAmount, order.Currency),
	}
	if order.PaidAt != nil {
		data.DatePaid = order.PaidAt.Format("2 Jan 2006")
	}
	for _, item := range items {
		data.Items = append(data.Items, pdf.ReceiptItem{
			Description: item.Name,
			Qty:         item.Quantity,
			UnitPrice:   formatMinor(item.UnitPrice, order.Currency),
			Amount:      formatMinor(item.Quantity*item.UnitPrice, order.Currency),
		})
	}

	return s.pdf.GenerateReceipt(ctx, data)
}

func (s *Service) find(ctx context.Context, numberOrID string) (*domain.Order, error) {
	numberOrID = strings.TrimSpace(numberOrID)
	if id, err := snowflake.ParseString(numberOrID); err == nil {
		order, err := s.repo.FindByID(ctx, s.db, id)
		if err != nil || order != nil {
			return order, err
		}
	}
	return s.repo.FindByNumber(ctx, s.db, numberOrID)
}

func formatMinor(amount int64, currency string) string {
	return fmt.Sprintf("%s %d.%02d", currency, amount/100, amount%100)
}
