package domain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Status string

const (
	StatusPlaced         Status = "placed"
	StatusPaymentPending Status = "payment_pending"
	StatusPaid           Status = "paid"
	StatusPaymentFailed  Status = "payment_failed"
	StatusCancelled      Status = "cancelled"
)

type Order struct {
	ID             snowflake.ID   `json:"id" gorm:"primaryKey"`
	OrderNumber    string         `json:"order_number" gorm:"type:text;not null;uniqueIndex"`
	Status         Status         `json:"status" gorm:"type:text;not null"`
	CustomerPhone  string         `json:"customer_phone" gorm:"type:text;not null"`
	CustomerEmail  string         `json:"customer_email" gorm:"type:text"`
	ShippingAddr   string         `json:"shipping_address" gorm:"column:shipping_address;type:text"`
	ReferralCode   *string        `json:"referral_code,omitempty" gorm:"type:text"`
	Items          datatypes.JSON `json:"items" gorm:"type:jsonb;not null"`
	SubtotalAmount int64          `json:"subtotal_amount" gorm:"not null"`
	TaxAmount      int64          `json:"tax_amount" gorm:"not null"`
	ShippingAmount int64          `json:"shipping_amount" gorm:"not null"`
	DiscountAmount int64          `json:"discount_amount" gorm:"not null"`
	TotalAmount    int64          `json:"total_amount" gorm:"not null"`
	Currency       string         `json:"currency" gorm:"type:text;not null"`
	PaidAt         *time.Time     `json:"paid_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (Order) TableName() string { return "orders" }

// Item is one order line as captured at checkout. Prices are minor units.
type Item struct {
	SKU       string `json:"sku"`
	Name      string `json:"name"`
	Quantity  int64  `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

type Totals struct {
	Subtotal int64 `json:"subtotal"`
	Tax      int64 `json:"tax"`
	Shipping int64 `json:"shipping"`
	Discount int64 `json:"discount"`
	Total    int64 `json:"total"`
}

var (
	ErrOrderNotFound        = errors.New("order not found")
	ErrOrderNotCancellable  = errors.New("order can no longer be cancelled")
	ErrOrderNotRetryable    = errors.New("order is not awaiting a payment retry")
	ErrReceiptUnavailable   = errors.New("receipt is only available for paid orders")
	ErrCustomerPhoneMissing = errors.New("customer phone is required")
)

// InvalidTotalsError reports exactly which part of the totals arithmetic
// failed so the storefront can show the mismatch.
type InvalidTotalsError struct {
	Reason   string
	Expected int64
	Got      int64
}

func (e *InvalidTotalsError) Error() string {
	if e.Reason != "" && e.Expected == 0 && e.Got == 0 {
		return fmt.Sprintf("invalid totals: %s", e.Reason)
	}
	return fmt.Sprintf("invalid totals: %s (expected %d, got %d)", e.Reason, e.Expected, e.Got)
}

// Validate checks the arithmetic identity total = subtotal + tax + shipping - discount
// and rejects negative components.
func (t Totals) Validate() error {
	for _, part := range []struct {
		name  string
		value int64
	}{
		{"subtotal", t.Subtotal},
		{"tax", t.Tax},
		{"shipping", t.Shipping},
		{"discount", t.Discount},
		{"total", t.Total},
	} {
		if part.value < 0 {
			return &InvalidTotalsError{Reason: part.name + " cannot be negative"}
		}
	}

	expected := t.Subtotal + t.Tax + t.Shipping - t.Discount
	if expected < 0 {
		return &InvalidTotalsError{Reason: "discount exceeds order value"}
	}
	if t.Total != expected {
		return &InvalidTotalsError{
			Reason:   "total does not match subtotal + tax + shipping - discount",
			Expected: expected,
			Got:      t.Total,
		}
	}
	return nil
}

type CreateOrderInput struct {
	Items           []Item  `json:"items"`
	Totals          Totals  `json:"totals"`
	CustomerPhone   string  `json:"customer_phone"`
	CustomerEmail   string  `json:"customer_email"`
	ShippingAddress string  `json:"shipping_address"`
	ReferralCode    *string `json:"referral_code,omitempty"`
}

// CreateResult carries the fresh order together with the id of its first
// payment attempt so the storefront can start polling immediately.
type CreateResult struct {
	Order            *Order       `json:"order"`
	PaymentAttemptID snowflake.ID `json:"payment_attempt_id"`
}

type Service interface {
	Create(ctx context.Context, input CreateOrderInput) (*CreateResult, error)
	// Get accepts either the opaque id or the human-facing order number.
	Get(ctx context.Context, numberOrID string) (*Order, error)
	Cancel(ctx context.Context, id snowflake.ID) error
	// Retry opens a fresh payment attempt after a failed one.
	Retry(ctx context.Context, id snowflake.ID) (*CreateResult, error)
	Receipt(ctx context.Context, numberOrID string) (io.Reader, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, order *Order) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Order, error)
	FindByNumber(ctx context.Context, db *gorm.DB, number string) (*Order, error)

	// Status projections are guarded compare-and-swap writes: each reports
	// whether the row actually moved.
	SetPaymentPending(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error)
	SetPaid(ctx context.Context, db *gorm.DB, id snowflake.ID, paidAt time.Time) (bool, error)
	SetPaymentFailed(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error)
	SetCancelled(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error)
}
