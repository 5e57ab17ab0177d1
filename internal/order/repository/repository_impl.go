package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/dukahq/duka/internal/order/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const orderColumns = `id, order_number, status, customer_phone, customer_email, shipping_address,
	referral_code, items, subtotal_amount, tax_amount, shipping_amount, discount_amount,
	total_amount, currency, paid_at, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, order *domain.Order) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO orders (
			id, order_number, status, customer_phone, customer_email, shipping_address,
			referral_code, items, subtotal_amount, tax_amount, shipping_amount,
			discount_amount, total_amount, currency, paid_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID,
		order.OrderNumber,
		order.Status,
		order.CustomerPhone,
		order.CustomerEmail,
		order.ShippingAddr,
		order.ReferralCode,
		order.Items,
		order.SubtotalAmount,
		order.TaxAmount,
		order.ShippingAmount,
		order.DiscountAmount,
		order.TotalAmount,
		order.Currency,
		order.PaidAt,
		order.CreatedAt,
		order.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Order, error) {
	var item domain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT `+orderColumns+` FROM orders WHERE id = ? LIMIT 1`, id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByNumber(ctx context.Context, db *gorm.DB, number string) (*domain.Order, error) {
	var item domain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT `+orderColumns+` FROM orders WHERE order_number = ? LIMIT 1`, number,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) SetPaymentPending(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE orders
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		domain.StatusPaymentPending,
		time.Now().UTC(),
		id,
		domain.StatusPlaced,
		domain.StatusPaymentFailed,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) SetPaid(ctx context.Context, db *gorm.DB, id snowflake.ID, paidAt time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE orders
		 SET status = ?, paid_at = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?, ?)`,
		domain.StatusPaid,
		paidAt,
		paidAt,
		id,
		domain.StatusPlaced,
		domain.StatusPaymentPending,
		domain.StatusPaymentFailed,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) SetPaymentFailed(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE orders
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		domain.StatusPaymentFailed,
		time.Now().UTC(),
		id,
		domain.StatusPlaced,
		domain.StatusPaymentPending,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) SetCancelled(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE orders
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?, ?)`,
		domain.StatusCancelled,
		time.Now().UTC(),
		id,
		domain.StatusPlaced,
		domain.StatusPaymentPending,
		domain.StatusPaymentFailed,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
