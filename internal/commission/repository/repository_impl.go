package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/dukahq/duka/internal/commission/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const entryColumns = `id, order_id, ambassador_id, attempt_id, amount, rate_bps, currency, source, created_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.Entry) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO commission_entries (
			id, order_id, ambassador_id, attempt_id, amount, rate_bps, currency, source, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (order_id) DO NOTHING`,
		entry.ID,
		entry.OrderID,
		entry.AmbassadorID,
		entry.AttemptID,
		entry.Amount,
		entry.RateBps,
		entry.Currency,
		entry.Source,
		entry.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByOrder(ctx context.Context, db *gorm.DB, orderID snowflake.ID) (*domain.Entry, error) {
	var item domain.Entry
	err := db.WithContext(ctx).Raw(
		`SELECT `+entryColumns+` FROM commission_entries WHERE order_id = ? LIMIT 1`,
		orderID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListByAmbassador(ctx context.Context, db *gorm.DB, ambassadorID snowflake.ID) ([]domain.Entry, error) {
	var items []domain.Entry
	err := db.WithContext(ctx).Raw(
		`SELECT `+entryColumns+` FROM commission_entries
		 WHERE ambassador_id = ?
		 ORDER BY created_at DESC`,
		ambassadorID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
