package repository

import (
	"context"

	"github.com/dukahq/duka/internal/catalog/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindBySKU(ctx context.Context, db *gorm.DB, sku string) (*domain.Product, error) {
	var item domain.Product
	err := db.WithContext(ctx).Raw(
		`SELECT id, sku, name, description, price_amount, currency, active, created_at, updated_at
		 FROM products
		 WHERE sku = ?
		 LIMIT 1`,
		sku,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, activeOnly bool) ([]domain.Product, error) {
	query := `SELECT id, sku, name, description, price_amount, currency, active, created_at, updated_at
		 FROM products`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY sku`

	var items []domain.Product
	if err := db.WithContext(ctx).Raw(query).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
