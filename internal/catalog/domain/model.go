package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Product struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey"`
	SKU         string       `json:"sku" gorm:"type:text;not null;uniqueIndex"`
	Name        string       `json:"name" gorm:"type:text;not null"`
	Description string       `json:"description" gorm:"type:text"`
	PriceAmount int64        `json:"price_amount" gorm:"not null"`
	Currency    string       `json:"currency" gorm:"type:text;not null"`
	Active      bool         `json:"active" gorm:"not null"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func (Product) TableName() string { return "products" }

var (
	ErrProductNotFound = errors.New("product not found")
	ErrProductInactive = errors.New("product is not available for sale")
)

type Repository interface {
	FindBySKU(ctx context.Context, db *gorm.DB, sku string) (*Product, error)
	List(ctx context.Context, db *gorm.DB, activeOnly bool) ([]Product, error)
}

type Service interface {
	Lookup(ctx context.Context, sku string) (*Product, error)
	List(ctx context.Context) ([]Product, error)
}
