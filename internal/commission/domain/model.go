package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	orderdomain "github.com/dukahq/duka/internal/order/domain"
	"gorm.io/gorm"
)

type Entry struct {
	ID           snowflake.ID `json:"id" gorm:"primaryKey"`
	OrderID      snowflake.ID `json:"order_id" gorm:"not null;uniqueIndex"`
	AmbassadorID snowflake.ID `json:"ambassador_id" gorm:"not null;index"`
	AttemptID    snowflake.ID `json:"attempt_id" gorm:"not null"`
	Amount       int64        `json:"amount" gorm:"not null"`
	RateBps      int64        `json:"rate_bps" gorm:"not null"`
	Currency     string       `json:"currency" gorm:"type:text;not null"`
	Source       string       `json:"source" gorm:"type:text;not null"`
	CreatedAt    time.Time    `json:"created_at"`
}

func (Entry) TableName() string { return "commission_entries" }

const SourceReferral = "referral"

type Repository interface {
	// Insert is guarded by the unique order_id constraint; a duplicate write
	// reports false with no error.
	Insert(ctx context.Context, db *gorm.DB, entry *Entry) (bool, error)
	FindByOrder(ctx context.Context, db *gorm.DB, orderID snowflake.ID) (*Entry, error)
	ListByAmbassador(ctx context.Context, db *gorm.DB, ambassadorID snowflake.ID) ([]Entry, error)
}

// Service credits referral commissions for paid orders.
type Service interface {
	// AttributeOnPaid runs inside the transaction that finalized the winning
	// confirmed transition. It reports whether an entry was written; orders
	// without a resolvable referral code report false with no error.
	AttributeOnPaid(ctx context.Context, tx *gorm.DB, order *orderdomain.Order, attemptID snowflake.ID) (bool, error)

	EntryForOrder(ctx context.Context, orderID snowflake.ID) (*Entry, error)
}
