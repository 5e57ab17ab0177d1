package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Ambassador struct {
	ID           snowflake.ID `json:"id" gorm:"primaryKey"`
	ReferralCode string       `json:"referral_code" gorm:"type:text;not null;uniqueIndex"`
	Name         string       `json:"name" gorm:"type:text;not null"`
	Email        string       `json:"email" gorm:"type:text"`
	Phone        string       `json:"phone" gorm:"type:text"`
	Active       bool         `json:"active" gorm:"not null"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

func (Ambassador) TableName() string { return "ambassadors" }

var ErrAmbassadorNotFound = errors.New("ambassador not found")

type Repository interface {
	FindByCode(ctx context.Context, db *gorm.DB, code string) (*Ambassador, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Ambassador, error)
}

type Service interface {
	// Resolve returns the active ambassador owning a referral code, or
	// ErrAmbassadorNotFound when the code is unknown or retired.
	Resolve(ctx context.Context, code string) (*Ambassador, error)
}
