package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/dukahq/duka/internal/referral/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByCode(ctx context.Context, db *gorm.DB, code string) (*domain.Ambassador, error) {
	var item domain.Ambassador
	err := db.WithContext(ctx).Raw(
		`SELECT id, referral_code, name, email, phone, active, created_at, updated_at
		 FROM ambassadors
		 WHERE referral_code = ?
		 LIMIT 1`,
		code,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Ambassador, error) {
	var item domain.Ambassador
	err := db.WithContext(ctx).Raw(
		`SELECT id, referral_code, name, email, phone, active, created_at, updated_at
		 FROM ambassadors
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}
