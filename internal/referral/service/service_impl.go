package service

import (
	"context"
	"strings"

	"github.com/dukahq/duka/internal/referral/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo domain.Repository
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("referral.service"),
		repo: p.Repo,
	}
}

func (s *Service) Resolve(ctx context.Context, code string) (*domain.Ambassador, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, domain.ErrAmbassadorNotFound
	}

	item, err := s.repo.FindByCode(ctx, s.db, code)
	if err != nil {
		return nil, err
	}
	if item == nil || !item.Active {
		return nil, domain.ErrAmbassadorNotFound
	}
	return item, nil
}
