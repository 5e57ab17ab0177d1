package service

import (
	"context"
	"strings"

	"github.com/dukahq/duka/internal/catalog/domain"
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
		log:  p.Log.Named("catalog.service"),
		repo: p.Repo,
	}
}

func (s *Service) Lookup(ctx context.Context, sku string) (*domain.Product, error) {
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return nil, domain.ErrProductNotFound
	}

	item, err := s.repo.FindBySKU(ctx, s.db, sku)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, domain.ErrProductNotFound
	}
	if !item.Active {
		return nil, domain.ErrProductInactive
	}
	return item, nil
}

func (s *Service) List(ctx context.Context) ([]domain.Product, error) {
	return s.repo.List(ctx, s.db, true)
}
