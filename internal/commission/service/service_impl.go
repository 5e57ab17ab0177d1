package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/dukahq/duka/internal/commission/domain"
	"github.com/dukahq/duka/internal/config"
	orderdomain "github.com/dukahq/duka/internal/order/domain"
	referraldomain "github.com/dukahq/duka/internal/referral/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Repo     domain.Repository
	Referral referraldomain.Service
	Policy   *config.ReconcilePolicyHolder
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	repo     domain.Repository
	referral referraldomain.Service
	policy   *config.ReconcilePolicyHolder
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("commission.service"),
		genID:    p.GenID,
		repo:     p.Repo,
		referral: p.Referral,
		policy:   p.Policy,
	}
}

func (s *Service) AttributeOnPaid(ctx context.Context, tx *gorm.DB, order *orderdomain.Order, attemptID snowflake.ID) (bool, error) {
	if order == nil || order.ReferralCode == nil || *order.ReferralCode == "" {
		return false, nil
	}

	ambassador, err := s.referral.Resolve(ctx, *order.ReferralCode)
	if err != nil {
		if errors.Is(err, referraldomain.ErrAmbassadorNotFound) {
			s.log.Info("referral code did not resolve, no commission",
				zap.String("order_id", order.ID.String()),
				zap.String("referral_code", *order.ReferralCode),
			)
			return false, nil
		}
		return false, err
	}

	policy := s.policy.Get()
	amount := order.TotalAmount * policy.CommissionRateBps / 10_000
	if amount < policy.CommissionMinAmount || amount <= 0 {
		return false, nil
	}

	entry := domain.Entry{
		ID:           s.genID.Generate(),
		OrderID:      order.ID,
		AmbassadorID: ambassador.ID,
		AttemptID:    attemptID,
		Amount:       amount,
		RateBps:      policy.CommissionRateBps,
		Currency:     order.Currency,
		Source:       domain.SourceReferral,
	}
	entry.CreatedAt = time.Now().UTC()

	inserted, err := s.repo.Insert(ctx, tx, &entry)
	if err != nil {
		return false, err
	}
	if !inserted {
		// Structurally impossible through the state machine, defended anyway:
		// the unique order_id constraint discarded a duplicate credit.
		s.log.Warn("duplicate commission insert discarded",
			zap.String("order_id", order.ID.String()),
		)
		return false, nil
	}

	s.log.Info("commission credited",
		zap.String("order_id", order.ID.String()),
		zap.String("ambassador_id", ambassador.ID.String()),
		zap.Int64("amount", amount),
	)
	return true, nil
}

func (s *Service) EntryForOrder(ctx context.Context, orderID snowflake.ID) (*domain.Entry, error) {
	return s.repo.FindByOrder(ctx, s.db, orderID)
}
