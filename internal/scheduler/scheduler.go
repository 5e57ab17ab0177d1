package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/dukahq/duka/internal/clock"
	paymentdomain "github.com/dukahq/duka/internal/payment/domain"
	"github.com/dukahq/duka/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const sweepLockKey = "payment:sweep:lock"

var ErrInvalidConfig = errors.New("scheduler requires a logger, clock and payment service")

type Params struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	PaymentSvc paymentdomain.Service
	Locker     *ratelimit.Locker `optional:"true"`
	Config     Config            `optional:"true"`
}

// Scheduler drives the expiry sweep: any attempt past its confirmation
// deadline is finalized expired through the same compare-and-swap as the
// webhook and poll paths, so a racing confirmation still wins cleanly.
type Scheduler struct {
	log        *zap.Logger
	cfg        Config
	clock      clock.Clock
	paymentSvc paymentdomain.Service
	locker     *ratelimit.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.PaymentSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:        p.Log.Named("scheduler"),
		cfg:        p.Config.withDefaults(),
		clock:      p.Clock,
		paymentSvc: p.PaymentSvc,
		locker:     p.Locker,
	}, nil
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, sweepLockKey, s.cfg.JobTimeout)
		if err != nil {
			s.log.Warn("sweep lock unavailable, sweeping anyway", zap.Error(err))
		} else if !ok {
			// Another replica holds the sweep this interval.
			return nil
		} else {
			defer func() {
				if err := s.locker.Release(ctx, sweepLockKey, token); err != nil {
					s.log.Warn("sweep lock release failed", zap.Error(err))
				}
			}()
		}
	}

	expired, err := s.paymentSvc.ExpireOverdue(ctx)
	if err != nil {
		return err
	}
	if expired > 0 {
		s.log.Info("expiry sweep finalized attempts", zap.Int("expired", expired))
	}
	return nil
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("expiry sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
