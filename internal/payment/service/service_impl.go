package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/dukahq/duka/internal/clock"
	commissiondomain "github.com/dukahq/duka/internal/commission/domain"
	"github.com/dukahq/duka/internal/config"
	obsmetrics "github.com/dukahq/duka/internal/observability/metrics"
	orderdomain "github.com/dukahq/duka/internal/order/domain"
	paymentdomain "github.com/dukahq/duka/internal/payment/domain"
	"github.com/dukahq/duka/internal/providers/email"
	"github.com/dukahq/duka/internal/ratelimit"
	"github.com/dukahq/duka/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Repo          paymentdomain.Repository
	OrderRepo     orderdomain.Repository
	CommissionSvc commissiondomain.Service
	Gateway       paymentdomain.Gateway
	Policy        *config.ReconcilePolicyHolder
	Limiter       *ratelimit.GatewayQueryLimiter `optional:"true"`
	Email         email.Provider
	ObsMetrics    *obsmetrics.Metrics `optional:"true"`
}

// Service is the reconciliation engine. All terminal transitions funnel
// through finalize, which owns the compare-and-swap and its side effects.
type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	repo          paymentdomain.Repository
	orderRepo     orderdomain.Repository
	commissionSvc commissiondomain.Service
	gateway       paymentdomain.Gateway
	policy        *config.ReconcilePolicyHolder
	limiter       *ratelimit.GatewayQueryLimiter
	email         email.Provider
	obsMetrics    *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("payment.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		repo:          p.Repo,
		orderRepo:     p.OrderRepo,
		commissionSvc: p.CommissionSvc,
		gateway:       p.Gateway,
		policy:        p.Policy,
		limiter:       p.Limiter,
		email:         p.Email,
		obsMetrics:    p.ObsMetrics,
	}
}

func (s *Service) OpenAttempt(ctx context.Context, order *orderdomain.Order) (*paymentdomain.PaymentAttempt, error) {
	if order == nil {
		return nil, orderdomain.ErrOrderNotFound
	}
	switch order.Status {
	case orderdomain.StatusPlaced, orderdomain.StatusPaymentPending, orderdomain.StatusPaymentFailed:
	default:
		return nil, paymentdomain.ErrOrderNotPayable
	}

	active, err := s.repo.FindActiveByOrder(ctx, s.db, order.ID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		if active.State == paymentdomain.StateAwaitingConfirmation {
			return nil, paymentdomain.ErrAttemptInFlight
		}
		// A stale initiated attempt means an earlier push never completed.
		// Supersede it so the partial unique index admits the fresh one.
		desc := "superseded by a newer attempt"
		won, err := s.repo.Finalize(ctx, s.db, active.ID,
			[]paymentdomain.AttemptState{paymentdomain.StateInitiated},
			paymentdomain.Finalization{
				To:          paymentdomain.StateFailed,
				Source:      paymentdomain.SourceUser,
				Description: &desc,
				At:          s.clock.Now(),
			})
		if err != nil {
			return nil, err
		}
		if !won {
			return nil, paymentdomain.ErrAttemptInFlight
		}
	}

	now := s.clock.Now()
	attempt := &paymentdomain.PaymentAttempt{
		ID:        s.genID.Generate(),
		OrderID:   order.ID,
		State:     paymentdomain.StateInitiated,
		Amount:    order.TotalAmount,
		Currency:  order.Currency,
		Msisdn:    order.CustomerPhone,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Insert(ctx, s.db, attempt); err != nil {
		// A rival attempt slipped in between the active check and the
		// insert; the partial unique index caught it.
		if db.IsDuplicateKeyErr(err) {
			return nil, paymentdomain.ErrAttemptInFlight
		}
		return nil, err
	}

	push, err := s.gateway.PushPayment(ctx, paymentdomain.PushRequest{
		Msisdn:    order.CustomerPhone,
		Amount:    order.TotalAmount,
		Currency:  order.Currency,
		Reference: order.OrderNumber,
	})
	if err != nil {
		if errors.Is(err, paymentdomain.ErrGatewayRejected) {
			s.recordGateway("push", "rejected")
			desc := err.Error()
			if ferr := s.finalizeRejectedPush(ctx, attempt, desc); ferr != nil {
				return nil, ferr
			}
			return nil, err
		}
		// Transient: the attempt stays initiated and a later OpenAttempt
		// supersedes it.
		s.recordGateway("push", "unavailable")
		s.log.Warn("push payment failed",
			zap.String("order_id", order.ID.String()),
			zap.Error(err),
		)
		return nil, err
	}
	s.recordGateway("push", "ok")

	deadline := s.clock.Now().Add(s.policy.Get().AttemptDeadline)
	moved, err := s.repo.MarkAwaiting(ctx, s.db, attempt.ID, push.GatewayRequestID, deadline)
	if err != nil {
		return nil, err
	}
	if moved {
		if _, err := s.orderRepo.SetPaymentPending(ctx, s.db, order.ID); err != nil {
			return nil, err
		}
	}

	return s.repo.FindByID(ctx, s.db, attempt.ID)
}

func (s *Service) HandleCallback(ctx context.Context, payload []byte) error {
	result := paymentdomain.ParseCallback(payload)
	if result.Kind == paymentdomain.ResultMalformed {
		s.log.Warn("malformed webhook payload ignored", zap.Int("bytes", len(payload)))
		return nil
	}

	attempt, err := s.repo.FindByGatewayRequestID(ctx, s.db, result.GatewayRequestID)
	if err != nil {
		return err
	}
	if attempt == nil {
		s.log.Warn("webhook for unknown gateway request id",
			zap.String("gateway_request_id", result.GatewayRequestID),
		)
		return nil
	}

	return s.resolve(ctx, attempt, result, paymentdomain.SourceWebhook)
}

func (s *Service) PollStatus(ctx context.Context, attemptID snowflake.ID) (*paymentdomain.PaymentAttempt, error) {
	attempt, err := s.repo.FindByID(ctx, s.db, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt == nil {
		return nil, paymentdomain.ErrAttemptNotFound
	}

	// Terminal attempts are pure reads: no gateway contact, ever.
	if attempt.State.Terminal() || attempt.State == paymentdomain.StateInitiated {
		return attempt, nil
	}

	if s.pastDeadline(attempt) {
		if err := s.expire(ctx, attempt, paymentdomain.SourcePoll); err != nil {
			return nil, err
		}
		return s.repo.FindByID(ctx, s.db, attemptID)
	}

	if attempt.GatewayRequestID == nil {
		return attempt, nil
	}

	allowed := true
	if s.limiter.Enabled() {
		allowed, err = s.limiter.AllowQuery(ctx, attempt.ID.String())
		if err != nil {
			s.log.Warn("gateway query throttle unavailable", zap.Error(err))
			allowed = false
		}
	}
	if !allowed {
		return attempt, nil
	}

	result, err := s.gateway.QueryStatus(ctx, *attempt.GatewayRequestID)
	if err != nil {
		// The poll still answers from local state; the webhook or a later
		// poll picks it up.
		s.recordGateway("query", "unavailable")
		s.log.Warn("status query failed",
			zap.String("attempt_id", attempt.ID.String()),
			zap.Error(err),
		)
		return attempt, nil
	}
	s.recordGateway("query", "ok")

	if err := s.resolve(ctx, attempt, *result, paymentdomain.SourcePoll); err != nil {
		return nil, err
	}
	return s.repo.FindByID(ctx, s.db, attemptID)
}

func (s *Service) CancelOrder(ctx context.Context, orderID snowflake.ID) error {
	order, err := s.orderRepo.FindByID(ctx, s.db, orderID)
	if err != nil {
		return err
	}
	if order == nil {
		return orderdomain.ErrOrderNotFound
	}

	attempt, err := s.repo.FindActiveByOrder(ctx, s.db, orderID)
	if err != nil {
		return err
	}
	if attempt == nil {
		moved, err := s.orderRepo.SetCancelled(ctx, s.db, orderID)
		if err != nil {
			return err
		}
		if !moved {
			return orderdomain.ErrOrderNotCancellable
		}
		return nil
	}

	won := false
	desc := "cancelled by customer"
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.Finalize(ctx, tx, attempt.ID,
			[]paymentdomain.AttemptState{paymentdomain.StateInitiated, paymentdomain.StateAwaitingConfirmation},
			paymentdomain.Finalization{
				To:          paymentdomain.StateCancelled,
				Source:      paymentdomain.SourceUser,
				Description: &desc,
				At:          s.clock.Now(),
			})
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		won = true
		if _, err := s.orderRepo.SetCancelled(ctx, tx, orderID); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !won {
		// The attempt finalized first; a just-confirmed payment cannot be
		// un-cancelled.
		return orderdomain.ErrOrderNotCancellable
	}

	s.recordTransition(paymentdomain.StateCancelled, paymentdomain.SourceUser)
	return nil
}

func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	policy := s.policy.Get()
	overdue, err := s.repo.ListOverdue(ctx, s.db, s.clock.Now(), policy.SweepBatchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range overdue {
		attempt := overdue[i]
		if err := s.expire(ctx, &attempt, paymentdomain.SourceSweep); err != nil {
			s.log.Error("expiry sweep failed",
				zap.String("attempt_id", attempt.ID.String()),
				zap.Error(err),
			)
			continue
		}
		expired++
	}
	return expired, nil
}

// resolve routes a classified gateway result into the terminal CAS. A pending
// result only matters when the deadline has already passed.
func (s *Service) resolve(ctx context.Context, attempt *paymentdomain.PaymentAttempt, result paymentdomain.GatewayResult, source paymentdomain.ConfirmationSource) error {
	switch result.Kind {
	case paymentdomain.ResultSuccess:
		return s.confirm(ctx, attempt, result, source)
	case paymentdomain.ResultFailure:
		return s.fail(ctx, attempt, result, source)
	case paymentdomain.ResultPending:
		if s.pastDeadline(attempt) {
			return s.expire(ctx, attempt, source)
		}
		return nil
	default:
		s.log.Warn("unclassifiable gateway result ignored",
			zap.String("attempt_id", attempt.ID.String()),
		)
		return nil
	}
}

func (s *Service) confirm(ctx context.Context, attempt *paymentdomain.PaymentAttempt, result paymentdomain.GatewayResult, source paymentdomain.ConfirmationSource) error {
	won := false
	credited := false
	var order *orderdomain.Order

	now := s.clock.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.Finalize(ctx, tx, attempt.ID,
			[]paymentdomain.AttemptState{paymentdomain.StateAwaitingConfirmation},
			paymentdomain.Finalization{
				To:          paymentdomain.StateConfirmed,
				Source:      source,
				Code:        &result.Code,
				Description: &result.Description,
				Raw:         result.Raw,
				At:          now,
			})
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		won = true

		order, err = s.orderRepo.FindByID(ctx, tx, attempt.OrderID)
		if err != nil {
			return err
		}
		if order == nil {
			return fmt.Errorf("attempt %s references missing order %s", attempt.ID, attempt.OrderID)
		}

		if _, err := s.orderRepo.SetPaid(ctx, tx, order.ID, now); err != nil {
			return err
		}

		credited, err = s.commissionSvc.AttributeOnPaid(ctx, tx, order, attempt.ID)
		return err
	})
	if err != nil {
		return err
	}
	if !won {
		// Lost the race: the other source already finalized. No-op.
		return nil
	}

	s.recordTransition(paymentdomain.StateConfirmed, source)
	if credited {
		if s.obsMetrics != nil {
			s.obsMetrics.RecordCommission()
		}
	}

	s.log.Info("payment confirmed",
		zap.String("attempt_id", attempt.ID.String()),
		zap.String("order_id", attempt.OrderID.String()),
		zap.String("source", string(source)),
	)

	s.notifyPaid(ctx, order)
	return nil
}

func (s *Service) fail(ctx context.Context, attempt *paymentdomain.PaymentAttempt, result paymentdomain.GatewayResult, source paymentdomain.ConfirmationSource) error {
	return s.finalizeUnsuccessful(ctx, attempt, paymentdomain.Finalization{
		To:          paymentdomain.StateFailed,
		Source:      source,
		Code:        &result.Code,
		Description: &result.Description,
		Raw:         result.Raw,
		At:          s.clock.Now(),
	}, []paymentdomain.AttemptState{paymentdomain.StateAwaitingConfirmation})
}

func (s *Service) expire(ctx context.Context, attempt *paymentdomain.PaymentAttempt, source paymentdomain.ConfirmationSource) error {
	desc := "confirmation deadline elapsed"
	return s.finalizeUnsuccessful(ctx, attempt, paymentdomain.Finalization{
		To:          paymentdomain.StateExpired,
		Source:      source,
		Description: &desc,
		At:          s.clock.Now(),
	}, []paymentdomain.AttemptState{paymentdomain.StateAwaitingConfirmation})
}

func (s *Service) finalizeRejectedPush(ctx context.Context, attempt *paymentdomain.PaymentAttempt, desc string) error {
	return s.finalizeUnsuccessful(ctx, attempt, paymentdomain.Finalization{
		To:          paymentdomain.StateFailed,
		Source:      paymentdomain.SourceGateway,
		Description: &desc,
		At:          s.clock.Now(),
	}, []paymentdomain.AttemptState{paymentdomain.StateInitiated})
}

// finalizeUnsuccessful runs the losing-side terminal CAS (failed, expired)
// and projects the order to payment_failed in the same transaction.
func (s *Service) finalizeUnsuccessful(ctx context.Context, attempt *paymentdomain.PaymentAttempt, f paymentdomain.Finalization, from []paymentdomain.AttemptState) error {
	won := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.Finalize(ctx, tx, attempt.ID, from, f)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		won = true
		if _, err := s.orderRepo.SetPaymentFailed(ctx, tx, attempt.OrderID); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	if won {
		s.recordTransition(f.To, f.Source)
		s.log.Info("payment attempt finalized",
			zap.String("attempt_id", attempt.ID.String()),
			zap.String("state", string(f.To)),
			zap.String("source", string(f.Source)),
		)
	}
	return nil
}

func (s *Service) pastDeadline(attempt *paymentdomain.PaymentAttempt) bool {
	return attempt.DeadlineAt != nil && !s.clock.Now().Before(*attempt.DeadlineAt)
}

func (s *Service) notifyPaid(ctx context.Context, order *orderdomain.Order) {
	if order == nil || order.CustomerEmail == "" {
		return
	}
	subject := "Payment received for order " + order.OrderNumber
	body := fmt.Sprintf(
		"<p>We have received your payment of %d %s for order <strong>%s</strong>. Thank you for shopping with us.</p>",
		order.TotalAmount, order.Currency, order.OrderNumber,
	)
	if err := s.email.Send(ctx, []string{order.CustomerEmail}, subject, body); err != nil {
		s.log.Warn("confirmation email failed",
			zap.String("order_id", order.ID.String()),
			zap.Error(err),
		)
	}
}

func (s *Service) recordTransition(state paymentdomain.AttemptState, source paymentdomain.ConfirmationSource) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordTransition(string(state), string(source))
	}
}

func (s *Service) recordGateway(op, outcome string) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordGatewayRequest(op, outcome)
	}
}
