package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/dukahq/duka/internal/payment/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const attemptColumns = `id, order_id, state, gateway_request_id, amount, currency, msisdn,
	confirmation_source, result_code, result_description, raw_payload,
	deadline_at, finalized_at, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, attempt *domain.PaymentAttempt) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_attempts (
			id, order_id, state, gateway_request_id, amount, currency, msisdn,
			confirmation_source, result_code, result_description, raw_payload,
			deadline_at, finalized_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.ID,
		attempt.OrderID,
		attempt.State,
		attempt.GatewayRequestID,
		attempt.Amount,
		attempt.Currency,
		attempt.Msisdn,
		attempt.ConfirmationSource,
		attempt.ResultCode,
		attempt.ResultDescription,
		attempt.RawPayload,
		attempt.DeadlineAt,
		attempt.FinalizedAt,
		attempt.CreatedAt,
		attempt.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.PaymentAttempt, error) {
	var item domain.PaymentAttempt
	err := db.WithContext(ctx).Raw(
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE id = ? LIMIT 1`, id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByGatewayRequestID(ctx context.Context, db *gorm.DB, gatewayRequestID string) (*domain.PaymentAttempt, error) {
	var item domain.PaymentAttempt
	err := db.WithContext(ctx).Raw(
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE gateway_request_id = ? LIMIT 1`,
		gatewayRequestID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindActiveByOrder(ctx context.Context, db *gorm.DB, orderID snowflake.ID) (*domain.PaymentAttempt, error) {
	var item domain.PaymentAttempt
	err := db.WithContext(ctx).Raw(
		`SELECT `+attemptColumns+` FROM payment_attempts
		 WHERE order_id = ? AND state IN (?, ?)
		 LIMIT 1`,
		orderID,
		domain.StateInitiated,
		domain.StateAwaitingConfirmation,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) MarkAwaiting(ctx context.Context, db *gorm.DB, id snowflake.ID, gatewayRequestID string, deadline time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_attempts
		 SET state = ?, gateway_request_id = ?, deadline_at = ?, updated_at = ?
		 WHERE id = ? AND state = ?`,
		domain.StateAwaitingConfirmation,
		gatewayRequestID,
		deadline,
		time.Now().UTC(),
		id,
		domain.StateInitiated,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Finalize performs the terminal compare-and-swap. Losing the race is a
// normal outcome and is reported through the bool, never as an error.
func (r *repo) Finalize(ctx context.Context, db *gorm.DB, id snowflake.ID, fromStates []domain.AttemptState, f domain.Finalization) (bool, error) {
	if len(fromStates) == 0 {
		fromStates = []domain.AttemptState{domain.StateAwaitingConfirmation}
	}

	var raw any
	if len(f.Raw) > 0 {
		raw = datatypes.JSON(f.Raw)
	}

	res := db.WithContext(ctx).Exec(
		`UPDATE payment_attempts
		 SET state = ?, confirmation_source = ?, result_code = ?, result_description = ?,
			raw_payload = COALESCE(?, raw_payload), finalized_at = ?, updated_at = ?
		 WHERE id = ? AND state IN ?`,
		f.To,
		f.Source,
		f.Code,
		f.Description,
		raw,
		f.At,
		f.At,
		id,
		fromStates,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListOverdue(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.PaymentAttempt, error) {
	var items []domain.PaymentAttempt
	err := db.WithContext(ctx).Raw(
		`SELECT `+attemptColumns+` FROM payment_attempts
		 WHERE state = ? AND deadline_at IS NOT NULL AND deadline_at <= ?
		 ORDER BY deadline_at
		 LIMIT ?`,
		domain.StateAwaitingConfirmation,
		cutoff,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
