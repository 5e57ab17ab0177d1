package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	orderdomain "github.com/dukahq/duka/internal/order/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type AttemptState string

const (
	StateInitiated            AttemptState = "initiated"
	StateAwaitingConfirmation AttemptState = "awaiting_confirmation"
	StateConfirmed            AttemptState = "confirmed"
	StateFailed               AttemptState = "failed"
	StateExpired              AttemptState = "expired"
	StateCancelled            AttemptState = "cancelled"
)

// Terminal states are sticky: once reached, no further writes are accepted.
func (s AttemptState) Terminal() bool {
	switch s {
	case StateConfirmed, StateFailed, StateExpired, StateCancelled:
		return true
	}
	return false
}

// ConfirmationSource records which event source won the terminal transition.
// Audit only; correctness is first-writer-wins regardless of source.
type ConfirmationSource string

const (
	SourceWebhook ConfirmationSource = "webhook"
	SourcePoll    ConfirmationSource = "poll"
	SourceSweep   ConfirmationSource = "sweep"
	SourceUser    ConfirmationSource = "user"
	SourceGateway ConfirmationSource = "gateway"
)

type PaymentAttempt struct {
	ID                 snowflake.ID        `json:"id" gorm:"primaryKey"`
	OrderID            snowflake.ID        `json:"order_id" gorm:"not null;index"`
	State              AttemptState        `json:"state" gorm:"type:text;not null"`
	GatewayRequestID   *string             `json:"gateway_request_id,omitempty" gorm:"type:text"`
	Amount             int64               `json:"amount" gorm:"not null"`
	Currency           string              `json:"currency" gorm:"type:text;not null"`
	Msisdn             string              `json:"msisdn" gorm:"type:text;not null"`
	ConfirmationSource *ConfirmationSource `json:"confirmation_source,omitempty" gorm:"type:text"`
	ResultCode         *string             `json:"result_code,omitempty" gorm:"type:text"`
	ResultDescription  *string             `json:"result_description,omitempty" gorm:"type:text"`
	RawPayload         datatypes.JSON      `json:"-" gorm:"type:jsonb"`
	DeadlineAt         *time.Time          `json:"deadline_at,omitempty"`
	FinalizedAt        *time.Time          `json:"finalized_at,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

func (PaymentAttempt) TableName() string { return "payment_attempts" }

var (
	ErrAttemptNotFound = errors.New("payment attempt not found")
	ErrAttemptInFlight = errors.New("order already has a payment attempt in flight")
	ErrOrderNotPayable = errors.New("order is not in a payable state")

	// ErrGatewayUnavailable marks a transport-level failure: the push or query
	// never completed and is safe to retry.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrGatewayRejected marks a request the gateway refused outright; the
	// attempt is terminal, a retry with the same inputs will not succeed.
	ErrGatewayRejected = errors.New("payment gateway rejected the request")
)

// PushRequest initiates a push payment on the customer's handset.
type PushRequest struct {
	Msisdn    string
	Amount    int64
	Currency  string
	Reference string
}

type PushResponse struct {
	GatewayRequestID string
}

type ResultKind int

const (
	ResultPending ResultKind = iota
	ResultSuccess
	ResultFailure
	ResultMalformed
)

// GatewayResult is the canonical outcome parsed from a webhook callback or a
// status query. Anything that cannot be positively classified parses as
// ResultMalformed so an undecodable payload can never finalize an attempt.
type GatewayResult struct {
	Kind             ResultKind
	GatewayRequestID string
	Code             string
	Description      string
	Raw              []byte
}

// Gateway wraps the external mobile-money API.
type Gateway interface {
	PushPayment(ctx context.Context, req PushRequest) (*PushResponse, error)
	// QueryStatus is read-only against the gateway and safe to call repeatedly.
	QueryStatus(ctx context.Context, gatewayRequestID string) (*GatewayResult, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, attempt *PaymentAttempt) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*PaymentAttempt, error)
	FindByGatewayRequestID(ctx context.Context, db *gorm.DB, gatewayRequestID string) (*PaymentAttempt, error)
	FindActiveByOrder(ctx context.Context, db *gorm.DB, orderID snowflake.ID) (*PaymentAttempt, error)

	// MarkAwaiting moves initiated → awaiting_confirmation, attaching the
	// gateway correlation id and the confirmation deadline.
	MarkAwaiting(ctx context.Context, db *gorm.DB, id snowflake.ID, gatewayRequestID string, deadline time.Time) (bool, error)

	// Finalize is the compare-and-swap terminal transition. It succeeds only
	// while the attempt is still in one of fromStates; a false return means
	// another writer already finalized the attempt.
	Finalize(ctx context.Context, db *gorm.DB, id snowflake.ID, fromStates []AttemptState, f Finalization) (bool, error)

	ListOverdue(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]PaymentAttempt, error)
}

// Finalization carries everything a terminal transition writes.
type Finalization struct {
	To          AttemptState
	Source      ConfirmationSource
	Code        *string
	Description *string
	Raw         []byte
	At          time.Time
}

// Service is the reconciliation engine owning attempt transitions.
type Service interface {
	// OpenAttempt pushes a payment for the order and returns the attempt.
	// The attempt stays initiated on ErrGatewayUnavailable and is finalized
	// failed on ErrGatewayRejected.
	OpenAttempt(ctx context.Context, order *orderdomain.Order) (*PaymentAttempt, error)

	// HandleCallback ingests one webhook delivery. Duplicates, late arrivals
	// and unknown correlation ids resolve internally; the handler always
	// acknowledges the gateway.
	HandleCallback(ctx context.Context, payload []byte) error

	// PollStatus returns the current attempt state, querying the gateway as a
	// fallback while the attempt is awaiting confirmation.
	PollStatus(ctx context.Context, attemptID snowflake.ID) (*PaymentAttempt, error)

	// CancelOrder finalizes the order's live attempt as cancelled. It loses
	// cleanly to a just-confirmed payment.
	CancelOrder(ctx context.Context, orderID snowflake.ID) error

	// ExpireOverdue sweeps attempts past their deadline. Returns how many
	// attempts it expired.
	ExpireOverdue(ctx context.Context) (int, error)
}
