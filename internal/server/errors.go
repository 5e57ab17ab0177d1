package server

import (
	"errors"
	"net/http"

	catalogdomain "github.com/dukahq/duka/internal/catalog/domain"
	orderdomain "github.com/dukahq/duka/internal/order/domain"
	paymentdomain "github.com/dukahq/duka/internal/payment/domain"
	referraldomain "github.com/dukahq/duka/internal/referral/domain"
	"github.com/gin-gonic/gin"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	var totalsErr *orderdomain.InvalidTotalsError
	if errors.As(err, &totalsErr) {
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_totals",
			Message: totalsErr.Error(),
		}
	}

	switch {
	case errors.Is(err, orderdomain.ErrCustomerPhoneMissing):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Message: err.Error(),
		}

	case errors.Is(err, orderdomain.ErrOrderNotFound),
		errors.Is(err, paymentdomain.ErrAttemptNotFound),
		errors.Is(err, catalogdomain.ErrProductNotFound),
		errors.Is(err, referraldomain.ErrAmbassadorNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: err.Error(),
		}

	case errors.Is(err, catalogdomain.ErrProductInactive),
		errors.Is(err, orderdomain.ErrOrderNotCancellable),
		errors.Is(err, orderdomain.ErrOrderNotRetryable),
		errors.Is(err, orderdomain.ErrReceiptUnavailable),
		errors.Is(err, paymentdomain.ErrAttemptInFlight),
		errors.Is(err, paymentdomain.ErrOrderNotPayable):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}

	case errors.Is(err, paymentdomain.ErrGatewayRejected):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "gateway_rejected",
			Message: err.Error(),
		}

	case errors.Is(err, paymentdomain.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "gateway_unavailable",
			Message: "payment gateway is temporarily unavailable, retry shortly",
		}
	}

	return http.StatusInternalServerError, errorPayload{
		Type:    "internal_error",
		Message: "internal server error",
	}
}
