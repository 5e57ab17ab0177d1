package server

import (
	"io"
	"net/http"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/dukahq/duka/internal/payment/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// paymentCallback ingests gateway webhook deliveries. Duplicates, late
// arrivals and unknown correlation ids still get a 200 acknowledgement so the
// gateway never enters a redelivery storm; only a storage failure answers 500,
// which makes the gateway redeliver and retry the transition.
func (s *Server) paymentCallback(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"status": "received"})
		return
	}

	if err := s.paymentSvc.HandleCallback(c.Request.Context(), payload); err != nil {
		s.log.Error("webhook processing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"status": "retry"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "received"})
}

type paymentStatusResponse struct {
	AttemptID         string  `json:"attemptId"`
	State             string  `json:"state"`
	ResultCode        *string `json:"resultCode,omitempty"`
	ResultDescription *string `json:"resultDescription,omitempty"`
}

func (s *Server) paymentStatus(c *gin.Context) {
	id, err := snowflake.ParseString(c.Param("attemptId"))
	if err != nil {
		AbortWithError(c, paymentdomain.ErrAttemptNotFound)
		return
	}

	attempt, err := s.paymentSvc.PollStatus(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, paymentStatusResponse{
		AttemptID:         attempt.ID.String(),
		State:             string(attempt.State),
		ResultCode:        attempt.ResultCode,
		ResultDescription: attempt.ResultDescription,
	})
}
