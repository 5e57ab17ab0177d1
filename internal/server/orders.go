package server

import (
	"io"
	"net/http"

	"github.com/bwmarrin/snowflake"
	orderdomain "github.com/dukahq/duka/internal/order/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type createOrderResponse struct {
	OrderID          string `json:"orderId"`
	OrderNumber      string `json:"orderNumber"`
	PaymentAttemptID string `json:"paymentAttemptId"`
}

func (s *Server) createOrder(c *gin.Context) {
	var input orderdomain.CreateOrderInput
	if err := c.ShouldBindJSON(&input); err != nil {
		AbortWithError(c, &orderdomain.InvalidTotalsError{Reason: "request body is not valid JSON"})
		return
	}

	result, err := s.orderSvc.Create(c.Request.Context(), input)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, createOrderResponse{
		OrderID:          result.Order.ID.String(),
		OrderNumber:      result.Order.OrderNumber,
		PaymentAttemptID: result.PaymentAttemptID.String(),
	})
}

func (s *Server) getOrder(c *gin.Context) {
	order, err := s.orderSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) cancelOrder(c *gin.Context) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, orderdomain.ErrOrderNotFound)
		return
	}

	if err := s.orderSvc.Cancel(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (s *Server) retryPayment(c *gin.Context) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, orderdomain.ErrOrderNotFound)
		return
	}

	result, err := s.orderSvc.Retry(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, createOrderResponse{
		OrderID:          result.Order.ID.String(),
		OrderNumber:      result.Order.OrderNumber,
		PaymentAttemptID: result.PaymentAttemptID.String(),
	})
}

func (s *Server) orderReceipt(c *gin.Context) {
	receipt, err := s.orderSvc.Receipt(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Type", "application/pdf")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, receipt); err != nil {
		s.log.Warn("streaming receipt failed", zap.Error(err))
	}
}

func (s *Server) listProducts(c *gin.Context) {
	products, err := s.catalogSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}
