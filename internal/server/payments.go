package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/meterbill/meterbill/internal/money"
	paymentdomain "github.com/meterbill/meterbill/internal/payment/domain"
)

type createOrderRequest struct {
	InvoiceID  string `json:"invoiceId"`
	CustomerID string `json:"customerId"`
}

type refundRequest struct {
	Amount string `json:"amount"`
	Reason string `json:"reason"`
}

func (s *Server) CreatePaymentOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	invoiceID, err := uuid.Parse(strings.TrimSpace(req.InvoiceID))
	if err != nil {
		AbortWithError(c, newValidationError("invoiceId", "invalid_invoice_id", "invalid invoice id"))
		return
	}

	resp, err := s.paymentSvc.CreateOrder(c.Request.Context(), invoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"orderId":   resp.OrderID,
		"paymentId": resp.Payment.ID.String(),
		"amount":    resp.AmountMinor,
		"currency":  resp.Currency,
		"status":    resp.Payment.Status,
		"receipt":   resp.Receipt,
	})
}

// HandlePaymentWebhook verifies and applies one gateway delivery.
// Ignored event families and replays still acknowledge with 200 so the
// gateway stops retrying.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	signature := strings.TrimSpace(c.GetHeader("X-Signature"))

	err = s.paymentSvc.IngestWebhook(c.Request.Context(), payload, signature)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) ||
			errors.Is(err, paymentdomain.ErrEventAlreadyProcessed) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) RefundPayment(c *gin.Context) {
	paymentID, err := uuid.Parse(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_payment_id", "invalid payment id"))
		return
	}

	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	cmd := paymentdomain.RefundCommand{
		PaymentID: paymentID,
		Reason:    strings.TrimSpace(req.Reason),
	}
	if raw := strings.TrimSpace(req.Amount); raw != "" {
		amount, err := money.Parse(raw)
		if err != nil {
			AbortWithError(c, paymentdomain.ErrInvalidRefundAmount)
			return
		}
		cmd.Amount = &amount
	}

	refund, err := s.paymentSvc.Refund(c.Request.Context(), cmd)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": refund})
}
