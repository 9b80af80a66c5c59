package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	invoicedomain "github.com/meterbill/meterbill/internal/invoice/domain"
)

type generateInvoiceRequest struct {
	OrgID string `json:"orgId"`
	Month int    `json:"month"`
	Year  int    `json:"year"`
}

// GenerateInvoice triggers one billing run by hand. The scheduler does
// the same monthly; replays return the stored invoice with 200.
func (s *Server) GenerateInvoice(c *gin.Context) {
	var req generateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	orgRaw, _ := authedProject(c)
	if explicit := strings.TrimSpace(req.OrgID); explicit != "" {
		// A key may only bill its own organization.
		if explicit != orgRaw {
			AbortWithError(c, ErrForbidden)
			return
		}
		orgRaw = explicit
	}
	orgID, err := uuid.Parse(orgRaw)
	if err != nil {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	result, err := s.invoiceSvc.Generate(c.Request.Context(), orgID, req.Month, req.Year)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"data": result.Invoice, "created": result.Created})
}

func (s *Server) FinalizeInvoice(c *gin.Context) {
	invoiceID, err := uuid.Parse(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_invoice_id", "invalid invoice id"))
		return
	}

	invoice, err := s.invoiceSvc.Finalize(c.Request.Context(), invoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": invoice})
}

func (s *Server) GetInvoiceByID(c *gin.Context) {
	invoiceID, err := uuid.Parse(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_invoice_id", "invalid invoice id"))
		return
	}

	invoice, err := s.invoiceSvc.Get(c.Request.Context(), invoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": invoice})
}

func (s *Server) ListInvoices(c *gin.Context) {
	orgRaw, _ := authedProject(c)
	orgID, err := uuid.Parse(orgRaw)
	if err != nil {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	req := invoicedomain.ListInvoicesRequest{
		OrgID:     orgID,
		Status:    invoicedomain.InvoiceStatus(strings.TrimSpace(c.Query("status"))),
		PageToken: strings.TrimSpace(c.Query("page_token")),
	}
	if raw := strings.TrimSpace(c.Query("page_size")); raw != "" {
		size, err := strconv.ParseInt(raw, 10, 32)
		if err != nil || size <= 0 {
			AbortWithError(c, newValidationError("page_size", "invalid_page_size", "invalid page size"))
			return
		}
		req.PageSize = int32(size)
	}

	resp, err := s.invoiceSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Invoices, "page_info": resp.PageInfo})
}
