package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	usagedomain "github.com/meterbill/meterbill/internal/usage/domain"
	"github.com/shopspring/decimal"
)

type ingestEventRequest struct {
	EventID        string          `json:"event_id"`
	MetricName     string          `json:"metric_name"`
	MetricValue    decimal.Decimal `json:"metric_value"`
	Unit           string          `json:"unit"`
	Timestamp      string          `json:"timestamp"`
	Metadata       map[string]any  `json:"metadata"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// IngestUsage accepts one event into the hot store. The durable copy is
// written asynchronously, so 201 means accepted, not yet billed.
func (s *Server) IngestUsage(c *gin.Context) {
	var req ingestEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	orgRaw, projectRaw := authedProject(c)
	orgID, err := uuid.Parse(orgRaw)
	if err != nil {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	projectID, err := uuid.Parse(projectRaw)
	if err != nil {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var recordedAt time.Time
	if ts := strings.TrimSpace(req.Timestamp); ts != "" {
		recordedAt, err = time.Parse(time.RFC3339, ts)
		if err != nil {
			AbortWithError(c, usagedomain.ErrInvalidTimestamp)
			return
		}
	}

	result, err := s.usageSvc.Ingest(c.Request.Context(), usagedomain.IngestRequest{
		OrgID:          orgID,
		ProjectID:      projectID,
		EventID:        strings.TrimSpace(req.EventID),
		MetricName:     req.MetricName,
		MetricValue:    req.MetricValue,
		Unit:           req.Unit,
		RecordedAt:     recordedAt,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
		Metadata:       req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	eventID := result.EventID.String()
	if result.Duplicate {
		eventID = "duplicate"
	}
	c.JSON(http.StatusCreated, gin.H{"eventId": eventID})
}
