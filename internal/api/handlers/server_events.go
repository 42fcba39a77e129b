package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"seclog.io/chain/internal/domain"
	apperrors "seclog.io/chain/internal/pkg/errors"
	"seclog.io/chain/internal/pkg/logger"
)

// SecurityEventRequest is the body of POST /security-events.
type SecurityEventRequest struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	UserID    string          `json:"userId"`
	IPAddress string          `json:"ipAddress"`
	UserAgent string          `json:"userAgent"`
	SessionID string          `json:"sessionId"`
	Metadata  json.RawMessage `json:"metadata"`
	Severity  string          `json:"severity"`
	Critical  bool            `json:"critical"`
}

func (r SecurityEventRequest) event() domain.SecurityEvent {
	return domain.SecurityEvent{
		EventID:   r.EventID,
		EventType: domain.EventType(r.EventType),
		UserID:    domain.StringPtr(r.UserID),
		IPAddress: domain.StringPtr(r.IPAddress),
		UserAgent: domain.StringPtr(r.UserAgent),
		SessionID: domain.StringPtr(r.SessionID),
		Metadata:  r.Metadata,
		Severity:  domain.Severity(r.Severity),
	}
}

// EnqueueSecurityEvent handles POST /security-events.
// The event is queued, not yet chained: 202 carries the job and event ids.
func (s *Server) EnqueueSecurityEvent(c *gin.Context) {
	var req SecurityEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequestField, "invalid request body").
			WithParams(map[string]interface{}{"reason": err.Error()}))
		return
	}

	critical := req.Critical || domain.Severity(req.Severity) == domain.SeverityCritical
	rcpt, err := s.producer.EnqueueEvent(c.Request.Context(), req.event(), critical)
	if err != nil {
		_ = c.Error(err)
		return
	}

	logger.Info("Security event accepted",
		zap.String("actor", actorFromCtx(c)),
		zap.String("event_id", rcpt.EventID),
		zap.String("event_type", req.EventType),
		zap.String("queue", rcpt.Queue),
	)
	c.JSON(http.StatusAccepted, rcpt)
}
