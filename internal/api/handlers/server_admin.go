package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "seclog.io/chain/internal/pkg/errors"
	"seclog.io/chain/internal/pkg/logger"
	"seclog.io/chain/internal/retention"
)

// CleanupRequest optionally overrides the configured policy for one run.
type CleanupRequest struct {
	RetentionDays       *int  `json:"retentionDays"`
	BatchSize           *int  `json:"batchSize"`
	ArchiveBeforeDelete *bool `json:"archiveBeforeDelete"`
}

func (r CleanupRequest) empty() bool {
	return r.RetentionDays == nil && r.BatchSize == nil && r.ArchiveBeforeDelete == nil
}

// CleanupResponse is a finished run with its duration in milliseconds.
type CleanupResponse struct {
	*retention.Result
	DurationMs int64 `json:"durationMs"`
}

// ChainStatsResponse is the body of GET /admin/security-logs/stats.
type ChainStatsResponse struct {
	Count            int64 `json:"count"`
	EarliestSequence int64 `json:"earliestSequence"`
	LatestSequence   int64 `json:"latestSequence"`
}

// TriggerLogCleanup handles POST /admin/security-logs/cleanup.
// It runs even when scheduled cleanup is disabled.
func (s *Server) TriggerLogCleanup(c *gin.Context) {
	var req CleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequestField, "invalid request body").
			WithParams(map[string]interface{}{"reason": err.Error()}))
		return
	}

	actor := actorFromCtx(c)
	logger.Warn("Manual log cleanup requested", zap.String("actor", actor))

	var (
		res *retention.Result
		err error
	)
	if req.empty() {
		res, err = s.pruner.Prune(c.Request.Context())
	} else {
		policy := s.pruner.Policy()
		if req.RetentionDays != nil {
			policy.RetentionDays = *req.RetentionDays
		}
		if req.BatchSize != nil {
			policy.BatchSize = *req.BatchSize
		}
		if req.ArchiveBeforeDelete != nil {
			policy.ArchiveBeforeDelete = *req.ArchiveBeforeDelete
		}
		if err := policy.Validate(); err != nil {
			_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequestField, "retention policy out of range").
				WithParams(map[string]interface{}{"reason": err.Error()}))
			return
		}
		res, err = s.pruner.PruneWithPolicy(c.Request.Context(), policy)
	}
	if err != nil {
		if errors.Is(err, retention.ErrInvalidPolicy) {
			_ = c.Error(apperrors.Wrap(err, apperrors.CodeInvalidRequestField, "retention policy out of range", http.StatusBadRequest))
			return
		}
		if errors.Is(err, retention.ErrNoArchiver) {
			_ = c.Error(apperrors.Wrap(err, apperrors.CodeArchiveFailed, "archiving is not configured", http.StatusBadRequest))
			return
		}
		_ = c.Error(apperrors.ErrCleanupFailed(err))
		return
	}

	c.JSON(http.StatusOK, CleanupResponse{Result: res, DurationMs: res.Duration.Milliseconds()})
}

// VerifyChain handles GET /admin/security-logs/verify.
// A broken chain is a 200 with valid=false; only read failures are errors.
func (s *Server) VerifyChain(c *gin.Context) {
	start := time.Now()
	report, err := s.verifier.Verify(c.Request.Context())
	if err != nil {
		_ = c.Error(apperrors.Wrap(err, apperrors.CodeChainVerifyFailed, "chain verification failed", http.StatusInternalServerError))
		return
	}
	s.metrics.ObserveVerify(report.Valid)

	fields := []zap.Field{
		zap.String("actor", actorFromCtx(c)),
		zap.Bool("valid", report.Valid),
		zap.Int64("checked", report.Checked),
		zap.Duration("duration", time.Since(start)),
	}
	if f := report.Failure; f != nil {
		fields = append(fields, zap.Int64("sequence", f.Sequence), zap.String("reason", f.Reason))
	}
	if report.Valid {
		logger.Info("Chain verified", fields...)
	} else {
		logger.Error("Chain verification found tampering", fields...)
	}
	c.JSON(http.StatusOK, report)
}

// GetChainStats handles GET /admin/security-logs/stats.
func (s *Server) GetChainStats(c *gin.Context) {
	st, err := s.stats.Stats(c.Request.Context())
	if err != nil {
		_ = c.Error(apperrors.Wrap(err, apperrors.CodeChainStatsFailed, "chain stats unavailable", http.StatusInternalServerError))
		return
	}
	s.metrics.SetChainEntries(st.Count)
	c.JSON(http.StatusOK, ChainStatsResponse{
		Count:            st.Count,
		EarliestSequence: st.EarliestSequence,
		LatestSequence:   st.LatestSequence,
	})
}
