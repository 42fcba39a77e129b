package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "seclog.io/chain/internal/pkg/errors"
)

func newValidatedRouter(t *testing.T) *gin.Engine {
	t.Helper()
	mw, err := NewOpenAPIValidator("/api/v1")
	require.NoError(t, err)

	router := gin.New()
	router.Use(mw, ErrorHandler())
	router.POST("/api/v1/security-events", func(c *gin.Context) {
		c.JSON(http.StatusAccepted, gin.H{"jobId": 7, "eventId": "ev-1", "queue": "security_events"})
	})
	router.GET("/api/v1/admin/security-logs/stats", func(c *gin.Context) {
		// latestSequence missing
		c.JSON(http.StatusOK, gin.H{"count": 3, "earliestSequence": 1})
	})
	router.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

func postJSON(router http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestOpenAPIValidatorRejectsEventWithoutType(t *testing.T) {
	w := postJSON(newValidatedRouter(t), "/api/v1/security-events", `{"userId":"u1"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body struct {
		Code        string                 `json:"code"`
		FieldErrors []apperrors.FieldError `json:"field_errors"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, apperrors.CodeValidationFailed, body.Code)
	require.Len(t, body.FieldErrors, 1)
	assert.Equal(t, "eventType", body.FieldErrors[0].Field)
	assert.Equal(t, "required", body.FieldErrors[0].Code)
}

func TestOpenAPIValidatorRejectsMalformedBody(t *testing.T) {
	w := postJSON(newValidatedRouter(t), "/api/v1/security-events", `{"eventType":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), apperrors.CodeValidationFailed)
}

func TestOpenAPIValidatorRejectsUnknownSeverity(t *testing.T) {
	w := postJSON(newValidatedRouter(t), "/api/v1/security-events", `{"eventType":"LOGIN_SUCCESS","severity":"LOUD"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"field":"severity"`)
}

func TestOpenAPIValidatorRejectsNonObjectMetadata(t *testing.T) {
	w := postJSON(newValidatedRouter(t), "/api/v1/security-events", `{"eventType":"LOGIN_SUCCESS","metadata":[1,2]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOpenAPIValidatorAcceptsValidEvent(t *testing.T) {
	body := `{"eventType":"LOGIN_SUCCESS","userId":"u1","ipAddress":"1.2.3.4","metadata":{"mfa":true}}`
	w := postJSON(newValidatedRouter(t), "/api/v1/security-events", body)
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.JSONEq(t, `{"jobId":7,"eventId":"ev-1","queue":"security_events"}`, w.Body.String())
}

func TestOpenAPIValidatorReplacesNonConformingResponse(t *testing.T) {
	w := httptest.NewRecorder()
	newValidatedRouter(t).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/admin/security-logs/stats", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), apperrors.CodeResponseInvalid)
}

func TestOpenAPIValidatorPassesThroughUndocumentedRoutes(t *testing.T) {
	w := httptest.NewRecorder()
	newValidatedRouter(t).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOpenAPIValidatorPassesThroughUnknownPathsUnderBase(t *testing.T) {
	mw, err := NewOpenAPIValidator("/api/v1/")
	require.NoError(t, err)
	router := gin.New()
	router.Use(mw)
	router.GET("/api/v1/internal/debug", func(c *gin.Context) {
		c.String(http.StatusOK, "debug")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/internal/debug", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "debug", w.Body.String())
}
