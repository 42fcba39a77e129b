// Package middleware provides the gin middleware of the security log API.
//
// Import Path: seclog.io/chain/internal/api/middleware
package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "seclog.io/chain/internal/pkg/errors"
	"seclog.io/chain/internal/pkg/logger"
)

// ErrorHandler is a Gin middleware that provides centralized error handling.
// It captures errors added via c.Error() and returns a consistent JSON response.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err
		rid := GetRequestID(c.Request.Context())

		var appErr *apperrors.AppError
		if !errors.As(err, &appErr) {
			logger.Error("Unhandled request error", zap.String("request_id", rid), zap.Error(err))
			c.JSON(http.StatusInternalServerError, errorBody(c, apperrors.Internal(apperrors.CodeInternal, "An internal error occurred")))
			return
		}

		fields := []zap.Field{
			zap.String("code", appErr.Code),
			zap.String("message", appErr.Message),
			zap.Int("status", appErr.HTTPStatus),
			zap.String("request_id", rid),
			zap.Error(appErr.Err),
		}
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			logger.Error("Request failed", fields...)
		} else {
			logger.Warn("Request error", fields...)
		}
		c.JSON(appErr.HTTPStatus, errorBody(c, appErr))
	}
}

// NoRoute answers paths no handler is registered for.
func NoRoute() gin.HandlerFunc {
	return func(c *gin.Context) {
		abortWithAppError(c, apperrors.NotFound(apperrors.CodeRouteNotFound, "no route for "+c.Request.Method+" "+c.Request.URL.Path))
	}
}

func abortWithAppError(c *gin.Context, appErr *apperrors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, errorBody(c, appErr))
}

// errorBody is the Error schema of the API contract.
func errorBody(c *gin.Context, appErr *apperrors.AppError) gin.H {
	body := gin.H{
		"code":    appErr.Code,
		"message": appErr.Message,
	}
	if len(appErr.Params) > 0 {
		body["params"] = appErr.Params
	}
	if len(appErr.FieldErrors) > 0 {
		body["field_errors"] = appErr.FieldErrors
	}
	if rid := GetRequestID(c.Request.Context()); rid != "" {
		body["request_id"] = rid
	}
	return body
}
