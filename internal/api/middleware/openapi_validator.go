package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"seclog.io/chain/internal/api"
	apperrors "seclog.io/chain/internal/pkg/errors"
	"seclog.io/chain/internal/pkg/logger"
)

// contractValidator holds the routes of the embedded openapi.yaml.
type contractValidator struct {
	routes   routers.Router
	basePath string
	opts     *openapi3filter.Options
}

// NewOpenAPIValidator checks security log traffic against openapi.yaml.
// Requests that break the contract are answered with VALIDATION_FAILED and
// never reach the handler. A handler response that breaks it is replaced
// by an OPENAPI_RESPONSE_INVALID error. Paths the contract does not
// describe pass through.
func NewOpenAPIValidator(basePath string) (gin.HandlerFunc, error) {
	doc, err := api.GetSwagger()
	if err != nil {
		return nil, fmt.Errorf("load api contract: %w", err)
	}
	routes, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("build contract routes: %w", err)
	}

	v := &contractValidator{
		routes:   routes,
		basePath: strings.TrimRight(strings.TrimSpace(basePath), "/"),
		// JWTAuth has already authenticated the caller.
		opts: &openapi3filter.Options{AuthenticationFunc: openapi3filter.NoopAuthenticationFunc},
	}
	return v.handle, nil
}

func (v *contractValidator) handle(c *gin.Context) {
	route, pathParams, ok := v.lookup(c.Request)
	if !ok {
		c.Next()
		return
	}

	in := &openapi3filter.RequestValidationInput{
		Request:    c.Request,
		PathParams: pathParams,
		Route:      route,
		Options:    v.opts,
	}
	if err := openapi3filter.ValidateRequest(c.Request.Context(), in); err != nil {
		appErr := requestViolation(err)
		logger.Debug("Request rejected by API contract",
			zap.String("route", route.Method+" "+route.Path),
			zap.Any("field_errors", appErr.FieldErrors),
			zap.Error(err),
		)
		abortWithAppError(c, appErr)
		return
	}

	rec := newResponseRecorder(c.Writer)
	c.Writer = rec
	c.Next()
	c.Writer = rec.ResponseWriter

	out := &openapi3filter.ResponseValidationInput{
		RequestValidationInput: in,
		Status:                 rec.Status(),
		Header:                 rec.Header().Clone(),
		Options:                v.opts,
	}
	if rec.body.Len() > 0 {
		out.SetBodyBytes(rec.body.Bytes())
	}
	if err := openapi3filter.ValidateResponse(c.Request.Context(), out); err != nil {
		logger.Error("Response breaks API contract",
			zap.String("route", route.Method+" "+route.Path),
			zap.Int("status", rec.Status()),
			zap.Error(err),
		)
		rec.replace(http.StatusInternalServerError, errorBody(c,
			apperrors.Internal(apperrors.CodeResponseInvalid, "response does not conform to the API contract")))
	}

	if err := rec.flush(); err != nil {
		logger.Warn("Failed to write response", zap.String("route", route.Path), zap.Error(err))
	}
}

// lookup matches req against the contract. The server URL is tried as
// part of the path first, then stripped.
func (v *contractValidator) lookup(req *http.Request) (*routers.Route, map[string]string, bool) {
	if route, params, err := v.routes.FindRoute(req); err == nil {
		return route, params, true
	}
	if v.basePath == "" || !strings.HasPrefix(req.URL.Path, v.basePath+"/") {
		return nil, nil, false
	}
	stripped := req.Clone(req.Context())
	stripped.URL.Path = strings.TrimPrefix(req.URL.Path, v.basePath)
	stripped.URL.RawPath = ""
	route, params, err := v.routes.FindRoute(stripped)
	return route, params, err == nil
}

// requestViolation names the offending field when kin-openapi reports one.
func requestViolation(err error) *apperrors.AppError {
	appErr := apperrors.BadRequest(apperrors.CodeValidationFailed, "request does not match the API contract")

	var reqErr *openapi3filter.RequestError
	if !errors.As(err, &reqErr) {
		return appErr.WithParams(map[string]interface{}{"reason": err.Error()})
	}

	fe := apperrors.FieldError{Field: "body", Code: "invalid", Message: reqErr.Reason}
	if reqErr.Parameter != nil {
		fe.Field = reqErr.Parameter.In + "." + reqErr.Parameter.Name
	}
	var schemaErr *openapi3.SchemaError
	if errors.As(err, &schemaErr) {
		if ptr := schemaErr.JSONPointer(); len(ptr) > 0 {
			fe.Field = strings.Join(ptr, ".")
		}
		fe.Code = schemaErr.SchemaField
		fe.Message = schemaErr.Reason
	}
	if fe.Message == "" {
		fe.Message = reqErr.Error()
	}
	return appErr.WithFieldErrors([]apperrors.FieldError{fe})
}

// responseRecorder holds the handler's response until it has been checked.
type responseRecorder struct {
	gin.ResponseWriter
	body   bytes.Buffer
	status int
}

func newResponseRecorder(w gin.ResponseWriter) *responseRecorder {
	return &responseRecorder{ResponseWriter: w}
}

func (r *responseRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
}

func (r *responseRecorder) WriteHeaderNow() {
	if r.status == 0 {
		r.status = http.StatusOK
	}
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	r.WriteHeaderNow()
	return r.body.Write(data)
}

func (r *responseRecorder) WriteString(s string) (int, error) {
	r.WriteHeaderNow()
	return r.body.WriteString(s)
}

func (r *responseRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *responseRecorder) Size() int {
	return r.body.Len()
}

func (r *responseRecorder) Written() bool {
	return r.status != 0
}

func (r *responseRecorder) replace(status int, payload gin.H) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(`{"code":"` + apperrors.CodeResponseInvalid + `","message":"response does not conform to the API contract"}`)
	}
	r.status = status
	r.body.Reset()
	r.body.Write(data)
	r.Header().Set("Content-Type", "application/json; charset=utf-8")
}

func (r *responseRecorder) flush() error {
	r.ResponseWriter.WriteHeader(r.Status())
	if r.body.Len() == 0 {
		return nil
	}
	_, err := r.ResponseWriter.Write(r.body.Bytes())
	return err
}
