package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/asaskevich/govalidator"
	"github.com/getsentry/sentry-go"
	appctx "github.com/quillpay/platform/libs/context"
	errorutils "github.com/quillpay/platform/libs/errorutils"
	"github.com/quillpay/platform/libs/requestutils"
	"github.com/rs/zerolog"
)

// AppError is error type for json HTTP responses
type AppError struct {
	Cause         error       `json:"-"`
	Message       string      `json:"message"`
	ErrorCode     string      `json:"errorCode,omitempty"` // CapitalCamelCase code for the envelope
	Code          int         `json:"code"`
	CorrelationID string      `json:"correlationId,omitempty"`
	Data          interface{} `json:"data,omitempty"`
}

// Error makes app error an error
func (e *AppError) Error() string {
	msg := "error: " + e.Message
	if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	return msg
}

// ServeHTTP responds according to the passed AppError
func (e *AppError) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(e.Code)
	if err := json.NewEncoder(w).Encode(e); err != nil {
		panic(err)
	}
}

// kindStatus maps structured error kinds onto HTTP statuses
var kindStatus = map[errorutils.Kind]int{
	errorutils.KindValidation:          http.StatusBadRequest,
	errorutils.KindNotFound:            http.StatusNotFound,
	errorutils.KindConflict:            http.StatusConflict,
	errorutils.KindUnauthorized:        http.StatusUnauthorized,
	errorutils.KindForbidden:           http.StatusForbidden,
	errorutils.KindPrecondition:        http.StatusUnprocessableEntity,
	errorutils.KindRateLimited:         http.StatusTooManyRequests,
	errorutils.KindUpstreamUnavailable: http.StatusBadGateway,
	errorutils.KindTransient:           http.StatusServiceUnavailable,
	errorutils.KindFatal:               http.StatusInternalServerError,
}

// CodedError translates a structured core error into an AppError at the
// boundary, attaching the kind as the envelope error code.
func CodedError(err error, msg string) *AppError {
	kind := errorutils.KindOf(err)
	code, ok := kindStatus[kind]
	if !ok {
		code = http.StatusInternalServerError
	}
	appErr := &AppError{
		Cause:     err,
		Message:   msg,
		ErrorCode: string(kind),
		Code:      code,
	}
	var eb *errorutils.ErrorBundle
	if errors.As(err, &eb) {
		appErr.Data = eb.Data()
		if msg == "" {
			appErr.Message = eb.Error()
		}
	}
	return appErr
}

// WrapError with an additional message as an AppError
func WrapError(err error, msg string, passedCode int) *AppError {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		code := passedCode
		if code == 0 {
			code = http.StatusBadRequest
		}
		return &AppError{
			Cause:   err,
			Message: msg,
			Code:    code,
		}
	}
	code := appErr.Code
	if code == 0 {
		code = passedCode
	}
	if len(msg) != 0 {
		msg = fmt.Sprintf("%s: ", msg)
	}
	return &AppError{
		Cause:     appErr.Cause,
		Message:   fmt.Sprintf("%s%s", msg, appErr.Message),
		ErrorCode: appErr.ErrorCode,
		Code:      code,
		Data:      appErr.Data,
	}
}

// RenderContent based on the header
func RenderContent(ctx context.Context, v interface{}, w http.ResponseWriter, status int) *AppError {
	switch w.Header().Get("content-type") {
	case "application/json":
		var b bytes.Buffer

		if err := json.NewEncoder(&b).Encode(v); err != nil {
			return WrapError(err, "Error encoding JSON", http.StatusInternalServerError)
		}

		w.WriteHeader(status)
		if _, err := w.Write(b.Bytes()); err != nil {
			return WrapError(err, "Error writing a response", http.StatusInternalServerError)
		}
	}

	return nil
}

// WrapValidationError from govalidator
func WrapValidationError(err error) *AppError {
	return ValidationError("request body", govalidator.ErrorsByField(err))
}

// ValidationError creates an error to communicate a bad request was formed
func ValidationError(message string, validationErrors interface{}) *AppError {
	return &AppError{
		Message:   "Error validating " + message,
		ErrorCode: string(errorutils.KindValidation),
		Code:      http.StatusBadRequest,
		Data: map[string]interface{}{
			"validationErrors": validationErrors,
		},
	}
}

// AppHandler is an http.Handler with JSON requests / responses
type AppHandler func(http.ResponseWriter, *http.Request) *AppError

// ServeHTTP responds via the passed handler and handles returned errors
func (fn AppHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Accept"), "application/json") ||
		strings.Contains(r.Header.Get("Accept"), "*/*") || r.Header.Get("Accept") == "" {
		w.Header().Set("content-type", "application/json")
	} else {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if e := fn(w, r); e != nil {
		if e.CorrelationID == "" {
			e.CorrelationID = appctx.GetCorrelationID(r.Context())
		}

		if e.Code >= 500 && e.Code <= 599 {
			sentry.WithScope(func(scope *sentry.Scope) {
				scope.SetTags(map[string]string{
					"reqID": requestutils.GetRequestID(r.Context()),
				})
				sentry.CaptureException(e)
			})
		}

		l := zerolog.Ctx(r.Context())
		l.UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Err(e)
		})

		if e.Cause != nil {
			// Combine error with message
			e.Message = fmt.Sprintf("%s: %v", e.Message, e.Cause)
		}

		e.ServeHTTP(w, r)
	}
}
