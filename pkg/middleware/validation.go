package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"

	"go.uber.org/zap"

	apperrors "github.com/Ruscigno/feedpulse/pkg/errors"
)

// ValidationConfig holds validation configuration
type ValidationConfig struct {
	MaxBodySize int64 // Maximum request body size in bytes
	Logger      *zap.Logger
}

// RequestValidation rejects oversized or non-JSON request bodies. Requests
// without a body pass through.
func RequestValidation(config ValidationConfig) func(http.Handler) http.Handler {
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = 1 << 20
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Body == nil || r.ContentLength == 0 {
				next.ServeHTTP(w, r)
				return
			}

			if r.ContentLength > config.MaxBodySize {
				config.Logger.Warn("Request body too large",
					zap.Int64("content_length", r.ContentLength),
					zap.Int64("max_size", config.MaxBodySize),
					zap.String("path", r.URL.Path))
				appErr := apperrors.Newf(apperrors.ErrCodeBadRequest,
					"Request body too large. Maximum size: %d bytes", config.MaxBodySize)
				appErr.HTTPStatus = http.StatusRequestEntityTooLarge
				WriteError(r.Context(), w, appErr)
				return
			}

			if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
				WriteError(r.Context(), w, apperrors.NewAppError(apperrors.ErrCodeBadRequest, "Content-Type must be application/json"))
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, config.MaxBodySize+1))
			_ = r.Body.Close()
			if err != nil {
				config.Logger.Error("Failed to read request body", zap.Error(err))
				WriteError(r.Context(), w, apperrors.WrapError(err, apperrors.ErrCodeBadRequest, "Failed to read request body"))
				return
			}
			if int64(len(body)) > config.MaxBodySize {
				appErr := apperrors.NewAppError(apperrors.ErrCodeBadRequest, "Request body too large")
				appErr.HTTPStatus = http.StatusRequestEntityTooLarge
				WriteError(r.Context(), w, appErr)
				return
			}
			if len(body) > 0 && !json.Valid(body) {
				config.Logger.Warn("Invalid JSON format", zap.String("path", r.URL.Path))
				WriteError(r.Context(), w, apperrors.NewAppError(apperrors.ErrCodeBadRequest, "Invalid JSON format"))
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

// WriteError writes err as a JSON error response. Errors that are not
// AppErrors become 500s without leaking their text.
func WriteError(ctx context.Context, w http.ResponseWriter, err error) {
	appErr := apperrors.GetAppError(err)
	if appErr == nil {
		appErr = apperrors.NewAppError(apperrors.ErrCodeInternal, "Internal Server Error")
	}
	resp := appErr.ToErrorResponse()
	resp.RequestID = RequestIDFromContext(ctx)

	status := appErr.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
