package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"applybox/internal/metrics"
	"applybox/internal/model"
	"applybox/internal/service"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error       string               `json:"error"`
	Code        string               `json:"code,omitempty"`
	Message     string               `json:"message"`
	FieldErrors map[string]string    `json:"fieldErrors,omitempty"`
	Status      model.CampaignStatus `json:"status,omitempty"`
}

var statusByCode = map[service.Code]int{
	service.CodeInvalidInput:         http.StatusBadRequest,
	service.CodeValidationFailed:     http.StatusUnprocessableEntity,
	service.CodeSessionExpired:       http.StatusUnauthorized,
	service.CodeIdentityMismatch:     http.StatusUnauthorized,
	service.CodeNotAMember:           http.StatusForbidden,
	service.CodeBlocked:              http.StatusForbidden,
	service.CodeInactive:             http.StatusForbidden,
	service.CodeCampaignNotFound:     http.StatusNotFound,
	service.CodeAlreadyApplied:       http.StatusConflict,
	service.CodeDuplicateApplication: http.StatusConflict,
	service.CodeQuotaExceeded:        http.StatusConflict,
	service.CodeCampaignNotAccepting: http.StatusConflict,
	service.CodeInvalidTransition:    http.StatusConflict,
	service.CodeRateLimited:          http.StatusTooManyRequests,
	service.CodeNotificationFailed:   http.StatusBadGateway,
	service.CodeUnavailable:          http.StatusServiceUnavailable,
}

// HTTPStatus maps a pipeline error code to its HTTP status
func HTTPStatus(code service.Code) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteError writes a standardized error response
func WriteError(w http.ResponseWriter, code int, errCode, message string, log *zap.Logger) {
	writeErrorResponse(w, code, ErrorResponse{Error: errCode, Code: errCode, Message: message}, log)
}

// WriteServiceError writes err using its pipeline code. The underlying cause
// is logged, never sent.
func WriteServiceError(w http.ResponseWriter, err error, log *zap.Logger) {
	e := service.AsError(err)
	resp := ErrorResponse{
		Error:   string(e.Code),
		Code:    string(e.Code),
		Message: e.Message,
		Status:  e.Status,
	}
	if len(e.FieldErrors) > 0 {
		resp.FieldErrors = e.FieldErrors.Map()
	}
	if e.Err != nil {
		log = log.With(zap.NamedError("cause", e.Err))
	}
	writeErrorResponse(w, HTTPStatus(e.Code), resp, log)
}

func writeErrorResponse(w http.ResponseWriter, status int, resp ErrorResponse, log *zap.Logger) {
	if status >= http.StatusInternalServerError {
		log.Error("API error", zap.String("code", resp.Code), zap.String("message", resp.Message))
	} else {
		log.Debug("API error", zap.String("code", resp.Code), zap.String("message", resp.Message))
	}

	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "60")
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

const maxBodyBytes = 64 << 10

// decodeJSON reads a bounded JSON body. Numbers stay json.Number so form
// values keep their original digits.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}

// RequestLogger logs HTTP requests and responses and records their latency
func RequestLogger(log *zap.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			if m != nil {
				m.ObserveRequest(route, strconv.Itoa(wrapped.statusCode), start)
			}

			log.Info("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("route", route),
				zap.Int("status", wrapped.statusCode),
				zap.Duration("duration", duration),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
