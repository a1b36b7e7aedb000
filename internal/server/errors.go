package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/3leaps/feedstore/pkg/artifact"
	"github.com/3leaps/feedstore/pkg/job"
	"github.com/3leaps/feedstore/pkg/provider"
)

// Error codes used in the JSON error envelope.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeBadGateway         = "UPSTREAM_ERROR"
)

// ErrorResponse is the envelope of every non-2xx response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorBody{
		Code:      code,
		Message:   message,
		RequestID: middleware.GetReqID(r.Context()),
	}})
}

// classify maps domain errors to an HTTP status and code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, artifact.ErrInvalidID),
		errors.Is(err, doublestar.ErrBadPattern),
		errors.Is(err, job.ErrInvalidStatusEvent):
		return http.StatusBadRequest, CodeBadRequest
	case errors.Is(err, artifact.ErrNoRemote):
		return http.StatusServiceUnavailable, CodeServiceUnavailable
	case provider.IsNotFound(err):
		return http.StatusNotFound, CodeNotFound
	case artifact.IsTransferError(err):
		var te *artifact.TransferError
		if errors.As(err, &te) && !te.Local {
			return http.StatusBadGateway, CodeBadGateway
		}
	}
	return http.StatusInternalServerError, CodeInternal
}

func (s *Server) respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	writeError(w, r, status, code, err.Error())
}

// Recovery turns handler panics into a JSON 500 response.
func (s *Server) Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.logger.Error("Handler panic",
				zap.String("path", r.URL.Path),
				zap.Any("panic", rec),
			)
			writeError(w, r, http.StatusInternalServerError, CodeInternal, fmt.Sprintf("panic: %v", rec))
		}()
		next.ServeHTTP(w, r)
	})
}

// accessLog logs one line per request at debug level.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
