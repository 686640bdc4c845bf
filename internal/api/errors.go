package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapefleet/internal/fleet"
)

// statusFor maps the engine's error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, fleet.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, fleet.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, fleet.ErrWorkerNotEligible),
		errors.Is(err, fleet.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, fleet.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, fleet.ErrDiscovery):
		return http.StatusBadGateway
	case errors.Is(err, fleet.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op+" failed",
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
	}
	if errors.Is(err, fleet.ErrWorkerNotEligible) {
		secs := int(s.opts.RetryAfter.Seconds())
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, status, map[string]any{"error": err.Error(), "retry_after": secs})
		return
	}
	writeError(w, status, err.Error())
}
