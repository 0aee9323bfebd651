package controllers

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"backend/services"
)

// statusFor maps pipeline errors onto HTTP statuses. Terminal-but-expected
// outcomes are 4xx the client routes to manual entry; retryable ones are 503.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrImageInvalid):
		return http.StatusUnprocessableEntity
	case errors.Is(err, services.ErrNoCandidates),
		errors.Is(err, services.ErrRecordNotFound),
		errors.Is(err, services.ErrEntryNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrHealthPermissionDenied):
		return http.StatusForbidden
	case services.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeImage accepts either a bare base64 string or a data URI
// ("data:image/jpeg;base64,...").
func decodeImage(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		idx := strings.Index(s, ",")
		if idx < 0 {
			return nil, fmt.Errorf("invalid data URI")
		}
		s = s[idx+1:]
	}
	return base64.StdEncoding.DecodeString(s)
}
