package httpx

import (
	"math"
	"net/http"
	"strconv"
	"time"
)

// Error codes carried in the envelope of every gateway-generated error.
const (
	CodeNoToken                 = "NO_TOKEN"
	CodeTokenExpired            = "TOKEN_EXPIRED"
	CodeInvalidToken            = "INVALID_TOKEN"
	CodeNotAuthenticated        = "NOT_AUTHENTICATED"
	CodeInsufficientPermissions = "INSUFFICIENT_PERMISSIONS"
	CodeRateLimitExceeded       = "RATE_LIMIT_EXCEEDED"
	CodeServiceUnavailable      = "SERVICE_UNAVAILABLE"
	CodeBadGateway              = "BAD_GATEWAY"
	CodeNotFound                = "NOT_FOUND"
	CodeInternal                = "INTERNAL_SERVER_ERROR"
	CodePayloadTooLarge         = "PAYLOAD_TOO_LARGE"
	CodeForbiddenOrigin         = "FORBIDDEN_ORIGIN"
	CodeBadRequest              = "BAD_REQUEST"
	CodeMethodNotAllowed        = "METHOD_NOT_ALLOWED"
)

type ErrorBody struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Status     int    `json:"status"`
	Timestamp  string `json:"timestamp"`
	RequestID  string `json:"request_id"`
	RetryAfter *int   `json:"retryAfter,omitempty"`
}

type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// WriteError renders the standard error envelope. The request id is taken from
// the request context (see RequestIDMiddleware).
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeEnvelope(w, r, status, code, message, nil)
}

// WriteRetryableError renders the envelope with retryAfter and a Retry-After header.
func WriteRetryableError(w http.ResponseWriter, r *http.Request, status int, code, message string, retryAfter time.Duration) {
	secs := RetryAfterSeconds(retryAfter)
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeEnvelope(w, r, status, code, message, &secs)
}

// RetryAfterSeconds rounds up to whole seconds with a floor of one.
func RetryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, status int, code, message string, retryAfter *int) {
	requestID := ""
	if r != nil {
		requestID = RequestIDFromContext(r.Context())
	}
	if requestID != "" {
		w.Header().Set(HeaderRequestID, requestID)
	}
	WriteJSON(w, status, ErrorEnvelope{Error: ErrorBody{
		Code:       code,
		Message:    message,
		Status:     status,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		RequestID:  requestID,
		RetryAfter: retryAfter,
	}})
}
