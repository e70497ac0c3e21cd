package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/compresr/antigravity-gateway/internal/accounts"
	"github.com/compresr/antigravity-gateway/internal/retry"
)

const (
	maxErrorMessageLen = 500
	truncatedSuffix    = "... (truncated)"
)

// errorBody is the Messages API error envelope.
type errorBody struct {
	Type  string      `json:"type"`
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// errorType maps an HTTP status to the Messages API error type.
func errorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusForbidden:
		return "permission_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusServiceUnavailable, 529:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

// truncateMessage caps a client-facing error message.
func truncateMessage(msg string) string {
	r := []rune(msg)
	if len(r) <= maxErrorMessageLen {
		return msg
	}
	return string(r[:maxErrorMessageLen]) + truncatedSuffix
}

// writeError writes a Messages API error response.
func (g *Gateway) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := errorBody{
		Type:  "error",
		Error: errorDetail{Type: errorType(status), Message: truncateMessage(message)},
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Msg("failed to write error response")
	}
}

// failure converts an orchestration error to a status and client message.
// Upstream bodies contribute only their error.message, never raw payloads.
func failure(err error) (int, string) {
	if errors.Is(err, accounts.ErrNoAvailableAccounts) {
		return http.StatusServiceUnavailable, "no available accounts, please retry later"
	}

	var se retry.StatusError
	if errors.As(err, &se) {
		status := se.StatusCode()
		if status < 400 {
			status = http.StatusBadGateway
		}
		if msg := gjson.Get(firstJSON(se.ResponseBody()), "error.message").String(); msg != "" {
			return status, msg
		}
		return status, err.Error()
	}

	status, _ := retry.Classify(err)
	if status == http.StatusRequestTimeout {
		return http.StatusGatewayTimeout, err.Error()
	}
	return http.StatusInternalServerError, err.Error()
}

// firstJSON unwraps array-shaped error bodies to their first element.
func firstJSON(body string) string {
	if r := gjson.Parse(body); r.IsArray() {
		return r.Get("0").Raw
	}
	return body
}
