package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	clierr "github.com/ggonzalez94/defi-voice/internal/errors"
)

type ErrorType string

const (
	ErrorTypeNetwork ErrorType = "network_error"
	ErrorTypeAuth    ErrorType = "auth_error"
	ErrorTypeData    ErrorType = "data_error"
	ErrorTypeUnknown ErrorType = "unknown_error"
)

// APIError is the structured failure side of a backend call.
type APIError struct {
	Type       ErrorType `json:"type"`
	Errors     []string  `json:"errors"`
	StatusCode int       `json:"statusCode,omitempty"`
	Backend    Backend   `json:"backend"`
	cause      error
}

func (e *APIError) Error() string {
	msg := strings.Join(e.Errors, "; ")
	if msg == "" {
		msg = string(e.Type)
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (%s, status %d): %s", e.Backend, e.Type, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s (%s): %s", e.Backend, e.Type, msg)
}

func (e *APIError) Unwrap() error { return e.cause }

// Message returns the first backend error message, if any.
func (e *APIError) Message() string {
	if len(e.Errors) == 0 {
		return string(e.Type)
	}
	return e.Errors[0]
}

func (e *APIError) code() clierr.Code {
	switch {
	case e.Type == ErrorTypeNetwork:
		return clierr.CodeUnavailable
	case e.StatusCode == http.StatusTooManyRequests:
		return clierr.CodeRateLimited
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return clierr.CodeAuth
	default:
		return clierr.CodeBackend
	}
}

// AsAPIError extracts the structured backend failure from err.
func AsAPIError(err error) (*APIError, bool) {
	var target *APIError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// StatusCode returns the HTTP status attached to err, or 0 when no response was received.
func StatusCode(err error) int {
	if api, ok := AsAPIError(err); ok {
		return api.StatusCode
	}
	return 0
}

type tokenExpiredError struct {
	api *APIError
}

func (e *tokenExpiredError) Error() string { return "access token expired: " + e.api.Error() }

func isTokenExpired(err error) bool {
	_, ok := err.(*tokenExpiredError)
	return ok
}

type errorBody struct {
	Type    string          `json:"type"`
	Code    string          `json:"code"`
	Errors  json.RawMessage `json:"errors"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
}

func parseAPIError(backend Backend, status int, body []byte) *APIError {
	out := &APIError{Backend: backend, StatusCode: status}
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		out.Type = ErrorTypeUnknown
		out.Errors = []string{fallbackMessage(status, body)}
		return out
	}

	messages := decodeMessages(parsed.Errors)
	if parsed.Message != "" {
		messages = append(messages, parsed.Message)
	}
	if parsed.Error != "" {
		messages = append(messages, parsed.Error)
	}
	if len(messages) == 0 && parsed.Type == "" {
		out.Type = ErrorTypeUnknown
		out.Errors = []string{fallbackMessage(status, body)}
		return out
	}
	if len(messages) == 0 {
		messages = []string{http.StatusText(status)}
	}
	out.Errors = messages

	switch ErrorType(parsed.Type) {
	case ErrorTypeAuth, ErrorTypeData:
		out.Type = ErrorType(parsed.Type)
	default:
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			out.Type = ErrorTypeAuth
		} else {
			out.Type = ErrorTypeData
		}
	}
	return out
}

func decodeMessages(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var objects []struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &objects); err == nil {
		out := make([]string, 0, len(objects))
		for _, o := range objects {
			if o.Message != "" {
				out = append(out, o.Message)
			}
		}
		return out
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return []string{single}
	}
	return nil
}

func fallbackMessage(status int, body []byte) string {
	text := strings.TrimSpace(Truncate(body, 200))
	if text == "" {
		return http.StatusText(status)
	}
	return text
}

// IsExpiredTokenResponse recognises the backend's expired-token shape: a 401
// whose body carries code "token_expired" or an error message mentioning expiry.
func IsExpiredTokenResponse(status int, body []byte) bool {
	if status != http.StatusUnauthorized {
		return false
	}
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return false
	}
	if strings.EqualFold(parsed.Code, "token_expired") {
		return true
	}
	messages := decodeMessages(parsed.Errors)
	messages = append(messages, parsed.Message, parsed.Error)
	for _, msg := range messages {
		if strings.Contains(strings.ToLower(msg), "expired") {
			return true
		}
	}
	return false
}
