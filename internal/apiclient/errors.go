package apiclient

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error codes reported by the API or synthesized by the client.
const (
	CodeNetworkError       = "NETWORK_ERROR"
	CodeInsufficientPoints = "INSUFFICIENT_POINTS"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeRequestFailed      = "REQUEST_FAILED"
)

// APIError is a failed API call. Status is 0 for transport failures.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error (%d): %s", e.Status, e.Message)
}

// IsNetworkError reports whether err is a transport failure.
func IsNetworkError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodeNetworkError
}

// IsInsufficientBalance reports whether err means the account lacks points
// for the purchase.
func IsInsufficientBalance(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Code == CodeInsufficientPoints || apiErr.Status == http.StatusPaymentRequired {
		return true
	}
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "insufficient") || strings.Contains(apiErr.Message, "积分不足")
}

// IsUnauthorized reports whether err is an authentication failure.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && (apiErr.Status == http.StatusUnauthorized || apiErr.Code == CodeUnauthorized)
}
