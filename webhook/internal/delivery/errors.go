package delivery

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes recorded on dead letters.
const (
	CodeNetwork          = "network_error"
	CodeRequest          = "request_error"
	CodePayload          = "payload_error"
	CodeSubscriptionLoad = "subscription_lookup_failed"
)

// DeliveryError is a failed attempt with its classification.
type DeliveryError struct {
	Code      string
	Status    int
	Retryable bool
	Err       error
}

func (e *DeliveryError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("webhook %s: status %d", e.Code, e.Status)
	}
	return fmt.Sprintf("webhook %s: %v", e.Code, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// StatusError classifies an HTTP response status. 5xx and 429 are
// retryable; every other non-2xx status is terminal.
func StatusError(status int) *DeliveryError {
	return &DeliveryError{
		Code:      fmt.Sprintf("http_%d", status),
		Status:    status,
		Retryable: status >= 500 || status == http.StatusTooManyRequests,
	}
}

// NetworkError wraps a transport failure; always retryable.
func NetworkError(err error) *DeliveryError {
	return &DeliveryError{Code: CodeNetwork, Retryable: true, Err: err}
}

// Classify converts any send error into a DeliveryError. Unknown errors are
// treated as network-level and therefore retryable.
func Classify(err error) *DeliveryError {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de
	}
	return NetworkError(err)
}
