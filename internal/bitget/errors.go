package bitget

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failed exchange call by how the caller should react.
type Kind int

const (
	// KindTransient covers network errors, timeouts and 5xx responses; retry next pass.
	KindTransient Kind = iota
	// KindRateLimit means the key exceeded its request budget; retry next pass.
	KindRateLimit
	// KindAuth means bad key, secret, passphrase, signature or timestamp; fatal for the pass.
	KindAuth
	// KindRejected is a business rejection carrying the exchange's reason.
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimit:
		return "rate_limit"
	case KindAuth:
		return "auth"
	case KindRejected:
		return "rejected"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Authentication diagnostic codes returned by Bitget.
const (
	CodeAPIKeyMissing       = "40006"
	CodeSignatureError      = "40009"
	CodeAPIKeyOrPassword    = "40012"
	CodeAPIKeyNotExist      = "40037"
	CodeSecretIncorrect     = "40038"
	CodePassphraseIncorrect = "40103"
	CodeTimestampExpired    = "40104"
	CodeSignatureInvalid    = "40105"
	CodeAccountAbnormal     = "40710"
	CodeTooManyRequests     = "429"
	CodeRateLimited         = "43011"
)

var authCodes = map[string]string{
	CodeAPIKeyMissing:       "api key missing",
	CodeSignatureError:      "signature error",
	CodeAPIKeyOrPassword:    "api key or passphrase incorrect",
	CodeAPIKeyNotExist:      "api key does not exist",
	CodeSecretIncorrect:     "secret key incorrect",
	CodePassphraseIncorrect: "passphrase incorrect",
	CodeTimestampExpired:    "request timestamp outside tolerance (clock skew)",
	CodeSignatureInvalid:    "signature invalid",
	CodeAccountAbnormal:     "account status abnormal",
}

// APIError is a non-success response from the exchange.
type APIError struct {
	HTTPStatus int
	Code       string
	Msg        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bitget: http %d code %s: %s", e.HTTPStatus, e.Code, e.Msg)
}

// Kind classifies the error.
func (e *APIError) Kind() Kind {
	if _, ok := authCodes[e.Code]; ok {
		return KindAuth
	}
	switch {
	case e.Code == CodeTooManyRequests || e.Code == CodeRateLimited:
		return KindRateLimit
	case e.HTTPStatus == http.StatusTooManyRequests:
		return KindRateLimit
	case e.HTTPStatus == http.StatusUnauthorized || e.HTTPStatus == http.StatusForbidden:
		return KindAuth
	case e.HTTPStatus >= http.StatusInternalServerError:
		return KindTransient
	default:
		return KindRejected
	}
}

// Diagnostic returns a human readable explanation for auth codes.
func (e *APIError) Diagnostic() string {
	if d, ok := authCodes[e.Code]; ok {
		return d
	}
	return e.Msg
}

// TransportError wraps failures that never produced an exchange response.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("bitget: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// KindOf classifies any error returned by this package.
// Unknown errors are treated as transient.
func KindOf(err error) Kind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind()
	}
	return KindTransient
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	return err != nil && KindOf(err) == KindAuth
}

// Code extracts the exchange error code, if any.
func Code(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return ""
}
