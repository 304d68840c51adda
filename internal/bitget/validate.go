package bitget

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Validation is the outcome of a credential check.
type Validation struct {
	Valid      bool      `json:"valid"`
	Code       string    `json:"code,omitempty"`
	Diagnostic string    `json:"diagnostic,omitempty"`
	Accounts   []Account `json:"accounts,omitempty"`
}

// ValidateCredentials performs a signed balance read and translates the
// exchange's response into a diagnostic a user can act on. A non-nil error
// means the check itself could not be completed (network, rate limit).
func ValidateCredentials(ctx context.Context, client RestClientInterface, creds Credentials) (*Validation, error) {
	switch {
	case strings.TrimSpace(creds.APIKey) == "":
		return &Validation{Code: CodeAPIKeyMissing, Diagnostic: "api key is empty"}, nil
	case strings.TrimSpace(creds.APISecret) == "":
		return &Validation{Code: CodeSecretIncorrect, Diagnostic: "api secret is empty"}, nil
	}

	accounts, err := client.GetAccounts(ctx)
	if err == nil {
		return &Validation{Valid: true, Accounts: accounts}, nil
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return nil, fmt.Errorf("credential check did not complete: %w", err)
	}
	switch apiErr.Kind() {
	case KindAuth:
		return &Validation{Code: apiErr.Code, Diagnostic: apiErr.Diagnostic()}, nil
	case KindRejected:
		return &Validation{Code: apiErr.Code, Diagnostic: apiErr.Msg}, nil
	default:
		return nil, fmt.Errorf("credential check did not complete: %w", err)
	}
}
