package reconcile

import (
	"errors"
	"fmt"

	"bitget-ledger-sync/internal/bitget"
	"bitget-ledger-sync/internal/credentials"
)

// ErrorKind tells the caller whether a failed pass is worth retrying.
type ErrorKind string

const (
	// KindCredentials: credentials absent or undecryptable; skipped, retried next pass.
	KindCredentials ErrorKind = "credentials"
	// KindAuth: the exchange rejected the credentials or the request clock.
	KindAuth ErrorKind = "auth"
	// KindTransient: timeouts, rate limits, 5xx; retried on the next scheduled pass.
	KindTransient ErrorKind = "transient"
	// KindPersistence: the ledger transaction failed and was rolled back.
	KindPersistence ErrorKind = "persistence"
	// KindBusy: a pass for the same user is already running.
	KindBusy ErrorKind = "busy"
	// KindSuspended: scheduled passes are paused until the credentials change.
	KindSuspended ErrorKind = "suspended"
	// KindRejected: the exchange refused a business request.
	KindRejected ErrorKind = "rejected"
)

// SyncError is the typed failure of one user's pass or request.
type SyncError struct {
	Kind   ErrorKind
	UserID uint
	Code   string
	Err    error
}

func (e *SyncError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("user %d: %s (%s): %v", e.UserID, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("user %d: %s: %v", e.UserID, e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Retryable reports whether the next scheduled pass may succeed without user action.
func (e *SyncError) Retryable() bool {
	switch e.Kind {
	case KindTransient, KindPersistence, KindBusy, KindCredentials:
		return true
	default:
		return false
	}
}

// KindOf returns the ErrorKind of err, or "" when err is not a SyncError.
func KindOf(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

var errBusy = errors.New("reconciliation already in progress")

// exchangeError maps a client error onto the sync taxonomy.
func exchangeError(userID uint, err error) *SyncError {
	se := &SyncError{UserID: userID, Code: bitget.Code(err), Err: err}
	switch bitget.KindOf(err) {
	case bitget.KindAuth:
		se.Kind = KindAuth
	case bitget.KindRejected:
		se.Kind = KindRejected
	default:
		se.Kind = KindTransient
	}
	return se
}

func credentialsError(userID uint, err error) *SyncError {
	code := "not_configured"
	if errors.Is(err, credentials.ErrDecrypt) {
		code = "decrypt_failed"
	} else if !errors.Is(err, credentials.ErrNotConfigured) {
		code = "lookup_failed"
	}
	return &SyncError{Kind: KindCredentials, UserID: userID, Code: code, Err: err}
}

func persistenceError(userID uint, err error) *SyncError {
	return &SyncError{Kind: KindPersistence, UserID: userID, Err: err}
}
