// Package errs defines the failure taxonomy shared by the session, download
// and extraction stages.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrSessionConflict           = errors.New("another login session is already active")
	ErrLoginTimeout              = errors.New("login not detected before timeout")
	ErrSessionLost               = errors.New("browser session lost")
	ErrIncompleteDownload        = errors.New("download incomplete")
	ErrRecordInvalid             = errors.New("record failed validation")
	ErrVaultTokenExpiredOrReused = errors.New("captured state token expired or already redeemed")
	ErrJobBudgetExceeded         = errors.New("job exceeded its wall-clock budget")
	ErrInvalidRequest            = errors.New("invalid request")
	ErrSessionNotFound           = errors.New("session not found")
)

// ErrNotFound is what redeem reports for unknown, expired or spent tokens.
var ErrNotFound = ErrVaultTokenExpiredOrReused

// Error attaches the failing operation to a taxonomy error
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// E wraps cause under kind for operation op
func E(op string, kind error, cause error) error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

var kinds = []struct {
	err  error
	name string
}{
	{ErrSessionConflict, "SessionConflict"},
	{ErrLoginTimeout, "LoginTimeout"},
	{ErrSessionLost, "SessionLost"},
	{ErrIncompleteDownload, "IncompleteDownload"},
	{ErrRecordInvalid, "RecordInvalid"},
	{ErrVaultTokenExpiredOrReused, "VaultTokenExpiredOrReused"},
	{ErrJobBudgetExceeded, "JobBudgetExceeded"},
	{ErrInvalidRequest, "InvalidRequest"},
	{ErrSessionNotFound, "SessionNotFound"},
}

// Kind returns the stable classification name of err, or "Internal"
func Kind(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		for _, k := range kinds {
			if e.Kind == k.err {
				return k.name
			}
		}
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}
