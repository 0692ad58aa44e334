package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"sentinel", ErrSessionConflict, "SessionConflict"},
		{"wrapped", fmt.Errorf("start: %w", ErrLoginTimeout), "LoginTimeout"},
		{"typed", E("download", ErrIncompleteDownload, errors.New("9/10")), "IncompleteDownload"},
		{"not found alias", ErrNotFound, "VaultTokenExpiredOrReused"},
		{"outer kind wins", E("run job", ErrJobBudgetExceeded, E("download", ErrIncompleteDownload, nil)), "JobBudgetExceeded"},
		{"unknown", errors.New("boom"), "Internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}
}

func TestErrorUnwrapsCause(t *testing.T) {
	err := E("await login", ErrLoginTimeout, context.DeadlineExceeded)

	assert.ErrorIs(t, err, ErrLoginTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "await login: login not detected before timeout: context deadline exceeded", err.Error())
}
