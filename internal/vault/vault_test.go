package vault

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/claimharvest/internal/errs"
	"github.com/shehryarbajwa/claimharvest/pkg/models"
)

type staticSource struct {
	state *models.StorageState
	err   error
}

func (s staticSource) StorageState(context.Context) (*models.StorageState, error) {
	return s.state, s.err
}

func sampleState() *models.StorageState {
	return &models.StorageState{
		Cookies: []models.Cookie{{Name: "ASP.NET_SessionId", Value: "secret-cookie", Domain: "extranet.cruzblanca.cl", Path: "/"}},
		Origins: []models.OriginStorage{{Origin: "https://extranet.cruzblanca.cl", LocalStorage: map[string]string{"k": "v"}}},
	}
}

func TestCaptureRedeemOnce(t *testing.T) {
	v, err := New(nil, time.Hour)
	require.NoError(t, err)

	captured, err := v.Capture(context.Background(), "session-1", staticSource{state: sampleState()})
	require.NoError(t, err)
	assert.NotEmpty(t, captured.Token)
	assert.Nil(t, captured.State)
	assert.Equal(t, time.Hour, captured.ExpiresAt.Sub(captured.CapturedAt))

	got, err := v.Redeem(captured.Token)
	require.NoError(t, err)
	assert.Equal(t, "session-1", got.SessionID)
	assert.Equal(t, sampleState(), got.State)

	_, err = v.Redeem(captured.Token)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.ErrorIs(t, err, errs.ErrVaultTokenExpiredOrReused)
}

func TestRedeemExpired(t *testing.T) {
	v, err := New(nil, time.Minute)
	require.NoError(t, err)
	now := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return now }

	captured, err := v.Capture(context.Background(), "s", staticSource{state: sampleState()})
	require.NoError(t, err)

	now = now.Add(time.Minute)
	_, err = v.Redeem(captured.Token)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.Zero(t, v.Len())
}

func TestRedeemUnknownToken(t *testing.T) {
	v, err := New(nil, time.Hour)
	require.NoError(t, err)

	_, err = v.Redeem("nope")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestConcurrentRedeemSucceedsOnce(t *testing.T) {
	v, err := New(nil, time.Hour)
	require.NoError(t, err)
	captured, err := v.Capture(context.Background(), "s", staticSource{state: sampleState()})
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := v.Redeem(captured.Token); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestSealedBlobDoesNotContainPlaintext(t *testing.T) {
	v, err := New(nil, time.Hour)
	require.NoError(t, err)
	captured, err := v.Capture(context.Background(), "s", staticSource{state: sampleState()})
	require.NoError(t, err)

	v.mu.Lock()
	sealed := v.entries[captured.Token].sealed
	v.mu.Unlock()
	assert.NotContains(t, string(sealed), "secret-cookie")
}

func TestCaptureSourceError(t *testing.T) {
	v, err := New(nil, time.Hour)
	require.NoError(t, err)

	_, err = v.Capture(context.Background(), "s", staticSource{err: errors.New("target closed")})
	require.Error(t, err)
	assert.Zero(t, v.Len())
}

func TestSweep(t *testing.T) {
	v, err := New(nil, time.Minute)
	require.NoError(t, err)
	now := time.Now()
	v.now = func() time.Time { return now }

	_, err = v.Capture(context.Background(), "a", staticSource{state: sampleState()})
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	_, err = v.Capture(context.Background(), "b", staticSource{state: sampleState()})
	require.NoError(t, err)

	assert.Equal(t, 1, v.Sweep())
	assert.Equal(t, 1, v.Len())
}

func TestDecodeKey(t *testing.T) {
	key, err := DecodeKey("")
	require.NoError(t, err)
	assert.Nil(t, key)

	_, err = DecodeKey(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)

	raw := make([]byte, 32)
	key, err = DecodeKey(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.Len(t, key, 32)
}
