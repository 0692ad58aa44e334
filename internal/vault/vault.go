// Package vault holds captured browser authentication state, sealed, for a
// short time and for a single redemption.
package vault

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/shehryarbajwa/claimharvest/internal/errs"
	"github.com/shehryarbajwa/claimharvest/internal/logger"
	"github.com/shehryarbajwa/claimharvest/pkg/models"
)

// Source yields the storage state of a live, authenticated browser context
type Source interface {
	StorageState(ctx context.Context) (*models.StorageState, error)
}

type entry struct {
	sessionID  string
	sealed     []byte
	capturedAt time.Time
	expiresAt  time.Time
}

// Vault seals captured state with a process-wide key
type Vault struct {
	aead    cipher.AEAD
	ttl     time.Duration
	now     func() time.Time
	mu      sync.Mutex
	entries map[string]entry
}

// New creates a vault. A nil key generates a random one for this process.
func New(key []byte, ttl time.Duration) (*Vault, error) {
	if key == nil {
		key = make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate vault key: %w", err)
		}
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init vault cipher: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Vault{
		aead:    aead,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry),
	}, nil
}

// DecodeKey parses a base64 key from configuration. Empty input yields nil.
func DecodeKey(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode vault key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("vault key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return key, nil
}

// Capture reads the state from src, seals it and stores it under a fresh token
func (v *Vault) Capture(ctx context.Context, sessionID string, src Source) (*models.CapturedState, error) {
	state, err := src.StorageState(ctx)
	if err != nil {
		return nil, fmt.Errorf("read storage state: %w", err)
	}
	plain, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode storage state: %w", err)
	}

	token := uuid.NewString()
	nonce := make([]byte, v.aead.NonceSize(), v.aead.NonceSize()+len(plain)+v.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, plain, additionalData(sessionID, token))
	clear(plain)

	now := v.now()
	e := entry{
		sessionID:  sessionID,
		sealed:     sealed,
		capturedAt: now,
		expiresAt:  now.Add(v.ttl),
	}

	v.mu.Lock()
	if _, taken := v.entries[token]; taken {
		v.mu.Unlock()
		return nil, fmt.Errorf("vault token collision")
	}
	v.entries[token] = e
	v.mu.Unlock()

	logger.From(ctx).Info("storage state captured",
		"token", logger.Short(token),
		"cookies", len(state.Cookies),
		"expires_at", e.expiresAt)

	return &models.CapturedState{
		SessionID:  sessionID,
		Token:      token,
		CapturedAt: e.capturedAt,
		ExpiresAt:  e.expiresAt,
	}, nil
}

// Redeem returns the state stored under token and invalidates it.
// Unknown, expired and already redeemed tokens all fail with errs.ErrNotFound.
func (v *Vault) Redeem(token string) (*models.CapturedState, error) {
	v.mu.Lock()
	e, ok := v.entries[token]
	delete(v.entries, token)
	v.mu.Unlock()

	if !ok || !v.now().Before(e.expiresAt) {
		return nil, errs.E("redeem", errs.ErrNotFound, nil)
	}

	nonceSize := v.aead.NonceSize()
	if len(e.sealed) < nonceSize {
		return nil, fmt.Errorf("sealed state truncated")
	}
	plain, err := v.aead.Open(nil, e.sealed[:nonceSize], e.sealed[nonceSize:], additionalData(e.sessionID, token))
	if err != nil {
		return nil, fmt.Errorf("open sealed state: %w", err)
	}
	defer clear(plain)

	var state models.StorageState
	if err := json.Unmarshal(plain, &state); err != nil {
		return nil, fmt.Errorf("decode storage state: %w", err)
	}

	return &models.CapturedState{
		SessionID:  e.sessionID,
		Token:      token,
		CapturedAt: e.capturedAt,
		ExpiresAt:  e.expiresAt,
		State:      &state,
	}, nil
}

// Len returns the number of stored, possibly expired, entries
func (v *Vault) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.entries)
}

// Sweep drops expired entries and returns how many were removed
func (v *Vault) Sweep() int {
	now := v.now()
	v.mu.Lock()
	defer v.mu.Unlock()

	removed := 0
	for token, e := range v.entries {
		if !now.Before(e.expiresAt) {
			delete(v.entries, token)
			removed++
		}
	}
	return removed
}

// Run sweeps expired entries until ctx is done
func (v *Vault) Run(ctx context.Context) {
	ticker := time.NewTicker(v.ttl / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := v.Sweep(); n > 0 {
				slog.Debug("vault swept expired entries", "count", n)
			}
		}
	}
}

func additionalData(sessionID, token string) []byte {
	return []byte(sessionID + "|" + token)
}
