package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arifwicaksono2000/botapp-trader/database/models"
	"github.com/arifwicaksono2000/botapp-trader/ledger"
	"github.com/arifwicaksono2000/botapp-trader/logger"
)

// ErrNoToken is returned when the ledger holds no token in use.
var ErrNoToken = errors.New("no active token in the ledger")

// TokenStore is the part of the ledger that persists tokens.
type TokenStore interface {
	ActiveToken(ctx context.Context) (*models.Token, error)
	RotateToken(ctx context.Context, t *models.Token) error
}

// AuthManager serves the access token from the ledger and rotates it
// through the refresh-token grant.
type AuthManager struct {
	client *AuthClient
	store  TokenStore
	mu     sync.Mutex
}

// NewAuthManager creates a new AuthManager instance.
func NewAuthManager(client *AuthClient, store TokenStore) *AuthManager {
	return &AuthManager{
		client: client,
		store:  store,
	}
}

func (am *AuthManager) active(ctx context.Context) (*models.Token, error) {
	tok, err := am.store.ActiveToken(ctx)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("load active token: %w", err)
	}
	return tok, nil
}

// AccessToken returns the token in use.
func (am *AuthManager) AccessToken(ctx context.Context) (string, error) {
	tok, err := am.active(ctx)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// ExpiresAt returns the expiry of the token in use.
func (am *AuthManager) ExpiresAt(ctx context.Context) (time.Time, error) {
	tok, err := am.active(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return tok.ExpiresAt, nil
}

// Refresh exchanges the stored refresh token for a new pair, stores it as
// the token in use and returns the new access token. Concurrent calls are
// serialized.
func (am *AuthManager) Refresh(ctx context.Context) (string, error) {
	am.mu.Lock()
	defer am.mu.Unlock()

	cur, err := am.active(ctx)
	if err != nil {
		return "", err
	}
	td, err := am.client.RefreshToken(ctx, cur.RefreshToken)
	if err != nil {
		return "", err
	}

	next := &models.Token{
		AccessToken:  td.AccessToken,
		RefreshToken: td.RefreshToken,
		IsUsed:       true,
		ExpiresAt:    td.ExpiresAt,
	}
	if err := am.store.RotateToken(ctx, next); err != nil {
		return "", fmt.Errorf("store refreshed token: %w", err)
	}
	logger.Infof("Token refreshed, expires at %s", td.ExpiresAt.Format(time.RFC3339))
	return td.AccessToken, nil
}

// RunTokenMonitor checks the stored expiry every interval and calls
// onExpiring once the token is within window of expiring.
func (am *AuthManager) RunTokenMonitor(ctx context.Context, interval, window time.Duration, onExpiring func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("Token expiry monitoring started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("Token monitoring stopped")
			return
		case <-ticker.C:
			expiresAt, err := am.ExpiresAt(ctx)
			if err != nil {
				logger.Warnf("Token monitor: %v", err)
				continue
			}
			timeUntilExpiry := time.Until(expiresAt)
			if timeUntilExpiry <= window {
				logger.Warnf("Token expires in %v, refreshing proactively", timeUntilExpiry.Round(time.Second))
				onExpiring()
			} else {
				logger.Debugf("Token valid, expires in %v", timeUntilExpiry.Round(time.Minute))
			}
		}
	}
}
