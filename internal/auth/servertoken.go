package auth

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ServerTokenSource holds the server-admin token this gateway presents
// to the User API. The token is minted from the gateway's own admin key
// and replaced once its advertised lifetime runs out or on Renew.
type ServerTokenSource struct {
	keys   AdminKeyStore
	tokens *Tokens
	keyID  string
	now    func() time.Time

	mu       sync.Mutex
	token    string
	expireAt time.Time
}

// NewServerTokenSource creates a source that signs tokens for the admin
// key with the given ID.
func NewServerTokenSource(keys AdminKeyStore, tokens *Tokens, keyID string) *ServerTokenSource {
	return &ServerTokenSource{
		keys:   keys,
		tokens: tokens,
		keyID:  keyID,
		now:    tokens.now,
	}
}

// Token returns the current token, minting one if none is held or the
// held one has passed its advertised expiry.
func (s *ServerTokenSource) Token(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Before(s.expireAt) {
		return s.token, nil
	}

	return s.renewLocked()
}

// Renew discards the held token and mints a new one from the stored
// admin key.
func (s *ServerTokenSource) Renew(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.renewLocked()
}

func (s *ServerTokenSource) renewLocked() (string, error) {
	key, err := s.keys.GetAdminKey(s.keyID)
	if err != nil {
		return "", fmt.Errorf("reading server admin key: %w", err)
	}

	if key == nil {
		return "", fmt.Errorf("server admin key not found")
	}

	token, expireAt, err := s.tokens.IssueServerAdmin(key.Nickname, key.AccountType)
	if err != nil {
		return "", err
	}

	s.token = token
	s.expireAt = expireAt

	return token, nil
}
