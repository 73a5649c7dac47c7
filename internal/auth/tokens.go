package auth

import (
	"errors"
	"fmt"
	"time"

	autherr "github.com/alexjbarnes/authgate/internal/errors"
	"github.com/alexjbarnes/authgate/internal/metrics"
	"github.com/alexjbarnes/authgate/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	accessTokenExpiry      = 10 * time.Minute
	serverAdminTokenExpiry = 60 * time.Minute

	// serverAdminAdvertised is the lifetime reported to callers, one
	// minute short of the signed expiry.
	serverAdminAdvertised = 59 * time.Minute

	// aboutToExpireWindow flags refresh tokens that should be replaced.
	aboutToExpireWindow = 20 * time.Minute
)

// Token type tags carried in every token.
const (
	typeAccess  = "access"
	typeRefresh = "refresh"

	tokenTypeUser        = "user"
	tokenTypeServerAdmin = "serverAdmin"
)

// Claims is the payload of every token the gateway signs.
type Claims struct {
	Identity    string             `json:"id"`
	Type        string             `json:"type"`
	TokenType   string             `json:"tokenType"`
	AccountType models.AccountType `json:"accountType,omitempty"`
	jwt.RegisteredClaims
}

// RefreshSession is the verified content of a refresh token.
type RefreshSession struct {
	Email    string
	ExpireAt time.Time
	// AboutToExpire is set when the stored expiry is less than 20
	// minutes away.
	AboutToExpire bool
}

// ServerIdentity is the verified content of a server-admin token.
type ServerIdentity struct {
	Nickname    string
	AccountType models.AccountType
}

// Tokens issues and verifies the three token kinds. Access and
// server-admin tokens share the access key and are told apart by
// tokenType.
type Tokens struct {
	accessKey  []byte
	refreshKey []byte
	store      RefreshTokenStore
	now        func() time.Time
}

// NewTokens creates a Tokens. now defaults to time.Now.
func NewTokens(accessKey, refreshKey string, store RefreshTokenStore, now func() time.Time) *Tokens {
	if now == nil {
		now = time.Now
	}

	return &Tokens{
		accessKey:  []byte(accessKey),
		refreshKey: []byte(refreshKey),
		store:      store,
		now:        now,
	}
}

func (t *Tokens) sign(claims Claims, key []byte) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(key)
}

func (t *Tokens) registered(id string, expireAt time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		ID:        id,
		IssuedAt:  jwt.NewNumericDate(t.now()),
		ExpiresAt: jwt.NewNumericDate(expireAt),
	}
}

// IssueAccess returns a 10 minute user access token for email.
func (t *Tokens) IssueAccess(email string) (string, error) {
	token, err := t.sign(Claims{
		Identity:         email,
		Type:             typeAccess,
		TokenType:        tokenTypeUser,
		RegisteredClaims: t.registered(uuid.NewString(), t.now().Add(accessTokenExpiry)),
	}, t.accessKey)
	if err != nil {
		return "", fmt.Errorf("signing access token: %w", err)
	}

	metrics.TokensIssued.WithLabelValues("access").Inc()

	return token, nil
}

// IssueRefresh signs a refresh token for email valid for validFor and
// persists its record. The record ID doubles as the token's jti.
func (t *Tokens) IssueRefresh(email string, validFor time.Duration) (string, error) {
	id := uuid.NewString()
	expireAt := t.now().Add(validFor)

	token, err := t.sign(Claims{
		Identity:         email,
		Type:             typeRefresh,
		TokenType:        tokenTypeUser,
		RegisteredClaims: t.registered(id, expireAt),
	}, t.refreshKey)
	if err != nil {
		return "", fmt.Errorf("signing refresh token: %w", err)
	}

	err = t.store.SaveRefreshToken(token, models.RefreshToken{
		ID:       id,
		Email:    email,
		ExpireAt: expireAt,
	})
	if err != nil {
		return "", fmt.Errorf("saving refresh token: %w", err)
	}

	metrics.TokensIssued.WithLabelValues("refresh").Inc()

	return token, nil
}

// IssueServerAdmin returns a server-admin token for the key nickname.
// The token is signed for 60 minutes; the returned expiry is the 59
// minute lifetime callers should rely on.
func (t *Tokens) IssueServerAdmin(nickname string, accountType models.AccountType) (string, time.Time, error) {
	now := t.now()

	token, err := t.sign(Claims{
		Identity:         nickname,
		Type:             typeAccess,
		TokenType:        tokenTypeServerAdmin,
		AccountType:      accountType,
		RegisteredClaims: t.registered(uuid.NewString(), now.Add(serverAdminTokenExpiry)),
	}, t.accessKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing server admin token: %w", err)
	}

	metrics.TokensIssued.WithLabelValues("server_admin").Inc()

	return token, now.Add(serverAdminAdvertised), nil
}

func (t *Tokens) parse(token string, key []byte) (*Claims, error) {
	claims := &Claims{}

	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}

	return claims, nil
}

// VerifyRefresh checks a refresh token's signature and type, then
// cross-checks the persisted record. A missing token is
// Unauthenticated; every other failure is Forbidden.
func (t *Tokens) VerifyRefresh(token string) (*RefreshSession, error) {
	if token == "" {
		return nil, autherr.Unauthenticated("")
	}

	claims, err := t.parse(token, t.refreshKey)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindForbidden, err)
	}

	if claims.Type != typeRefresh || claims.TokenType != tokenTypeUser || claims.Identity == "" {
		return nil, autherr.Forbidden()
	}

	rt, err := t.store.GetRefreshToken(token)
	if err != nil {
		return nil, fmt.Errorf("reading refresh token: %w", err)
	}

	now := t.now()
	if rt == nil || !rt.ExpireAt.After(now) {
		return nil, autherr.Forbidden()
	}

	return &RefreshSession{
		Email:         claims.Identity,
		ExpireAt:      rt.ExpireAt,
		AboutToExpire: rt.ExpireAt.Before(now.Add(aboutToExpireWindow)),
	}, nil
}

// VerifyServerAdmin checks a server-admin token. A missing token is
// Unauthenticated; every other failure is Forbidden.
func (t *Tokens) VerifyServerAdmin(token string) (*ServerIdentity, error) {
	if token == "" {
		return nil, autherr.Unauthenticated("")
	}

	claims, err := t.parse(token, t.accessKey)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindForbidden, err)
	}

	if claims.Type != typeAccess || claims.TokenType != tokenTypeServerAdmin || claims.AccountType == "" {
		return nil, autherr.Wrap(autherr.KindForbidden, errors.New("not a server admin token"))
	}

	return &ServerIdentity{
		Nickname:    claims.Identity,
		AccountType: claims.AccountType,
	}, nil
}

// Revoke deletes the persisted record of a refresh token, after which
// VerifyRefresh rejects it.
func (t *Tokens) Revoke(token string) error {
	if err := t.store.DeleteRefreshToken(token); err != nil {
		return fmt.Errorf("deleting refresh token: %w", err)
	}

	return nil
}
