package auth

import (
	"context"
	"time"

	"github.com/alexjbarnes/authgate/internal/models"
)

// OTPStore persists OTP requests.
type OTPStore interface {
	CreateOTP(o models.OTPRequest) error
	GetOTP(id string) (*models.OTPRequest, error)
	MarkOTPVerified(id string, expireAt time.Time) error
}

// RefreshTokenStore persists issued refresh tokens.
type RefreshTokenStore interface {
	SaveRefreshToken(token string, rt models.RefreshToken) error
	GetRefreshToken(token string) (*models.RefreshToken, error)
	DeleteRefreshToken(token string) error
}

// AdminKeyStore reads server/admin keys.
type AdminKeyStore interface {
	GetAdminKey(id string) (*models.AdminKey, error)
}

// UserDirectory is the external user profile service. GetUserProfile
// returns an error wrapping ErrNotFound when no profile exists.
type UserDirectory interface {
	GetUserProfile(ctx context.Context, email string) (*models.UserProfile, error)
	UpdateLastLogin(ctx context.Context, email string, at time.Time) error
}

// TermsSource returns the latest terms and conditions document.
type TermsSource interface {
	LatestTnC(ctx context.Context) (*models.TnC, error)
}

// Mailer delivers a plaintext passcode to a user.
type Mailer interface {
	SendPasscode(ctx context.Context, to, code string) error
}
