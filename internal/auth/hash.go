// Package auth implements the OTP and token flows of the gateway: the
// credential hasher, token issue and verification, the OTP state
// machine, the request gate and the HTTP handlers that compose them.
package auth

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/alexjbarnes/authgate/internal/models"
	"golang.org/x/crypto/pbkdf2"
)

const (
	hashIterations = 10
	hashKeyLen     = 64

	passcodeDigits = 6
)

// isoLayout renders timestamps with millisecond precision and a Z
// suffix. Derived IDs hash this text, so it must not change.
const isoLayout = "2006-01-02T15:04:05.000Z"

// Hash derives a stable opaque identifier from the three inputs. The
// salt is fixed by (subject, context), so the same inputs always give
// the same output across restarts.
func Hash(subject, context, secret string) string {
	sum := sha512.Sum512([]byte(subject + context))
	salt := hex.EncodeToString(sum[:])

	key := pbkdf2.Key([]byte(secret), []byte(salt), hashIterations, hashKeyLen, sha512.New)

	return hex.EncodeToString(key)
}

// FormatTime renders t in UTC as an ISO 8601 timestamp with milliseconds.
func FormatTime(t time.Time) string {
	return t.UTC().Format(isoLayout)
}

// NewPasscode returns a uniformly random 6-digit code, zero padded.
func NewPasscode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generating passcode: %w", err)
	}

	return fmt.Sprintf("%0*d", passcodeDigits, n.Int64()), nil
}

// NewAdminKey builds an admin key record for nickname. The generation
// time is truncated to the second before it is hashed into the ID.
func NewAdminKey(nickname string, accountType models.AccountType, now time.Time) models.AdminKey {
	generatedAt := now.UTC().Truncate(time.Second)

	return models.AdminKey{
		ID:          Hash(nickname, FormatTime(generatedAt), string(accountType)),
		Nickname:    nickname,
		GeneratedAt: generatedAt,
		AccountType: accountType,
	}
}

// otpID derives the request ID from the email, the purpose and the
// original code-entry deadline.
func otpID(email string, purpose models.Purpose, expireAt time.Time) string {
	return Hash(email, string(purpose), FormatTime(expireAt))
}

// passcodeProof is what gets stored in place of the plaintext code.
func passcodeProof(email string, purpose models.Purpose, code string) string {
	return Hash(email, string(purpose), code)
}

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
