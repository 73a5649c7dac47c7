package auth

import (
	"crypto/subtle"
	"time"

	autherr "github.com/alexjbarnes/authgate/internal/errors"
	"github.com/alexjbarnes/authgate/internal/models"
)

const (
	// codeEntryWindow is how long a mailed code can be entered.
	codeEntryWindow = 3 * time.Minute

	// verificationWindow is how long a verified request stays usable as
	// proof of verification.
	verificationWindow = 10 * time.Minute
)

// OTPState is the lifecycle state of an OTP request. Expiry is not a
// state; it is evaluated against ExpireAt when the request is read.
type OTPState int

const (
	OTPCreated OTPState = iota
	OTPVerified
)

func (s OTPState) String() string {
	if s == OTPVerified {
		return "verified"
	}

	return "created"
}

// StateOf returns the lifecycle state of o.
func StateOf(o *models.OTPRequest) OTPState {
	if o.Verified {
		return OTPVerified
	}

	return OTPCreated
}

// newOTPRequest builds a Created request for email and purpose whose
// code can be entered until now+3m.
func newOTPRequest(email string, purpose models.Purpose, code string, now time.Time) models.OTPRequest {
	expireAt := now.Add(codeEntryWindow)

	return models.OTPRequest{
		ID:       otpID(email, purpose, expireAt),
		Email:    email,
		Purpose:  purpose,
		ExpireAt: expireAt,
		Passcode: passcodeProof(email, purpose, code),
	}
}

// codeEntry is a user's attempt to verify a request.
type codeEntry struct {
	Email    string
	Passcode string
	Now      time.Time

	// Precheck re-runs the purpose-specific user checks. It runs after
	// the state checks and before the passcode is compared.
	Precheck func() error
}

// transition applies a code entry to o and returns the Verified
// request. o itself is never modified.
func transition(o *models.OTPRequest, ev codeEntry) (models.OTPRequest, error) {
	if ev.Email != o.Email {
		return models.OTPRequest{}, autherr.BadRequest()
	}

	if StateOf(o) == OTPVerified || o.ExpireAt.Before(ev.Now) {
		return models.OTPRequest{}, autherr.Conflict()
	}

	if ev.Precheck != nil {
		if err := ev.Precheck(); err != nil {
			return models.OTPRequest{}, err
		}
	}

	proof := passcodeProof(ev.Email, o.Purpose, ev.Passcode)
	if subtle.ConstantTimeCompare([]byte(proof), []byte(o.Passcode)) != 1 {
		return models.OTPRequest{}, autherr.PasscodeNotMatch()
	}

	next := *o
	next.Verified = true
	next.ExpireAt = ev.Now.Add(verificationWindow)

	return next, nil
}
