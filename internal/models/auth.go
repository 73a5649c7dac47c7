// Package models defines types shared across internal packages.
package models

import "time"

// Purpose is what an OTP request authorises once verified.
type Purpose string

const (
	PurposeSignup Purpose = "signup"
	PurposeSignin Purpose = "signin"
	PurposeSudo   Purpose = "sudo"
)

// Valid reports whether p is one of the known purposes.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeSignup, PurposeSignin, PurposeSudo:
		return true
	}

	return false
}

// OTPRequest is a pending or verified one-time-passcode request. ID is
// derived from (email, purpose, original expiry) and Passcode holds the
// hash of the code, never the code itself.
type OTPRequest struct {
	ID       string    `json:"id"`
	Email    string    `json:"email"`
	Purpose  Purpose   `json:"purpose"`
	ExpireAt time.Time `json:"expireAt"`
	Passcode string    `json:"passcode"`
	Verified bool      `json:"verified"`
}

// RefreshToken is the persisted half of an issued refresh token. ID is a
// server-generated key; the signed token is only reachable through the
// token-hash index.
type RefreshToken struct {
	ID        string    `json:"id"`
	TokenHash string    `json:"tokenHash"`
	Email     string    `json:"email"`
	ExpireAt  time.Time `json:"expireAt"`
}

// AccountType is the role carried by a server/admin key.
type AccountType string

const (
	AccountAdmin                AccountType = "admin"
	AccountServerAuthentication AccountType = "server - authentication"
	AccountServerUser           AccountType = "server - user"
	AccountServerFriend         AccountType = "server - friend"
	AccountServerSchedule       AccountType = "server - schedule"
	AccountServerNotification   AccountType = "server - notification"
	AccountServerMiscellaneous  AccountType = "server - miscellaneous"
)

// AccountTypes lists every valid account type.
func AccountTypes() []AccountType {
	return []AccountType{
		AccountAdmin,
		AccountServerAuthentication,
		AccountServerUser,
		AccountServerFriend,
		AccountServerSchedule,
		AccountServerNotification,
		AccountServerMiscellaneous,
	}
}

// Valid reports whether a is one of the known account types.
func (a AccountType) Valid() bool {
	for _, known := range AccountTypes() {
		if a == known {
			return true
		}
	}

	return false
}

// AdminKey is a server-to-server credential. ID is the key presented in
// X-SERVER-KEY; Nickname is unique across all keys.
type AdminKey struct {
	ID          string      `json:"id"`
	Nickname    string      `json:"nickname"`
	GeneratedAt time.Time   `json:"generatedAt"`
	AccountType AccountType `json:"accountType"`
}
