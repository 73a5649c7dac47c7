package models

import "time"

// UserProfile is the subset of the User API profile the gateway reads.
type UserProfile struct {
	Email             string     `json:"email"`
	Nickname          string     `json:"nickname"`
	LastLogin         time.Time  `json:"lastLogin"`
	SignUpDate        time.Time  `json:"signUpDate"`
	NicknameChanged   time.Time  `json:"nicknameChanged"`
	Deleted           bool       `json:"deleted"`
	DeletedAt         *time.Time `json:"deletedAt,omitempty"`
	Locked            bool       `json:"locked"`
	LockedAt          *time.Time `json:"lockedAt,omitempty"`
	LockedDescription string     `json:"lockedDescription,omitempty"`
	Major             string     `json:"major"`
	GraduationYear    int        `json:"graduationYear"`
	TncVersion        string     `json:"tncVersion"`
}

// TnC is the latest published terms and conditions document.
type TnC struct {
	Version   string     `json:"version"`
	CreatedAt time.Time  `json:"createdAt"`
	Content   TnCContent `json:"content"`
}

// TnCContent holds the document bodies.
type TnCContent struct {
	PrivacyAct         string `json:"privacyAct"`
	TermsAndConditions string `json:"termsAndConditions"`
}
