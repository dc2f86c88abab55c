package model

import (
	"errors"
	"fmt"
	"time"
)

type AAL string

const (
	AAL1 AAL = "aal1"
	AAL2 AAL = "aal2"
)

// AuthMethod is how the primary credential session was obtained.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodOAuth    AuthMethod = "oauth"
)

type SessionOrder string

const (
	OrderByCreated    SessionOrder = "created"
	OrderByLastActive SessionOrder = "last_active"
)

// DeviceSession binds a browser client to a user. The raw token lives only in
// the client's HTTP-only cookie; the server keeps its SHA-256.
type DeviceSession struct {
	SessionID                   string     `bson:"session_id" json:"id"`
	UserID                      string     `bson:"user_id" json:"user_id"`
	DeviceID                    string     `bson:"device_id" json:"device_id"`
	TokenHash                   string     `bson:"token_hash" json:"-"`
	DisplayName                 string     `bson:"display_name" json:"display_name"`
	AuthMethod                  AuthMethod `bson:"auth_method" json:"auth_method"`
	IsTrusted                   bool       `bson:"is_trusted" json:"is_trusted"`
	NeedsVerification           bool       `bson:"needs_verification" json:"needs_verification"`
	ConfidenceScore             int        `bson:"confidence_score" json:"confidence_score"`
	AAL                         AAL        `bson:"aal" json:"aal"`
	LastVerified                *time.Time `bson:"last_verified,omitempty" json:"last_verified,omitempty"`
	LastSensitiveVerificationAt *time.Time `bson:"last_sensitive_verification_at,omitempty" json:"last_sensitive_verification_at,omitempty"`
	LastActive                  time.Time  `bson:"last_active" json:"last_active"`
	CreatedAt                   time.Time  `bson:"created_at" json:"created_at"`
	ExpiresAt                   time.Time  `bson:"expires_at" json:"expires_at"`

	Device  *Device `bson:"-" json:"device,omitempty"`
	Current bool    `bson:"-" json:"current"`
	Expired bool    `bson:"-" json:"expired"`
}

// IsExpired reports whether the session is past its expiry at now.
func (s *DeviceSession) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// SessionVerification is the server-side update applied after a successful
// verification on one device session.
type SessionVerification struct {
	VerifiedAt  time.Time
	RaiseToAAL2 bool
	MarkTrusted bool
}

// ClientMutableSessionFields lists the only fields a client-supplied patch may
// touch. Everything else, is_trusted and needs_verification in particular, is
// server-authoritative.
var ClientMutableSessionFields = map[string]bool{
	"display_name": true,
}

// ErrProtectedField is returned by stores when a client patch names a field
// outside ClientMutableSessionFields.
var ErrProtectedField = errors.New("field is not client-mutable")

var ErrInvalidPatch = errors.New("invalid session patch")

const maxDisplayNameLength = 64

// CheckClientPatch rejects any key that is not client-mutable.
func CheckClientPatch(patch map[string]any) error {
	if len(patch) == 0 {
		return ErrInvalidPatch
	}
	for key := range patch {
		if !ClientMutableSessionFields[key] {
			return fmt.Errorf("%w: %s", ErrProtectedField, key)
		}
	}
	if name, ok := patch["display_name"]; ok {
		s, isString := name.(string)
		if !isString || len(s) > maxDisplayNameLength {
			return fmt.Errorf("%w: display_name", ErrInvalidPatch)
		}
	}
	return nil
}
