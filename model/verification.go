package model

import "time"

// Method names a way of proving identity during step-up.
type Method string

const (
	MethodAuthenticator Method = "authenticator"
	MethodSMS           Method = "sms"
	MethodBackupCodes   Method = "backup_codes"
	MethodPassword      Method = "password"
	MethodEmail         Method = "email"
)

// AllMethods is the canonical presentation order.
var AllMethods = []Method{
	MethodAuthenticator,
	MethodSMS,
	MethodBackupCodes,
	MethodPassword,
	MethodEmail,
}

// RaisesAssurance reports whether a successful verification with m proves an
// independent second factor.
func (m Method) RaisesAssurance() bool {
	switch m {
	case MethodAuthenticator, MethodSMS, MethodBackupCodes:
		return true
	}
	return false
}

// EstablishesTrust reports whether a successful verification with m proves
// more than the primary credential. Only these clear needs_verification.
func (m Method) EstablishesTrust() bool {
	return m == MethodEmail || m.RaisesAssurance()
}

func (m Method) Valid() bool {
	for _, known := range AllMethods {
		if m == known {
			return true
		}
	}
	return false
}

// VerificationCode is a single-use email code bound to one device session.
type VerificationCode struct {
	CodeID          string     `bson:"code_id" json:"id"`
	DeviceSessionID string     `bson:"device_session_id" json:"device_session_id"`
	CodeHash        string     `bson:"code_hash" json:"-"`
	Salt            string     `bson:"salt" json:"-"`
	ExpiresAt       time.Time  `bson:"expires_at" json:"expires_at"`
	ConsumedAt      *time.Time `bson:"consumed_at,omitempty" json:"consumed_at,omitempty"`
	CreatedAt       time.Time  `bson:"created_at" json:"created_at"`
}

// Challenge is one round-trip for an authenticator or SMS factor. A code is
// only ever checked against the challenge it was issued for.
type Challenge struct {
	ChallengeID string     `bson:"challenge_id" json:"id"`
	UserID      string     `bson:"user_id" json:"-"`
	FactorID    string     `bson:"factor_id" json:"factor_id"`
	Method      Method     `bson:"method" json:"method"`
	CodeHash    string     `bson:"code_hash,omitempty" json:"-"`
	Salt        string     `bson:"salt,omitempty" json:"-"`
	IPAddress   string     `bson:"ip_address" json:"-"`
	ExpiresAt   time.Time  `bson:"expires_at" json:"expires_at"`
	ConsumedAt  *time.Time `bson:"consumed_at,omitempty" json:"-"`
	CreatedAt   time.Time  `bson:"created_at" json:"created_at"`
}

// BackupCode is a single-use recovery secret. Used codes are kept for audit.
type BackupCode struct {
	CodeID    string     `bson:"code_id" json:"id"`
	UserID    string     `bson:"user_id" json:"-"`
	CodeHash  string     `bson:"code_hash" json:"-"`
	Salt      string     `bson:"salt" json:"-"`
	UsedAt    *time.Time `bson:"used_at" json:"used_at,omitempty"`
	CreatedAt time.Time  `bson:"created_at" json:"created_at"`
}
