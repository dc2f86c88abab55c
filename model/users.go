package model

import "time"

// User is the credential record read by the bundled identity provider. This
// service never writes it.
type User struct {
	UserID    string    `bson:"user_id" json:"user_id"`
	Username  string    `bson:"username" json:"username"`
	Email     string    `bson:"email" json:"email"`
	Password  string    `bson:"password" json:"-"` // argon2id "salt$hash", empty for OAuth-only accounts
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
}

// Identity is the authenticated caller as resolved from a primary token.
type Identity struct {
	ID          string
	Email       string
	HasPassword bool
	AuthMethod  AuthMethod
	Token       string
}
