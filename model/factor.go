package model

import "time"

// Factor is an enrolled second factor. It only counts as an available method
// once Verified is true.
type Factor struct {
	FactorID     string     `bson:"factor_id" json:"id"`
	UserID       string     `bson:"user_id" json:"-"`
	Method       Method     `bson:"method" json:"method"`
	Secret       string     `bson:"secret,omitempty" json:"-"`
	Phone        string     `bson:"phone,omitempty" json:"phone,omitempty"`
	Verified     bool       `bson:"verified" json:"verified"`
	VerifiedAt   *time.Time `bson:"verified_at,omitempty" json:"verified_at,omitempty"`
	LastTOTPStep uint64     `bson:"last_totp_step" json:"-"`
	CreatedAt    time.Time  `bson:"created_at" json:"created_at"`
}

// MaskedPhone keeps the last two digits of the phone number.
func (f *Factor) MaskedPhone() string {
	if len(f.Phone) <= 2 {
		return f.Phone
	}
	masked := make([]byte, len(f.Phone))
	for i := range f.Phone {
		if i < len(f.Phone)-2 {
			masked[i] = '*'
		} else {
			masked[i] = f.Phone[i]
		}
	}
	return string(masked)
}
