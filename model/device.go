package model

import "time"

// Device is a fingerprint observed for one user. (UserID, DeviceName, Browser,
// OS) is its identity; IPAddress is refreshed on every sighting.
type Device struct {
	DeviceID   string    `bson:"device_id" json:"id"`
	UserID     string    `bson:"user_id" json:"-"`
	DeviceName string    `bson:"device_name" json:"device_name"`
	Browser    string    `bson:"browser" json:"browser"`
	OS         string    `bson:"os" json:"os"`
	IPAddress  string    `bson:"ip_address" json:"ip_address"`
	CreatedAt  time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt  time.Time `bson:"updated_at" json:"updated_at"`
}
