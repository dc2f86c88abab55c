package model

import "time"

type EventType string

const (
	EventDeviceSessionCreated    EventType = "DEVICE_SESSION_CREATED"
	EventDeviceRevoked           EventType = "DEVICE_REVOKED"
	Event2FAEnabled              EventType = "2FA_ENABLED"
	Event2FADisabled             EventType = "2FA_DISABLED"
	EventBackupCodeUsed          EventType = "BACKUP_CODE_USED"
	EventBackupCodesGenerated    EventType = "BACKUP_CODES_GENERATED"
	EventSensitiveActionVerified EventType = "SENSITIVE_ACTION_VERIFIED"
	EventVerificationFailed      EventType = "VERIFICATION_FAILED"
)

// AccountEvent is append-only.
type AccountEvent struct {
	EventID         string         `bson:"event_id" json:"id"`
	UserID          string         `bson:"user_id" json:"user_id"`
	EventType       EventType      `bson:"event_type" json:"event_type"`
	DeviceSessionID string         `bson:"device_session_id,omitempty" json:"device_session_id,omitempty"`
	Metadata        map[string]any `bson:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt       time.Time      `bson:"created_at" json:"created_at"`
}
