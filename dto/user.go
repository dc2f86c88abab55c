package dto

import (
	"time"

	"accountguard/model"
)

type Link struct {
	Href   string `json:"href"`
	Method string `json:"method,omitempty"` // Optional: GET, POST, PUT, DELETE, PATCH
}

type DeviceResponse struct {
	DeviceName string `json:"device_name"`
	Browser    string `json:"browser"`
	OS         string `json:"os"`
	IPAddress  string `json:"ip_address"`
}

type DeviceSessionResponse struct {
	ID                          string           `json:"id"`
	DisplayName                 string           `json:"display_name"`
	Device                      *DeviceResponse  `json:"device,omitempty"`
	IsTrusted                   bool             `json:"is_trusted"`
	NeedsVerification           bool             `json:"needs_verification"`
	ConfidenceScore             int              `json:"confidence_score"`
	AAL                         model.AAL        `json:"aal"`
	AuthMethod                  model.AuthMethod `json:"auth_method"`
	LastVerified                *time.Time       `json:"last_verified,omitempty"`
	LastSensitiveVerificationAt *time.Time       `json:"last_sensitive_verification_at,omitempty"`
	LastActive                  time.Time        `json:"last_active"`
	CreatedAt                   time.Time        `json:"created_at"`
	ExpiresAt                   time.Time        `json:"expires_at"`
	Current                     bool             `json:"current"`
	Expired                     bool             `json:"expired"`
	Links                       map[string]Link  `json:"_links,omitempty"`
}

func ToDeviceSessionResponse(s *model.DeviceSession) DeviceSessionResponse {
	resp := DeviceSessionResponse{
		ID:                          s.SessionID,
		DisplayName:                 s.DisplayName,
		IsTrusted:                   s.IsTrusted,
		NeedsVerification:           s.NeedsVerification,
		ConfidenceScore:             s.ConfidenceScore,
		AAL:                         s.AAL,
		AuthMethod:                  s.AuthMethod,
		LastVerified:                s.LastVerified,
		LastSensitiveVerificationAt: s.LastSensitiveVerificationAt,
		LastActive:                  s.LastActive,
		CreatedAt:                   s.CreatedAt,
		ExpiresAt:                   s.ExpiresAt,
		Current:                     s.Current,
		Expired:                     s.Expired,
		Links: map[string]Link{
			"self":   {Href: "/api/device-sessions/" + s.SessionID, Method: "PATCH"},
			"revoke": {Href: "/api/device-sessions/" + s.SessionID, Method: "DELETE"},
		},
	}
	if s.Device != nil {
		resp.Device = &DeviceResponse{
			DeviceName: s.Device.DeviceName,
			Browser:    s.Device.Browser,
			OS:         s.Device.OS,
			IPAddress:  s.Device.IPAddress,
		}
	}
	return resp
}

func ToDeviceSessionResponses(sessions []*model.DeviceSession) []DeviceSessionResponse {
	out := make([]DeviceSessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, ToDeviceSessionResponse(s))
	}
	return out
}

type CreateDeviceSessionRequest struct {
	DeviceName string `json:"device_name" binding:"omitempty,max=64,display_name"`
}
