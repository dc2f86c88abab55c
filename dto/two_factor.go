package dto

import (
	"time"

	"accountguard/model"
)

type EnrollRequest struct {
	Method model.Method `json:"method" binding:"required,oneof=authenticator sms"`
	Phone  string       `json:"phone" binding:"required_if=Method sms,omitempty,e164"`
	// nested because "method" already names the factor
	StepUp StepUpProof `json:"step_up"`
}

type DisableRequest struct {
	FactorID string `json:"factor_id" binding:"required,uuid"`
	StepUpProof
}

type EnrollResponse struct {
	FactorID    string       `json:"factor_id"`
	Method      model.Method `json:"method"`
	ChallengeID string       `json:"challenge_id"`
	ExpiresAt   time.Time    `json:"expires_at"`
	Secret      string       `json:"secret,omitempty"`
	URL         string       `json:"url,omitempty"`
	QRCode      string       `json:"qr_code,omitempty"`
	Phone       string       `json:"phone,omitempty"`
}
