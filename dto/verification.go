package dto

import "accountguard/model"

// StepUpProof lets a sensitive request carry its verification inline.
type StepUpProof struct {
	Method      model.Method `json:"method" binding:"omitempty,verification_method"`
	Code        string       `json:"code" binding:"omitempty,max=128"`
	ChallengeID string       `json:"challenge_id" binding:"omitempty,uuid"`
}

func (p StepUpProof) Present() bool {
	return p.Method != "" && p.Code != ""
}

type VerifyRequest struct {
	Method      model.Method `json:"method" binding:"required,verification_method"`
	Code        string       `json:"code" binding:"required,max=128"`
	ChallengeID string       `json:"challenge_id" binding:"omitempty,uuid"`
	Action      string       `json:"action" binding:"omitempty,max=64"`
}

type VerifyResponse struct {
	Success         bool      `json:"success"`
	RaisedAssurance bool      `json:"raised_assurance"`
	AAL             model.AAL `json:"aal,omitempty"`
	// BackupCodes are shown once and never again.
	BackupCodes []string `json:"backup_codes,omitempty"`
}

type ChallengeRequest struct {
	Method   model.Method `json:"method" binding:"required,oneof=authenticator sms"`
	FactorID string       `json:"factor_id" binding:"omitempty,uuid"`
}

type ChallengeResponse struct {
	ChallengeID string       `json:"challenge_id"`
	Method      model.Method `json:"method"`
	ExpiresAt   string       `json:"expires_at"`
}

type MethodsResponse struct {
	Action         string         `json:"action"`
	RequiresStepUp bool           `json:"requires_step_up"`
	Methods        []model.Method `json:"methods"`
}
