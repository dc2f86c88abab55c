package services

import (
	"context"
	"fmt"

	"accountguard/config"
	"accountguard/model"
	"accountguard/utils"

	"go.uber.org/zap"
)

// Action classes gated by step-up verification.
const (
	ActionRevokeDevice          = "revoke_device"
	ActionRevokeAllDevices      = "revoke_all_devices"
	ActionChangePassword        = "change_password"
	ActionChangeEmail           = "change_email"
	ActionEnroll2FA             = "enroll_2fa"
	ActionDisable2FA            = "disable_2fa"
	ActionRegenerateBackupCodes = "regenerate_backup_codes"
)

var knownActions = map[string]bool{
	ActionRevokeDevice:          true,
	ActionRevokeAllDevices:      true,
	ActionChangePassword:        true,
	ActionChangeEmail:           true,
	ActionEnroll2FA:             true,
	ActionDisable2FA:            true,
	ActionRegenerateBackupCodes: true,
}

func KnownAction(action string) bool {
	return knownActions[action]
}

// PolicyEngine decides whether a sensitive action needs fresh verification on
// the acting device session and records verifications against that session.
type PolicyEngine struct {
	factors     FactorStore
	backupCodes BackupCodeStore
	sessions    DeviceSessionStore
	audit       *AuditLog
	clock       utils.Clock
	stepUp      config.StepUpConfig
	verify      config.VerificationConfig
	log         *zap.Logger
}

func NewPolicyEngine(stores Stores, audit *AuditLog, clock utils.Clock, cfg config.Config, log *zap.Logger) *PolicyEngine {
	return &PolicyEngine{
		factors:     stores.Factors,
		backupCodes: stores.BackupCodes,
		sessions:    stores.Sessions,
		audit:       audit,
		clock:       clock,
		stepUp:      cfg.StepUp,
		verify:      cfg.Verify,
		log:         log,
	}
}

// RequiresStepUp is the freshness check alone: true when this session has
// never verified, or its last verification is older than the action's grace
// period.
func (p *PolicyEngine) RequiresStepUp(session *model.DeviceSession, action string) bool {
	if session == nil || session.LastSensitiveVerificationAt == nil {
		return true
	}
	elapsed := p.clock.Now().Sub(*session.LastSensitiveVerificationAt)
	return elapsed > p.stepUp.GracePeriod(action)
}

// AvailableMethods lists the methods that are both enabled and usable for
// this account, in presentation order. Accounts with a verified second factor
// are offered only second-factor methods.
func (p *PolicyEngine) AvailableMethods(ctx context.Context, user *model.Identity) ([]model.Method, error) {
	if user == nil {
		return nil, ErrUnauthenticated
	}

	factors, err := readWithRetry(ctx, func(ctx context.Context) ([]*model.Factor, error) {
		return p.factors.ListByUser(ctx, user.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list factors: %w", err)
	}

	usable := map[model.Method]bool{}
	anyVerified := false
	for _, f := range factors {
		if !f.Verified {
			continue
		}
		anyVerified = true
		usable[f.Method] = true
	}
	// Once a second factor is verified, the primary credential and the
	// mailbox no longer satisfy step-up on their own.
	usable[model.MethodPassword] = !anyVerified && user.HasPassword
	usable[model.MethodEmail] = !anyVerified && user.Email != ""

	if anyVerified && p.verify.Enabled(model.MethodBackupCodes) {
		unused, err := readWithRetry(ctx, func(ctx context.Context) (int, error) {
			return p.backupCodes.CountUnused(ctx, user.ID)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to count backup codes: %w", err)
		}
		usable[model.MethodBackupCodes] = unused > 0
	} else {
		usable[model.MethodBackupCodes] = false
	}

	methods := make([]model.Method, 0, len(model.AllMethods))
	for _, m := range model.AllMethods {
		if usable[m] && p.verify.Enabled(m) {
			methods = append(methods, m)
		}
	}
	return methods, nil
}

// MustStepUp is RequiresStepUp plus the device check: a session that still
// needs verification cannot act on a sensitive route however recent its last
// verification was.
func (p *PolicyEngine) MustStepUp(session *model.DeviceSession, action string) bool {
	return p.RequiresStepUp(session, action) || (session != nil && session.NeedsVerification)
}

// StepUpMethods is AvailableMethods narrowed to what this session may use.
// A session awaiting device verification is offered only methods that
// establish trust.
func (p *PolicyEngine) StepUpMethods(ctx context.Context, user *model.Identity, session *model.DeviceSession) ([]model.Method, error) {
	methods, err := p.AvailableMethods(ctx, user)
	if err != nil {
		return nil, err
	}
	if session == nil || !session.NeedsVerification {
		return methods, nil
	}
	narrowed := methods[:0]
	for _, m := range methods {
		if m.EstablishesTrust() {
			narrowed = append(narrowed, m)
		}
	}
	return narrowed, nil
}

// Authorize returns nil when the action may proceed, a *StepUpRequiredError
// listing usable methods when fresh verification is needed, and
// ErrNoVerificationMethods when it is needed but impossible.
func (p *PolicyEngine) Authorize(ctx context.Context, user *model.Identity, session *model.DeviceSession, action string) error {
	if user == nil {
		return ErrUnauthenticated
	}
	if session == nil || session.UserID != user.ID {
		return ErrNotFound
	}
	if !p.MustStepUp(session, action) {
		utils.TrackStepUp(action, "fresh")
		return nil
	}

	methods, err := p.StepUpMethods(ctx, user, session)
	if err != nil {
		return err
	}
	if len(methods) == 0 {
		utils.TrackStepUp(action, "no_methods")
		utils.TrackError("policy", "no_verification_methods")
		p.log.Error("step-up required but account has no usable verification method",
			zap.String("user_id", user.ID),
			zap.String("device_session_id", session.SessionID),
			zap.String("action", action),
		)
		return ErrNoVerificationMethods
	}

	utils.TrackStepUp(action, "required")
	return &StepUpRequiredError{Action: action, Methods: methods}
}

// RecordVerification stamps a successful verification onto this session only.
// Assurance is raised to aal2 only for second-factor methods. A password
// verification never marks the device trusted.
func (p *PolicyEngine) RecordVerification(ctx context.Context, user *model.Identity, session *model.DeviceSession, method model.Method, action string) (*model.DeviceSession, error) {
	if user == nil {
		return nil, ErrUnauthenticated
	}
	if session == nil || session.UserID != user.ID {
		return nil, ErrNotFound
	}

	updated, err := p.sessions.ApplyVerification(ctx, session.SessionID, model.SessionVerification{
		VerifiedAt:  p.clock.Now(),
		RaiseToAAL2: method.RaisesAssurance(),
		MarkTrusted: method.EstablishesTrust(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record verification: %w", err)
	}
	if updated == nil {
		return nil, ErrNotFound
	}

	metadata := map[string]any{
		"method":  string(method),
		"aal":     string(updated.AAL),
		"trusted": updated.IsTrusted,
	}
	if action != "" {
		metadata["action"] = action
	}
	p.audit.Record(ctx, user.ID, model.EventSensitiveActionVerified, session.SessionID, metadata)

	updated.Current = session.Current
	return updated, nil
}
