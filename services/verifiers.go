package services

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"accountguard/model"
	"accountguard/utils"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
)

const (
	totpPeriod = 30
	totpSkew   = 1
)

var totpOpts = totp.ValidateOpts{
	Period:    totpPeriod,
	Skew:      totpSkew,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// challengeVerifier holds what authenticator and SMS share: the code is only
// ever checked against a live, unconsumed challenge owned by the caller.
type challengeVerifier struct {
	challenges ChallengeStore
	factors    FactorStore
	clock      utils.Clock
	activation *factorActivation
}

func (v *challengeVerifier) load(ctx context.Context, user *model.Identity, method model.Method, challengeID string, allowEnrollment bool) (*model.Challenge, *model.Factor, error) {
	if challengeID == "" {
		return nil, nil, ErrInvalidCode
	}
	ch, err := readWithRetry(ctx, func(ctx context.Context) (*model.Challenge, error) {
		return v.challenges.FindByID(ctx, challengeID)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load challenge: %w", err)
	}
	if ch == nil || ch.UserID != user.ID || ch.Method != method || ch.ConsumedAt != nil || !ch.ExpiresAt.After(v.clock.Now()) {
		return nil, nil, ErrInvalidCode
	}

	factor, err := readWithRetry(ctx, func(ctx context.Context) (*model.Factor, error) {
		return v.factors.FindByID(ctx, ch.FactorID)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load factor: %w", err)
	}
	if factor == nil || factor.UserID != user.ID || factor.Method != method {
		return nil, nil, ErrInvalidCode
	}
	if !factor.Verified && !allowEnrollment {
		return nil, nil, ErrInvalidCode
	}
	return ch, factor, nil
}

func (v *challengeVerifier) consume(ctx context.Context, ch *model.Challenge) error {
	ok, err := v.challenges.Consume(ctx, ch.ChallengeID, v.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to consume challenge: %w", err)
	}
	if !ok {
		return ErrInvalidCode
	}
	return nil
}

type authenticatorVerifier struct {
	challengeVerifier
}

func (v *authenticatorVerifier) Method() model.Method { return model.MethodAuthenticator }

func (v *authenticatorVerifier) Verify(ctx context.Context, user *model.Identity, code string, vctx VerifyContext) ([]string, error) {
	ch, factor, err := v.load(ctx, user, model.MethodAuthenticator, vctx.ChallengeID, vctx.AllowEnrollment)
	if err != nil {
		return nil, err
	}

	step, ok := matchTOTP(factor.Secret, strings.TrimSpace(code), v.clock.Now())
	if !ok {
		return nil, ErrInvalidCode
	}
	if err := v.consume(ctx, ch); err != nil {
		return nil, err
	}

	// a code accepted once is never accepted again
	advanced, err := v.factors.AdvanceTOTPStep(ctx, factor.FactorID, step)
	if err != nil {
		return nil, fmt.Errorf("failed to record totp step: %w", err)
	}
	if !advanced {
		return nil, ErrInvalidCode
	}

	return v.activation.activate(ctx, user, factor, vctx)
}

// matchTOTP returns the time step the code belongs to, within the allowed
// skew.
func matchTOTP(secret, code string, now time.Time) (uint64, bool) {
	if secret == "" || len(code) != int(totpOpts.Digits) {
		return 0, false
	}
	for offset := -totpSkew; offset <= totpSkew; offset++ {
		at := now.Add(time.Duration(offset*totpPeriod) * time.Second)
		expected, err := totp.GenerateCodeCustom(secret, at, totpOpts)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return uint64(at.Unix()) / totpPeriod, true
		}
	}
	return 0, false
}

type smsVerifier struct {
	challengeVerifier
}

func (v *smsVerifier) Method() model.Method { return model.MethodSMS }

func (v *smsVerifier) Verify(ctx context.Context, user *model.Identity, code string, vctx VerifyContext) ([]string, error) {
	ch, factor, err := v.load(ctx, user, model.MethodSMS, vctx.ChallengeID, vctx.AllowEnrollment)
	if err != nil {
		return nil, err
	}
	if ch.CodeHash == "" || !CheckCode(strings.TrimSpace(code), ch.CodeHash, ch.Salt) {
		return nil, ErrInvalidCode
	}
	if err := v.consume(ctx, ch); err != nil {
		return nil, err
	}
	return v.activation.activate(ctx, user, factor, vctx)
}

type backupCodeVerifier struct {
	codes BackupCodeStore
	audit *AuditLog
	clock utils.Clock
}

func (v *backupCodeVerifier) Method() model.Method { return model.MethodBackupCodes }

func (v *backupCodeVerifier) Verify(ctx context.Context, user *model.Identity, code string, vctx VerifyContext) ([]string, error) {
	normalized := utils.NormalizeBackupCode(code)
	if normalized == "" {
		return nil, ErrInvalidCode
	}

	unused, err := readWithRetry(ctx, func(ctx context.Context) ([]*model.BackupCode, error) {
		return v.codes.ListUnused(ctx, user.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list backup codes: %w", err)
	}

	for _, bc := range unused {
		if !CheckCode(normalized, bc.CodeHash, bc.Salt) {
			continue
		}
		marked, err := v.codes.MarkUsed(ctx, bc.CodeID, v.clock.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to mark backup code used: %w", err)
		}
		if !marked {
			// someone else spent it first
			return nil, ErrInvalidCode
		}

		sessionID := ""
		if vctx.Session != nil {
			sessionID = vctx.Session.SessionID
		}
		v.audit.Record(ctx, user.ID, model.EventBackupCodeUsed, sessionID, map[string]any{
			"code_id":   bc.CodeID,
			"remaining": len(unused) - 1,
		})
		return nil, nil
	}
	return nil, ErrInvalidCode
}

type passwordVerifier struct {
	identity IdentityProvider
}

func (v *passwordVerifier) Method() model.Method { return model.MethodPassword }

func (v *passwordVerifier) Verify(ctx context.Context, user *model.Identity, code string, _ VerifyContext) ([]string, error) {
	if !user.HasPassword || user.Email == "" {
		return nil, ErrInvalidCode
	}
	ok, err := v.identity.VerifyPassword(ctx, user.Email, code)
	if err != nil {
		return nil, fmt.Errorf("identity provider: %w", err)
	}
	if !ok {
		return nil, ErrInvalidCode
	}
	return nil, nil
}

type emailCodeVerifier struct {
	codes VerificationCodeStore
	clock utils.Clock
}

func (v *emailCodeVerifier) Method() model.Method { return model.MethodEmail }

func (v *emailCodeVerifier) Verify(ctx context.Context, user *model.Identity, code string, vctx VerifyContext) ([]string, error) {
	if vctx.Session == nil {
		return nil, ErrInvalidCode
	}
	now := v.clock.Now()
	latest, err := readWithRetry(ctx, func(ctx context.Context) (*model.VerificationCode, error) {
		return v.codes.LatestActive(ctx, vctx.Session.SessionID, now)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load verification code: %w", err)
	}
	if latest == nil || !CheckCode(strings.TrimSpace(code), latest.CodeHash, latest.Salt) {
		return nil, ErrInvalidCode
	}

	consumed, err := v.codes.Consume(ctx, latest.CodeID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to consume verification code: %w", err)
	}
	if !consumed {
		return nil, ErrInvalidCode
	}
	return nil, nil
}

// factorActivation completes enrollment the first time a factor verifies.
// Backup codes are generated only if no other factor was verified before.
type factorActivation struct {
	factors  FactorStore
	backup   *BackupCodeGenerator
	audit    *AuditLog
	notifier Notifier
	clock    utils.Clock
	log      *zap.Logger
}

func (a *factorActivation) activate(ctx context.Context, user *model.Identity, factor *model.Factor, vctx VerifyContext) ([]string, error) {
	if factor.Verified {
		return nil, nil
	}

	existing, err := readWithRetry(ctx, func(ctx context.Context) ([]*model.Factor, error) {
		return a.factors.ListByUser(ctx, user.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list factors: %w", err)
	}
	priorVerified := 0
	for _, f := range existing {
		if f.Verified && f.FactorID != factor.FactorID {
			priorVerified++
		}
	}

	flipped, err := a.factors.MarkVerified(ctx, factor.FactorID, a.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to activate factor: %w", err)
	}
	if !flipped {
		return nil, nil
	}

	sessionID := ""
	if vctx.Session != nil {
		sessionID = vctx.Session.SessionID
	}
	a.audit.Record(ctx, user.ID, model.Event2FAEnabled, sessionID, map[string]any{
		"factor_id": factor.FactorID,
		"method":    string(factor.Method),
	})
	notify(ctx, a.notifier, a.log, user.ID, TemplateTwoFactorEnabled, map[string]any{
		"method": string(factor.Method),
	})

	if priorVerified > 0 {
		return nil, nil
	}
	return a.backup.GenerateBatch(ctx, user.ID, sessionID)
}
