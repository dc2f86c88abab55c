package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image/png"

	"accountguard/config"
	"accountguard/model"
	"accountguard/utils"

	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
)

type AuthenticatorEnrollment struct {
	Factor    *model.Factor
	Secret    string
	URL       string
	QRCode    string
	Challenge *model.Challenge
}

type SMSEnrollment struct {
	Factor    *model.Factor
	Challenge *model.Challenge
}

// EnrollmentService adds and removes second factors. A factor becomes usable
// only after its first successful verification through the Dispatcher.
type EnrollmentService struct {
	factors    FactorStore
	dispatcher *Dispatcher
	backup     *BackupCodeGenerator
	audit      *AuditLog
	notifier   Notifier
	clock      utils.Clock
	cfg        config.VerificationConfig
	log        *zap.Logger
}

func NewEnrollmentService(stores Stores, dispatcher *Dispatcher, backup *BackupCodeGenerator, audit *AuditLog, notifier Notifier, clock utils.Clock, cfg config.Config, log *zap.Logger) *EnrollmentService {
	return &EnrollmentService{
		factors:    stores.Factors,
		dispatcher: dispatcher,
		backup:     backup,
		audit:      audit,
		notifier:   notifier,
		clock:      clock,
		cfg:        cfg.Verify,
		log:        log,
	}
}

func (s *EnrollmentService) hasVerified(ctx context.Context, userID string, method model.Method) (bool, error) {
	factors, err := readWithRetry(ctx, func(ctx context.Context) ([]*model.Factor, error) {
		return s.factors.ListByUser(ctx, userID)
	})
	if err != nil {
		return false, fmt.Errorf("failed to list factors: %w", err)
	}
	for _, f := range factors {
		if f.Verified && f.Method == method {
			return true, nil
		}
	}
	return false, nil
}

// EnrollAuthenticator creates an unverified TOTP factor and the challenge
// that will confirm it.
func (s *EnrollmentService) EnrollAuthenticator(ctx context.Context, user *model.Identity, vctx VerifyContext) (*AuthenticatorEnrollment, error) {
	if user == nil {
		return nil, ErrUnauthenticated
	}
	if !s.cfg.Enabled(model.MethodAuthenticator) {
		return nil, ErrInvalidCode
	}
	enrolled, err := s.hasVerified(ctx, user.ID, model.MethodAuthenticator)
	if err != nil {
		return nil, err
	}
	if enrolled {
		return nil, ErrAlreadyEnrolled
	}

	account := user.Email
	if account == "" {
		account = user.ID
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.cfg.TOTPIssuer,
		AccountName: account,
		Period:      totpPeriod,
		Digits:      totpOpts.Digits,
		Algorithm:   totpOpts.Algorithm,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate totp key: %w", err)
	}

	img, err := key.Image(200, 200)
	if err != nil {
		return nil, fmt.Errorf("failed to render qr code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode qr code: %w", err)
	}

	factor := &model.Factor{
		FactorID:  utils.NewID(),
		UserID:    user.ID,
		Method:    model.MethodAuthenticator,
		Secret:    key.Secret(),
		CreatedAt: s.clock.Now(),
	}
	if err := s.factors.Insert(ctx, factor); err != nil {
		return nil, fmt.Errorf("failed to store factor: %w", err)
	}

	challenge, err := s.dispatcher.IssueChallenge(ctx, user, model.MethodAuthenticator, factor.FactorID, vctx)
	if err != nil {
		return nil, err
	}

	return &AuthenticatorEnrollment{
		Factor:    factor,
		Secret:    key.Secret(),
		URL:       key.URL(),
		QRCode:    "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
		Challenge: challenge,
	}, nil
}

// EnrollSMS creates an unverified SMS factor and texts its first code.
func (s *EnrollmentService) EnrollSMS(ctx context.Context, user *model.Identity, phone string, vctx VerifyContext) (*SMSEnrollment, error) {
	if user == nil {
		return nil, ErrUnauthenticated
	}
	if !s.cfg.Enabled(model.MethodSMS) {
		return nil, ErrInvalidCode
	}
	enrolled, err := s.hasVerified(ctx, user.ID, model.MethodSMS)
	if err != nil {
		return nil, err
	}
	if enrolled {
		return nil, ErrAlreadyEnrolled
	}

	factor := &model.Factor{
		FactorID:  utils.NewID(),
		UserID:    user.ID,
		Method:    model.MethodSMS,
		Phone:     phone,
		CreatedAt: s.clock.Now(),
	}
	if err := s.factors.Insert(ctx, factor); err != nil {
		return nil, fmt.Errorf("failed to store factor: %w", err)
	}

	challenge, err := s.dispatcher.IssueChallenge(ctx, user, model.MethodSMS, factor.FactorID, vctx)
	if err != nil {
		return nil, err
	}
	return &SMSEnrollment{Factor: factor, Challenge: challenge}, nil
}

// DisableFactor removes one factor. Once no verified factor is left the
// unused backup codes go with it.
func (s *EnrollmentService) DisableFactor(ctx context.Context, user *model.Identity, factorID string, session *model.DeviceSession) error {
	if user == nil {
		return ErrUnauthenticated
	}

	factor, err := readWithRetry(ctx, func(ctx context.Context) (*model.Factor, error) {
		return s.factors.FindByID(ctx, factorID)
	})
	if err != nil {
		return fmt.Errorf("failed to load factor: %w", err)
	}
	if factor == nil || factor.UserID != user.ID {
		return ErrNotFound
	}

	deleted, err := s.factors.DeleteOwned(ctx, factorID, user.ID)
	if err != nil {
		return fmt.Errorf("failed to delete factor: %w", err)
	}
	if !deleted || !factor.Verified {
		return nil
	}

	remaining, err := readWithRetry(ctx, func(ctx context.Context) ([]*model.Factor, error) {
		return s.factors.ListByUser(ctx, user.ID)
	})
	if err != nil {
		return fmt.Errorf("failed to list factors: %w", err)
	}
	stillVerified := false
	for _, f := range remaining {
		if f.Verified {
			stillVerified = true
			break
		}
	}

	released := false
	if !stillVerified {
		if err := s.backup.Release(ctx, user.ID); err != nil {
			return err
		}
		released = true
	}

	sessionID := ""
	if session != nil {
		sessionID = session.SessionID
	}
	s.audit.Record(ctx, user.ID, model.Event2FADisabled, sessionID, map[string]any{
		"factor_id":             factorID,
		"method":                string(factor.Method),
		"backup_codes_released": released,
	})
	notify(ctx, s.notifier, s.log, user.ID, TemplateTwoFactorDisabled, map[string]any{
		"method": string(factor.Method),
	})
	return nil
}
