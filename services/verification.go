package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"accountguard/config"
	"accountguard/model"
	"accountguard/utils"

	"go.uber.org/zap"
)

// VerifyContext carries what a verifier may need beyond the code itself.
type VerifyContext struct {
	Session     *model.DeviceSession
	IPAddress   string
	ChallengeID string
	// Action is the sensitive action the verification is for, if any.
	Action string
	// AllowEnrollment lets a challenge for a not-yet-verified factor complete
	// its enrollment. Inline step-up proofs never set it.
	AllowEnrollment bool
}

type Result struct {
	Success         bool
	RaisedAssurance bool
	// NewBackupCodes is only set the one time a batch is generated. The
	// plaintext is not kept anywhere else.
	NewBackupCodes []string
	Session        *model.DeviceSession
}

// Verifier checks a code for one method. Implementations return
// ErrInvalidCode for every kind of mismatch.
type Verifier interface {
	Method() model.Method
	Verify(ctx context.Context, user *model.Identity, code string, vctx VerifyContext) (newBackupCodes []string, err error)
}

type Dispatcher struct {
	verifiers  map[model.Method]Verifier
	factors    FactorStore
	challenges ChallengeStore
	codes      VerificationCodeStore
	limiter    RateLimiter
	policy     *PolicyEngine
	audit      *AuditLog
	notifier   Notifier
	clock      utils.Clock
	cfg        config.VerificationConfig
	log        *zap.Logger
}

func NewDispatcher(
	stores Stores,
	identity IdentityProvider,
	limiter RateLimiter,
	policy *PolicyEngine,
	backup *BackupCodeGenerator,
	audit *AuditLog,
	notifier Notifier,
	clock utils.Clock,
	cfg config.Config,
	log *zap.Logger,
) *Dispatcher {
	d := &Dispatcher{
		verifiers:  map[model.Method]Verifier{},
		factors:    stores.Factors,
		challenges: stores.Challenges,
		codes:      stores.VerificationCodes,
		limiter:    limiter,
		policy:     policy,
		audit:      audit,
		notifier:   notifier,
		clock:      clock,
		cfg:        cfg.Verify,
		log:        log,
	}

	activation := &factorActivation{factors: stores.Factors, backup: backup, audit: audit, notifier: notifier, clock: clock, log: log}
	d.register(&authenticatorVerifier{challengeVerifier{challenges: stores.Challenges, factors: stores.Factors, clock: clock, activation: activation}})
	d.register(&smsVerifier{challengeVerifier{challenges: stores.Challenges, factors: stores.Factors, clock: clock, activation: activation}})
	d.register(&backupCodeVerifier{codes: stores.BackupCodes, audit: audit, clock: clock})
	d.register(&passwordVerifier{identity: identity})
	d.register(&emailCodeVerifier{codes: stores.VerificationCodes, clock: clock})
	return d
}

func (d *Dispatcher) register(v Verifier) {
	d.verifiers[v.Method()] = v
}

// Verify runs one verification attempt. On success against a device session
// the policy engine records it on that session.
func (d *Dispatcher) Verify(ctx context.Context, user *model.Identity, method model.Method, code string, vctx VerifyContext) (*Result, error) {
	if user == nil {
		return nil, ErrUnauthenticated
	}

	if err := d.checkLimit(ctx, "verify:user:"+user.ID, "verify", d.cfg.AttemptLimit, d.cfg.AttemptWindow); err != nil {
		utils.TrackVerification(string(method), "rate_limited")
		return nil, err
	}

	verifier, ok := d.verifiers[method]
	if !ok || !d.cfg.Enabled(method) || code == "" {
		return nil, d.failed(ctx, user, method, vctx, "unavailable")
	}

	// Second-factor verifiers prove possession themselves. Password and email
	// only count against a session when step-up would offer them there.
	if vctx.Session != nil && !method.RaisesAssurance() {
		offered, err := d.policy.StepUpMethods(ctx, user, vctx.Session)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(offered, method) {
			return nil, d.failed(ctx, user, method, vctx, "not_offered")
		}
	}

	newCodes, err := verifier.Verify(ctx, user, code, vctx)
	if errors.Is(err, ErrInvalidCode) {
		return nil, d.failed(ctx, user, method, vctx, "invalid")
	}
	if err != nil {
		utils.TrackVerification(string(method), "error")
		return nil, err
	}

	utils.TrackVerification(string(method), "success")
	result := &Result{
		Success:         true,
		RaisedAssurance: method.RaisesAssurance(),
		NewBackupCodes:  newCodes,
	}

	if vctx.Session != nil {
		updated, err := d.policy.RecordVerification(ctx, user, vctx.Session, method, vctx.Action)
		if err != nil {
			return nil, err
		}
		result.Session = updated
	}
	return result, nil
}

func (d *Dispatcher) failed(ctx context.Context, user *model.Identity, method model.Method, vctx VerifyContext, reason string) error {
	utils.TrackVerification(string(method), reason)
	sessionID := ""
	if vctx.Session != nil {
		sessionID = vctx.Session.SessionID
	}
	d.audit.Record(ctx, user.ID, model.EventVerificationFailed, sessionID, map[string]any{
		"method":     string(method),
		"ip_address": vctx.IPAddress,
	})
	return ErrInvalidCode
}

func (d *Dispatcher) checkLimit(ctx context.Context, key, scope string, limit int, window time.Duration) error {
	decision, err := d.limiter.CheckAndIncrement(ctx, key, limit, window)
	if err != nil {
		utils.TrackError("ratelimit", "check_failed")
		return fmt.Errorf("rate limiter unavailable: %w", err)
	}
	if !decision.Allowed {
		return &RateLimitedError{Scope: scope, RetryAfter: decision.RetryAfter}
	}
	return nil
}

// IssueChallenge starts an authenticator or SMS round-trip. With an empty
// factorID the caller's verified factor for the method is used; an explicit
// factorID may name an unverified factor to complete enrollment.
func (d *Dispatcher) IssueChallenge(ctx context.Context, user *model.Identity, method model.Method, factorID string, vctx VerifyContext) (*model.Challenge, error) {
	if user == nil {
		return nil, ErrUnauthenticated
	}
	if method != model.MethodAuthenticator && method != model.MethodSMS {
		return nil, ErrInvalidCode
	}
	if !d.cfg.Enabled(method) {
		return nil, ErrInvalidCode
	}

	factor, err := d.resolveFactor(ctx, user, method, factorID)
	if err != nil {
		return nil, err
	}
	if method == model.MethodAuthenticator {
		if err := d.checkLimit(ctx, "verify:user:"+user.ID, "verify", d.cfg.AttemptLimit, d.cfg.AttemptWindow); err != nil {
			return nil, err
		}
	}

	now := d.clock.Now()
	challenge := &model.Challenge{
		ChallengeID: utils.NewID(),
		UserID:      user.ID,
		FactorID:    factor.FactorID,
		Method:      method,
		IPAddress:   vctx.IPAddress,
		ExpiresAt:   now.Add(d.cfg.ChallengeTTL),
		CreatedAt:   now,
	}

	var smsCode string
	if method == model.MethodSMS {
		if err := d.checkLimit(ctx, "sms:user:"+user.ID, "sms_user", d.cfg.SMSPerUserPerDay, 24*time.Hour); err != nil {
			return nil, err
		}
		if vctx.IPAddress != "" {
			if err := d.checkLimit(ctx, "sms:ip:"+vctx.IPAddress, "sms_ip", d.cfg.SMSPerIPLimit, d.cfg.SMSPerIPWindow); err != nil {
				return nil, err
			}
		}

		smsCode, err = utils.GenerateNumericCode(d.cfg.CodeDigits)
		if err != nil {
			return nil, fmt.Errorf("failed to generate sms code: %w", err)
		}
		challenge.CodeHash, challenge.Salt, err = HashCode(smsCode)
		if err != nil {
			return nil, err
		}
	}

	if err := d.challenges.Insert(ctx, challenge); err != nil {
		return nil, fmt.Errorf("failed to store challenge: %w", err)
	}

	if method == model.MethodSMS {
		notify(ctx, d.notifier, d.log, user.ID, TemplateSMSVerificationCode, map[string]any{
			"phone":      factor.Phone,
			"code":       smsCode,
			"expires_at": challenge.ExpiresAt,
		})
	}
	return challenge, nil
}

func (d *Dispatcher) resolveFactor(ctx context.Context, user *model.Identity, method model.Method, factorID string) (*model.Factor, error) {
	if factorID != "" {
		factor, err := readWithRetry(ctx, func(ctx context.Context) (*model.Factor, error) {
			return d.factors.FindByID(ctx, factorID)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load factor: %w", err)
		}
		if factor == nil || factor.UserID != user.ID || factor.Method != method {
			return nil, ErrNotFound
		}
		return factor, nil
	}

	factors, err := readWithRetry(ctx, func(ctx context.Context) ([]*model.Factor, error) {
		return d.factors.ListByUser(ctx, user.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list factors: %w", err)
	}
	for _, f := range factors {
		if f.Method == method && f.Verified {
			return f, nil
		}
	}
	return nil, ErrNotFound
}

// SendEmailCode creates a fresh single-use code bound to the session and
// mails it.
func (d *Dispatcher) SendEmailCode(ctx context.Context, user *model.Identity, session *model.DeviceSession) (*model.VerificationCode, error) {
	if user == nil {
		return nil, ErrUnauthenticated
	}
	if session == nil || session.UserID != user.ID {
		return nil, ErrNotFound
	}
	if !d.cfg.Enabled(model.MethodEmail) || user.Email == "" {
		return nil, ErrInvalidCode
	}
	if err := d.checkLimit(ctx, "email:user:"+user.ID, "email", d.cfg.AttemptLimit, d.cfg.AttemptWindow); err != nil {
		return nil, err
	}

	code, err := utils.GenerateNumericCode(d.cfg.CodeDigits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate email code: %w", err)
	}
	hash, salt, err := HashCode(code)
	if err != nil {
		return nil, err
	}

	now := d.clock.Now()
	record := &model.VerificationCode{
		CodeID:          utils.NewID(),
		DeviceSessionID: session.SessionID,
		CodeHash:        hash,
		Salt:            salt,
		ExpiresAt:       now.Add(d.cfg.EmailCodeTTL),
		CreatedAt:       now,
	}
	if err := d.codes.Insert(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to store verification code: %w", err)
	}

	notify(ctx, d.notifier, d.log, user.ID, TemplateEmailVerificationCode, map[string]any{
		"email":      user.Email,
		"code":       code,
		"expires_at": record.ExpiresAt,
	})
	return record, nil
}
