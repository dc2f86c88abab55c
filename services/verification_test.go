package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"accountguard/config"
	"accountguard/model"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify_FirstAuthenticatorGeneratesBackupCodesOnce(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	caller := e.newUser(t, "a@example.com", "pw", model.AuthMethodPassword)
	session := e.trustedSession(t, caller, laptop())

	secret, codes := e.enrollAuthenticator(t, caller, session)
	require.Len(t, codes, e.cfg.Verify.BackupCodeCount)
	assert.Len(t, e.mem.Events.ByType(caller.ID, model.EventBackupCodesGenerated), 1)
	assert.Len(t, e.mem.Events.ByType(caller.ID, model.Event2FAEnabled), 1)
	assert.Len(t, e.notifier.byTemplate(TemplateTwoFactorEnabled), 1)

	for _, stored := range e.mem.BackupCodes.All(caller.ID) {
		for _, plain := range codes {
			assert.NotEqual(t, plain, stored.CodeHash)
		}
	}

	code, challengeID := e.nextTOTP(t, caller, secret)
	res, err := e.dispatcher.Verify(ctx, caller, model.MethodAuthenticator, code, VerifyContext{
		Session:     session,
		ChallengeID: challengeID,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.RaisedAssurance)
	assert.Empty(t, res.NewBackupCodes)
	assert.Equal(t, model.AAL2, res.Session.AAL)

	assert.Len(t, e.mem.Events.ByType(caller.ID, model.EventBackupCodesGenerated), 1)
	assert.Len(t, e.mem.BackupCodes.All(caller.ID), e.cfg.Verify.BackupCodeCount)
}

func TestVerify_SecondFactorDoesNotRegenerateBackupCodes(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	caller := e.newUser(t, "a@example.com", "pw", model.AuthMethodPassword)
	session := e.trustedSession(t, caller, laptop())
	_, first := e.enrollAuthenticator(t, caller, session)
	require.NotEmpty(t, first)

	enrollment, err := e.enrollment.EnrollSMS(ctx, caller, "+15555550100", VerifyContext{Session: session, IPAddress: "203.0.113.10"})
	require.NoError(t, err)
	sms := e.notifier.byTemplate(TemplateSMSVerificationCode)
	require.Len(t, sms, 1)

	res, err := e.dispatcher.Verify(ctx, caller, model.MethodSMS, sms[0].Data["code"].(string), VerifyContext{
		Session:         session,
		ChallengeID:     enrollment.Challenge.ChallengeID,
		AllowEnrollment: true,
	})
	require.NoError(t, err)
	assert.Empty(t, res.NewBackupCodes)
	assert.Len(t, e.mem.Events.ByType(caller.ID, model.EventBackupCodesGenerated), 1)
	assert.Len(t, e.mem.Events.ByType(caller.ID, model.Event2FAEnabled), 2)
}

func TestVerify_ConcurrentBackupCodeSpendsOnce(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	caller := e.newUser(t, "a@example.com", "pw", model.AuthMethodPassword)
	session := e.trustedSession(t, caller, laptop())
	_, codes := e.enrollAuthenticator(t, caller, session)
	require.Len(t, codes, 10)

	var (
		wg      sync.WaitGroup
		results = make([]error, 2)
	)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = e.dispatcher.Verify(ctx, caller, model.MethodBackupCodes, codes[3], VerifyContext{Session: session})
		}(i)
	}
	wg.Wait()

	successes, invalid := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrInvalidCode):
			invalid++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, invalid)

	used := e.mem.Events.ByType(caller.ID, model.EventBackupCodeUsed)
	require.Len(t, used, 1)
	assert.Equal(t, 9, used[0].Metadata["remaining"])
}

func TestVerify_BackupCodeNormalization(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	caller := e.newUser(t, "a@example.com", "pw", model.AuthMethodPassword)
	session := e.trustedSession(t, caller, laptop())
	_, codes := e.enrollAuthenticator(t, caller, session)

	sloppy := " " + strings.ToLower(codes[0]) + " "
	res, err := e.dispatcher.Verify(ctx, caller, model.MethodBackupCodes, sloppy, VerifyContext{Session: session})
	require.NoError(t, err)
	assert.Equal(t, model.AAL2, res.Session.AAL)

	_, err = e.dispatcher.Verify(ctx, caller, model.MethodBackupCodes, codes[0], VerifyContext{Session: session})
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestVerify_PasswordAndEmailKeepAAL1(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	caller := e.newUser(t, "a@example.com", "correct horse", model.AuthMethodPassword)
	created, err := e.sessions.Establish(ctx, caller, laptop())
	require.NoError(t, err)
	session := created.Session

	_, err = e.dispatcher.SendEmailCode(ctx, caller, session)
	require.NoError(t, err)
	mails := e.notifier.byTemplate(TemplateEmailVerificationCode)
	require.Len(t, mails, 1)

	res, err := e.dispatcher.Verify(ctx, caller, model.MethodEmail, mails[0].Data["code"].(string), VerifyContext{Session: session})
	require.NoError(t, err)
	assert.False(t, res.RaisedAssurance)
	assert.Equal(t, model.AAL1, res.Session.AAL)
	assert.True(t, res.Session.IsTrusted)

	res, err = e.dispatcher.Verify(ctx, caller, model.MethodPassword, "correct horse", VerifyContext{Session: res.Session})
	require.NoError(t, err)
	assert.Equal(t, model.AAL1, res.Session.AAL)
}

func TestVerify_PasswordCannotVerifyNewDevice(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	caller := e.newUser(t, "a@example.com", "correct horse", model.AuthMethodPassword)
	e.trustedSession(t, caller, laptop())

	created, err := e.sessions.Establish(ctx, caller, phone())
	require.NoError(t, err)
	require.True(t, created.Session.NeedsVerification)

	_, err = e.dispatcher.Verify(ctx, caller, model.MethodPassword, "correct horse", VerifyContext{Session: created.Session})
	assert.ErrorIs(t, err, ErrInvalidCode)

	stored, err := e.stores.Sessions.FindByID(ctx, created.Session.SessionID)
	require.NoError(t, err)
	assert.False(t, stored.IsTrusted)
	assert.True(t, stored.NeedsVerification)
	assert.Nil(t, stored.LastSensitiveVerificationAt)

	again, err := e.sessions.Establish(ctx, caller, phone())
	require.NoError(t, err)
	assert.Equal(t, TierLow, again.Tier)
}

func TestVerify_TwoFactorAccountRejectsPasswordAndEmail(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	caller := e.newUser(t, "a@example.com", "correct horse", model.AuthMethodPassword)
	session := e.trustedSession(t, caller, laptop())
	e.enrollAuthenticator(t, caller, session)

	_, err := e.dispatcher.Verify(ctx, caller, model.MethodPassword, "correct horse", VerifyContext{Session: session})
	assert.ErrorIs(t, err, ErrInvalidCode)

	_, err = e.dispatcher.SendEmailCode(ctx, caller, session)
	require.NoError(t, err)
	mails := e.notifier.byTemplate(TemplateEmailVerificationCode)
	require.Len(t, mails, 1)
	_, err = e.dispatcher.Verify(ctx, caller, model.MethodEmail, mails[0].Data["code"].(string), VerifyContext{Session: session})
	assert.ErrorIs(t, err, ErrInvalidCode)

	// without a session there is nothing to step up
	_, err = e.dispatcher.Verify(ctx, caller, model.MethodPassword, "correct horse", VerifyContext{})
	assert.NoError(t, err)
}

func TestVerify_EmailCodeRules(t *testing.T) {
	ctx := context.Background()

	t.Run("single use", func(t *testing.T) {
		e := newTestEnv(t)
		caller := e.newUser(t, "a@example.com", "pw", model.AuthMethodPassword)
		created, err := e.sessions.Establish(ctx, caller, laptop())
		require.NoError(t, err)

		_, err = e.dispatcher.SendEmailCode(ctx, caller, created.Session)
		require.NoError(t, err)
		code := e.notifier.byTemplate(TemplateEmailVerificationCode)[0].Data["code"].(string)

		_, err = e.dispatcher.Verify(ctx, caller, model.MethodEmail, code, VerifyContext{Session: created.Session})
		require.NoError(t, err)
		_, err = e.dispatcher.Verify(ctx, caller, model.MethodEmail, code, VerifyContext{Session: created.Session})
		assert.ErrorIs(t, err, ErrInvalidCode)
	})

	t.Run("expired", func(t *testing.T) {
		e := newTestEnv(t)
		caller := e.newUser(t, "a@example.com", "pw", model.AuthMethodPassword)
		created, err := e.sessions.Establish(ctx, caller, laptop())
		require.NoError(t, err)

		_, err = e.dispatcher.SendEmailCode(ctx, caller, created.Session)
		require.NoError(t, err)
		code := e.notifier.byTemplate(TemplateEmailVerificationCode)[0].Data["code"].(string)

		e.clock.Advance(e.cfg.Verify.EmailCodeTTL + time.Second)
		_, err = e.dispatcher.Verify(ctx, caller, model.MethodEmail, code, VerifyContext{Session: created.Session})
		assert.ErrorIs(t, err, ErrInvalidCode)
	})

	t.Run("bound to the session", func(t *testing.T) {
		e := newTestEnv(t)
		caller := e.newUser(t, "a@example.com", "pw", model.AuthMethodPassword)
		a, err := e.sessions.Establish(ctx, caller, laptop())
		require.NoError(t, err)
		b, err := e.sessions.Establish(ctx, caller, phone())
		require.NoError(t, err)

		_, err = e.dispatcher.SendEmailCode(ctx, caller, a.Session)
		require.NoError(t, err)
		code := e.notifier.byTemplate(TemplateEmailVerificationCode)[0].Data["code"].(string)

		_, err = e.dispatcher.Verify(ctx, caller, model.MethodEmail, code, VerifyContext{Session: b.Session})
		assert.ErrorIs(t, err, ErrInvalidCode)
	})
}

func TestVerify_FailuresAreGeneric(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) {
		c.Verify.EnabledMethods = []model.Method{model.MethodPassword, model.MethodEmail}
	})
	ctx := context.Background()
	caller := e.newUser(t, "a@example.com", "correct horse", model.AuthMethodPassword)
	created, err := e.sessions.Establish(ctx, caller, laptop())
	require.NoError(t, err)
	vctx := VerifyContext{Session: created.Session, IPAddress: "203.0.113.10"}

	_, err = e.dispatcher.Verify(ctx, caller, model.MethodPassword, "wrong", vctx)
	assert.ErrorIs(t, err, ErrInvalidCode)

	_, err = e.dispatcher.Verify(ctx, caller, model.MethodSMS, "123456", vctx)
	assert.ErrorIs(t, err, ErrInvalidCode, "disabled method looks like a wrong code")

	_, err = e.dispatcher.Verify(ctx, caller, model.Method("carrier_pigeon"), "123456", vctx)
	assert.ErrorIs(t, err, ErrInvalidCode)

	_, err = e.dispatcher.Verify(ctx, caller, model.MethodPassword, "", vctx)
	assert.ErrorIs(t, err, ErrInvalidCode)

	failures := e.mem.Events.ByType(caller.ID, model.EventVerificationFailed)
	require.Len(t, failures, 4)
	assert.Equal(t, "203.0.113.10", failures[0].Metadata["ip_address"])

	stored, err := e.stores.Sessions.FindByID(ctx, created.Session.SessionID)
	require.NoError(t, err)
	assert.Nil(t, stored.LastSensitiveVerificationAt)
}

func TestVerify_AttemptLimit(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) { c.Verify.AttemptLimit = 3 })
	ctx := context.Background()
	caller := e.newUser(t, "a@example.com", "correct horse", model.AuthMethodPassword)

	for i := 0; i < 3; i++ {
		_, err := e.dispatcher.Verify(ctx, caller, model.MethodPassword, "wrong", VerifyContext{})
		require.ErrorIs(t, err, ErrInvalidCode)
	}

	_, err := e.dispatcher.Verify(ctx, caller, model.MethodPassword, "correct horse", VerifyContext{})
	var limited *RateLimitedError
	require.True(t, errors.As(err, &limited))
	assert.Equal(t, "verify", limited.Scope)
	assert.Positive(t, limited.RetryAfter)

	e.clock.Advance(e.cfg.Verify.AttemptWindow)
	_, err = e.dispatcher.Verify(ctx, caller, model.MethodPassword, "correct horse", VerifyContext{})
	assert.NoError(t, err)
}

func TestIssueChallenge_SMSRateLimits(t *testing.T) {
	ctx := context.Background()

	t.Run("per user per day", func(t *testing.T) {
		e := newTestEnv(t, func(c *config.Config) {
			c.Verify.SMSPerUserPerDay = 2
			c.Verify.SMSPerIPLimit = 100
		})
		caller := e.newUser(t, "a@example.com", "pw", model.AuthMethodPassword)
		enrollment, err := e.enrollment.EnrollSMS(ctx, caller, "+15555550100", VerifyContext{IPAddress: "203.0.113.10"})
		require.NoError(t, err)

		_, err = e.dispatcher.IssueChallenge(ctx, caller, model.MethodSMS, enrollment.Factor.FactorID, VerifyContext{IPAddress: "198.51.100.1"})
		require.NoError(t, err)

		_, err = e.dispatcher.IssueChallenge(ctx, caller, model.MethodSMS, enrollment.Factor.FactorID, VerifyContext{IPAddress: "198.51.100.2"})
		var limited *RateLimitedError
		require.True(t, errors.As(err, &limited))
		assert.Equal(t, "sms_user", limited.Scope)
		assert.Len(t, e.notifier.byTemplate(TemplateSMSVerificationCode), 2)
	})

	t.Run("per source ip", func(t *testing.T) {
		e := newTestEnv(t, func(c *config.Config) {
			c.Verify.SMSPerUserPerDay = 100
			c.Verify.SMSPerIPLimit = 1
		})
		first := e.newUser(t, "a@example.com", "pw", model.AuthMethodPassword)
		second := e.newUser(t, "b@example.com", "pw", model.AuthMethodPassword)

		_, err := e.enrollment.EnrollSMS(ctx, first, "+15555550100", VerifyContext{IPAddress: "203.0.113.10"})
		require.NoError(t, err)

		_, err = e.enrollment.EnrollSMS(ctx, second, "+15555550101", VerifyContext{IPAddress: "203.0.113.10"})
		var limited *RateLimitedError
		require.True(t, errors.As(err, &limited))
		assert.Equal(t, "sms_ip", limited.Scope)
	})
}

func TestIssueChallenge_AuthenticatorSharesAttemptLimit(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) { c.Verify.AttemptLimit = 4 })
	ctx := context.Background()
	caller := e.newUser(t, "a@example.com", "pw", model.AuthMethodPassword)
	session := e.trustedSession(t, caller, laptop())
	// enrollment spends one challenge and one attempt
	e.enrollAuthenticator(t, caller, session)

	for i := 0; i < 2; i++ {
		_, err := e.dispatcher.IssueChallenge(ctx, caller, model.MethodAuthenticator, "", VerifyContext{})
		require.NoError(t, err)
	}

	before := len(e.mem.Challenges.All(caller.ID))
	_, err := e.dispatcher.IssueChallenge(ctx, caller, model.MethodAuthenticator, "", VerifyContext{})
	var limited *RateLimitedError
	require.True(t, errors.As(err, &limited))
	assert.Equal(t, "verify", limited.Scope)
	assert.Len(t, e.mem.Challenges.All(caller.ID), before)

	e.clock.Advance(e.cfg.Verify.AttemptWindow)
	_, err = e.dispatcher.IssueChallenge(ctx, caller, model.MethodAuthenticator, "", VerifyContext{})
	assert.NoError(t, err)
}

func TestVerify_ChallengeIsSingleUse(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	caller := e.newUser(t, "a@example.com", "pw", model.AuthMethodPassword)
	session := e.trustedSession(t, caller, laptop())
	secret, _ := e.enrollAuthenticator(t, caller, session)

	code, challengeID := e.nextTOTP(t, caller, secret)
	vctx := VerifyContext{Session: session, ChallengeID: challengeID}
	_, err := e.dispatcher.Verify(ctx, caller, model.MethodAuthenticator, code, vctx)
	require.NoError(t, err)

	_, err = e.dispatcher.Verify(ctx, caller, model.MethodAuthenticator, code, vctx)
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestVerify_TOTPCodeCannotBeReplayedOnAnotherChallenge(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	caller := e.newUser(t, "a@example.com", "pw", model.AuthMethodPassword)
	session := e.trustedSession(t, caller, laptop())
	secret, _ := e.enrollAuthenticator(t, caller, session)

	code, challengeID := e.nextTOTP(t, caller, secret)
	_, err := e.dispatcher.Verify(ctx, caller, model.MethodAuthenticator, code, VerifyContext{Session: session, ChallengeID: challengeID})
	require.NoError(t, err)

	replay, err := e.dispatcher.IssueChallenge(ctx, caller, model.MethodAuthenticator, "", VerifyContext{})
	require.NoError(t, err)
	_, err = e.dispatcher.Verify(ctx, caller, model.MethodAuthenticator, code, VerifyContext{Session: session, ChallengeID: replay.ChallengeID})
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestVerify_ChallengeRequired(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	caller := e.newUser(t, "a@example.com", "pw", model.AuthMethodPassword)
	session := e.trustedSession(t, caller, laptop())
	secret, _ := e.enrollAuthenticator(t, caller, session)

	e.clock.Advance(totpPeriod * time.Second)
	code, err := totp.GenerateCodeCustom(secret, e.clock.Now(), totpOpts)
	require.NoError(t, err)

	_, err = e.dispatcher.Verify(ctx, caller, model.MethodAuthenticator, code, VerifyContext{Session: session})
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestVerify_ExpiredChallenge(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	caller := e.newUser(t, "a@example.com", "pw", model.AuthMethodPassword)
	session := e.trustedSession(t, caller, laptop())
	secret, _ := e.enrollAuthenticator(t, caller, session)

	_, challengeID := e.nextTOTP(t, caller, secret)
	e.clock.Advance(e.cfg.Verify.ChallengeTTL + time.Second)
	code, err := totp.GenerateCodeCustom(secret, e.clock.Now(), totpOpts)
	require.NoError(t, err)

	_, err = e.dispatcher.Verify(ctx, caller, model.MethodAuthenticator, code, VerifyContext{Session: session, ChallengeID: challengeID})
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestVerify_EnrollmentChallengeNeedsExplicitEnrollment(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	caller := e.newUser(t, "a@example.com", "pw", model.AuthMethodPassword)
	session := e.trustedSession(t, caller, laptop())

	enrollment, err := e.enrollment.EnrollAuthenticator(ctx, caller, VerifyContext{Session: session})
	require.NoError(t, err)
	code, err := totp.GenerateCodeCustom(enrollment.Secret, e.clock.Now(), totpOpts)
	require.NoError(t, err)

	_, err = e.dispatcher.Verify(ctx, caller, model.MethodAuthenticator, code, VerifyContext{
		Session:     session,
		ChallengeID: enrollment.Challenge.ChallengeID,
	})
	assert.ErrorIs(t, err, ErrInvalidCode)
	assert.Empty(t, e.mem.BackupCodes.All(caller.ID))
}

func TestVerify_ForeignChallenge(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	owner := e.newUser(t, "a@example.com", "pw", model.AuthMethodPassword)
	intruder := e.newUser(t, "b@example.com", "pw", model.AuthMethodPassword)
	session := e.trustedSession(t, owner, laptop())
	secret, _ := e.enrollAuthenticator(t, owner, session)

	code, challengeID := e.nextTOTP(t, owner, secret)
	_, err := e.dispatcher.Verify(ctx, intruder, model.MethodAuthenticator, code, VerifyContext{ChallengeID: challengeID})
	assert.ErrorIs(t, err, ErrInvalidCode)
}
