package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"accountguard/config"
	"accountguard/model"
	"accountguard/repository/memstore"
	"accountguard/utils"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sentNotification struct {
	UserID   string
	Template string
	Data     map[string]any
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (n *recordingNotifier) Send(_ context.Context, userID, template string, data map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{UserID: userID, Template: template, Data: data})
	return n.err
}

func (n *recordingNotifier) byTemplate(template string) []sentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentNotification
	for _, s := range n.sent {
		if s.Template == template {
			out = append(out, s)
		}
	}
	return out
}

type failingEvents struct{}

func (failingEvents) Append(context.Context, *model.AccountEvent) error {
	return errors.New("event store down")
}

func (failingEvents) Latest(context.Context, string) (*model.AccountEvent, error) {
	return nil, errors.New("event store down")
}

type testEnv struct {
	mem        *memstore.Store
	stores     Stores
	clock      *utils.FixedClock
	cfg        config.Config
	notifier   *recordingNotifier
	identity   *JWTIdentityProvider
	limiter    *MemoryRateLimiter
	audit      *AuditLog
	scorer     *TrustScorer
	sessions   *DeviceSessionService
	policy     *PolicyEngine
	backup     *BackupCodeGenerator
	dispatcher *Dispatcher
	enrollment *EnrollmentService
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Verify.BackupCodeCount = 10
	for _, m := range mutate {
		m(&cfg)
	}

	mem := memstore.New()
	stores := Stores{
		Devices:           mem.Devices,
		Sessions:          mem.Sessions,
		VerificationCodes: mem.VerificationCodes,
		BackupCodes:       mem.BackupCodes,
		Factors:           mem.Factors,
		Challenges:        mem.Challenges,
		Events:            mem.Events,
		Users:             mem.Users,
	}

	e := &testEnv{
		mem:      mem,
		stores:   stores,
		clock:    utils.NewFixedClock(time.Now().UTC().Truncate(time.Second)),
		cfg:      cfg,
		notifier: &recordingNotifier{},
	}
	e.build(stores)
	return e
}

// build wires the services on top of stores; tests that swap a store call it
// again.
func (e *testEnv) build(stores Stores) {
	log := zap.NewNop()
	e.stores = stores
	e.identity = NewJWTIdentityProvider(e.cfg.JWT.SecretKey, e.cfg.JWT.Issuer, stores.Users, NewMemoryTokenBlacklist())
	e.limiter = NewMemoryRateLimiter(e.clock.Now)
	e.audit = NewAuditLog(stores.Events, e.clock, log)
	e.scorer = NewTrustScorer(e.cfg.Trust)
	e.sessions = NewDeviceSessionService(stores, e.scorer, e.audit, e.notifier, e.identity, e.clock, e.cfg, log)
	e.policy = NewPolicyEngine(stores, e.audit, e.clock, e.cfg, log)
	e.backup = NewBackupCodeGenerator(stores.BackupCodes, e.audit, e.clock, e.cfg.Verify, log)
	e.dispatcher = NewDispatcher(stores, e.identity, e.limiter, e.policy, e.backup, e.audit, e.notifier, e.clock, e.cfg, log)
	e.enrollment = NewEnrollmentService(stores, e.dispatcher, e.backup, e.audit, e.notifier, e.clock, e.cfg, log)
}

// newUser seeds a user record and returns the identity GetCurrentUser would
// resolve for it. An empty password makes an OAuth-only account.
func (e *testEnv) newUser(t *testing.T, email, password string, method model.AuthMethod) *model.Identity {
	t.Helper()

	user := &model.User{
		UserID:    utils.NewID(),
		Username:  email,
		Email:     email,
		CreatedAt: e.clock.Now(),
	}
	if password != "" {
		hashed, err := HashPassword(password)
		require.NoError(t, err)
		user.Password = hashed
	}
	e.mem.Users.Put(user)

	token, err := e.identity.IssueAccessToken(user.UserID, email, method, time.Hour)
	require.NoError(t, err)

	identity, err := e.identity.GetCurrentUser(context.Background(), token)
	require.NoError(t, err)
	return identity
}

func laptop() model.Device {
	return model.Device{DeviceName: "Desktop", Browser: "Chrome", OS: "Windows", IPAddress: "203.0.113.10"}
}

func phone() model.Device {
	return model.Device{DeviceName: "iPhone", Browser: "Safari", OS: "iOS", IPAddress: "198.51.100.7"}
}

// trustedSession creates a session and marks it verified through the policy
// engine, the way a real verification would.
func (e *testEnv) trustedSession(t *testing.T, caller *model.Identity, device model.Device) *model.DeviceSession {
	t.Helper()
	ctx := context.Background()

	created, err := e.sessions.Establish(ctx, caller, device)
	require.NoError(t, err)
	updated, err := e.policy.RecordVerification(ctx, caller, created.Session, model.MethodEmail, "")
	require.NoError(t, err)
	return updated
}

// enrollAuthenticator enrolls and confirms a TOTP factor and returns its
// secret along with the backup codes the confirmation produced.
func (e *testEnv) enrollAuthenticator(t *testing.T, caller *model.Identity, session *model.DeviceSession) (string, []string) {
	t.Helper()
	ctx := context.Background()

	enrollment, err := e.enrollment.EnrollAuthenticator(ctx, caller, VerifyContext{Session: session})
	require.NoError(t, err)

	code, err := totp.GenerateCodeCustom(enrollment.Secret, e.clock.Now(), totpOpts)
	require.NoError(t, err)

	res, err := e.dispatcher.Verify(ctx, caller, model.MethodAuthenticator, code, VerifyContext{
		Session:         session,
		ChallengeID:     enrollment.Challenge.ChallengeID,
		AllowEnrollment: true,
	})
	require.NoError(t, err)
	return enrollment.Secret, res.NewBackupCodes
}

// nextTOTP moves the clock to the next time step and returns a fresh code and
// challenge for the caller's authenticator.
func (e *testEnv) nextTOTP(t *testing.T, caller *model.Identity, secret string) (code, challengeID string) {
	t.Helper()
	e.clock.Advance(totpPeriod * time.Second)

	ch, err := e.dispatcher.IssueChallenge(context.Background(), caller, model.MethodAuthenticator, "", VerifyContext{})
	require.NoError(t, err)
	code, err = totp.GenerateCodeCustom(secret, e.clock.Now(), totpOpts)
	require.NoError(t, err)
	return code, ch.ChallengeID
}
