package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"accountguard/config"
	"accountguard/model"
	"accountguard/repository"
	"accountguard/repository/memstore"
	"accountguard/services"
	"accountguard/utils"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	safariUA = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
	password = "correct horse battery"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	if err := utils.InitValidator(); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type envelope struct {
	Error string          `json:"error"`
	Data  json.RawMessage `json:"data"`
}

// mailbox keeps the last email code sent to each user.
type mailbox struct {
	mu    sync.Mutex
	codes map[string]string
}

func (m *mailbox) Send(_ context.Context, userID, template string, data map[string]any) error {
	if template != services.TemplateEmailVerificationCode {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[userID], _ = data["code"].(string)
	return nil
}

func (m *mailbox) last(userID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codes[userID]
}

type apiHarness struct {
	t        *testing.T
	router   *gin.Engine
	mem      *memstore.Store
	identity *services.JWTIdentityProvider
	mail     *mailbox
	clock    *utils.FixedClock
	cfg      config.Config
}

func newHarness(t *testing.T, checks ...HealthCheck) *apiHarness {
	t.Helper()

	cfg := config.Default()
	cfg.Verify.BackupCodeCount = 10
	log := zap.NewNop()
	clock := utils.NewFixedClock(time.Now().UTC().Truncate(time.Second))

	mem := memstore.New()
	stores := repository.NewMemoryStores(mem)
	identity := services.NewJWTIdentityProvider(cfg.JWT.SecretKey, cfg.JWT.Issuer, stores.Users, services.NewMemoryTokenBlacklist())
	notifier := &mailbox{codes: map[string]string{}}
	audit := services.NewAuditLog(stores.Events, clock, log)
	scorer := services.NewTrustScorer(cfg.Trust)
	sessions := services.NewDeviceSessionService(stores, scorer, audit, notifier, identity, clock, cfg, log)
	policy := services.NewPolicyEngine(stores, audit, clock, cfg, log)
	backup := services.NewBackupCodeGenerator(stores.BackupCodes, audit, clock, cfg.Verify, log)
	dispatcher := services.NewDispatcher(stores, identity, services.NewMemoryRateLimiter(clock.Now), policy, backup, audit, notifier, clock, cfg, log)
	enrollment := services.NewEnrollmentService(stores, dispatcher, backup, audit, notifier, clock, cfg, log)

	router := SetupRouter(RouterDeps{
		Config:     cfg,
		Identity:   identity,
		Sessions:   sessions,
		Policy:     policy,
		Dispatcher: dispatcher,
		Enrollment: enrollment,
		Health:     NewHealthHandler(log, checks...),
		Log:        log,
	})
	return &apiHarness{t: t, router: router, mem: mem, identity: identity, mail: notifier, clock: clock, cfg: cfg}
}

// user seeds a password account and returns a bearer token for it.
func (h *apiHarness) user(email string) string {
	h.t.Helper()
	hashed, err := services.HashPassword(password)
	require.NoError(h.t, err)

	userID := utils.NewID()
	h.mem.Users.Put(&model.User{UserID: userID, Username: email, Email: email, Password: hashed, CreatedAt: h.clock.Now()})

	token, err := h.identity.IssueAccessToken(userID, email, model.AuthMethodPassword, time.Hour)
	require.NoError(h.t, err)
	return token
}

type call struct {
	method    string
	path      string
	token     string
	cookie    *http.Cookie
	userAgent string
	body      any
}

func (h *apiHarness) do(c call) (*httptest.ResponseRecorder, envelope) {
	h.t.Helper()

	var reader *bytes.Reader
	if c.body != nil {
		raw, err := json.Marshal(c.body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(c.method, c.path, reader)
	if c.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.cookie != nil {
		req.AddCookie(c.cookie)
	}
	ua := c.userAgent
	if ua == "" {
		ua = chromeUA
	}
	req.Header.Set("User-Agent", ua)

	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &env)
	}
	return rec, env
}

func (h *apiHarness) sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == h.cfg.Session.CookieName {
			return c
		}
	}
	return nil
}

type createdSession struct {
	Session struct {
		ID                string `json:"id"`
		IsTrusted         bool   `json:"is_trusted"`
		NeedsVerification bool   `json:"needs_verification"`
		Current           bool   `json:"current"`
	} `json:"session"`
	ConfidenceTier string `json:"confidence_tier"`
}

// establish creates a device session and returns its cookie and id.
func (h *apiHarness) establish(token, userAgent string) (*http.Cookie, string) {
	h.t.Helper()
	rec, env := h.do(call{method: http.MethodPost, path: "/api/device-sessions", token: token, userAgent: userAgent})
	require.Equal(h.t, http.StatusCreated, rec.Code, rec.Body.String())

	var created createdSession
	require.NoError(h.t, json.Unmarshal(env.Data, &created))
	cookie := h.sessionCookie(rec)
	require.NotNil(h.t, cookie)
	return cookie, created.Session.ID
}

// verifyDevice proves the mailbox from this session, which trusts the device
// and opens a grace window. Callers that need a stale session advance the
// clock afterwards.
func (h *apiHarness) verifyDevice(token string, cookie *http.Cookie) {
	h.t.Helper()
	rec, _ := h.do(call{method: http.MethodPost, path: "/api/verify/email-code", token: token, cookie: cookie})
	require.Equal(h.t, http.StatusOK, rec.Code, rec.Body.String())

	caller, err := h.identity.GetCurrentUser(context.Background(), token)
	require.NoError(h.t, err)
	code := h.mail.last(caller.ID)
	require.NotEmpty(h.t, code)

	rec, _ = h.do(call{method: http.MethodPost, path: "/api/verify", token: token, cookie: cookie, body: map[string]string{"method": "email", "code": code}})
	require.Equal(h.t, http.StatusOK, rec.Code, rec.Body.String())
}

func (h *apiHarness) expireGrace() {
	h.clock.Advance(h.cfg.StepUp.DefaultGrace + time.Second)
}

func TestAPI_RequiresBearerToken(t *testing.T) {
	h := newHarness(t)

	rec, _ := h.do(call{method: http.MethodGet, path: "/api/device-sessions"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = h.do(call{method: http.MethodGet, path: "/api/device-sessions", token: "not-a-jwt"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPI_CreateDeviceSession(t *testing.T) {
	h := newHarness(t)
	token := h.user("ada@example.com")

	rec, env := h.do(call{
		method: http.MethodPost,
		path:   "/api/device-sessions",
		token:  token,
		body:   map[string]string{"device_name": "Work laptop"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created createdSession
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.NotEmpty(t, created.Session.ID)
	assert.Equal(t, "low", created.ConfidenceTier)
	assert.False(t, created.Session.IsTrusted)
	assert.True(t, created.Session.NeedsVerification)

	cookie := h.sessionCookie(rec)
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.NotContains(t, rec.Body.String(), cookie.Value, "raw token never appears in the body")
}

func TestAPI_ListAndCurrent(t *testing.T) {
	h := newHarness(t)
	token := h.user("ada@example.com")
	cookie, id := h.establish(token, chromeUA)
	h.establish(token, safariUA)

	rec, env := h.do(call{method: http.MethodGet, path: "/api/device-sessions", token: token, cookie: cookie})
	require.Equal(t, http.StatusOK, rec.Code)

	var listed struct {
		Sessions []struct {
			ID      string `json:"id"`
			Current bool   `json:"current"`
		} `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &listed))
	require.Len(t, listed.Sessions, 2)
	for _, s := range listed.Sessions {
		assert.Equal(t, s.ID == id, s.Current)
	}

	rec, env = h.do(call{method: http.MethodGet, path: "/api/device-sessions/current", token: token, cookie: cookie})
	require.Equal(t, http.StatusOK, rec.Code)
	var current createdSession
	require.NoError(t, json.Unmarshal(env.Data, &current))
	assert.Equal(t, id, current.Session.ID)

	rec, _ = h.do(call{method: http.MethodGet, path: "/api/device-sessions?order=random", token: token, cookie: cookie})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_ForeignCookieIsIgnored(t *testing.T) {
	h := newHarness(t)
	alice := h.user("alice@example.com")
	bob := h.user("bob@example.com")
	aliceCookie, _ := h.establish(alice, chromeUA)

	rec, _ := h.do(call{method: http.MethodGet, path: "/api/device-sessions/current", token: bob, cookie: aliceCookie})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_UpdateDisplayName(t *testing.T) {
	h := newHarness(t)
	token := h.user("ada@example.com")
	cookie, id := h.establish(token, chromeUA)

	rec, env := h.do(call{
		method: http.MethodPatch,
		path:   "/api/device-sessions/" + id,
		token:  token,
		cookie: cookie,
		body:   map[string]any{"display_name": "  Home PC  "},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, string(env.Data), `"display_name":"Home PC"`)

	rec, _ = h.do(call{
		method: http.MethodPatch,
		path:   "/api/device-sessions/" + id,
		token:  token,
		cookie: cookie,
		body:   map[string]any{"is_trusted": true},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_RevokeRequiresStepUp(t *testing.T) {
	h := newHarness(t)
	token := h.user("ada@example.com")
	cookie, _ := h.establish(token, chromeUA)
	h.verifyDevice(token, cookie)
	_, otherID := h.establish(token, safariUA)
	h.expireGrace()

	rec, env := h.do(call{method: http.MethodDelete, path: "/api/device-sessions/" + otherID, token: token, cookie: cookie})
	require.Equal(t, http.StatusForbidden, rec.Code)

	var denied struct {
		Code    string         `json:"code"`
		Action  string         `json:"action"`
		Methods []model.Method `json:"methods"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &denied))
	assert.Equal(t, "STEP_UP_REQUIRED", denied.Code)
	assert.Equal(t, services.ActionRevokeDevice, denied.Action)
	assert.Contains(t, denied.Methods, model.MethodPassword)

	rec, _ = h.do(call{
		method: http.MethodDelete,
		path:   "/api/device-sessions/" + otherID,
		token:  token,
		cookie: cookie,
		body:   map[string]string{"method": "password", "code": "wrong"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = h.do(call{
		method: http.MethodDelete,
		path:   "/api/device-sessions/" + otherID,
		token:  token,
		cookie: cookie,
		body:   map[string]string{"method": "password", "code": password},
	})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	// the proof above opened the grace window for this session
	rec, _ = h.do(call{method: http.MethodDelete, path: "/api/device-sessions/" + otherID, token: token, cookie: cookie})
	assert.Equal(t, http.StatusNoContent, rec.Code, "revoking twice is not an error")
}

func TestAPI_UnverifiedDeviceCannotRevoke(t *testing.T) {
	h := newHarness(t)
	token := h.user("ada@example.com")
	owner, ownerID := h.establish(token, chromeUA)
	h.verifyDevice(token, owner)

	// a second login with the same password from an unknown phone
	intruder, _ := h.establish(token, safariUA)

	rec, _ := h.do(call{
		method: http.MethodDelete,
		path:   "/api/device-sessions?revokeAll=true",
		token:  token,
		cookie: intruder,
		body:   map[string]string{"method": "password", "code": password},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	rec, env := h.do(call{method: http.MethodDelete, path: "/api/device-sessions/" + ownerID, token: token, cookie: intruder})
	require.Equal(t, http.StatusForbidden, rec.Code)
	var denied struct {
		Methods []model.Method `json:"methods"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &denied))
	assert.Equal(t, []model.Method{model.MethodEmail}, denied.Methods)

	rec, _ = h.do(call{method: http.MethodPost, path: "/api/verify", token: token, cookie: intruder, body: map[string]string{"method": "password", "code": password}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = h.do(call{method: http.MethodGet, path: "/api/device-sessions/current", token: token, cookie: owner})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_RevokeCurrentClearsCookie(t *testing.T) {
	h := newHarness(t)
	token := h.user("ada@example.com")
	cookie, id := h.establish(token, chromeUA)
	h.verifyDevice(token, cookie)
	h.expireGrace()

	rec, _ := h.do(call{
		method: http.MethodDelete,
		path:   "/api/device-sessions/" + id,
		token:  token,
		cookie: cookie,
		body:   map[string]string{"method": "password", "code": password},
	})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	cleared := h.sessionCookie(rec)
	require.NotNil(t, cleared)
	assert.Empty(t, cleared.Value)
	assert.True(t, cleared.MaxAge < 0)

	// the primary token went with it
	rec, _ = h.do(call{method: http.MethodGet, path: "/api/device-sessions", token: token})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPI_RevokeAll(t *testing.T) {
	h := newHarness(t)
	token := h.user("ada@example.com")
	cookie, _ := h.establish(token, chromeUA)
	h.verifyDevice(token, cookie)
	h.establish(token, safariUA)
	h.establish(token, safariUA)
	h.expireGrace()

	rec, _ := h.do(call{method: http.MethodDelete, path: "/api/device-sessions", token: token, cookie: cookie})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env := h.do(call{
		method: http.MethodDelete,
		path:   "/api/device-sessions?revokeAll=true",
		token:  token,
		cookie: cookie,
		body:   map[string]string{"method": "password", "code": password},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"revoked":2}`, string(env.Data))

	rec, _ = h.do(call{method: http.MethodGet, path: "/api/device-sessions/current", token: token, cookie: cookie})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_VerifyFlow(t *testing.T) {
	h := newHarness(t)
	token := h.user("ada@example.com")

	rec, _ := h.do(call{method: http.MethodPost, path: "/api/verify", token: token, body: map[string]string{"method": "password", "code": password}})
	assert.Equal(t, http.StatusNotFound, rec.Code, "a device session is required")

	cookie, _ := h.establish(token, chromeUA)

	rec, env := h.do(call{method: http.MethodGet, path: "/api/verify/methods?action=revoke_device", token: token, cookie: cookie})
	require.Equal(t, http.StatusOK, rec.Code)
	var methods struct {
		RequiresStepUp bool           `json:"requires_step_up"`
		Methods        []model.Method `json:"methods"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &methods))
	assert.True(t, methods.RequiresStepUp)
	assert.Equal(t, []model.Method{model.MethodEmail}, methods.Methods, "a new device must prove more than the password")

	rec, _ = h.do(call{method: http.MethodGet, path: "/api/verify/methods?action=launch_rockets", token: token, cookie: cookie})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env = h.do(call{method: http.MethodPost, path: "/api/verify", token: token, cookie: cookie, body: map[string]string{"method": "password", "code": "nope"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid code", env.Error)

	rec, _ = h.do(call{method: http.MethodPost, path: "/api/verify", token: token, cookie: cookie, body: map[string]string{"method": "password", "code": password}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	h.verifyDevice(token, cookie)

	rec, env = h.do(call{method: http.MethodGet, path: "/api/verify/methods?action=revoke_device", token: token, cookie: cookie})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &methods))
	assert.False(t, methods.RequiresStepUp)

	h.expireGrace()
	rec, env = h.do(call{method: http.MethodGet, path: "/api/verify/methods?action=revoke_device", token: token, cookie: cookie})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &methods))
	assert.True(t, methods.RequiresStepUp)
	assert.Equal(t, []model.Method{model.MethodPassword, model.MethodEmail}, methods.Methods)

	rec, env = h.do(call{method: http.MethodPost, path: "/api/verify", token: token, cookie: cookie, body: map[string]string{"method": "password", "code": password}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, string(env.Data), `"success":true`)
}

func TestAPI_TwoFactorLifecycle(t *testing.T) {
	h := newHarness(t)
	token := h.user("ada@example.com")
	cookie, _ := h.establish(token, chromeUA)
	h.verifyDevice(token, cookie)
	h.expireGrace()

	rec, _ := h.do(call{method: http.MethodPost, path: "/api/2fa/enroll", token: token, cookie: cookie, body: map[string]any{"method": "authenticator"}})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec, env := h.do(call{
		method: http.MethodPost,
		path:   "/api/2fa/enroll",
		token:  token,
		cookie: cookie,
		body: map[string]any{
			"method":  "authenticator",
			"step_up": map[string]string{"method": "password", "code": password},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var enrolled struct {
		FactorID    string `json:"factor_id"`
		ChallengeID string `json:"challenge_id"`
		Secret      string `json:"secret"`
		QRCode      string `json:"qr_code"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &enrolled))
	require.NotEmpty(t, enrolled.Secret)
	assert.NotEmpty(t, enrolled.QRCode)

	code, err := totp.GenerateCode(enrolled.Secret, h.clock.Now())
	require.NoError(t, err)

	rec, env = h.do(call{
		method: http.MethodPost,
		path:   "/api/verify",
		token:  token,
		cookie: cookie,
		body:   map[string]string{"method": "authenticator", "code": code, "challenge_id": enrolled.ChallengeID},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var verified struct {
		RaisedAssurance bool      `json:"raised_assurance"`
		AAL             model.AAL `json:"aal"`
		BackupCodes     []string  `json:"backup_codes"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &verified))
	assert.True(t, verified.RaisedAssurance)
	assert.Equal(t, model.AAL2, verified.AAL)
	assert.Len(t, verified.BackupCodes, 10)

	rec, _ = h.do(call{method: http.MethodPost, path: "/api/2fa/disable", token: token, cookie: cookie, body: map[string]string{"factor_id": enrolled.FactorID}})
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec, _ = h.do(call{method: http.MethodPost, path: "/api/2fa/disable", token: token, cookie: cookie, body: map[string]string{"factor_id": enrolled.FactorID}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_EnrollValidation(t *testing.T) {
	h := newHarness(t)
	token := h.user("ada@example.com")
	cookie, _ := h.establish(token, chromeUA)

	rec, _ := h.do(call{method: http.MethodPost, path: "/api/2fa/enroll", token: token, cookie: cookie, body: map[string]any{"method": "sms"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "sms needs a phone number")

	rec, _ = h.do(call{method: http.MethodPost, path: "/api/2fa/enroll", token: token, cookie: cookie, body: map[string]any{"method": "carrier_pigeon"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	t.Run("all up", func(t *testing.T) {
		h := newHarness(t, HealthCheck{Name: "mongo", Ping: func(context.Context) error { return nil }})

		rec, env := h.do(call{method: http.MethodGet, path: "/health"})
		require.Equal(t, http.StatusOK, rec.Code)

		var body healthResponse
		require.NoError(t, json.Unmarshal(env.Data, &body))
		assert.Equal(t, "ok", body.Status)
		assert.Equal(t, "up", body.Components["mongo"].Status)
	})

	t.Run("degraded", func(t *testing.T) {
		h := newHarness(t,
			HealthCheck{Name: "mongo", Ping: func(context.Context) error { return nil }},
			HealthCheck{Name: "redis", Ping: func(context.Context) error { return errors.New("connection refused") }},
		)

		rec, env := h.do(call{method: http.MethodGet, path: "/health"})
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var body healthResponse
		require.NoError(t, json.Unmarshal(env.Data, &body))
		assert.Equal(t, "degraded", body.Status)
		assert.Equal(t, "down", body.Components["redis"].Status)
		assert.Equal(t, "connection refused", body.Components["redis"].Error)
	})
}
