package services

import (
	"context"
	"fmt"
	"time"

	"accountguard/config"
	"accountguard/model"
	"accountguard/utils"

	"go.uber.org/zap"
)

// NewSession is a freshly created device session together with the raw token
// that goes into the cookie. The token is not stored anywhere server-side.
type NewSession struct {
	Session *model.DeviceSession
	Token   string
	Tier    TrustTier
}

type RevokeResult struct {
	Revoked bool
	// LoggedOut is set when the caller revoked its own current session; the
	// cookie must be cleared.
	LoggedOut bool
}

type DeviceSessionService struct {
	devices  DeviceStore
	sessions DeviceSessionStore
	scorer   *TrustScorer
	audit    *AuditLog
	notifier Notifier
	identity IdentityProvider
	clock    utils.Clock
	cfg      config.SessionConfig
	alerts   bool
	log      *zap.Logger
}

func NewDeviceSessionService(
	stores Stores,
	scorer *TrustScorer,
	audit *AuditLog,
	notifier Notifier,
	identity IdentityProvider,
	clock utils.Clock,
	cfg config.Config,
	log *zap.Logger,
) *DeviceSessionService {
	return &DeviceSessionService{
		devices:  stores.Devices,
		sessions: stores.Sessions,
		scorer:   scorer,
		audit:    audit,
		notifier: notifier,
		identity: identity,
		clock:    clock,
		cfg:      cfg.Session,
		alerts:   cfg.Alerts.DeviceAlerts,
		log:      log,
	}
}

// Establish scores the observed device against the caller's trusted devices
// and creates a session with the resulting flags. Scoring happens before the
// device upsert so a device never vouches for itself.
func (s *DeviceSessionService) Establish(ctx context.Context, caller *model.Identity, observed model.Device) (*NewSession, error) {
	if caller == nil {
		return nil, ErrUnauthenticated
	}

	trusted, err := s.trustedDevices(ctx, caller.ID)
	if err != nil {
		return nil, err
	}

	score := s.scorer.Score(observed, trusted)
	tier := s.scorer.Tier(score)
	isTrusted, needsVerification := DecideTrust(tier, caller.AuthMethod)
	utils.TrackTrustDecision(string(tier), string(caller.AuthMethod))

	created, err := s.Create(ctx, caller, caller.ID, observed, score, isTrusted, needsVerification)
	if err != nil {
		return nil, err
	}
	created.Tier = tier

	if needsVerification && s.alerts {
		notify(ctx, s.notifier, s.log, caller.ID, TemplateNewDeviceLogin, map[string]any{
			"device_name": observed.DeviceName,
			"browser":     observed.Browser,
			"os":          observed.OS,
			"ip_address":  observed.IPAddress,
			"session_id":  created.Session.SessionID,
		})
	}
	return created, nil
}

func (s *DeviceSessionService) trustedDevices(ctx context.Context, userID string) ([]model.Device, error) {
	now := s.clock.Now()
	sessions, err := readWithRetry(ctx, func(ctx context.Context) ([]*model.DeviceSession, error) {
		return s.sessions.ListTrusted(ctx, userID, now)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list trusted sessions: %w", err)
	}
	if len(sessions) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		if sess.IsTrusted && !sess.IsExpired(now) {
			ids = append(ids, sess.DeviceID)
		}
	}
	devices, err := readWithRetry(ctx, func(ctx context.Context) ([]*model.Device, error) {
		return s.devices.FindByIDs(ctx, ids)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load trusted devices: %w", err)
	}

	out := make([]model.Device, 0, len(devices))
	for _, d := range devices {
		if d.UserID == userID {
			out = append(out, *d)
		}
	}
	return out, nil
}

// Create inserts the device (find-or-create) and a new session for userID.
// A session may only be created for the caller.
func (s *DeviceSessionService) Create(ctx context.Context, caller *model.Identity, userID string, device model.Device, score int, isTrusted, needsVerification bool) (*NewSession, error) {
	if caller == nil {
		return nil, ErrUnauthenticated
	}
	if userID != caller.ID {
		return nil, ErrUnauthorized
	}

	device.UserID = userID
	stored, err := s.devices.FindOrCreate(ctx, &device)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert device: %w", err)
	}

	token, err := utils.NewSessionToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session token: %w", err)
	}

	now := s.clock.Now()
	method := caller.AuthMethod
	if method == "" {
		method = model.AuthMethodPassword
	}
	session := &model.DeviceSession{
		SessionID:         utils.NewID(),
		UserID:            userID,
		DeviceID:          stored.DeviceID,
		TokenHash:         utils.HashToken(token),
		DisplayName:       utils.GenerateSessionName(*stored),
		AuthMethod:        method,
		IsTrusted:         isTrusted,
		NeedsVerification: needsVerification,
		ConfidenceScore:   score,
		AAL:               model.AAL1,
		LastActive:        now,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.cfg.Duration),
	}
	if err := s.sessions.Insert(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create device session: %w", err)
	}

	session.Device = stored
	session.Current = true

	s.audit.Record(ctx, userID, model.EventDeviceSessionCreated, session.SessionID, map[string]any{
		"device_id":          stored.DeviceID,
		"device_name":        stored.DeviceName,
		"browser":            stored.Browser,
		"os":                 stored.OS,
		"ip_address":         stored.IPAddress,
		"confidence_score":   score,
		"is_trusted":         isTrusted,
		"needs_verification": needsVerification,
		"auth_method":        string(method),
	})

	return &NewSession{Session: session, Token: token}, nil
}

// Resolve maps a cookie token to the caller's live session. Absent, expired
// and foreign sessions are all ErrNotFound.
func (s *DeviceSessionService) Resolve(ctx context.Context, caller *model.Identity, token string) (*model.DeviceSession, error) {
	if caller == nil {
		return nil, ErrUnauthenticated
	}
	if token == "" {
		return nil, ErrNotFound
	}

	tokenHash := utils.HashToken(token)
	session, err := readWithRetry(ctx, func(ctx context.Context) (*model.DeviceSession, error) {
		return s.sessions.FindByTokenHash(ctx, tokenHash)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve device session: %w", err)
	}
	if session == nil || session.IsExpired(s.clock.Now()) || session.UserID != caller.ID {
		return nil, ErrNotFound
	}
	session.Current = true
	return session, nil
}

// GetCurrent is Resolve with the device record attached.
func (s *DeviceSessionService) GetCurrent(ctx context.Context, caller *model.Identity, token string) (*model.DeviceSession, error) {
	session, err := s.Resolve(ctx, caller, token)
	if err != nil {
		return nil, err
	}
	if err := s.attachDevices(ctx, []*model.DeviceSession{session}); err != nil {
		return nil, err
	}
	return session, nil
}

// List returns every session of the caller, most recently relevant first.
// Expired sessions are included and flagged.
func (s *DeviceSessionService) List(ctx context.Context, caller *model.Identity, order model.SessionOrder, current *model.DeviceSession) ([]*model.DeviceSession, error) {
	if caller == nil {
		return nil, ErrUnauthenticated
	}
	if order != model.OrderByLastActive {
		order = model.OrderByCreated
	}

	sessions, err := readWithRetry(ctx, func(ctx context.Context) ([]*model.DeviceSession, error) {
		return s.sessions.ListByUser(ctx, caller.ID, order)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list device sessions: %w", err)
	}

	now := s.clock.Now()
	for _, sess := range sessions {
		sess.Expired = sess.IsExpired(now)
		sess.Current = current != nil && sess.SessionID == current.SessionID
	}
	if err := s.attachDevices(ctx, sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *DeviceSessionService) attachDevices(ctx context.Context, sessions []*model.DeviceSession) error {
	if len(sessions) == 0 {
		return nil
	}
	ids := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		ids = append(ids, sess.DeviceID)
	}
	devices, err := readWithRetry(ctx, func(ctx context.Context) ([]*model.Device, error) {
		return s.devices.FindByIDs(ctx, ids)
	})
	if err != nil {
		return fmt.Errorf("failed to load devices: %w", err)
	}
	byID := make(map[string]*model.Device, len(devices))
	for _, d := range devices {
		byID[d.DeviceID] = d
	}
	for _, sess := range sessions {
		sess.Device = byID[sess.DeviceID]
	}
	return nil
}

// Revoke deletes one of the caller's sessions. A session that is already gone
// is success. Revoking the current session also invalidates the primary
// credential session.
func (s *DeviceSessionService) Revoke(ctx context.Context, caller *model.Identity, sessionID string, current *model.DeviceSession) (RevokeResult, error) {
	if caller == nil {
		return RevokeResult{}, ErrUnauthenticated
	}

	target, err := readWithRetry(ctx, func(ctx context.Context) (*model.DeviceSession, error) {
		return s.sessions.FindByID(ctx, sessionID)
	})
	if err != nil {
		return RevokeResult{}, fmt.Errorf("failed to load device session: %w", err)
	}
	if target == nil {
		return RevokeResult{}, nil
	}
	if target.IsExpired(s.clock.Now()) {
		if target.UserID == caller.ID {
			// cleanup only, no event
			if _, err := s.sessions.DeleteOwned(ctx, sessionID, caller.ID); err != nil {
				s.log.Warn("failed to delete expired session", zap.String("session_id", sessionID), zap.Error(err))
			}
		}
		return RevokeResult{}, nil
	}
	if target.UserID != caller.ID {
		return RevokeResult{}, ErrUnauthorized
	}

	deleted, err := s.sessions.DeleteOwned(ctx, sessionID, caller.ID)
	if err != nil {
		return RevokeResult{}, fmt.Errorf("failed to revoke device session: %w", err)
	}
	if !deleted {
		return RevokeResult{}, nil
	}

	self := current != nil && current.SessionID == sessionID
	actingSession := ""
	if current != nil {
		actingSession = current.SessionID
	}
	s.audit.Record(ctx, caller.ID, model.EventDeviceRevoked, sessionID, map[string]any{
		"device_id":    target.DeviceID,
		"display_name": target.DisplayName,
		"revoked_by":   actingSession,
		"self":         self,
		"bulk":         false,
	})
	if s.alerts {
		notify(ctx, s.notifier, s.log, caller.ID, TemplateDevicesRevoked, map[string]any{
			"count": 1,
		})
	}

	result := RevokeResult{Revoked: true}
	if self {
		result.LoggedOut = true
		if err := s.identity.InvalidatePrimarySession(ctx, caller.Token); err != nil {
			utils.TrackError("identity", "invalidate_primary_session_failed")
			return result, fmt.Errorf("failed to invalidate primary session: %w", err)
		}
	}
	return result, nil
}

// RevokeAllExceptCurrent deletes every other session of the caller and returns
// how many live sessions were revoked. At most one notification is sent.
func (s *DeviceSessionService) RevokeAllExceptCurrent(ctx context.Context, caller *model.Identity, current *model.DeviceSession) (int, error) {
	if caller == nil {
		return 0, ErrUnauthenticated
	}
	if current == nil {
		return 0, ErrNotFound
	}

	sessions, err := readWithRetry(ctx, func(ctx context.Context) ([]*model.DeviceSession, error) {
		return s.sessions.ListByUser(ctx, caller.ID, model.OrderByCreated)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list device sessions: %w", err)
	}

	now := s.clock.Now()
	count := 0
	for _, sess := range sessions {
		if sess.SessionID == current.SessionID {
			continue
		}
		deleted, err := s.sessions.DeleteOwned(ctx, sess.SessionID, caller.ID)
		if err != nil {
			return count, fmt.Errorf("failed to revoke device session %s: %w", sess.SessionID, err)
		}
		if !deleted || sess.IsExpired(now) {
			continue
		}
		count++
		s.audit.Record(ctx, caller.ID, model.EventDeviceRevoked, sess.SessionID, map[string]any{
			"device_id":    sess.DeviceID,
			"display_name": sess.DisplayName,
			"revoked_by":   current.SessionID,
			"self":         false,
			"bulk":         true,
		})
	}

	if count > 0 && s.alerts {
		notify(ctx, s.notifier, s.log, caller.ID, TemplateDevicesRevoked, map[string]any{
			"count": count,
		})
	}
	return count, nil
}

// Touch refreshes last_active, at most once per touch interval.
func (s *DeviceSessionService) Touch(ctx context.Context, session *model.DeviceSession) error {
	if session == nil {
		return nil
	}
	now := s.clock.Now()
	if now.Sub(session.LastActive) < s.cfg.TouchInterval {
		return nil
	}
	if err := s.sessions.Touch(ctx, session.SessionID, now); err != nil {
		return fmt.Errorf("failed to touch device session: %w", err)
	}
	session.LastActive = now
	return nil
}

// UpdateFromClient applies a client-supplied patch. Only fields in
// model.ClientMutableSessionFields are accepted.
func (s *DeviceSessionService) UpdateFromClient(ctx context.Context, caller *model.Identity, sessionID string, patch map[string]any) (*model.DeviceSession, error) {
	if caller == nil {
		return nil, ErrUnauthenticated
	}
	if err := model.CheckClientPatch(patch); err != nil {
		return nil, err
	}

	target, err := readWithRetry(ctx, func(ctx context.Context) (*model.DeviceSession, error) {
		return s.sessions.FindByID(ctx, sessionID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load device session: %w", err)
	}
	if target == nil || target.IsExpired(s.clock.Now()) {
		return nil, ErrNotFound
	}
	if target.UserID != caller.ID {
		return nil, ErrUnauthorized
	}

	updated, err := s.sessions.ApplyClientPatch(ctx, sessionID, caller.ID, patch)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, ErrNotFound
	}
	return updated, nil
}

// CookieMaxAge is the lifetime given to the device-session cookie.
func (s *DeviceSessionService) CookieMaxAge() time.Duration {
	return s.cfg.Duration
}
