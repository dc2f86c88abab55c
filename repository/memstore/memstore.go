// Package memstore is an in-process implementation of every store the
// services depend on. It backs STORE_DRIVER=memory and the service tests, and
// mirrors the conditional-update semantics of the Mongo repositories under a
// single mutex.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"accountguard/model"

	"github.com/google/uuid"
)

type state struct {
	mu         sync.Mutex
	seq        int64
	devices    map[string]*model.Device
	sessions   map[string]*model.DeviceSession
	codes      map[string]*model.VerificationCode
	backup     map[string]*model.BackupCode
	backupSeq  map[string]int64
	batches    map[string]time.Time
	factors    map[string]*model.Factor
	challenges map[string]*model.Challenge
	events     []*model.AccountEvent
	users      map[string]*model.User
}

type Store struct {
	Devices           *DeviceRepo
	Sessions          *SessionRepo
	VerificationCodes *VerificationCodeRepo
	BackupCodes       *BackupCodeRepo
	Factors           *FactorRepo
	Challenges        *ChallengeRepo
	Events            *EventRepo
	Users             *UserRepo
}

func New() *Store {
	st := &state{
		devices:    map[string]*model.Device{},
		sessions:   map[string]*model.DeviceSession{},
		codes:      map[string]*model.VerificationCode{},
		backup:     map[string]*model.BackupCode{},
		backupSeq:  map[string]int64{},
		batches:    map[string]time.Time{},
		factors:    map[string]*model.Factor{},
		challenges: map[string]*model.Challenge{},
		users:      map[string]*model.User{},
	}
	return &Store{
		Devices:           &DeviceRepo{st},
		Sessions:          &SessionRepo{st},
		VerificationCodes: &VerificationCodeRepo{st},
		BackupCodes:       &BackupCodeRepo{st},
		Factors:           &FactorRepo{st},
		Challenges:        &ChallengeRepo{st},
		Events:            &EventRepo{st},
		Users:             &UserRepo{st},
	}
}

func timePtr(t time.Time) *time.Time { return &t }

// ---- devices ----

type DeviceRepo struct{ st *state }

func (r *DeviceRepo) FindOrCreate(_ context.Context, d *model.Device) (*model.Device, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	now := time.Now().UTC()
	for _, existing := range r.st.devices {
		if existing.UserID == d.UserID && existing.DeviceName == d.DeviceName &&
			existing.Browser == d.Browser && existing.OS == d.OS {
			existing.IPAddress = d.IPAddress
			existing.UpdatedAt = now
			cp := *existing
			return &cp, nil
		}
	}

	created := *d
	if created.DeviceID == "" {
		created.DeviceID = uuid.NewString()
	}
	created.CreatedAt = now
	created.UpdatedAt = now
	r.st.devices[created.DeviceID] = &created
	cp := created
	return &cp, nil
}

func (r *DeviceRepo) FindByIDs(_ context.Context, ids []string) ([]*model.Device, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	out := make([]*model.Device, 0, len(ids))
	for _, id := range ids {
		if d, ok := r.st.devices[id]; ok {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ---- device sessions ----

type SessionRepo struct{ st *state }

func copySession(s *model.DeviceSession) *model.DeviceSession {
	cp := *s
	if s.LastVerified != nil {
		cp.LastVerified = timePtr(*s.LastVerified)
	}
	if s.LastSensitiveVerificationAt != nil {
		cp.LastSensitiveVerificationAt = timePtr(*s.LastSensitiveVerificationAt)
	}
	cp.Device = nil
	return &cp
}

func (r *SessionRepo) Insert(_ context.Context, s *model.DeviceSession) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	r.st.sessions[s.SessionID] = copySession(s)
	return nil
}

func (r *SessionRepo) FindByTokenHash(_ context.Context, tokenHash string) (*model.DeviceSession, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, s := range r.st.sessions {
		if s.TokenHash == tokenHash {
			return copySession(s), nil
		}
	}
	return nil, nil
}

func (r *SessionRepo) FindByID(_ context.Context, sessionID string) (*model.DeviceSession, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if s, ok := r.st.sessions[sessionID]; ok {
		return copySession(s), nil
	}
	return nil, nil
}

func (r *SessionRepo) ListByUser(_ context.Context, userID string, order model.SessionOrder) ([]*model.DeviceSession, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	var out []*model.DeviceSession
	for _, s := range r.st.sessions {
		if s.UserID == userID {
			out = append(out, copySession(s))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].CreatedAt, out[j].CreatedAt
		if order == model.OrderByLastActive {
			a, b = out[i].LastActive, out[j].LastActive
		}
		if a.Equal(b) {
			return out[i].SessionID < out[j].SessionID
		}
		return a.After(b)
	})
	return out, nil
}

func (r *SessionRepo) ListTrusted(_ context.Context, userID string, now time.Time) ([]*model.DeviceSession, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	var out []*model.DeviceSession
	for _, s := range r.st.sessions {
		if s.UserID == userID && s.IsTrusted && s.ExpiresAt.After(now) {
			out = append(out, copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

func (r *SessionRepo) DeleteOwned(_ context.Context, sessionID, userID string) (bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	s, ok := r.st.sessions[sessionID]
	if !ok || s.UserID != userID {
		return false, nil
	}
	delete(r.st.sessions, sessionID)
	return true, nil
}

func (r *SessionRepo) Touch(_ context.Context, sessionID string, at time.Time) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if s, ok := r.st.sessions[sessionID]; ok && at.After(s.LastActive) {
		s.LastActive = at
	}
	return nil
}

func (r *SessionRepo) ApplyVerification(_ context.Context, sessionID string, v model.SessionVerification) (*model.DeviceSession, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	s, ok := r.st.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	s.LastVerified = timePtr(v.VerifiedAt)
	s.LastSensitiveVerificationAt = timePtr(v.VerifiedAt)
	if v.RaiseToAAL2 {
		s.AAL = model.AAL2
	}
	if v.MarkTrusted {
		s.IsTrusted = true
		s.NeedsVerification = false
	}
	return copySession(s), nil
}

func (r *SessionRepo) ApplyClientPatch(_ context.Context, sessionID, userID string, patch map[string]any) (*model.DeviceSession, error) {
	if err := model.CheckClientPatch(patch); err != nil {
		return nil, err
	}

	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	s, ok := r.st.sessions[sessionID]
	if !ok || s.UserID != userID {
		return nil, nil
	}
	if name, ok := patch["display_name"].(string); ok {
		s.DisplayName = strings.TrimSpace(name)
	}
	return copySession(s), nil
}

// ---- email verification codes ----

type VerificationCodeRepo struct{ st *state }

func (r *VerificationCodeRepo) Insert(_ context.Context, c *model.VerificationCode) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	cp := *c
	r.st.codes[c.CodeID] = &cp
	return nil
}

func (r *VerificationCodeRepo) LatestActive(_ context.Context, sessionID string, now time.Time) (*model.VerificationCode, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	var latest *model.VerificationCode
	for _, c := range r.st.codes {
		if c.DeviceSessionID != sessionID || c.ConsumedAt != nil || !c.ExpiresAt.After(now) {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (r *VerificationCodeRepo) Consume(_ context.Context, codeID string, at time.Time) (bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	c, ok := r.st.codes[codeID]
	if !ok || c.ConsumedAt != nil {
		return false, nil
	}
	c.ConsumedAt = timePtr(at)
	return true, nil
}

// ---- backup codes ----

type BackupCodeRepo struct{ st *state }

func (r *BackupCodeRepo) InsertMany(_ context.Context, codes []*model.BackupCode) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, c := range codes {
		cp := *c
		r.st.seq++
		r.st.backup[c.CodeID] = &cp
		r.st.backupSeq[c.CodeID] = r.st.seq
	}
	return nil
}

func (r *BackupCodeRepo) ListUnused(_ context.Context, userID string) ([]*model.BackupCode, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	var out []*model.BackupCode
	for _, c := range r.st.backup {
		if c.UserID == userID && c.UsedAt == nil {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return r.st.backupSeq[out[i].CodeID] < r.st.backupSeq[out[j].CodeID]
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *BackupCodeRepo) CountUnused(_ context.Context, userID string) (int, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	n := 0
	for _, c := range r.st.backup {
		if c.UserID == userID && c.UsedAt == nil {
			n++
		}
	}
	return n, nil
}

func (r *BackupCodeRepo) MarkUsed(_ context.Context, codeID string, at time.Time) (bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	c, ok := r.st.backup[codeID]
	if !ok || c.UsedAt != nil {
		return false, nil
	}
	c.UsedAt = timePtr(at)
	return true, nil
}

func (r *BackupCodeRepo) ClaimBatch(_ context.Context, userID string, at time.Time) (bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if _, exists := r.st.batches[userID]; exists {
		return false, nil
	}
	r.st.batches[userID] = at
	return true, nil
}

func (r *BackupCodeRepo) ReleaseBatch(_ context.Context, userID string) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for id, c := range r.st.backup {
		if c.UserID == userID && c.UsedAt == nil {
			delete(r.st.backup, id)
			delete(r.st.backupSeq, id)
		}
	}
	delete(r.st.batches, userID)
	return nil
}

// All returns every stored code for a user, used ones included.
func (r *BackupCodeRepo) All(userID string) []*model.BackupCode {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var out []*model.BackupCode
	for _, c := range r.st.backup {
		if c.UserID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out
}

// ---- factors ----

type FactorRepo struct{ st *state }

func (r *FactorRepo) Insert(_ context.Context, f *model.Factor) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	cp := *f
	r.st.factors[f.FactorID] = &cp
	return nil
}

func (r *FactorRepo) FindByID(_ context.Context, factorID string) (*model.Factor, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if f, ok := r.st.factors[factorID]; ok {
		cp := *f
		return &cp, nil
	}
	return nil, nil
}

func (r *FactorRepo) ListByUser(_ context.Context, userID string) ([]*model.Factor, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var out []*model.Factor
	for _, f := range r.st.factors {
		if f.UserID == userID {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].FactorID < out[j].FactorID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *FactorRepo) MarkVerified(_ context.Context, factorID string, at time.Time) (bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	f, ok := r.st.factors[factorID]
	if !ok || f.Verified {
		return false, nil
	}
	f.Verified = true
	f.VerifiedAt = timePtr(at)
	return true, nil
}

func (r *FactorRepo) AdvanceTOTPStep(_ context.Context, factorID string, step uint64) (bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	f, ok := r.st.factors[factorID]
	if !ok || f.LastTOTPStep >= step {
		return false, nil
	}
	f.LastTOTPStep = step
	return true, nil
}

func (r *FactorRepo) DeleteOwned(_ context.Context, factorID, userID string) (bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	f, ok := r.st.factors[factorID]
	if !ok || f.UserID != userID {
		return false, nil
	}
	delete(r.st.factors, factorID)
	return true, nil
}

// ---- challenges ----

type ChallengeRepo struct{ st *state }

func (r *ChallengeRepo) Insert(_ context.Context, c *model.Challenge) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	cp := *c
	r.st.challenges[c.ChallengeID] = &cp
	return nil
}

func (r *ChallengeRepo) FindByID(_ context.Context, challengeID string) (*model.Challenge, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if c, ok := r.st.challenges[challengeID]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (r *ChallengeRepo) Consume(_ context.Context, challengeID string, at time.Time) (bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	c, ok := r.st.challenges[challengeID]
	if !ok || c.ConsumedAt != nil {
		return false, nil
	}
	c.ConsumedAt = timePtr(at)
	return true, nil
}

func (r *ChallengeRepo) All(userID string) []*model.Challenge {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var out []*model.Challenge
	for _, c := range r.st.challenges {
		if c.UserID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out
}

// ---- account events ----

type EventRepo struct{ st *state }

func (r *EventRepo) Append(_ context.Context, e *model.AccountEvent) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	cp := *e
	r.st.events = append(r.st.events, &cp)
	return nil
}

func (r *EventRepo) Latest(_ context.Context, userID string) (*model.AccountEvent, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for i := len(r.st.events) - 1; i >= 0; i-- {
		if r.st.events[i].UserID == userID {
			cp := *r.st.events[i]
			return &cp, nil
		}
	}
	return nil, nil
}

// ByType returns a user's events of one type in append order.
func (r *EventRepo) ByType(userID string, eventType model.EventType) []*model.AccountEvent {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var out []*model.AccountEvent
	for _, e := range r.st.events {
		if e.UserID == userID && e.EventType == eventType {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

// ---- users ----

type UserRepo struct{ st *state }

// Put seeds a user; the service itself never writes users.
func (r *UserRepo) Put(u *model.User) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	cp := *u
	r.st.users[u.UserID] = &cp
}

func (r *UserRepo) FindByEmail(_ context.Context, email string) (*model.User, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, u := range r.st.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *UserRepo) FindByID(_ context.Context, userID string) (*model.User, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if u, ok := r.st.users[userID]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}
