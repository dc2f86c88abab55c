package services

import (
	"context"
	"time"

	"accountguard/model"
)

// Lookup methods return (nil, nil) when the record does not exist.

type DeviceStore interface {
	// FindOrCreate upserts by (user, name, browser, os) and refreshes the IP.
	FindOrCreate(ctx context.Context, d *model.Device) (*model.Device, error)
	FindByIDs(ctx context.Context, ids []string) ([]*model.Device, error)
}

type DeviceSessionStore interface {
	Insert(ctx context.Context, s *model.DeviceSession) error
	FindByTokenHash(ctx context.Context, tokenHash string) (*model.DeviceSession, error)
	FindByID(ctx context.Context, sessionID string) (*model.DeviceSession, error)
	ListByUser(ctx context.Context, userID string, order model.SessionOrder) ([]*model.DeviceSession, error)
	ListTrusted(ctx context.Context, userID string, now time.Time) ([]*model.DeviceSession, error)
	// DeleteOwned is compare-and-delete on (session, owner). false means
	// nothing matched.
	DeleteOwned(ctx context.Context, sessionID, userID string) (bool, error)
	Touch(ctx context.Context, sessionID string, at time.Time) error
	ApplyVerification(ctx context.Context, sessionID string, v model.SessionVerification) (*model.DeviceSession, error)
	// ApplyClientPatch must reject any field outside
	// model.ClientMutableSessionFields with ErrProtectedField.
	ApplyClientPatch(ctx context.Context, sessionID, userID string, patch map[string]any) (*model.DeviceSession, error)
}

type VerificationCodeStore interface {
	Insert(ctx context.Context, c *model.VerificationCode) error
	LatestActive(ctx context.Context, sessionID string, now time.Time) (*model.VerificationCode, error)
	// Consume marks the code used only if it was unused.
	Consume(ctx context.Context, codeID string, at time.Time) (bool, error)
}

type BackupCodeStore interface {
	InsertMany(ctx context.Context, codes []*model.BackupCode) error
	// ListUnused is ordered by created_at ascending, then id.
	ListUnused(ctx context.Context, userID string) ([]*model.BackupCode, error)
	CountUnused(ctx context.Context, userID string) (int, error)
	// MarkUsed is conditioned on used_at being unset.
	MarkUsed(ctx context.Context, codeID string, at time.Time) (bool, error)
	// ClaimBatch records that a batch was issued for the user. It returns
	// false if one already exists.
	ClaimBatch(ctx context.Context, userID string, at time.Time) (bool, error)
	// ReleaseBatch deletes unused codes and the batch claim. Used codes stay.
	ReleaseBatch(ctx context.Context, userID string) error
}

type FactorStore interface {
	Insert(ctx context.Context, f *model.Factor) error
	FindByID(ctx context.Context, factorID string) (*model.Factor, error)
	ListByUser(ctx context.Context, userID string) ([]*model.Factor, error)
	// MarkVerified flips verified false->true; false means it was already
	// verified or is gone.
	MarkVerified(ctx context.Context, factorID string, at time.Time) (bool, error)
	// AdvanceTOTPStep succeeds only if step is newer than the stored one.
	AdvanceTOTPStep(ctx context.Context, factorID string, step uint64) (bool, error)
	DeleteOwned(ctx context.Context, factorID, userID string) (bool, error)
}

type ChallengeStore interface {
	Insert(ctx context.Context, c *model.Challenge) error
	FindByID(ctx context.Context, challengeID string) (*model.Challenge, error)
	Consume(ctx context.Context, challengeID string, at time.Time) (bool, error)
}

type EventStore interface {
	Append(ctx context.Context, e *model.AccountEvent) error
	Latest(ctx context.Context, userID string) (*model.AccountEvent, error)
}

type UserStore interface {
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	FindByID(ctx context.Context, userID string) (*model.User, error)
}

// Stores groups every backing store the services need.
type Stores struct {
	Devices           DeviceStore
	Sessions          DeviceSessionStore
	VerificationCodes VerificationCodeStore
	BackupCodes       BackupCodeStore
	Factors           FactorStore
	Challenges        ChallengeStore
	Events            EventStore
	Users             UserStore
}
