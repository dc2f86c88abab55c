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

// BackupCodeGenerator issues the one batch of recovery codes a user gets when
// their first factor is verified.
type BackupCodeGenerator struct {
	store BackupCodeStore
	audit *AuditLog
	clock utils.Clock
	cfg   config.VerificationConfig
	log   *zap.Logger
}

func NewBackupCodeGenerator(store BackupCodeStore, audit *AuditLog, clock utils.Clock, cfg config.VerificationConfig, log *zap.Logger) *BackupCodeGenerator {
	return &BackupCodeGenerator{store: store, audit: audit, clock: clock, cfg: cfg, log: log}
}

// GenerateBatch returns the plaintext codes exactly once. If a batch was
// already claimed for the user it returns nil without generating anything.
func (g *BackupCodeGenerator) GenerateBatch(ctx context.Context, userID, sessionID string) ([]string, error) {
	now := g.clock.Now()
	claimed, err := g.store.ClaimBatch(ctx, userID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to claim backup code batch: %w", err)
	}
	if !claimed {
		return nil, nil
	}

	codes, err := utils.GenerateBackupCodes(g.cfg.BackupCodeFormat, g.cfg.BackupCodeCount, g.cfg.BackupCodeLength)
	if err != nil {
		g.release(ctx, userID)
		return nil, fmt.Errorf("failed to generate backup codes: %w", err)
	}

	records := make([]*model.BackupCode, 0, len(codes))
	for i, code := range codes {
		hash, salt, err := HashCode(utils.NormalizeBackupCode(code))
		if err != nil {
			g.release(ctx, userID)
			return nil, err
		}
		records = append(records, &model.BackupCode{
			CodeID:   utils.NewID(),
			UserID:   userID,
			CodeHash: hash,
			Salt:     salt,
			// strictly ascending so the scan order is stable
			CreatedAt: now.Add(time.Duration(i) * time.Millisecond),
		})
	}

	if err := g.store.InsertMany(ctx, records); err != nil {
		g.release(ctx, userID)
		return nil, fmt.Errorf("failed to store backup codes: %w", err)
	}

	g.audit.Record(ctx, userID, model.EventBackupCodesGenerated, sessionID, map[string]any{
		"count":  len(codes),
		"format": g.cfg.BackupCodeFormat,
	})
	return codes, nil
}

// Release drops unused codes and the batch claim so that a later first factor
// gets a fresh batch. Used codes are kept.
func (g *BackupCodeGenerator) Release(ctx context.Context, userID string) error {
	if err := g.store.ReleaseBatch(ctx, userID); err != nil {
		return fmt.Errorf("failed to release backup codes: %w", err)
	}
	return nil
}

func (g *BackupCodeGenerator) release(ctx context.Context, userID string) {
	if err := g.store.ReleaseBatch(ctx, userID); err != nil {
		g.log.Error("failed to release backup code claim", zap.String("user_id", userID), zap.Error(err))
	}
}
