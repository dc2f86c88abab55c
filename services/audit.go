package services

import (
	"context"

	"accountguard/model"
	"accountguard/utils"

	"go.uber.org/zap"
)

// AuditLog appends security events. Recording never fails the caller: a
// store error is logged and counted instead.
type AuditLog struct {
	events EventStore
	clock  utils.Clock
	log    *zap.Logger
}

func NewAuditLog(events EventStore, clock utils.Clock, log *zap.Logger) *AuditLog {
	return &AuditLog{events: events, clock: clock, log: log}
}

func (a *AuditLog) Record(ctx context.Context, userID string, eventType model.EventType, sessionID string, metadata map[string]any) {
	event := &model.AccountEvent{
		EventID:         utils.NewID(),
		UserID:          userID,
		EventType:       eventType,
		DeviceSessionID: sessionID,
		Metadata:        metadata,
		CreatedAt:       a.clock.Now(),
	}

	if err := a.events.Append(ctx, event); err != nil {
		utils.TrackAccountEvent(string(eventType), false)
		a.log.Error("failed to record account event",
			zap.String("user_id", userID),
			zap.String("event_type", string(eventType)),
			zap.String("device_session_id", sessionID),
			zap.Any("metadata", metadata),
			zap.Error(err),
		)
		return
	}
	utils.TrackAccountEvent(string(eventType), true)
}

// Latest returns the most recent event for the user, or nil.
func (a *AuditLog) Latest(ctx context.Context, userID string) (*model.AccountEvent, error) {
	return a.events.Latest(ctx, userID)
}
