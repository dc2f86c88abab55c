package services

import (
	"context"
	"testing"
	"time"

	"accountguard/model"
	"accountguard/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAuditLog_RecordAndLatest(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.audit.Record(ctx, "u1", model.EventDeviceSessionCreated, "s1", map[string]any{"confidence_score": 0})
	e.clock.Advance(time.Second)
	e.audit.Record(ctx, "u1", model.EventDeviceRevoked, "s1", nil)
	e.audit.Record(ctx, "u2", model.Event2FAEnabled, "", nil)

	latest, err := e.audit.Latest(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, model.EventDeviceRevoked, latest.EventType)
	assert.Equal(t, e.clock.Now(), latest.CreatedAt)
	assert.NotEmpty(t, latest.EventID)

	none, err := e.audit.Latest(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestAuditLog_StoreFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	audit := NewAuditLog(failingEvents{}, utils.NewFixedClock(time.Now()), zap.New(core))

	assert.NotPanics(t, func() {
		audit.Record(context.Background(), "u1", model.EventVerificationFailed, "s1", map[string]any{"method": "password"})
	})

	entries := logs.FilterMessage("failed to record account event").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "VERIFICATION_FAILED", entries[0].ContextMap()["event_type"])
}
