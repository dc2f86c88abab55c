package repository

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Collection names.
const (
	DevicesCollection           = "devices"
	DeviceSessionsCollection    = "device_sessions"
	VerificationCodesCollection = "verification_codes"
	BackupCodesCollection       = "backup_codes"
	BackupBatchesCollection     = "backup_code_batches"
	FactorsCollection           = "factors"
	ChallengesCollection        = "challenges"
	AccountEventsCollection     = "account_events"
	UsersCollection             = "users"
)

// expired challenges and email codes are kept a day for inspection, then
// removed by Mongo's TTL monitor
const shortLivedRetention = int32(24 * 60 * 60)

func SetupIndexes(ctx context.Context, db *mongo.Database, log *zap.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	indexes := map[string][]mongo.IndexModel{
		DevicesCollection: {
			{
				Keys: bson.D{
					{Key: "user_id", Value: 1},
					{Key: "device_name", Value: 1},
					{Key: "browser", Value: 1},
					{Key: "os", Value: 1},
				},
				Options: options.Index().
					SetName("device_identity").
					SetUnique(true),
			},
			{
				Keys:    bson.D{{Key: "device_id", Value: 1}},
				Options: options.Index().SetName("device_id").SetUnique(true),
			},
		},
		DeviceSessionsCollection: {
			{
				Keys:    bson.D{{Key: "session_id", Value: 1}},
				Options: options.Index().SetName("session_id").SetUnique(true),
			},
			{
				Keys:    bson.D{{Key: "token_hash", Value: 1}},
				Options: options.Index().SetName("token_hash").SetUnique(true),
			},
			{
				Keys: bson.D{
					{Key: "user_id", Value: 1},
					{Key: "created_at", Value: -1},
				},
				Options: options.Index().SetName("user_sessions_created"),
			},
			{
				Keys: bson.D{
					{Key: "user_id", Value: 1},
					{Key: "last_active", Value: -1},
				},
				Options: options.Index().SetName("user_sessions_active"),
			},
			{
				Keys: bson.D{
					{Key: "user_id", Value: 1},
					{Key: "is_trusted", Value: 1},
					{Key: "expires_at", Value: 1},
				},
				Options: options.Index().SetName("user_trusted_sessions"),
			},
		},
		VerificationCodesCollection: {
			{
				Keys: bson.D{
					{Key: "device_session_id", Value: 1},
					{Key: "created_at", Value: -1},
				},
				Options: options.Index().SetName("session_codes"),
			},
			{
				Keys: bson.D{{Key: "expires_at", Value: 1}},
				Options: options.Index().
					SetName("codes_ttl").
					SetExpireAfterSeconds(shortLivedRetention),
			},
		},
		BackupCodesCollection: {
			{
				Keys: bson.D{
					{Key: "user_id", Value: 1},
					{Key: "used_at", Value: 1},
					{Key: "created_at", Value: 1},
				},
				Options: options.Index().SetName("user_unused_codes"),
			},
		},
		BackupBatchesCollection: {
			{
				Keys:    bson.D{{Key: "user_id", Value: 1}},
				Options: options.Index().SetName("one_batch_per_user").SetUnique(true),
			},
		},
		FactorsCollection: {
			{
				Keys:    bson.D{{Key: "factor_id", Value: 1}},
				Options: options.Index().SetName("factor_id").SetUnique(true),
			},
			{
				Keys:    bson.D{{Key: "user_id", Value: 1}},
				Options: options.Index().SetName("user_factors"),
			},
		},
		ChallengesCollection: {
			{
				Keys:    bson.D{{Key: "challenge_id", Value: 1}},
				Options: options.Index().SetName("challenge_id").SetUnique(true),
			},
			{
				Keys: bson.D{{Key: "expires_at", Value: 1}},
				Options: options.Index().
					SetName("challenges_ttl").
					SetExpireAfterSeconds(shortLivedRetention),
			},
		},
		AccountEventsCollection: {
			{
				Keys: bson.D{
					{Key: "user_id", Value: 1},
					{Key: "created_at", Value: -1},
				},
				Options: options.Index().SetName("user_events_date"),
			},
		},
	}

	for collection, models := range indexes {
		if _, err := db.Collection(collection).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create %s indexes: %w", collection, err)
		}
	}

	log.Info("created all indexes", zap.Int("collections", len(indexes)))
	return nil
}
