package repository

import (
	"context"
	"fmt"
	"time"

	"accountguard/model"
	"accountguard/utils"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// BackupCodeRepo keeps the codes and, in a second collection with a unique
// user_id index, one marker per issued batch.
type BackupCodeRepo struct {
	MongoCollection *mongo.Collection
	Batches         *mongo.Collection
}

type backupBatch struct {
	UserID    string    `bson:"user_id"`
	CreatedAt time.Time `bson:"created_at"`
}

func NewBackupCodeRepo(db *mongo.Database) *BackupCodeRepo {
	return &BackupCodeRepo{
		MongoCollection: db.Collection(BackupCodesCollection),
		Batches:         db.Collection(BackupBatchesCollection),
	}
}

func (r *BackupCodeRepo) InsertMany(ctx context.Context, codes []*model.BackupCode) error {
	timer := utils.TrackDBOperation("insert", BackupCodesCollection)
	defer timer.ObserveDuration()

	if len(codes) == 0 {
		return nil
	}
	docs := make([]interface{}, len(codes))
	for i, c := range codes {
		docs[i] = c
	}
	if _, err := r.MongoCollection.InsertMany(ctx, docs); err != nil {
		utils.TrackError("database", "backup_code_insert_failed")
		return fmt.Errorf("failed to store backup codes: %w", err)
	}
	return nil
}

func (r *BackupCodeRepo) ListUnused(ctx context.Context, userID string) ([]*model.BackupCode, error) {
	timer := utils.TrackDBOperation("find", BackupCodesCollection)
	defer timer.ObserveDuration()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "code_id", Value: 1}})
	cursor, err := r.MongoCollection.Find(ctx, bson.M{"user_id": userID, "used_at": nil}, opts)
	if err != nil {
		utils.TrackError("database", "backup_code_fetch_failed")
		return nil, fmt.Errorf("failed to fetch backup codes: %w", err)
	}
	defer cursor.Close(ctx)

	var codes []*model.BackupCode
	if err := cursor.All(ctx, &codes); err != nil {
		return nil, fmt.Errorf("failed to decode backup codes: %w", err)
	}
	return codes, nil
}

func (r *BackupCodeRepo) CountUnused(ctx context.Context, userID string) (int, error) {
	timer := utils.TrackDBOperation("count", BackupCodesCollection)
	defer timer.ObserveDuration()

	n, err := r.MongoCollection.CountDocuments(ctx, bson.M{"user_id": userID, "used_at": nil})
	if err != nil {
		utils.TrackError("database", "backup_code_count_failed")
		return 0, fmt.Errorf("failed to count backup codes: %w", err)
	}
	return int(n), nil
}

func (r *BackupCodeRepo) MarkUsed(ctx context.Context, codeID string, at time.Time) (bool, error) {
	return consumeOnce(ctx, r.MongoCollection, BackupCodesCollection, bson.M{"code_id": codeID}, "used_at", at)
}

func (r *BackupCodeRepo) ClaimBatch(ctx context.Context, userID string, at time.Time) (bool, error) {
	timer := utils.TrackDBOperation("insert", BackupBatchesCollection)
	defer timer.ObserveDuration()

	_, err := r.Batches.InsertOne(ctx, backupBatch{UserID: userID, CreatedAt: at})
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		utils.TrackError("database", "backup_batch_claim_failed")
		return false, fmt.Errorf("failed to claim backup code batch: %w", err)
	}
	return true, nil
}

func (r *BackupCodeRepo) ReleaseBatch(ctx context.Context, userID string) error {
	timer := utils.TrackDBOperation("delete", BackupCodesCollection)
	defer timer.ObserveDuration()

	if _, err := r.MongoCollection.DeleteMany(ctx, bson.M{"user_id": userID, "used_at": nil}); err != nil {
		utils.TrackError("database", "backup_code_delete_failed")
		return fmt.Errorf("failed to delete unused backup codes: %w", err)
	}
	if _, err := r.Batches.DeleteOne(ctx, bson.M{"user_id": userID}); err != nil {
		utils.TrackError("database", "backup_batch_release_failed")
		return fmt.Errorf("failed to release backup code batch: %w", err)
	}
	return nil
}
