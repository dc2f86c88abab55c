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

type VerificationCodeRepo struct {
	MongoCollection *mongo.Collection
}

func NewVerificationCodeRepo(db *mongo.Database) *VerificationCodeRepo {
	return &VerificationCodeRepo{MongoCollection: db.Collection(VerificationCodesCollection)}
}

func (r *VerificationCodeRepo) Insert(ctx context.Context, c *model.VerificationCode) error {
	timer := utils.TrackDBOperation("insert", VerificationCodesCollection)
	defer timer.ObserveDuration()

	if _, err := r.MongoCollection.InsertOne(ctx, c); err != nil {
		utils.TrackError("database", "verification_code_insert_failed")
		return fmt.Errorf("failed to store verification code: %w", err)
	}
	return nil
}

func (r *VerificationCodeRepo) LatestActive(ctx context.Context, sessionID string, now time.Time) (*model.VerificationCode, error) {
	timer := utils.TrackDBOperation("find", VerificationCodesCollection)
	defer timer.ObserveDuration()

	filter := bson.M{
		"device_session_id": sessionID,
		"consumed_at":       nil,
		"expires_at":        bson.M{"$gt": now},
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})

	var code model.VerificationCode
	found, err := findOne(ctx, r.MongoCollection, filter, &code, opts)
	if err != nil {
		utils.TrackError("database", "verification_code_fetch_failed")
		return nil, fmt.Errorf("failed to fetch verification code: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &code, nil
}

func (r *VerificationCodeRepo) Consume(ctx context.Context, codeID string, at time.Time) (bool, error) {
	return consumeOnce(ctx, r.MongoCollection, VerificationCodesCollection, bson.M{"code_id": codeID}, "consumed_at", at)
}

// consumeOnce sets field to at only if it is still unset. It reports whether
// this call was the one that set it.
func consumeOnce(ctx context.Context, coll *mongo.Collection, name string, filter bson.M, field string, at time.Time) (bool, error) {
	timer := utils.TrackDBOperation("update", name)
	defer timer.ObserveDuration()

	filter[field] = nil
	res, err := coll.UpdateOne(ctx, filter, bson.M{"$set": bson.M{field: at}})
	if err != nil {
		utils.TrackError("database", name+"_consume_failed")
		return false, fmt.Errorf("failed to update %s: %w", name, err)
	}
	return res.ModifiedCount == 1, nil
}
