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

type FactorRepo struct {
	MongoCollection *mongo.Collection
}

func NewFactorRepo(db *mongo.Database) *FactorRepo {
	return &FactorRepo{MongoCollection: db.Collection(FactorsCollection)}
}

func (r *FactorRepo) Insert(ctx context.Context, f *model.Factor) error {
	timer := utils.TrackDBOperation("insert", FactorsCollection)
	defer timer.ObserveDuration()

	if _, err := r.MongoCollection.InsertOne(ctx, f); err != nil {
		utils.TrackError("database", "factor_insert_failed")
		return fmt.Errorf("failed to store factor: %w", err)
	}
	return nil
}

func (r *FactorRepo) FindByID(ctx context.Context, factorID string) (*model.Factor, error) {
	timer := utils.TrackDBOperation("find", FactorsCollection)
	defer timer.ObserveDuration()

	var factor model.Factor
	found, err := findOne(ctx, r.MongoCollection, bson.M{"factor_id": factorID}, &factor)
	if err != nil {
		utils.TrackError("database", "factor_fetch_failed")
		return nil, fmt.Errorf("failed to fetch factor: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &factor, nil
}

func (r *FactorRepo) ListByUser(ctx context.Context, userID string) ([]*model.Factor, error) {
	timer := utils.TrackDBOperation("find", FactorsCollection)
	defer timer.ObserveDuration()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := r.MongoCollection.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		utils.TrackError("database", "factor_list_failed")
		return nil, fmt.Errorf("failed to list factors: %w", err)
	}
	defer cursor.Close(ctx)

	var factors []*model.Factor
	if err := cursor.All(ctx, &factors); err != nil {
		return nil, fmt.Errorf("failed to decode factors: %w", err)
	}
	return factors, nil
}

func (r *FactorRepo) MarkVerified(ctx context.Context, factorID string, at time.Time) (bool, error) {
	return r.conditionalSet(ctx,
		bson.M{"factor_id": factorID, "verified": false},
		bson.M{"verified": true, "verified_at": at},
	)
}

func (r *FactorRepo) AdvanceTOTPStep(ctx context.Context, factorID string, step uint64) (bool, error) {
	return r.conditionalSet(ctx,
		bson.M{"factor_id": factorID, "last_totp_step": bson.M{"$lt": int64(step)}},
		bson.M{"last_totp_step": int64(step)},
	)
}

func (r *FactorRepo) conditionalSet(ctx context.Context, filter, set bson.M) (bool, error) {
	timer := utils.TrackDBOperation("update", FactorsCollection)
	defer timer.ObserveDuration()

	res, err := r.MongoCollection.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		utils.TrackError("database", "factor_update_failed")
		return false, fmt.Errorf("failed to update factor: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

func (r *FactorRepo) DeleteOwned(ctx context.Context, factorID, userID string) (bool, error) {
	timer := utils.TrackDBOperation("delete", FactorsCollection)
	defer timer.ObserveDuration()

	res, err := r.MongoCollection.DeleteOne(ctx, bson.M{"factor_id": factorID, "user_id": userID})
	if err != nil {
		utils.TrackError("database", "factor_delete_failed")
		return false, fmt.Errorf("failed to delete factor: %w", err)
	}
	return res.DeletedCount == 1, nil
}
