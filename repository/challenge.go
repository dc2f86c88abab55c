package repository

import (
	"context"
	"fmt"
	"time"

	"accountguard/model"
	"accountguard/utils"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

type ChallengeRepo struct {
	MongoCollection *mongo.Collection
}

func NewChallengeRepo(db *mongo.Database) *ChallengeRepo {
	return &ChallengeRepo{MongoCollection: db.Collection(ChallengesCollection)}
}

func (r *ChallengeRepo) Insert(ctx context.Context, c *model.Challenge) error {
	timer := utils.TrackDBOperation("insert", ChallengesCollection)
	defer timer.ObserveDuration()

	if _, err := r.MongoCollection.InsertOne(ctx, c); err != nil {
		utils.TrackError("database", "challenge_insert_failed")
		return fmt.Errorf("failed to store challenge: %w", err)
	}
	return nil
}

func (r *ChallengeRepo) FindByID(ctx context.Context, challengeID string) (*model.Challenge, error) {
	timer := utils.TrackDBOperation("find", ChallengesCollection)
	defer timer.ObserveDuration()

	var ch model.Challenge
	found, err := findOne(ctx, r.MongoCollection, bson.M{"challenge_id": challengeID}, &ch)
	if err != nil {
		utils.TrackError("database", "challenge_fetch_failed")
		return nil, fmt.Errorf("failed to fetch challenge: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &ch, nil
}

func (r *ChallengeRepo) Consume(ctx context.Context, challengeID string, at time.Time) (bool, error) {
	return consumeOnce(ctx, r.MongoCollection, ChallengesCollection, bson.M{"challenge_id": challengeID}, "consumed_at", at)
}
