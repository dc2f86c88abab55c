package repository

import (
	"context"
	"fmt"

	"accountguard/model"
	"accountguard/utils"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EventRepo is append-only: there is no update or delete path.
type EventRepo struct {
	MongoCollection *mongo.Collection
}

func NewEventRepo(db *mongo.Database) *EventRepo {
	return &EventRepo{MongoCollection: db.Collection(AccountEventsCollection)}
}

func (r *EventRepo) Append(ctx context.Context, e *model.AccountEvent) error {
	timer := utils.TrackDBOperation("insert", AccountEventsCollection)
	defer timer.ObserveDuration()

	if _, err := r.MongoCollection.InsertOne(ctx, e); err != nil {
		utils.TrackError("database", "event_insert_failed")
		return fmt.Errorf("failed to append account event: %w", err)
	}
	return nil
}

func (r *EventRepo) Latest(ctx context.Context, userID string) (*model.AccountEvent, error) {
	timer := utils.TrackDBOperation("find", AccountEventsCollection)
	defer timer.ObserveDuration()

	var event model.AccountEvent
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	found, err := findOne(ctx, r.MongoCollection, bson.M{"user_id": userID}, &event, opts)
	if err != nil {
		utils.TrackError("database", "event_fetch_failed")
		return nil, fmt.Errorf("failed to fetch latest account event: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &event, nil
}
