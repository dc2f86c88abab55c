package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"accountguard/model"
	"accountguard/utils"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type DeviceRepo struct {
	MongoCollection *mongo.Collection
}

func NewDeviceRepo(db *mongo.Database) *DeviceRepo {
	return &DeviceRepo{MongoCollection: db.Collection(DevicesCollection)}
}

// FindOrCreate upserts on the identity tuple and refreshes the IP.
func (r *DeviceRepo) FindOrCreate(ctx context.Context, d *model.Device) (*model.Device, error) {
	timer := utils.TrackDBOperation("upsert", DevicesCollection)
	defer timer.ObserveDuration()

	if d == nil || d.UserID == "" {
		utils.TrackError("database", "invalid_device_data")
		return nil, fmt.Errorf("device must have an owner")
	}

	now := time.Now().UTC()
	filter := bson.M{
		"user_id":     d.UserID,
		"device_name": d.DeviceName,
		"browser":     d.Browser,
		"os":          d.OS,
	}
	update := bson.M{
		"$set": bson.M{
			"ip_address": d.IPAddress,
			"updated_at": now,
		},
		"$setOnInsert": bson.M{
			"device_id":  utils.NewID(),
			"created_at": now,
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var device model.Device
	err := r.MongoCollection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&device)
	if mongo.IsDuplicateKeyError(err) {
		// lost a concurrent upsert; the row exists now
		err = r.MongoCollection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&device)
	}
	if err != nil {
		utils.TrackError("database", "device_upsert_failed")
		return nil, fmt.Errorf("failed to upsert device: %w", err)
	}
	return &device, nil
}

func (r *DeviceRepo) FindByIDs(ctx context.Context, ids []string) ([]*model.Device, error) {
	timer := utils.TrackDBOperation("find", DevicesCollection)
	defer timer.ObserveDuration()

	if len(ids) == 0 {
		return nil, nil
	}

	cursor, err := r.MongoCollection.Find(ctx, bson.M{"device_id": bson.M{"$in": ids}})
	if err != nil {
		utils.TrackError("database", "device_fetch_failed")
		return nil, fmt.Errorf("failed to fetch devices: %w", err)
	}
	defer cursor.Close(ctx)

	var devices []*model.Device
	if err := cursor.All(ctx, &devices); err != nil {
		utils.TrackError("database", "device_decode_failed")
		return nil, fmt.Errorf("failed to decode devices: %w", err)
	}
	return devices, nil
}

// findOne decodes a single document into out and reports whether it existed.
func findOne(ctx context.Context, coll *mongo.Collection, filter interface{}, out interface{}, opts ...*options.FindOneOptions) (bool, error) {
	err := coll.FindOne(ctx, filter, opts...).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
