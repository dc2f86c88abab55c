package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"accountguard/model"
	"accountguard/services"
	"accountguard/utils"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// SessionRepo stores device sessions. Lookups by token hash go through the
// Redis cache when one is configured; every mutation evicts the entry.
type SessionRepo struct {
	MongoCollection *mongo.Collection
	cache           *services.SessionCache
	log             *zap.Logger
}

func NewSessionRepo(db *mongo.Database, cache *services.SessionCache, log *zap.Logger) *SessionRepo {
	return &SessionRepo{
		MongoCollection: db.Collection(DeviceSessionsCollection),
		cache:           cache,
		log:             log,
	}
}

func (r *SessionRepo) Insert(ctx context.Context, session *model.DeviceSession) error {
	timer := utils.TrackDBOperation("insert", DeviceSessionsCollection)
	defer timer.ObserveDuration()

	if session == nil || session.SessionID == "" || session.UserID == "" || session.TokenHash == "" {
		utils.TrackError("database", "invalid_session_data")
		return fmt.Errorf("invalid session data: missing required fields")
	}

	if _, err := r.MongoCollection.InsertOne(ctx, session); err != nil {
		utils.TrackError("database", "session_creation_failed")
		return fmt.Errorf("failed to create session in database: %w", err)
	}
	return nil
}

func (r *SessionRepo) FindByTokenHash(ctx context.Context, tokenHash string) (*model.DeviceSession, error) {
	if r.cache != nil {
		session, err := r.cache.GetSession(ctx, tokenHash)
		if err != nil {
			utils.TrackError("cache", "session_cache_get_failed")
			r.log.Warn("session cache read failed", zap.Error(err))
		}
		if session != nil {
			utils.TrackCacheOperation("session", true)
			return session, nil
		}
		utils.TrackCacheOperation("session", false)
	}

	timer := utils.TrackDBOperation("find", DeviceSessionsCollection)
	defer timer.ObserveDuration()

	var session model.DeviceSession
	found, err := findOne(ctx, r.MongoCollection, bson.M{"token_hash": tokenHash}, &session)
	if err != nil {
		utils.TrackError("database", "session_fetch_failed")
		return nil, fmt.Errorf("failed to fetch session from database: %w", err)
	}
	if !found {
		return nil, nil
	}

	if r.cache != nil && session.ExpiresAt.After(time.Now()) {
		if err := r.cache.SetSession(ctx, &session); err != nil {
			utils.TrackError("cache", "session_cache_set_failed")
			r.log.Warn("failed to cache session", zap.Error(err))
		}
	}
	return &session, nil
}

func (r *SessionRepo) FindByID(ctx context.Context, sessionID string) (*model.DeviceSession, error) {
	timer := utils.TrackDBOperation("find", DeviceSessionsCollection)
	defer timer.ObserveDuration()

	var session model.DeviceSession
	found, err := findOne(ctx, r.MongoCollection, bson.M{"session_id": sessionID}, &session)
	if err != nil {
		utils.TrackError("database", "session_fetch_failed")
		return nil, fmt.Errorf("failed to fetch session from database: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &session, nil
}

func (r *SessionRepo) list(ctx context.Context, filter bson.M, sort bson.D) ([]*model.DeviceSession, error) {
	timer := utils.TrackDBOperation("find", DeviceSessionsCollection)
	defer timer.ObserveDuration()

	cursor, err := r.MongoCollection.Find(ctx, filter, options.Find().SetSort(sort))
	if err != nil {
		utils.TrackError("database", "session_list_failed")
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer cursor.Close(ctx)

	var sessions []*model.DeviceSession
	if err := cursor.All(ctx, &sessions); err != nil {
		utils.TrackError("database", "session_decode_failed")
		return nil, fmt.Errorf("failed to decode sessions: %w", err)
	}
	return sessions, nil
}

func (r *SessionRepo) ListByUser(ctx context.Context, userID string, order model.SessionOrder) ([]*model.DeviceSession, error) {
	sort := bson.D{{Key: "created_at", Value: -1}, {Key: "session_id", Value: 1}}
	if order == model.OrderByLastActive {
		sort = bson.D{{Key: "last_active", Value: -1}, {Key: "session_id", Value: 1}}
	}
	return r.list(ctx, bson.M{"user_id": userID}, sort)
}

func (r *SessionRepo) ListTrusted(ctx context.Context, userID string, now time.Time) ([]*model.DeviceSession, error) {
	return r.list(ctx, bson.M{
		"user_id":    userID,
		"is_trusted": true,
		"expires_at": bson.M{"$gt": now},
	}, bson.D{{Key: "session_id", Value: 1}})
}

func (r *SessionRepo) DeleteOwned(ctx context.Context, sessionID, userID string) (bool, error) {
	timer := utils.TrackDBOperation("delete", DeviceSessionsCollection)
	defer timer.ObserveDuration()

	var deleted model.DeviceSession
	found, err := r.findOneAndDelete(ctx, bson.M{"session_id": sessionID, "user_id": userID}, &deleted)
	if err != nil {
		utils.TrackError("database", "session_delete_failed")
		return false, fmt.Errorf("failed to delete session: %w", err)
	}
	if found {
		r.evict(ctx, deleted.TokenHash)
	}
	return found, nil
}

func (r *SessionRepo) findOneAndDelete(ctx context.Context, filter bson.M, out interface{}) (bool, error) {
	err := r.MongoCollection.FindOneAndDelete(ctx, filter).Decode(out)
	if err == mongo.ErrNoDocuments {
		return false, nil
	}
	return err == nil, err
}

func (r *SessionRepo) Touch(ctx context.Context, sessionID string, at time.Time) error {
	_, err := r.update(ctx, bson.M{"session_id": sessionID, "last_active": bson.M{"$lt": at}}, bson.M{
		"$set": bson.M{"last_active": at},
	})
	return err
}

func (r *SessionRepo) ApplyVerification(ctx context.Context, sessionID string, v model.SessionVerification) (*model.DeviceSession, error) {
	set := bson.M{
		"last_verified":                  v.VerifiedAt,
		"last_sensitive_verification_at": v.VerifiedAt,
	}
	if v.RaiseToAAL2 {
		set["aal"] = model.AAL2
	}
	if v.MarkTrusted {
		set["is_trusted"] = true
		set["needs_verification"] = false
	}
	return r.update(ctx, bson.M{"session_id": sessionID}, bson.M{"$set": set})
}

// ApplyClientPatch writes only client-mutable fields. Anything else is
// rejected before reaching the database.
func (r *SessionRepo) ApplyClientPatch(ctx context.Context, sessionID, userID string, patch map[string]any) (*model.DeviceSession, error) {
	if err := model.CheckClientPatch(patch); err != nil {
		return nil, err
	}

	set := bson.M{}
	for field := range model.ClientMutableSessionFields {
		if value, ok := patch[field]; ok {
			set[field] = value
		}
	}
	if name, ok := set["display_name"].(string); ok {
		set["display_name"] = strings.TrimSpace(name)
	}
	return r.update(ctx, bson.M{"session_id": sessionID, "user_id": userID}, bson.M{"$set": set})
}

func (r *SessionRepo) update(ctx context.Context, filter, update bson.M) (*model.DeviceSession, error) {
	timer := utils.TrackDBOperation("update", DeviceSessionsCollection)
	defer timer.ObserveDuration()

	var session model.DeviceSession
	err := r.MongoCollection.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&session)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		utils.TrackError("database", "session_update_failed")
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	r.evict(ctx, session.TokenHash)
	return &session, nil
}

func (r *SessionRepo) evict(ctx context.Context, tokenHash string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.DeleteSession(ctx, tokenHash); err != nil {
		utils.TrackError("cache", "session_cache_delete_failed")
		r.log.Warn("failed to evict cached session", zap.Error(err))
	}
}
