package repository

import (
	"accountguard/repository/memstore"
	"accountguard/services"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

// NewMongoStores wires every Mongo repository. cache may be nil.
func NewMongoStores(db *mongo.Database, cache *services.SessionCache, log *zap.Logger) services.Stores {
	return services.Stores{
		Devices:           NewDeviceRepo(db),
		Sessions:          NewSessionRepo(db, cache, log),
		VerificationCodes: NewVerificationCodeRepo(db),
		BackupCodes:       NewBackupCodeRepo(db),
		Factors:           NewFactorRepo(db),
		Challenges:        NewChallengeRepo(db),
		Events:            NewEventRepo(db),
		Users:             NewUserRepo(db),
	}
}

// NewMemoryStores exposes an in-process store through the same interfaces.
func NewMemoryStores(m *memstore.Store) services.Stores {
	return services.Stores{
		Devices:           m.Devices,
		Sessions:          m.Sessions,
		VerificationCodes: m.VerificationCodes,
		BackupCodes:       m.BackupCodes,
		Factors:           m.Factors,
		Challenges:        m.Challenges,
		Events:            m.Events,
		Users:             m.Users,
	}
}
