package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"xray-back/internal/database"
	"xray-back/internal/engine"
	"xray-back/internal/logger"
	"xray-back/internal/models"
)

// newTestDB opens an in-memory sqlite database with the full schema.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	// A single connection keeps every session on the same in-memory DB.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.MigrateDB(db))
	return db
}

// stubClassifier returns a fixed outcome, or a fixed error.
type stubClassifier struct {
	result *engine.Result
	err    error
}

func (s *stubClassifier) Classify(context.Context) (*engine.Result, error) {
	return s.result, s.err
}

func newDetections(t *testing.T, db *gorm.DB, clf engine.Classifier) *DetectionService {
	t.Helper()
	if clf == nil {
		clf = engine.NewSimulated(1)
	}
	return NewDetectionService(db, clf, nil, logger.NewNop(), 0)
}

func createUser(t *testing.T, db *gorm.DB, name, email string) *models.User {
	t.Helper()
	user, err := NewUserService(db, logger.NewNop()).Create(context.Background(), name, email, nil)
	require.NoError(t, err)
	return user
}

func createImage(t *testing.T, images *ImageService, userID uint, filename string) *models.XrayImage {
	t.Helper()
	img, err := images.Save(context.Background(), []byte("fake image bytes "+filename), filename, userID)
	require.NoError(t, err)
	return img
}
