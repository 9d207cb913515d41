package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xray-back/internal/engine"
	"xray-back/internal/logger"
	"xray-back/internal/models"
	"xray-back/internal/storage"
)

func setupDetections(t *testing.T, clf engine.Classifier) (*DetectionService, *ImageService, *models.User) {
	t.Helper()
	db := newTestDB(t)
	images := NewImageService(db, storage.NewMemoryStore(), logger.NewNop())
	detections := newDetections(t, db, clf)
	user := createUser(t, db, "Dr. X", "x@h.com")
	return detections, images, user
}

var validDiseases = []models.DiseaseType{
	models.DiseaseNormal,
	models.DiseasePneumonia,
	models.DiseaseTuberculosis,
	models.DiseaseCovid19,
	models.DiseaseLungCancer,
}

func TestDetectionHappyPath(t *testing.T) {
	detections, images, user := setupDetections(t, nil)
	ctx := context.Background()
	img := createImage(t, images, user.ID, "a.png")

	started, err := detections.Start(ctx, img.ID, "CNN_v1.0", "1.0")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, started.Status)
	assert.Nil(t, started.DetectedDisease)
	assert.False(t, started.ConfidenceScore.Valid)
	assert.Nil(t, started.ProcessingStartedAt)
	assert.Nil(t, started.ProcessingCompletedAt)
	assert.Equal(t, "CNN_v1.0", started.ModelName)
	assert.Equal(t, "1.0", started.ModelVersion)

	done, err := detections.Process(ctx, started.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, done.Status)
	require.NotNil(t, done.DetectedDisease)
	assert.Contains(t, validDiseases, *done.DetectedDisease)
	require.True(t, done.ConfidenceScore.Valid)
	assert.True(t, done.ConfidenceScore.Decimal.GreaterThanOrEqual(decimal.Zero))
	assert.True(t, done.ConfidenceScore.Decimal.LessThanOrEqual(decimal.NewFromInt(1)))
	assert.GreaterOrEqual(t, done.ConfidenceScore.Decimal.Exponent(), int32(-4))
	assert.Equal(t, *done.DetectedDisease != models.DiseaseNormal, done.IsDiseaseDetected)
	require.NotNil(t, done.ProcessingStartedAt)
	require.NotNil(t, done.ProcessingCompletedAt)
	require.NotNil(t, done.ProcessingDurationSeconds)
	assert.Empty(t, done.ErrorMessage)

	var details engine.Details
	require.NoError(t, json.Unmarshal(done.DetectionDetails, &details))
	assert.Equal(t, []string{"left_lung", "right_lung", "heart_area"}, details.RegionsAnalyzed)
	if *done.DetectedDisease == models.DiseaseNormal {
		assert.Empty(t, details.AbnormalRegions)
	} else {
		assert.NotEmpty(t, details.AbnormalRegions)
	}
}

func TestMarkFailed(t *testing.T) {
	detections, images, user := setupDetections(t, nil)
	ctx := context.Background()
	img := createImage(t, images, user.ID, "a.png")

	started, err := detections.Start(ctx, img.ID, "CNN_v1.0", "1.0")
	require.NoError(t, err)

	failed, err := detections.MarkFailed(ctx, started.ID, "corrupt data")
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.Equal(t, "corrupt data", failed.ErrorMessage)
	require.NotNil(t, failed.ProcessingCompletedAt)
	assert.Nil(t, failed.DetectedDisease)
	assert.False(t, failed.ConfidenceScore.Valid)

	// marking an already-failed detection signals terminal state
	_, err = detections.MarkFailed(ctx, started.ID, "again")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)

	// and the original error message survives
	reloaded, err := detections.Get(ctx, started.ID)
	require.NoError(t, err)
	assert.Equal(t, "corrupt data", reloaded.ErrorMessage)
}

func TestTerminalStateIsImmutable(t *testing.T) {
	detections, images, user := setupDetections(t, nil)
	ctx := context.Background()
	img := createImage(t, images, user.ID, "a.png")

	started, err := detections.Start(ctx, img.ID, "CNN_v1.0", "1.0")
	require.NoError(t, err)
	done, err := detections.Process(ctx, started.ID)
	require.NoError(t, err)

	_, err = detections.Process(ctx, started.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = detections.MarkFailed(ctx, started.ID, "too late")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)

	reloaded, err := detections.Get(ctx, started.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, reloaded.Status)
	assert.Equal(t, *done.DetectedDisease, *reloaded.DetectedDisease)
	assert.True(t, done.ConfidenceScore.Decimal.Equal(reloaded.ConfidenceScore.Decimal))
	assert.Empty(t, reloaded.ErrorMessage)
}

func TestProcessRequiresPending(t *testing.T) {
	detections, images, user := setupDetections(t, nil)
	ctx := context.Background()
	img := createImage(t, images, user.ID, "a.png")

	started, err := detections.Start(ctx, img.ID, "CNN_v1.0", "1.0")
	require.NoError(t, err)

	// simulate another pipeline having claimed the detection
	require.NoError(t, detections.db.Model(&models.DiseaseDetection{}).
		Where("id = ?", started.ID).
		Updates(map[string]interface{}{
			"status":                models.StatusProcessing,
			"processing_started_at": time.Now(),
		}).Error)

	_, err = detections.Process(ctx, started.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestClassifierFailureResolvesToFailed(t *testing.T) {
	clf := &stubClassifier{err: errors.New("model exploded")}
	detections, images, user := setupDetections(t, clf)
	ctx := context.Background()
	img := createImage(t, images, user.ID, "a.png")

	started, err := detections.Start(ctx, img.ID, "CNN_v1.0", "1.0")
	require.NoError(t, err)

	failed, err := detections.Process(ctx, started.ID)
	assert.ErrorIs(t, err, ErrClassification)

	// never left mid-flight: the row is terminal with the error preserved
	require.NotNil(t, failed)
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "model exploded")
	require.NotNil(t, failed.ProcessingCompletedAt)
	assert.Nil(t, failed.DetectedDisease)
}

func TestStartUnknownImage(t *testing.T) {
	detections, _, _ := setupDetections(t, nil)
	_, err := detections.Start(context.Background(), 999, "CNN_v1.0", "1.0")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProcessUnknownDetection(t *testing.T) {
	detections, _, _ := setupDetections(t, nil)
	_, err := detections.Process(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReRunsAllowedPerImage(t *testing.T) {
	detections, images, user := setupDetections(t, nil)
	ctx := context.Background()
	img := createImage(t, images, user.ID, "a.png")

	first, err := detections.Start(ctx, img.ID, "CNN_v1.0", "1.0")
	require.NoError(t, err)
	_, err = detections.Process(ctx, first.ID)
	require.NoError(t, err)

	second, err := detections.Start(ctx, img.ID, "CNN_v1.0", "1.1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	runs, err := detections.GetByImage(ctx, img.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestUserHistoryIsolationAndCounts(t *testing.T) {
	detections, images, alice := setupDetections(t, nil)
	ctx := context.Background()
	bob := createUser(t, detections.db, "Bob", "b@h.com")

	a1 := createImage(t, images, alice.ID, "a1.png")
	a2 := createImage(t, images, alice.ID, "a2.png")
	b1 := createImage(t, images, bob.ID, "b1.png")

	var aliceIDs []uint
	for _, img := range []*models.XrayImage{a1, a2} {
		d, err := detections.Start(ctx, img.ID, "CNN_v1.0", "1.0")
		require.NoError(t, err)
		aliceIDs = append(aliceIDs, d.ID)
	}
	bobDet, err := detections.Start(ctx, b1.ID, "CNN_v1.0", "1.0")
	require.NoError(t, err)

	aliceHistory, err := detections.UserHistory(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, aliceHistory, 2)
	for _, r := range aliceHistory {
		assert.Contains(t, aliceIDs, r.DetectionID)
		assert.NotEqual(t, bobDet.ID, r.DetectionID)
	}

	bobHistory, err := detections.UserHistory(ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, bobHistory, 1)
	assert.Equal(t, bobDet.ID, bobHistory[0].DetectionID)

	// unknown user: empty, not an error
	empty, err := detections.UserHistory(ctx, 999)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestUserHistoryNewestFirstWithFilenames(t *testing.T) {
	detections, images, user := setupDetections(t, nil)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	var ids []uint
	for i, name := range []string{"first.png", "second.png", "third.png"} {
		img := createImage(t, images, user.ID, name)
		d, err := detections.Start(ctx, img.ID, "CNN_v1.0", "1.0")
		require.NoError(t, err)
		// spread creation times so ordering is unambiguous
		require.NoError(t, detections.db.Model(&models.DiseaseDetection{}).
			Where("id = ?", d.ID).
			Update("created_at", base.Add(time.Duration(i)*time.Minute)).Error)
		ids = append(ids, d.ID)
	}

	history, err := detections.UserHistory(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)

	assert.Equal(t, ids[2], history[0].DetectionID)
	assert.Equal(t, "third.png", history[0].Filename)
	assert.Equal(t, ids[1], history[1].DetectionID)
	assert.Equal(t, "second.png", history[1].Filename)
	assert.Equal(t, ids[0], history[2].DetectionID)
	assert.Equal(t, "first.png", history[2].Filename)
}

func TestAuditTrailRecordsTransitions(t *testing.T) {
	detections, images, user := setupDetections(t, nil)
	ctx := context.Background()
	img := createImage(t, images, user.ID, "a.png")

	started, err := detections.Start(ctx, img.ID, "CNN_v1.0", "1.0")
	require.NoError(t, err)
	_, err = detections.Process(ctx, started.ID)
	require.NoError(t, err)

	trail, err := detections.History(ctx, started.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, models.StatusPending, trail[0].StatusFrom)
	assert.Equal(t, models.StatusProcessing, trail[0].StatusTo)
	assert.Equal(t, models.StatusProcessing, trail[1].StatusFrom)
	assert.Equal(t, models.StatusCompleted, trail[1].StatusTo)
}

func TestSweepStaleFailsStuckProcessing(t *testing.T) {
	detections, images, user := setupDetections(t, nil)
	ctx := context.Background()
	img := createImage(t, images, user.ID, "a.png")

	started, err := detections.Start(ctx, img.ID, "CNN_v1.0", "1.0")
	require.NoError(t, err)

	// a pipeline that died mid-processing two hours ago
	require.NoError(t, detections.db.Model(&models.DiseaseDetection{}).
		Where("id = ?", started.ID).
		Updates(map[string]interface{}{
			"status":                models.StatusProcessing,
			"processing_started_at": time.Now().Add(-2 * time.Hour),
		}).Error)

	swept, err := detections.SweepStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	reloaded, err := detections.Get(ctx, started.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, reloaded.Status)
	assert.Equal(t, "processing timed out", reloaded.ErrorMessage)

	// fresh processing rows are left alone
	swept, err = detections.SweepStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, swept)
}

func TestFieldPresenceByState(t *testing.T) {
	detections, images, user := setupDetections(t, nil)
	ctx := context.Background()

	completedImg := createImage(t, images, user.ID, "completed.png")
	failedImg := createImage(t, images, user.ID, "failed.png")
	pendingImg := createImage(t, images, user.ID, "pending.png")

	completed, err := detections.Start(ctx, completedImg.ID, "CNN_v1.0", "1.0")
	require.NoError(t, err)
	_, err = detections.Process(ctx, completed.ID)
	require.NoError(t, err)

	failed, err := detections.Start(ctx, failedImg.ID, "CNN_v1.0", "1.0")
	require.NoError(t, err)
	_, err = detections.MarkFailed(ctx, failed.ID, "oops")
	require.NoError(t, err)

	_, err = detections.Start(ctx, pendingImg.ID, "CNN_v1.0", "1.0")
	require.NoError(t, err)

	var all []models.DiseaseDetection
	require.NoError(t, detections.db.Find(&all).Error)
	require.Len(t, all, 3)

	for _, d := range all {
		switch d.Status {
		case models.StatusPending:
			assert.Nil(t, d.DetectedDisease)
			assert.False(t, d.ConfidenceScore.Valid)
			assert.Nil(t, d.ProcessingStartedAt)
			assert.Nil(t, d.ProcessingCompletedAt)
			assert.Empty(t, d.ErrorMessage)
		case models.StatusCompleted:
			assert.NotNil(t, d.DetectedDisease)
			assert.True(t, d.ConfidenceScore.Valid)
			assert.NotNil(t, d.ProcessingCompletedAt)
			assert.Empty(t, d.ErrorMessage)
			assert.Equal(t, *d.DetectedDisease != models.DiseaseNormal, d.IsDiseaseDetected)
		case models.StatusFailed:
			assert.Nil(t, d.DetectedDisease)
			assert.False(t, d.ConfidenceScore.Valid)
			assert.NotNil(t, d.ProcessingCompletedAt)
			assert.NotEmpty(t, d.ErrorMessage)
			assert.False(t, d.IsDiseaseDetected)
		default:
			t.Fatalf("unexpected status %s", d.Status)
		}
	}
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, models.CanTransition(models.StatusPending, models.StatusProcessing))
	assert.True(t, models.CanTransition(models.StatusPending, models.StatusFailed))
	assert.True(t, models.CanTransition(models.StatusProcessing, models.StatusCompleted))
	assert.True(t, models.CanTransition(models.StatusProcessing, models.StatusFailed))

	assert.False(t, models.CanTransition(models.StatusPending, models.StatusCompleted))
	assert.False(t, models.CanTransition(models.StatusCompleted, models.StatusProcessing))
	assert.False(t, models.CanTransition(models.StatusCompleted, models.StatusFailed))
	assert.False(t, models.CanTransition(models.StatusFailed, models.StatusProcessing))
	assert.False(t, models.CanTransition(models.StatusFailed, models.StatusCompleted))
	assert.False(t, models.CanTransition(models.StatusProcessing, models.StatusPending))
}
