package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"xray-back/internal/cache"
	"xray-back/internal/engine"
	"xray-back/internal/logger"
	"xray-back/internal/models"
)

// DetectionService owns the detection lifecycle state machine:
//
//	pending → processing → completed
//	pending|processing → failed
//
// Completed and failed are terminal. Every transition commits atomically
// with its stamped fields and an audit row, so readers never observe a
// half-written state.
type DetectionService struct {
	db         *gorm.DB
	classifier engine.Classifier
	cache      *cache.Cache
	log        *logger.Logger

	// delay simulates inference latency inside Process. Zero in tests.
	delay time.Duration
}

func NewDetectionService(db *gorm.DB, classifier engine.Classifier, c *cache.Cache, log *logger.Logger, delay time.Duration) *DetectionService {
	return &DetectionService{
		db:         db,
		classifier: classifier,
		cache:      c,
		log:        log.With("service", "detections"),
		delay:      delay,
	}
}

// Start creates a detection in pending state for an existing image.
// processing_started_at stays unset until Process claims the detection.
func (s *DetectionService) Start(ctx context.Context, imageID uint, modelName, modelVersion string) (*models.DiseaseDetection, error) {
	var img models.XrayImage
	if err := s.db.WithContext(ctx).First(&img, imageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: image %d", ErrNotFound, imageID)
		}
		return nil, err
	}

	detection := models.DiseaseDetection{
		XrayImageID:  imageID,
		Status:       models.StatusPending,
		ModelName:    modelName,
		ModelVersion: modelVersion,
	}
	if err := s.db.WithContext(ctx).Create(&detection).Error; err != nil {
		return nil, err
	}

	s.cache.InvalidateHistory(ctx, img.UserID)
	s.log.Info("detection started", "detection_id", detection.ID, "image_id", imageID)
	return &detection, nil
}

// Process runs the full pipeline for a pending detection: claim it as
// processing, invoke the classifier, and commit the result. A classifier
// error is always resolved into a failed state, never left mid-flight.
// A concurrent caller loses the claim and gets ErrInvalidTransition.
func (s *DetectionService) Process(ctx context.Context, detectionID uint) (*models.DiseaseDetection, error) {
	_, userID, err := s.getWithOwner(ctx, detectionID)
	if err != nil {
		return nil, err
	}

	startedAt := time.Now()
	err = s.transition(ctx, detectionID, models.StatusPending, models.StatusProcessing, map[string]interface{}{
		"processing_started_at": startedAt,
	}, "")
	if err != nil {
		return nil, err
	}
	s.cache.InvalidateHistory(ctx, userID)

	// Suspension point standing in for real inference latency.
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return s.failAfterEngine(detectionID, userID, ctx.Err())
		}
	}

	result, err := s.classifier.Classify(ctx)
	if err != nil {
		return s.failAfterEngine(detectionID, userID, err)
	}

	completedAt := time.Now()
	duration := int(completedAt.Sub(startedAt).Seconds())
	details, err := json.Marshal(result.Details)
	if err != nil {
		return s.failAfterEngine(detectionID, userID, err)
	}

	err = s.transition(ctx, detectionID, models.StatusProcessing, models.StatusCompleted, map[string]interface{}{
		"detected_disease":            result.Disease,
		"confidence_score":            decimal.NullDecimal{Decimal: result.Confidence, Valid: true},
		"is_disease_detected":         result.Disease != models.DiseaseNormal,
		"processing_completed_at":     completedAt,
		"processing_duration_seconds": duration,
		"detection_details":           datatypes.JSON(details),
	}, "")
	if err != nil {
		return nil, err
	}
	s.cache.InvalidateHistory(ctx, userID)

	var completed models.DiseaseDetection
	if err := s.db.WithContext(ctx).First(&completed, detectionID).Error; err != nil {
		return nil, err
	}
	s.log.Info("detection completed",
		"detection_id", detectionID,
		"disease", result.Disease,
		"confidence", result.Confidence.String(),
	)
	return &completed, nil
}

// failAfterEngine routes an engine failure into a terminal failed state.
// Uses a fresh context: the caller's may already be dead.
func (s *DetectionService) failAfterEngine(detectionID uint, userID uint, cause error) (*models.DiseaseDetection, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	detection, ferr := s.MarkFailed(ctx, detectionID, cause.Error())
	if ferr != nil {
		s.log.Error("could not mark detection failed",
			"detection_id", detectionID, "cause", cause, "error", ferr)
		return nil, fmt.Errorf("%w: %v", ErrClassification, cause)
	}
	s.cache.InvalidateHistory(ctx, userID)
	return detection, fmt.Errorf("%w: %v", ErrClassification, cause)
}

// MarkFailed moves a non-terminal detection to failed, stamping the error
// message and completion time. Result fields stay unset. Calling it on a
// terminal detection returns ErrAlreadyTerminal and mutates nothing.
func (s *DetectionService) MarkFailed(ctx context.Context, detectionID uint, errorMessage string) (*models.DiseaseDetection, error) {
	detection, userID, err := s.getWithOwner(ctx, detectionID)
	if err != nil {
		return nil, err
	}
	if detection.Status.Terminal() {
		return nil, fmt.Errorf("%w: detection %d is %s", ErrAlreadyTerminal, detectionID, detection.Status)
	}

	err = s.transition(ctx, detectionID, detection.Status, models.StatusFailed, map[string]interface{}{
		"error_message":           errorMessage,
		"processing_completed_at": time.Now(),
	}, errorMessage)
	if err != nil {
		return nil, err
	}
	s.cache.InvalidateHistory(ctx, userID)

	var failed models.DiseaseDetection
	if err := s.db.WithContext(ctx).First(&failed, detectionID).Error; err != nil {
		return nil, err
	}
	s.log.Warn("detection failed", "detection_id", detectionID, "error", errorMessage)
	return &failed, nil
}

// Get returns a detection by id.
func (s *DetectionService) Get(ctx context.Context, detectionID uint) (*models.DiseaseDetection, error) {
	var detection models.DiseaseDetection
	if err := s.db.WithContext(ctx).First(&detection, detectionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: detection %d", ErrNotFound, detectionID)
		}
		return nil, err
	}
	return &detection, nil
}

// GetByImage returns all detections recorded against one image. Re-runs
// are allowed, so this can be more than one.
func (s *DetectionService) GetByImage(ctx context.Context, imageID uint) ([]models.DiseaseDetection, error) {
	var detections []models.DiseaseDetection
	err := s.db.WithContext(ctx).
		Where("xray_image_id = ?", imageID).
		Order("created_at DESC").
		Find(&detections).Error
	if err != nil {
		return nil, err
	}
	return detections, nil
}

// UserHistory lists all detection results for images owned by userID,
// newest first. Detections of other users never appear.
func (s *DetectionService) UserHistory(ctx context.Context, userID uint) ([]models.DetectionResult, error) {
	if results, ok := s.cache.GetHistory(ctx, userID); ok {
		return results, nil
	}

	var results []models.DetectionResult
	err := s.db.WithContext(ctx).
		Table("disease_detections").
		Select(`disease_detections.id AS detection_id,
			disease_detections.xray_image_id,
			xray_images.original_filename AS filename,
			disease_detections.status,
			disease_detections.detected_disease,
			disease_detections.confidence_score,
			disease_detections.is_disease_detected,
			disease_detections.processing_completed_at,
			disease_detections.created_at`).
		Joins("JOIN xray_images ON xray_images.id = disease_detections.xray_image_id").
		Where("xray_images.user_id = ?", userID).
		Order("disease_detections.created_at DESC").
		Scan(&results).Error
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []models.DetectionResult{}
	}

	s.cache.SetHistory(ctx, userID, results)
	return results, nil
}

// History returns the transition audit trail for one detection.
func (s *DetectionService) History(ctx context.Context, detectionID uint) ([]models.DetectionHistory, error) {
	var entries []models.DetectionHistory
	err := s.db.WithContext(ctx).
		Where("detection_id = ?", detectionID).
		Order("id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// SweepStale fails processing detections whose pipeline apparently died,
// so no row stays stuck in processing forever. Returns how many were
// swept.
func (s *DetectionService) SweepStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	var stale []models.DiseaseDetection
	err := s.db.WithContext(ctx).
		Where("status = ? AND processing_started_at < ?", models.StatusProcessing, cutoff).
		Find(&stale).Error
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, d := range stale {
		if _, err := s.MarkFailed(ctx, d.ID, "processing timed out"); err != nil {
			// Lost a race with the pipeline finishing; fine either way.
			if errors.Is(err, ErrAlreadyTerminal) || errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return swept, err
		}
		swept++
	}
	return swept, nil
}

// RunSweeper drives SweepStale on a ticker until ctx is cancelled.
func (s *DetectionService) RunSweeper(ctx context.Context, interval, olderThan time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SweepStale(ctx, olderThan); err != nil {
				s.log.Error("stale detection sweep failed", "error", err)
			} else if n > 0 {
				s.log.Warn("swept stale detections", "count", n)
			}
		}
	}
}

// transition performs one status-guarded lifecycle step: the update only
// lands if the row is still in `from`, and the audit row commits in the
// same transaction. RowsAffected 0 means someone else moved it first.
func (s *DetectionService) transition(ctx context.Context, detectionID uint, from, to models.DetectionStatus, fields map[string]interface{}, note string) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"status":     to,
			"updated_at": time.Now(),
		}
		for k, v := range fields {
			updates[k] = v
		}

		res := tx.Model(&models.DiseaseDetection{}).
			Where("id = ? AND status = ?", detectionID, from).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var current models.DiseaseDetection
			if err := tx.First(&current, detectionID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("%w: detection %d", ErrNotFound, detectionID)
				}
				return err
			}
			return fmt.Errorf("%w: detection %d is %s, expected %s",
				ErrInvalidTransition, detectionID, current.Status, from)
		}

		audit := models.DetectionHistory{
			DetectionID: detectionID,
			StatusFrom:  from,
			StatusTo:    to,
			Notes:       note,
		}
		return tx.Create(&audit).Error
	})
}

// getWithOwner loads a detection and the user id owning its image.
func (s *DetectionService) getWithOwner(ctx context.Context, detectionID uint) (*models.DiseaseDetection, uint, error) {
	var detection models.DiseaseDetection
	err := s.db.WithContext(ctx).Preload("XrayImage").First(&detection, detectionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, 0, fmt.Errorf("%w: detection %d", ErrNotFound, detectionID)
		}
		return nil, 0, err
	}
	return &detection, detection.XrayImage.UserID, nil
}
