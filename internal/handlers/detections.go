package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"xray-back/internal/config"
	"xray-back/internal/logger"
	"xray-back/internal/service"
)

// StartDetection records a new pending detection against an existing
// image (re-runs are allowed) and dispatches processing.
func StartDetection(detections *service.DetectionService, cfg *config.DetectionConfig, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		imageID, ok := paramID(c, "id")
		if !ok {
			return
		}

		detection, err := detections.Start(c.Request.Context(), imageID, cfg.ModelName, cfg.ModelVersion)
		if err != nil {
			respondError(c, err)
			return
		}

		go func() {
			if _, err := detections.Process(context.Background(), detection.ID); err != nil {
				log.Error("detection processing failed",
					"detection_id", detection.ID, "error", err)
			}
		}()

		c.JSON(http.StatusAccepted, detection)
	}
}

func GetDetection(detections *service.DetectionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		detection, err := detections.Get(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, detection)
	}
}

// ListImageDetections returns every detection run against one image.
func ListImageDetections(detections *service.DetectionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		imageID, ok := paramID(c, "id")
		if !ok {
			return
		}
		list, err := detections.GetByImage(c.Request.Context(), imageID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, list)
	}
}

// UserHistory returns a user's detection results, newest first.
func UserHistory(detections *service.DetectionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := paramID(c, "id")
		if !ok {
			return
		}
		results, err := detections.UserHistory(c.Request.Context(), userID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	}
}

// DetectionAudit returns the status transition trail for a detection.
func DetectionAudit(detections *service.DetectionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		// Existence check so unknown ids report 404 instead of [].
		if _, err := detections.Get(c.Request.Context(), id); err != nil {
			respondError(c, err)
			return
		}
		entries, err := detections.History(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, entries)
	}
}
