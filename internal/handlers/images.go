package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"xray-back/internal/config"
	"xray-back/internal/logger"
	"xray-back/internal/service"
)

// UploadImage accepts a multipart X-ray upload for a user, stores it, and
// kicks off a detection. Processing runs in a goroutine so the request
// returns as soon as the detection is recorded as pending.
func UploadImage(images *service.ImageService, detections *service.DetectionService, cfg *config.DetectionConfig, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := paramID(c, "id")
		if !ok {
			return
		}

		fileHeader, err := c.FormFile("image")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "No image file provided"})
			return
		}

		file, err := fileHeader.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Could not read image file"})
			return
		}
		defer file.Close()

		// Read one byte past the ceiling so oversized uploads are
		// rejected without buffering the whole payload.
		content, err := io.ReadAll(io.LimitReader(file, service.MaxUploadBytes+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Could not read image file"})
			return
		}

		img, err := images.Save(c.Request.Context(), content, fileHeader.Filename, userID)
		if err != nil {
			respondError(c, err)
			return
		}

		detection, err := detections.Start(c.Request.Context(), img.ID, cfg.ModelName, cfg.ModelVersion)
		if err != nil {
			respondError(c, err)
			return
		}

		go func() {
			if _, err := detections.Process(context.Background(), detection.ID); err != nil {
				// Process already routed engine failures to the
				// failed state; this is just for the operator.
				log.Error("detection processing failed",
					"detection_id", detection.ID, "error", err)
			}
		}()

		c.JSON(http.StatusAccepted, gin.H{
			"message":      "Detection started",
			"image_id":     img.ID,
			"detection_id": detection.ID,
			"status":       detection.Status,
		})
	}
}

// GetImage returns image metadata plus a presigned download URL.
func GetImage(images *service.ImageService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		img, err := images.Get(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}

		response := gin.H{"image": img}
		if url, err := images.PresignedURL(c.Request.Context(), id); err == nil {
			response["download_url"] = url
		}
		c.JSON(http.StatusOK, response)
	}
}

// ListUserImages returns all images owned by a user.
func ListUserImages(images *service.ImageService) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := paramID(c, "id")
		if !ok {
			return
		}
		list, err := images.GetByUser(c.Request.Context(), userID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, list)
	}
}

// DeleteImage removes the blob and the record. Deleting twice yields 404
// on the second call, never a storage error.
func DeleteImage(images *service.ImageService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		deleted, err := images.Delete(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		if !deleted {
			c.JSON(http.StatusNotFound, gin.H{"error": "Image not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Image deleted"})
	}
}
