package service

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/gorm"

	"xray-back/internal/logger"
	"xray-back/internal/models"
	"xray-back/internal/storage"
)

// MaxUploadBytes is the ceiling for a single X-ray upload.
const MaxUploadBytes = 10 << 20 // 10 MB

var allowedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// ImageService handles X-ray image intake and deletion. The blob store is
// an interface so tests run without object storage.
type ImageService struct {
	db    *gorm.DB
	blobs storage.BlobStore
	log   *logger.Logger
}

func NewImageService(db *gorm.DB, blobs storage.BlobStore, log *logger.Logger) *ImageService {
	return &ImageService{db: db, blobs: blobs, log: log.With("service", "images")}
}

// Save validates and persists an uploaded image: blob first, then the
// metadata row. Validation happens before any mutation.
func (s *ImageService) Save(ctx context.Context, content []byte, originalFilename string, userID uint) (*models.XrayImage, error) {
	ext := strings.ToLower(filepath.Ext(originalFilename))
	if !allowedExtensions[ext] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, ext)
	}
	if len(content) > MaxUploadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(content))
	}

	var user models.User
	if err := s.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: user %d", ErrNotFound, userID)
		}
		return nil, err
	}

	// Collision-resistant storage name: content hash + upload timestamp.
	hash := md5.Sum(content)
	filename := fmt.Sprintf("%s_%d%s", hex.EncodeToString(hash[:]), time.Now().Unix(), ext)
	objectName := fmt.Sprintf("users/%d/xray/%s", userID, filename)

	contentType := "image/jpeg"
	if ext == ".png" {
		contentType = "image/png"
	}

	if err := s.blobs.Put(ctx, objectName, content, contentType); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	// Best-effort dimensions; uploads without decodable headers still pass.
	var width, height *int
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(content)); err == nil {
		width, height = &cfg.Width, &cfg.Height
	} else {
		s.log.Info("could not read image dimensions", "filename", originalFilename, "error", err)
	}

	metadata, _ := json.Marshal(map[string]any{
		"upload_timestamp": time.Now().Format(time.RFC3339),
	})

	img := models.XrayImage{
		Filename:         filename,
		OriginalFilename: originalFilename,
		FilePath:         objectName,
		FileSize:         int64(len(content)),
		MimeType:         contentType,
		Width:            width,
		Height:           height,
		UserID:           userID,
		ImageMetadata:    metadata,
	}
	if err := s.db.WithContext(ctx).Create(&img).Error; err != nil {
		return nil, err
	}

	s.log.Info("image saved", "image_id", img.ID, "user_id", userID, "size", img.FileSize)
	return &img, nil
}

// Get returns an image by id.
func (s *ImageService) Get(ctx context.Context, id uint) (*models.XrayImage, error) {
	var img models.XrayImage
	if err := s.db.WithContext(ctx).First(&img, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: image %d", ErrNotFound, id)
		}
		return nil, err
	}
	return &img, nil
}

// GetByUser returns all images owned by a user.
func (s *ImageService) GetByUser(ctx context.Context, userID uint) ([]models.XrayImage, error) {
	var images []models.XrayImage
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&images).Error; err != nil {
		return nil, err
	}
	return images, nil
}

// Delete removes the blob and the record together. Returns false if the
// record does not exist. A blob that is already gone does not fail the
// delete, so repeated deletes converge.
func (s *ImageService) Delete(ctx context.Context, id uint) (bool, error) {
	var img models.XrayImage
	if err := s.db.WithContext(ctx).First(&img, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}

	if err := s.blobs.Remove(ctx, img.FilePath); err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	if err := s.db.WithContext(ctx).Delete(&models.XrayImage{}, id).Error; err != nil {
		return false, err
	}
	s.log.Info("image deleted", "image_id", id)
	return true, nil
}

// PresignedURL returns a temporary download URL for an image's blob.
func (s *ImageService) PresignedURL(ctx context.Context, id uint) (string, error) {
	img, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	url, err := s.blobs.PresignedURL(ctx, img.FilePath, time.Hour)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return url, nil
}
