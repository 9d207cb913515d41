// internal/models/models.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// DetectionStatus is the lifecycle state of a DiseaseDetection.
type DetectionStatus string

const (
	StatusPending    DetectionStatus = "pending"
	StatusProcessing DetectionStatus = "processing"
	StatusCompleted  DetectionStatus = "completed"
	StatusFailed     DetectionStatus = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s DetectionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// allowed transitions: pending→processing, processing→completed,
// processing→failed, pending→failed (mark-failed before processing starts)
var transitions = map[DetectionStatus][]DetectionStatus{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from→to is a valid lifecycle transition.
func CanTransition(from, to DetectionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DiseaseType is a classifier outcome label.
type DiseaseType string

const (
	DiseaseNormal       DiseaseType = "normal"
	DiseasePneumonia    DiseaseType = "pneumonia"
	DiseaseTuberculosis DiseaseType = "tuberculosis"
	DiseaseCovid19      DiseaseType = "covid19"
	DiseaseLungCancer   DiseaseType = "lung_cancer"
)

type User struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	Name      string    `gorm:"size:100;not null" json:"name"`
	Email     string    `gorm:"size:255;unique;not null" json:"email"`
	Phone     *string   `gorm:"size:20" json:"phone,omitempty"`
	IsActive  bool      `gorm:"default:true" json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	XrayImages []XrayImage `gorm:"foreignKey:UserID" json:"xray_images,omitempty"`
}

type XrayImage struct {
	ID               uint           `gorm:"primarykey" json:"id"`
	Filename         string         `gorm:"size:255;not null" json:"filename"`
	OriginalFilename string         `gorm:"size:255;not null" json:"original_filename"`
	FilePath         string         `gorm:"size:500;not null" json:"file_path"`
	FileSize         int64          `gorm:"not null" json:"file_size"`
	MimeType         string         `gorm:"size:100;default:'image/jpeg'" json:"mime_type"`
	Width            *int           `json:"width,omitempty"`
	Height           *int           `json:"height,omitempty"`
	UploadDate       time.Time      `gorm:"autoCreateTime" json:"upload_date"`
	UserID           uint           `gorm:"not null;index" json:"user_id"`
	ImageMetadata    datatypes.JSON `json:"image_metadata,omitempty"`

	User       User               `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Detections []DiseaseDetection `gorm:"foreignKey:XrayImageID" json:"detections,omitempty"`
}

type DiseaseDetection struct {
	ID          uint            `gorm:"primarykey" json:"id"`
	XrayImageID uint            `gorm:"not null;index" json:"xray_image_id"`
	Status      DetectionStatus `gorm:"size:20;default:'pending'" json:"status"`

	// Result fields, populated only on completion
	DetectedDisease   *DiseaseType        `gorm:"size:30" json:"detected_disease,omitempty"`
	ConfidenceScore   decimal.NullDecimal `gorm:"type:decimal(6,4)" json:"confidence_score,omitempty"`
	IsDiseaseDetected bool                `gorm:"default:false" json:"is_disease_detected"`

	ProcessingStartedAt       *time.Time `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt     *time.Time `json:"processing_completed_at,omitempty"`
	ProcessingDurationSeconds *int       `json:"processing_duration_seconds,omitempty"`

	ModelName    string `gorm:"size:100" json:"model_name,omitempty"`
	ModelVersion string `gorm:"size:50" json:"model_version,omitempty"`

	DetectionDetails datatypes.JSON `json:"detection_details,omitempty"`
	ErrorMessage     string         `gorm:"size:1000" json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	XrayImage XrayImage `gorm:"foreignKey:XrayImageID" json:"xray_image,omitempty"`
}

// DetectionHistory is the append-only audit log of status transitions.
type DetectionHistory struct {
	ID          uint            `gorm:"primarykey" json:"id"`
	DetectionID uint            `gorm:"not null;index" json:"detection_id"`
	StatusFrom  DetectionStatus `gorm:"size:20;not null" json:"status_from"`
	StatusTo    DetectionStatus `gorm:"size:20;not null" json:"status_to"`
	ChangedAt   time.Time       `gorm:"autoCreateTime" json:"changed_at"`
	Notes       string          `gorm:"size:500" json:"notes,omitempty"`
}

// DetectionResult is a read-only projection of a detection joined with its
// image's original filename, used for history listings. Not persisted.
type DetectionResult struct {
	DetectionID           uint                `json:"detection_id"`
	XrayImageID           uint                `json:"xray_image_id"`
	Filename              string              `json:"filename"`
	Status                DetectionStatus     `json:"status"`
	DetectedDisease       *DiseaseType        `json:"detected_disease,omitempty"`
	ConfidenceScore       decimal.NullDecimal `json:"confidence_score,omitempty"`
	IsDiseaseDetected     bool                `json:"is_disease_detected"`
	ProcessingCompletedAt *time.Time          `json:"processing_completed_at,omitempty"`
	CreatedAt             time.Time           `json:"created_at"`
}
