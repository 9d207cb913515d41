package storage

import (
	"context"
	"errors"
	"time"
)

// ErrBlobNotFound is returned by Get when the object does not exist.
// Remove treats a missing object as success.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore abstracts the object storage backing uploaded X-ray images.
// This keeps the image service testable without a running MinIO.
type BlobStore interface {
	Put(ctx context.Context, objectName string, content []byte, contentType string) error
	Get(ctx context.Context, objectName string) ([]byte, error)
	// Remove deletes an object. Removing an absent object is not an error.
	Remove(ctx context.Context, objectName string) error
	// PresignedURL returns a temporary download URL for an object.
	PresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error)
}
