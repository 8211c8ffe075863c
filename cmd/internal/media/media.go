// Package media stores user-uploaded attachments (avatars, image messages)
// and hands back public URLs for embedding in chat documents.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"parley/cmd/internal/ids"
)

// ErrEmptyUpload is returned for a zero-byte body.
var ErrEmptyUpload = errors.New("media: empty upload")

// maxUploadBytes caps one attachment. Larger media goes through a CDN
// pipeline, not the chat path.
const maxUploadBytes = 25 << 20

// ErrTooLarge is returned when the body exceeds maxUploadBytes.
var ErrTooLarge = errors.New("media: upload too large")

// Uploader stores a blob and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}

// S3Uploader stores attachments in an S3 bucket under media/<ulid>.
type S3Uploader struct {
	log    *slog.Logger
	client *s3.Client
	bucket string
	region string
	newKey func() (string, error)
}

// NewS3Uploader builds an uploader from the ambient AWS credential chain.
func NewS3Uploader(ctx context.Context, log *slog.Logger, bucket, region string) (*S3Uploader, error) {
	if bucket == "" {
		return nil, errors.New("media: bucket not configured")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("media: load aws config: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &S3Uploader{
		log:    log,
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		region: region,
		newKey: ids.NewKey,
	}, nil
}

// Upload puts the blob and returns its public bucket URL.
func (u *S3Uploader) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyUpload
	}
	if len(data) > maxUploadBytes {
		return "", ErrTooLarge
	}

	id, err := u.newKey()
	if err != nil {
		return "", fmt.Errorf("media: new key: %w", err)
	}
	key := "media/" + id

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &u.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
	})
	if err != nil {
		return "", fmt.Errorf("media: put object: %w", err)
	}

	url := fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", u.bucket, u.region, key)
	u.log.Info("media.upload", "key", key, "bytes", len(data), "content_type", contentType)
	return url, nil
}

// MemoryUploader is the in-process Uploader used by dev mode and tests.
type MemoryUploader struct {
	BaseURL string

	mu      sync.Mutex
	objects map[string][]byte
	newKey  func() (string, error)
}

// NewMemoryUploader builds an uploader that keeps blobs in a map.
func NewMemoryUploader(baseURL string) *MemoryUploader {
	return &MemoryUploader{
		BaseURL: baseURL,
		objects: make(map[string][]byte),
		newKey:  ids.NewKey,
	}
}

// Upload stores the blob in memory.
func (u *MemoryUploader) Upload(_ context.Context, data []byte, _ string) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyUpload
	}
	if len(data) > maxUploadBytes {
		return "", ErrTooLarge
	}
	id, err := u.newKey()
	if err != nil {
		return "", err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	u.mu.Lock()
	u.objects[id] = buf
	u.mu.Unlock()
	return u.BaseURL + "/" + id, nil
}

// Object returns a stored blob, for test assertions.
func (u *MemoryUploader) Object(id string) ([]byte, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	b, ok := u.objects[id]
	return b, ok
}
