// Package deadletter archives exhausted queue items to S3-compatible
// storage for off-node inspection. When no bucket is configured the
// NoopArchiver is used and archival is skipped, keeping the edge in
// local-only mode.
package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/outpost-sync/outpost/internal/config"
	"github.com/outpost-sync/outpost/internal/edgestore"
)

// ErrNotConfigured is returned when archive storage is not configured.
var ErrNotConfigured = errors.New("dead-letter archive not configured")

// Archiver stores dead-letter entries and generates pre-signed download
// URLs for them.
type Archiver interface {
	// Archive uploads one dead-letter entry as a JSON object.
	Archive(ctx context.Context, entry *edgestore.DeadLetterEntry) error

	// PresignedURL returns a pre-signed URL for downloading an archived
	// entry. Returns ErrNotConfigured when archival is disabled.
	PresignedURL(ctx context.Context, serverID, entryID string) (url string, expiry time.Time, err error)
}

// s3Client is the minimal minio.Client surface the archiver uses, kept as
// an interface so tests can substitute a mock.
type s3Client interface {
	PutObject(ctx context.Context, bucket, objectName string, body []byte) error
	PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error)
}

// minioClientWrapper adapts *minio.Client, whose methods take concrete
// option types, to the s3Client interface.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) PutObject(ctx context.Context, bucket, objectName string, body []byte) error {
	opts := minio.PutObjectOptions{ContentType: "application/json"}
	_, err := w.client.PutObject(ctx, bucket, objectName, bytes.NewReader(body), int64(len(body)), opts)
	return err
}

func (w *minioClientWrapper) PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error) {
	return w.client.PresignedGetObject(ctx, bucket, objectName, expiry, nil)
}

// S3Archiver uploads dead-letter entries to S3-compatible storage.
type S3Archiver struct {
	client    s3Client
	bucket    string
	serverID  string
	urlExpiry time.Duration
}

// Archive uploads the entry as JSON under dead-letter/<serverID>/<entryID>.json.
func (a *S3Archiver) Archive(ctx context.Context, entry *edgestore.DeadLetterEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead-letter entry: %w", err)
	}
	key := objectKey(a.serverID, entry.ID)
	if err := a.client.PutObject(ctx, a.bucket, key, body); err != nil {
		return fmt.Errorf("upload dead-letter entry: %w", err)
	}
	return nil
}

// PresignedURL returns a pre-signed GET URL for an archived entry.
func (a *S3Archiver) PresignedURL(ctx context.Context, serverID, entryID string) (string, time.Time, error) {
	presigned, err := a.client.PresignedGetObject(ctx, a.bucket, objectKey(serverID, entryID), a.urlExpiry)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate pre-signed URL: %w", err)
	}
	return presigned.String(), time.Now().Add(a.urlExpiry), nil
}

// NoopArchiver is used when archive storage is not configured.
type NoopArchiver struct{}

// Archive is a no-op when archival is disabled.
func (a *NoopArchiver) Archive(ctx context.Context, entry *edgestore.DeadLetterEntry) error {
	return nil
}

// PresignedURL returns ErrNotConfigured when archival is disabled.
func (a *NoopArchiver) PresignedURL(ctx context.Context, serverID, entryID string) (string, time.Time, error) {
	return "", time.Time{}, ErrNotConfigured
}

// NewArchiver creates the appropriate Archiver based on configuration.
// Returns NoopArchiver when the bucket is empty, S3Archiver otherwise.
func NewArchiver(cfg config.ArchiveConfig, serverID string) (Archiver, error) {
	if cfg.Bucket == "" {
		return &NoopArchiver{}, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	urlExpiry := time.Duration(cfg.URLExpiry)
	if urlExpiry <= 0 {
		urlExpiry = time.Hour
	}

	return &S3Archiver{
		client:    &minioClientWrapper{client: client},
		bucket:    cfg.Bucket,
		serverID:  serverID,
		urlExpiry: urlExpiry,
	}, nil
}

func objectKey(serverID, entryID string) string {
	return fmt.Sprintf("dead-letter/%s/%s.json", serverID, entryID)
}
