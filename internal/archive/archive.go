// Package archive keeps raw email bodies and receipt images in Google Cloud
// Storage, or in a local directory when no bucket is configured.
package archive

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

const uploadTimeout = 2 * time.Minute

// Archive stores and loads blobs by URI.
type Archive interface {
	PutRawMessage(ctx context.Context, owner, externalID string, body []byte) (uri string, err error)
	PutReceipt(ctx context.Context, owner, id, mimeType string, data []byte) (uri string, err error)
	Fetch(ctx context.Context, uri string) ([]byte, error)
	Close() error
}

// RawMessageObject is the object name of an archived email body.
func RawMessageObject(owner, externalID string) string {
	return path.Join("raw", safe(owner), safe(externalID)+".html")
}

// ReceiptObject is the object name of an uploaded receipt image.
func ReceiptObject(owner, id, mimeType string) string {
	return path.Join("receipts", safe(owner), safe(id)+extension(mimeType))
}

func safe(s string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
}

func extension(mimeType string) string {
	switch strings.ToLower(mimeType) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/heic":
		return ".heic"
	case "application/pdf":
		return ".pdf"
	}
	return ""
}

// GCS archives into one bucket. It assumes Application Default Credentials
// are configured (gcloud auth application-default login).
type GCS struct {
	client *storage.Client
	bucket string
}

// NewGCS creates a storage client for bucket.
func NewGCS(ctx context.Context, bucket string) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCS{client: client, bucket: bucket}, nil
}

// Close releases the storage client.
func (g *GCS) Close() error {
	return g.client.Close()
}

// PutRawMessage implements Archive.
func (g *GCS) PutRawMessage(ctx context.Context, owner, externalID string, body []byte) (string, error) {
	return g.upload(ctx, RawMessageObject(owner, externalID), "text/html; charset=utf-8", body)
}

// PutReceipt implements Archive.
func (g *GCS) PutReceipt(ctx context.Context, owner, id, mimeType string, data []byte) (string, error) {
	return g.upload(ctx, ReceiptObject(owner, id, mimeType), mimeType, data)
}

func (g *GCS) upload(ctx context.Context, objectName, contentType string, data []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	w := g.client.Bucket(g.bucket).Object(objectName).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write %s to GCS: %w", objectName, err)
	}
	// Close finalizes the upload.
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize upload %s: %w", objectName, err)
	}
	return "gs://" + g.bucket + "/" + objectName, nil
}

// Fetch downloads the bytes behind a gs:// URI.
func (g *GCS) Fetch(ctx context.Context, uri string) ([]byte, error) {
	bucket, object, err := ParseGCSURI(uri)
	if err != nil {
		return nil, err
	}

	rc, err := g.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("Fetch: reading object %s/%s: %w", bucket, object, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("Fetch: reading bytes: %w", err)
	}
	return data, nil
}

// ParseGCSURI splits gs://bucket/path/to/object.
func ParseGCSURI(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, "gs://") {
		return "", "", fmt.Errorf("invalid GCS URI: %s", uri)
	}
	parts := strings.SplitN(strings.TrimPrefix(uri, "gs://"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no object path): %s", uri)
	}
	return parts[0], parts[1], nil
}

// Filename returns the last path element of an archive URI,
// e.g. "gs://bucket/receipts/u1/abc.jpg" → "abc.jpg".
func Filename(uri string) string {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(uri, "gs://"), "file://")
	return path.Base(trimmed)
}

var _ Archive = (*GCS)(nil)
