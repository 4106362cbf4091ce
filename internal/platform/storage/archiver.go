// Package storage writes export artefacts to Cloud Storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	gcs "cloud.google.com/go/storage"
)

var (
	errInvalidBucket = errors.New("storage: bucket name is required")
	errInvalidObject = errors.New("storage: object name is required")
)

// objectWriter opens a writer for a new object version.
type objectWriter interface {
	NewWriter(ctx context.Context, object, contentType string, metadata map[string]string) io.WriteCloser
}

type bucketWriter struct {
	bucket *gcs.BucketHandle
}

func (b bucketWriter) NewWriter(ctx context.Context, object, contentType string, metadata map[string]string) io.WriteCloser {
	w := b.bucket.Object(object).NewWriter(ctx)
	w.ContentType = contentType
	w.Metadata = metadata
	return w
}

// Archiver stores exported files in a single bucket.
type Archiver struct {
	bucket string
	writer objectWriter
}

// NewArchiver binds the archiver to bucket using client.
func NewArchiver(client *gcs.Client, bucket string) (*Archiver, error) {
	if client == nil {
		return nil, errors.New("storage archiver: client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errInvalidBucket
	}
	return &Archiver{bucket: bucket, writer: bucketWriter{bucket: client.Bucket(bucket)}}, nil
}

func newArchiver(bucket string, writer objectWriter) *Archiver {
	return &Archiver{bucket: bucket, writer: writer}
}

// ArchiveExport uploads data to objectPath. The object is only committed when Close succeeds.
func (a *Archiver) ArchiveExport(ctx context.Context, objectPath, contentType string, data []byte) error {
	objectPath = strings.TrimLeft(strings.TrimSpace(objectPath), "/")
	if objectPath == "" {
		return errInvalidObject
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	w := a.writer.NewWriter(ctx, objectPath, contentType, map[string]string{"source": "order-export"})
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("storage: write gs://%s/%s: %w", a.bucket, objectPath, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("storage: finalise gs://%s/%s: %w", a.bucket, objectPath, err)
	}
	return nil
}
