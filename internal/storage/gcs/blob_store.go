// Package gcs archives raw upstream pages in Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

const defaultContentType = "application/json"

// Config names the archive bucket.
type Config struct {
	Bucket string
}

// BlobStore writes archived pages to a GCS bucket. Page keys embed the body
// digest, so objects are written once and never overwritten.
type BlobStore struct {
	client *storage.Client
	bucket string
}

// New creates a GCS page archive.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// Check verifies that the archive bucket exists and is reachable.
func (s *BlobStore) Check(ctx context.Context) error {
	if _, err := s.client.Bucket(s.bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("gcs bucket %q: %w", s.bucket, err)
	}
	return nil
}

// PutObject archives one page body under path and returns its gs:// URI.
// A page already archived under the same path is left untouched.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}
	if contentType == "" {
		contentType = defaultContentType
	}
	uri := fmt.Sprintf("gs://%s/%s", s.bucket, path)

	obj := s.client.Bucket(s.bucket).Object(path).If(storage.Conditions{DoesNotExist: true})
	writer := obj.NewWriter(ctx)
	writer.ContentType = contentType
	// Pages are small; upload them in a single request.
	writer.ChunkSize = 0
	writer.Metadata = map[string]string{"source": "pncp"}

	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil && !alreadyArchived(closeErr) {
			return "", fmt.Errorf("archive page %s: %w (close writer: %v)", path, err, closeErr)
		}
		return "", fmt.Errorf("archive page %s: %w", path, err)
	}
	if err := writer.Close(); err != nil {
		if alreadyArchived(err) {
			return uri, nil
		}
		return "", fmt.Errorf("archive page %s: %w", path, err)
	}
	return uri, nil
}

func alreadyArchived(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

// Close releases the client.
func (s *BlobStore) Close() error {
	return s.client.Close()
}
