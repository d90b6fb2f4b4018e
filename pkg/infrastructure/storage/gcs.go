package storage

import (
	"context"
	"errors"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// StorageAdapter provides blob storage operations using Google Cloud Storage
type StorageAdapter struct {
	Client    *storage.Client
	ProjectID string
}

// EnsureBucket creates the bucket on first use. A conflict means the bucket
// already exists, which is success here.
func (a *StorageAdapter) EnsureBucket(ctx context.Context, bucket string) error {
	err := a.Client.Bucket(bucket).Create(ctx, a.ProjectID, nil)
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusConflict {
		return nil
	}
	return err
}

// Write uploads data under objectName, overwriting any existing object.
func (a *StorageAdapter) Write(ctx context.Context, bucketName, objectName string, data []byte, contentType string) error {
	wc := a.Client.Bucket(bucketName).Object(objectName).NewWriter(ctx)
	wc.ContentType = contentType
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return err
	}
	return wc.Close()
}

func (a *StorageAdapter) Read(ctx context.Context, bucketName, objectName string) ([]byte, error) {
	rc, err := a.Client.Bucket(bucketName).Object(objectName).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
