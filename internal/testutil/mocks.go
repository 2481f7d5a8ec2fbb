// Package testutil provides test utilities and fakes for GCS operations.
// This package is internal and should only be used for testing within
// this module.
package testutil

import (
	"context"
	"io"

	"github.com/embulk/embulk-output-gcs/internal/gcsapi"
)

// MockStore is a mock implementation of the gcsapi.Store interface.
// It allows customization of each operation through function fields.
type MockStore struct {
	Bucket        string
	InsertFunc    func(ctx context.Context, name, contentType string, r io.Reader) (*gcsapi.ObjectInfo, error)
	ComposeFunc   func(ctx context.Context, dst, contentType string, srcs []string) (*gcsapi.ObjectInfo, error)
	DeleteFunc    func(ctx context.Context, name string) error
	ListFunc      func(ctx context.Context, prefix, delimiter, pageToken string, pageSize int) (*gcsapi.Page, error)
	NewReaderFunc func(ctx context.Context, name string) (io.ReadCloser, error)
}

// BucketName returns the configured bucket name.
func (m *MockStore) BucketName() string {
	if m.Bucket == "" {
		return "mock-bucket"
	}
	return m.Bucket
}

// Insert mocks the streamed insert operation.
func (m *MockStore) Insert(ctx context.Context, name, contentType string, r io.Reader) (*gcsapi.ObjectInfo, error) {
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, name, contentType, r)
	}
	return &gcsapi.ObjectInfo{Bucket: m.BucketName(), Name: name, ContentType: contentType}, nil
}

// Compose mocks the compose operation.
func (m *MockStore) Compose(ctx context.Context, dst, contentType string, srcs []string) (*gcsapi.ObjectInfo, error) {
	if m.ComposeFunc != nil {
		return m.ComposeFunc(ctx, dst, contentType, srcs)
	}
	return &gcsapi.ObjectInfo{Bucket: m.BucketName(), Name: dst, ContentType: contentType}, nil
}

// Delete mocks the single-object delete operation.
func (m *MockStore) Delete(ctx context.Context, name string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, name)
	}
	return nil
}

// List mocks the paginated list operation.
func (m *MockStore) List(ctx context.Context, prefix, delimiter, pageToken string, pageSize int) (*gcsapi.Page, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, prefix, delimiter, pageToken, pageSize)
	}
	return &gcsapi.Page{}, nil
}

// NewReader mocks opening an object for reading.
func (m *MockStore) NewReader(ctx context.Context, name string) (io.ReadCloser, error) {
	if m.NewReaderFunc != nil {
		return m.NewReaderFunc(ctx, name)
	}
	return io.NopCloser(nil), nil
}

var _ gcsapi.Store = (*MockStore)(nil)
