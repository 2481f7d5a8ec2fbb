// Package gcsapi defines the interface over the bucket-scoped storage
// operations this module needs, to enable testing and mocking.
package gcsapi

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// ComposeFanInLimit is the maximum number of source objects a single
// compose call may merge.
const ComposeFanInLimit = 32

// ObjectInfo describes an object as reported by the store after an
// insert or compose call.
type ObjectInfo struct {
	// Bucket is the bucket holding the object
	Bucket string

	// Name is the object name within the bucket
	Name string

	// Size is the object size in bytes
	Size int64

	// MD5 is the MD5 hash of the content; nil for composite objects
	MD5 []byte

	// CRC32C is the CRC32C checksum of the content (Castagnoli polynomial)
	CRC32C uint32

	// ContentType is the MIME type recorded on the object
	ContentType string
}

// Page is one page of a paginated listing.
type Page struct {
	// Objects are the entries of this page, in lexical order
	Objects []ObjectInfo

	// NextPageToken resumes the listing; empty on the last page
	NextPageToken string
}

// Store is the set of bucket-scoped operations used by this module.
// This interface allows for mocking in tests and for fake in-memory stores.
type Store interface {
	// BucketName returns the bucket this store is scoped to
	BucketName() string

	// Insert streams r into a new object with the given name and content
	// type, returning the stored object's attributes
	Insert(ctx context.Context, name, contentType string, r io.Reader) (*ObjectInfo, error)

	// Compose merges srcs, in order, into dst with the given content type.
	// The store accepts at most ComposeFanInLimit sources per call.
	Compose(ctx context.Context, dst, contentType string, srcs []string) (*ObjectInfo, error)

	// Delete removes a single object
	Delete(ctx context.Context, name string) error

	// List returns one page of objects under prefix, optionally grouped by
	// delimiter, resuming from pageToken
	List(ctx context.Context, prefix, delimiter, pageToken string, pageSize int) (*Page, error)

	// NewReader opens the content of an object for reading
	NewReader(ctx context.Context, name string) (io.ReadCloser, error)
}

// bucketStore implements Store on a *storage.BucketHandle.
type bucketStore struct {
	bucket *storage.BucketHandle
	name   string
}

// NewStore wraps a storage client into a bucket-scoped Store.
func NewStore(client *storage.Client, bucket string) Store {
	return &bucketStore{
		bucket: client.Bucket(bucket),
		name:   bucket,
	}
}

func (s *bucketStore) BucketName() string {
	return s.name
}

func (s *bucketStore) Insert(ctx context.Context, name, contentType string, r io.Reader) (*ObjectInfo, error) {
	w := s.bucket.Object(name).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return mapAttrs(s.name, w.Attrs()), nil
}

func (s *bucketStore) Compose(ctx context.Context, dst, contentType string, srcs []string) (*ObjectInfo, error) {
	handles := make([]*storage.ObjectHandle, 0, len(srcs))
	for _, src := range srcs {
		handles = append(handles, s.bucket.Object(src))
	}

	composer := s.bucket.Object(dst).ComposerFrom(handles...)
	composer.ContentType = contentType

	attrs, err := composer.Run(ctx)
	if err != nil {
		return nil, err
	}
	return mapAttrs(s.name, attrs), nil
}

func (s *bucketStore) Delete(ctx context.Context, name string) error {
	return s.bucket.Object(name).Delete(ctx)
}

func (s *bucketStore) List(ctx context.Context, prefix, delimiter, pageToken string, pageSize int) (*Page, error) {
	it := s.bucket.Objects(ctx, &storage.Query{
		Prefix:    prefix,
		Delimiter: delimiter,
	})

	var attrs []*storage.ObjectAttrs
	pager := iterator.NewPager(it, pageSize, pageToken)
	next, err := pager.NextPage(&attrs)
	if err != nil {
		return nil, err
	}

	page := &Page{
		Objects:       make([]ObjectInfo, 0, len(attrs)),
		NextPageToken: next,
	}
	for _, a := range attrs {
		// Delimiter-grouped prefixes come back as entries with only
		// Prefix set; skip them, callers want objects.
		if a.Name == "" {
			continue
		}
		page.Objects = append(page.Objects, *mapAttrs(s.name, a))
	}
	return page, nil
}

func (s *bucketStore) NewReader(ctx context.Context, name string) (io.ReadCloser, error) {
	return s.bucket.Object(name).NewReader(ctx)
}

func mapAttrs(bucket string, attrs *storage.ObjectAttrs) *ObjectInfo {
	if attrs == nil {
		return nil
	}
	return &ObjectInfo{
		Bucket:      bucket,
		Name:        attrs.Name,
		Size:        attrs.Size,
		MD5:         attrs.MD5,
		CRC32C:      attrs.CRC32C,
		ContentType: attrs.ContentType,
	}
}
