package testutil

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"hash/crc32"
	"io"
	"sort"
	"strconv"
	"sync"

	"github.com/embulk/embulk-output-gcs/errors"
	"github.com/embulk/embulk-output-gcs/internal/gcsapi"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// fakeObject is one stored object in the fake bucket.
type fakeObject struct {
	data        []byte
	contentType string
	composite   bool
}

// FakeStore is an in-memory gcsapi.Store backed by a map. It computes real
// MD5 and CRC32C hashes so integrity checks behave as against the real
// service, and supports per-call error injection for retry tests.
type FakeStore struct {
	mu          sync.Mutex
	bucket      string
	objects     map[string]fakeObject
	insertCalls map[string]int

	// InsertHook, when set, runs before each insert with the object name
	// and the 1-based call count for that name; a non-nil return fails
	// the insert without storing anything.
	InsertHook func(name string, call int) error

	// ComposeHook, when set, runs before each compose; a non-nil return
	// fails the call.
	ComposeHook func(dst string) error

	// DeleteHook, when set, runs before each delete; a non-nil return
	// fails the call.
	DeleteHook func(name string) error
}

// NewFakeStore creates an empty in-memory bucket.
func NewFakeStore(bucket string) *FakeStore {
	return &FakeStore{
		bucket:      bucket,
		objects:     make(map[string]fakeObject),
		insertCalls: make(map[string]int),
	}
}

// BucketName implements gcsapi.Store.
func (f *FakeStore) BucketName() string {
	return f.bucket
}

// Insert implements gcsapi.Store.
func (f *FakeStore) Insert(ctx context.Context, name, contentType string, r io.Reader) (*gcsapi.ObjectInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.insertCalls[name]++
	if f.InsertHook != nil {
		if err := f.InsertHook(name, f.insertCalls[name]); err != nil {
			return nil, err
		}
	}

	f.objects[name] = fakeObject{data: data, contentType: contentType}
	return f.infoLocked(name), nil
}

// Compose implements gcsapi.Store.
func (f *FakeStore) Compose(ctx context.Context, dst, contentType string, srcs []string) (*gcsapi.ObjectInfo, error) {
	if len(srcs) == 0 {
		return nil, errors.NewObjectError("compose", f.bucket, dst, errors.ErrInvalidInput).
			WithMessage("compose requires at least one source")
	}
	if len(srcs) > gcsapi.ComposeFanInLimit {
		return nil, errors.NewObjectError("compose", f.bucket, dst, errors.ErrInvalidInput).
			WithMessage(fmt.Sprintf("compose accepts at most %d sources, got %d", gcsapi.ComposeFanInLimit, len(srcs)))
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ComposeHook != nil {
		if err := f.ComposeHook(dst); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	for _, src := range srcs {
		obj, ok := f.objects[src]
		if !ok {
			return nil, errors.NewObjectError("compose", f.bucket, src, errors.ErrObjectNotFound)
		}
		buf.Write(obj.data)
	}

	f.objects[dst] = fakeObject{data: buf.Bytes(), contentType: contentType, composite: true}
	return f.infoLocked(dst), nil
}

// Delete implements gcsapi.Store.
func (f *FakeStore) Delete(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.DeleteHook != nil {
		if err := f.DeleteHook(name); err != nil {
			return err
		}
	}

	if _, ok := f.objects[name]; !ok {
		return errors.NewObjectError("delete", f.bucket, name, errors.ErrObjectNotFound)
	}
	delete(f.objects, name)
	return nil
}

// List implements gcsapi.Store. Pagination tokens are offsets into the
// lexically sorted object names.
func (f *FakeStore) List(ctx context.Context, prefix, delimiter, pageToken string, pageSize int) (*gcsapi.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var names []string
	for name := range f.objects {
		if len(prefix) > 0 && !bytes.HasPrefix([]byte(name), []byte(prefix)) {
			continue
		}
		if delimiter != "" && bytes.Contains([]byte(name[len(prefix):]), []byte(delimiter)) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil {
			return nil, errors.NewBucketError("list", f.bucket, errors.ErrInvalidInput).
				WithMessage("bad page token")
		}
		offset = n
	}
	if pageSize <= 0 {
		pageSize = 1000
	}

	page := &gcsapi.Page{}
	end := offset + pageSize
	if end > len(names) {
		end = len(names)
	}
	if offset < len(names) {
		for _, name := range names[offset:end] {
			page.Objects = append(page.Objects, *f.infoLocked(name))
		}
	}
	if end < len(names) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

// NewReader implements gcsapi.Store.
func (f *FakeStore) NewReader(ctx context.Context, name string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	obj, ok := f.objects[name]
	if !ok {
		return nil, errors.NewObjectError("read", f.bucket, name, errors.ErrObjectNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// Content returns the stored bytes of an object and whether it exists.
func (f *FakeStore) Content(name string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	obj, ok := f.objects[name]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// ContentType returns the content type recorded on an object.
func (f *FakeStore) ContentType(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[name].contentType
}

// ObjectNames returns all stored object names in lexical order.
func (f *FakeStore) ObjectNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	names := make([]string, 0, len(f.objects))
	for name := range f.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InsertCalls returns how many inserts were attempted for an object name.
func (f *FakeStore) InsertCalls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.insertCalls[name]
}

// infoLocked builds the ObjectInfo for a stored object; the caller holds mu.
func (f *FakeStore) infoLocked(name string) *gcsapi.ObjectInfo {
	obj := f.objects[name]
	info := &gcsapi.ObjectInfo{
		Bucket:      f.bucket,
		Name:        name,
		Size:        int64(len(obj.data)),
		CRC32C:      crc32.Checksum(obj.data, castagnoli),
		ContentType: obj.contentType,
	}
	// GCS reports no MD5 for composite objects.
	if !obj.composite {
		sum := md5.Sum(obj.data)
		info.MD5 = sum[:]
	}
	return info
}

var _ gcsapi.Store = (*FakeStore)(nil)
