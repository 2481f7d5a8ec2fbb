// Package gcstypes provides shared type definitions for the GCS output module.
package gcstypes

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// AuthMethod selects how the module authenticates against Google Cloud Storage.
type AuthMethod string

// Predefined authentication methods
const (
	// AuthMethodPrivateKey authenticates with a service account email and a
	// PKCS#12 private key container
	AuthMethodPrivateKey AuthMethod = "private_key"

	// AuthMethodJSONKey authenticates with a service account JSON key document
	AuthMethodJSONKey AuthMethod = "json_key"

	// AuthMethodComputeEngine authenticates via the Compute Engine metadata endpoint
	AuthMethodComputeEngine AuthMethod = "compute_engine"
)

// RetryPolicy bounds retries of transient failures.
// The same policy shape governs both client construction and uploads,
// though the two may be configured with different limits.
type RetryPolicy struct {
	// Limit is the maximum number of retries; an operation is attempted
	// at most Limit+1 times
	Limit int

	// InitialWait is the wait before the first retry
	InitialWait time.Duration

	// MaxWait caps the exponentially growing wait between retries
	MaxWait time.Duration
}

// Task is the immutable per-partition context owned by one output instance.
// It is created once at job start and read-only thereafter.
type Task struct {
	// TaskIndex identifies the partition this task writes
	TaskIndex int

	// Bucket is the target GCS bucket
	Bucket string

	// PathPrefix is prepended to every generated object name
	PathPrefix string

	// FileExt is appended to every generated object name
	FileExt string

	// SequenceFormat is a format string with two integer verbs
	// (task index, file index) that generates unique name segments
	SequenceFormat string

	// ContentType is the MIME type set on uploaded objects.
	// Empty means detect from the staged content.
	ContentType string

	// Retry bounds upload retries for this task
	Retry RetryPolicy

	// FlushThreshold is the staging size in bytes beyond which the engine
	// rotates the staging file into an intermediate chunk object.
	// Zero disables chunking.
	FlushThreshold int64

	// TempDir is the directory for local staging files.
	// Empty means the system temp directory.
	TempDir string
}

// RemoteObject identifies an uploaded artifact. It is created only after a
// successful insert or compose call.
type RemoteObject struct {
	// Bucket is the bucket holding the object
	Bucket string

	// Name is the object name within the bucket
	Name string

	// Size is the object size in bytes as reported by the store
	Size int64

	// MD5 is the base64-encoded MD5 hash reported by the store.
	// Composite objects carry no MD5 and leave this empty.
	MD5 string
}

// String returns the bucket-qualified object identifier.
func (o RemoteObject) String() string {
	return o.Bucket + "/" + o.Name
}

// CommitReport is the final list of remote objects produced by one task.
// It is the only durable state surfaced to the controller.
type CommitReport struct {
	// TaskIndex identifies the partition this report belongs to
	TaskIndex int

	// Files lists the uploaded objects in creation order
	Files []RemoteObject
}

// ClientConfig holds client-level configuration applied through options.
type ClientConfig struct {
	// Endpoint overrides the storage service endpoint, for emulators
	// and fake servers
	Endpoint string

	// WithoutAuthentication disables credential resolution entirely
	WithoutAuthentication bool

	// HTTPClient overrides the transport used by the storage client
	HTTPClient *http.Client

	// Logger receives structured events; a no-op logger when nil
	Logger *zerolog.Logger

	// UserAgent is sent with every request
	UserAgent string
}

// Option configures the client via the functional options pattern.
type Option func(*ClientConfig)
