package gcsout

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/embulk/embulk-output-gcs/gcstypes"
)

// WithEndpoint overrides the storage service endpoint. This is primarily
// useful for emulators and fake servers in tests.
func WithEndpoint(endpoint string) gcstypes.Option {
	return func(c *gcstypes.ClientConfig) {
		c.Endpoint = endpoint
	}
}

// WithoutAuthentication disables credential resolution entirely.
// Use together with WithEndpoint against stores that accept anonymous
// requests.
func WithoutAuthentication() gcstypes.Option {
	return func(c *gcstypes.ClientConfig) {
		c.WithoutAuthentication = true
	}
}

// WithHTTPClient overrides the HTTP client used by the storage client.
func WithHTTPClient(client *http.Client) gcstypes.Option {
	return func(c *gcstypes.ClientConfig) {
		c.HTTPClient = client
	}
}

// WithLogger sets the logger for structured events. Without this option
// the client stays silent.
func WithLogger(logger zerolog.Logger) gcstypes.Option {
	return func(c *gcstypes.ClientConfig) {
		c.Logger = &logger
	}
}

// WithUserAgent overrides the user agent sent with every request.
// By default the configured application name is used.
func WithUserAgent(ua string) gcstypes.Option {
	return func(c *gcstypes.ClientConfig) {
		c.UserAgent = ua
	}
}
