package gcsout

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/embulk/embulk-output-gcs/errors"
	"github.com/embulk/embulk-output-gcs/gcstypes"
	"github.com/embulk/embulk-output-gcs/internal/auth"
	"github.com/embulk/embulk-output-gcs/internal/gcsapi"
	"github.com/embulk/embulk-output-gcs/internal/retry"
)

// Client is a validated handle on the target bucket. Construction resolves
// credentials, builds the underlying storage client, and proves that the
// bucket is reachable before returning, so a Client in hand means
// configuration and connectivity are good.
type Client struct {
	store  gcsapi.Store
	cfg    *Config
	log    zerolog.Logger
	policy retry.Policy
}

// New builds a Client from the configuration.
//
// The configuration is validated first, then credentials are resolved
// according to the auth method, and finally the bucket is probed with a
// one-entry listing. The probe is retried under the configured budget;
// request-level failures (4xx) short-circuit as configuration errors.
func New(ctx context.Context, cfg *Config, opts ...gcstypes.Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cc := gcstypes.ClientConfig{UserAgent: cfg.ApplicationName}
	for _, opt := range opts {
		opt(&cc)
	}

	log := zerolog.Nop()
	if cc.Logger != nil {
		log = *cc.Logger
	}

	clientOpts := []option.ClientOption{option.WithUserAgent(cc.UserAgent)}
	if cc.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(cc.Endpoint))
	}
	if cc.HTTPClient != nil {
		clientOpts = append(clientOpts, option.WithHTTPClient(cc.HTTPClient))
	}

	if cc.WithoutAuthentication {
		clientOpts = append(clientOpts, option.WithoutAuthentication())
	} else {
		cred, err := credentialFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		ts, err := cred.TokenSource(ctx)
		if err != nil {
			return nil, err
		}
		clientOpts = append(clientOpts, option.WithTokenSource(ts))
	}

	sc, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, errors.NewBucketError("connect", cfg.Bucket, err)
	}

	c := &Client{
		store:  gcsapi.NewStore(sc, cfg.Bucket),
		cfg:    cfg,
		log:    log,
		policy: toRetryPolicy(cfg.RetryPolicy()),
	}

	if err := c.probeBucket(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// NewWithStore builds a Client on an existing store, skipping credential
// resolution and the bucket probe. Intended for tests.
func NewWithStore(store gcsapi.Store, cfg *Config, logger zerolog.Logger) *Client {
	return &Client{
		store:  store,
		cfg:    cfg,
		log:    logger,
		policy: toRetryPolicy(cfg.RetryPolicy()),
	}
}

// Store returns the bucket-scoped store backing this client.
func (c *Client) Store() gcsapi.Store {
	return c.store
}

// Bucket returns the bucket this client is bound to.
func (c *Client) Bucket() string {
	return c.store.BucketName()
}

// probeBucket proves the bucket is reachable with the credential in hand
// by fetching a single listing entry. A bucket that does not exist or a
// credential that cannot read it fails here, before any data flows.
func (c *Client) probeBucket(ctx context.Context) error {
	_, err := retry.Do(ctx, c.policy, classifyStoreError, retryLogObserver(c.log, "probe"),
		func() (*gcsapi.Page, error) {
			return c.store.List(ctx, "", "", "", 1)
		})
	if err != nil {
		return storeError("probe", c.store.BucketName(), "", err)
	}
	c.log.Debug().Str("bucket", c.store.BucketName()).Msg("bucket probe succeeded")
	return nil
}

// retryLogObserver returns a retry observer that logs every scheduled retry.
// Every third attempt logs the failure in full; the rest stay brief to
// keep long outages from flooding the log.
func retryLogObserver(log zerolog.Logger, op string) retry.Observer {
	return func(err error, attempt, limit int, wait time.Duration) {
		ev := log.Warn().
			Str("op", op).
			Int("attempt", attempt).
			Int("limit", limit).
			Dur("wait", wait)
		if attempt%3 == 0 {
			ev = ev.Err(err)
		}
		ev.Msg("transient failure, retrying")
	}
}

// credentialFromConfig resolves the credential variant for the configured
// auth method, reading key material from disk where the configuration
// points at files.
func credentialFromConfig(cfg *Config) (auth.Credential, error) {
	switch cfg.AuthMethod {
	case gcstypes.AuthMethodPrivateKey:
		path := cfg.P12Keyfile
		if path == "" {
			path = cfg.P12KeyfilePath
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.NewError("auth", errors.ErrConfiguration).
				WithMessage(fmt.Sprintf("reading p12 keyfile %s: %v", path, err))
		}
		return auth.PrivateKey{
			Email:    cfg.ServiceAccountEmail,
			KeyData:  data,
			Password: cfg.StorePass,
		}, nil

	case gcstypes.AuthMethodJSONKey:
		if cfg.JSONKeyContent != "" {
			return auth.JSONKey{KeyData: []byte(cfg.JSONKeyContent)}, nil
		}
		data, err := os.ReadFile(cfg.JSONKeyfile)
		if err != nil {
			return nil, errors.NewError("auth", errors.ErrConfiguration).
				WithMessage(fmt.Sprintf("reading json keyfile %s: %v", cfg.JSONKeyfile, err))
		}
		return auth.JSONKey{KeyData: data}, nil

	case gcstypes.AuthMethodComputeEngine:
		return auth.ComputeMetadata{}, nil

	default:
		return nil, errors.NewError("auth", errors.ErrConfiguration).
			WithMessage(fmt.Sprintf("unknown auth_method %q", cfg.AuthMethod))
	}
}

// classifyStoreError decides whether a store failure is worth retrying.
// Request-level rejections (4xx) will fail the same way on every attempt,
// so they short-circuit; everything else is assumed transient.
func classifyStoreError(err error) retry.Class {
	// Failures already classified by this module will not change on retry.
	if errors.IsConfiguration(err) || errors.IsLocalResource(err) || errors.IsInvalidInput(err) {
		return retry.Fatal
	}

	var gerr *googleapi.Error
	if stderrors.As(err, &gerr) && gerr.Code >= 400 && gerr.Code < 500 {
		return retry.Fatal
	}

	var rerr *oauth2.RetrieveError
	if stderrors.As(err, &rerr) && rerr.Response != nil &&
		rerr.Response.StatusCode >= 400 && rerr.Response.StatusCode < 500 {
		return retry.Fatal
	}

	if stderrors.Is(err, storage.ErrBucketNotExist) || stderrors.Is(err, storage.ErrObjectNotExist) {
		return retry.Fatal
	}
	return retry.Retryable
}

// storeError maps a retry outcome into this module's error taxonomy.
func storeError(op, bucket, object string, err error) error {
	var fatal *retry.FatalError
	if stderrors.As(err, &fatal) {
		// Keep the class of failures this module already classified.
		if errors.IsConfiguration(fatal.Err) || errors.IsLocalResource(fatal.Err) ||
			errors.IsInvalidInput(fatal.Err) {
			return fatal.Err
		}
		return errors.NewObjectError(op, bucket, object, errors.ErrConfiguration).
			WithMessage(fatal.Err.Error())
	}

	var exhausted *retry.ExhaustedError
	if stderrors.As(err, &exhausted) {
		// Keep the triggering error in the chain so callers can still
		// inspect it with errors.As after exhaustion.
		return errors.NewObjectError(op, bucket, object,
			fmt.Errorf("%w after %d attempts: %w", errors.ErrRetryExhausted, exhausted.Attempts, exhausted.Err))
	}

	// Context cancellation and other loop errors pass through with context.
	return errors.NewObjectError(op, bucket, object, err)
}

func toRetryPolicy(p gcstypes.RetryPolicy) retry.Policy {
	return retry.Policy{
		Limit:       p.Limit,
		InitialWait: p.InitialWait,
		MaxWait:     p.MaxWait,
	}
}
