// Package auth builds OAuth2 token sources for the supported
// authentication variants.
//
// Each variant is a concrete Credential value exposing one capability:
// producing a token source bound to the storage read-write scope. The
// variant is selected once during setup; call sites never branch on an
// authentication mode again.
package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/pkcs12"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"

	"github.com/embulk/embulk-output-gcs/errors"
)

// Scope is the OAuth2 scope requested for every credential variant.
const Scope = "https://www.googleapis.com/auth/devstorage.read_write"

// DefaultKeyPassword is the passphrase Google issues PKCS#12 service
// account keys with.
const DefaultKeyPassword = "notasecret"

// Credential produces a token source for one authentication variant.
type Credential interface {
	// TokenSource mints a lazily-refreshed token source bound to Scope.
	// Invalid or malformed key material fails immediately with a
	// configuration-class error; no network activity is involved except
	// for the compute metadata variant, which defers fetching to first use.
	TokenSource(ctx context.Context) (oauth2.TokenSource, error)
}

// PrivateKey authenticates a service account with a PKCS#12 key container.
type PrivateKey struct {
	// Email is the service account identity
	Email string

	// KeyData is the raw PKCS#12 container
	KeyData []byte

	// Password decrypts the container; DefaultKeyPassword when empty
	Password string
}

// TokenSource implements Credential.
func (p PrivateKey) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	if p.Email == "" {
		return nil, errors.NewError("auth", errors.ErrConfiguration).
			WithMessage("private_key authentication requires a service account email")
	}
	if len(p.KeyData) == 0 {
		return nil, errors.NewError("auth", errors.ErrConfiguration).
			WithMessage("private_key authentication requires key material")
	}

	password := p.Password
	if password == "" {
		password = DefaultKeyPassword
	}

	key, _, err := pkcs12.Decode(p.KeyData, password)
	if err != nil {
		return nil, errors.NewError("auth", errors.ErrConfiguration).
			WithMessage(fmt.Sprintf("decoding PKCS#12 key container: %v", err))
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.NewError("auth", errors.ErrConfiguration).
			WithMessage(fmt.Sprintf("unsupported private key type %T", key))
	}

	der, err := x509.MarshalPKCS8PrivateKey(rsaKey)
	if err != nil {
		return nil, errors.NewError("auth", errors.ErrConfiguration).
			WithMessage(fmt.Sprintf("encoding private key: %v", err))
	}

	conf := &jwt.Config{
		Email:      p.Email,
		PrivateKey: pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}),
		Scopes:     []string{Scope},
		TokenURL:   google.JWTTokenURL,
	}
	return conf.TokenSource(ctx), nil
}

// JSONKey authenticates with a service account JSON key document.
type JSONKey struct {
	// KeyData is the JSON key document
	KeyData []byte
}

// TokenSource implements Credential.
func (j JSONKey) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	if len(j.KeyData) == 0 {
		return nil, errors.NewError("auth", errors.ErrConfiguration).
			WithMessage("json_key authentication requires key material")
	}

	creds, err := google.CredentialsFromJSON(ctx, j.KeyData, Scope)
	if err != nil {
		return nil, errors.NewError("auth", errors.ErrConfiguration).
			WithMessage(fmt.Sprintf("parsing JSON key: %v", err))
	}
	return creds.TokenSource, nil
}

// ComputeMetadata authenticates via the ambient Compute Engine
// metadata endpoint.
type ComputeMetadata struct{}

// TokenSource implements Credential.
func (ComputeMetadata) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	return google.ComputeTokenSource("", Scope), nil
}
