package encryption

import (
	"context"
	"strings"

	"github.com/google/tink/go/aead"
	"github.com/google/tink/go/core/registry"
	"github.com/google/tink/go/integration/awskms"
	"github.com/google/tink/go/integration/gcpkms"
	"github.com/google/tink/go/keyset"
	"github.com/google/tink/go/tink"
	"github.com/pkg/errors"
	"google.golang.org/api/option"
)

const (
	gcpKMSScheme = "gcp-kms"
	awsKMSScheme = "aws-kms"
)

// KMSConfig names the master key that wraps per-value data keys.
type KMSConfig interface {
	GetMasterKeyURI() string
	GetKMSCredentialsPath() string
}

// envelope adapts a tink AEAD to Encrypter and Decrypter.
type envelope struct {
	tink.AEAD
}

func (e envelope) Encrypt(_ context.Context, plaintext, contextData []byte) ([]byte, error) {
	return e.AEAD.Encrypt(plaintext, contextData)
}

func (e envelope) Decrypt(_ context.Context, ciphertext, contextData []byte) ([]byte, error) {
	if ciphertext == nil {
		return nil, nil
	}
	return e.AEAD.Decrypt(ciphertext, contextData)
}

// NewKMSEnvelope seals each value under a fresh AES-256-GCM key that the KMS master key
// wraps. Supported URIs start with gcp-kms:// or aws-kms://.
func NewKMSEnvelope(ctx context.Context, cfg KMSConfig) (Encrypter, Decrypter, error) {
	uri := cfg.GetMasterKeyURI()
	var (
		client registry.KMSClient
		err    error
	)
	switch {
	case strings.HasPrefix(uri, gcpKMSScheme):
		client, err = gcpkms.NewClientWithOptions(ctx, uri, option.WithCredentialsFile(cfg.GetKMSCredentialsPath()))
	case strings.HasPrefix(uri, awsKMSScheme):
		client, err = awskms.NewClientWithCredentials(uri, cfg.GetKMSCredentialsPath())
	default:
		return nil, nil, errors.Errorf("master_key_uri value %q is not supported", uri)
	}
	if err != nil {
		return nil, nil, errors.Wrapf(err, "creating kms client for %s", uri)
	}
	registry.RegisterKMSClient(client)

	handle, err := keyset.NewHandle(aead.KMSEnvelopeAEADKeyTemplate(uri, aead.AES256GCMKeyTemplate()))
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating keyset handle")
	}
	a, err := aead.New(handle)
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating envelope aead")
	}
	e := envelope{a}
	return e, e, nil
}
