// Package encryption protects stored credential material. Values are sealed either with a
// local data key (XChaCha20-Poly1305) or through a KMS envelope managed by tink.
package encryption

import (
	"context"
)

// Encrypter seals plaintext. contextData is bound to the ciphertext as associated data and
// must be presented again to decrypt.
type Encrypter interface {
	Encrypt(ctx context.Context, plaintext, contextData []byte) ([]byte, error)
}

// Decrypter opens what the matching Encrypter sealed.
type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext, contextData []byte) ([]byte, error)
}

type noop struct{}

func (noop) Encrypt(_ context.Context, plaintext, _ []byte) ([]byte, error) {
	return plaintext, nil
}

func (noop) Decrypt(_ context.Context, ciphertext, _ []byte) ([]byte, error) {
	return ciphertext, nil
}

// Noop passes values through unchanged, for deployments with encryption at rest disabled.
var Noop = noop{}

var (
	_ Encrypter = Noop
	_ Decrypter = Noop
)
