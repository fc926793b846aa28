package encryption

import (
	"context"
	"crypto/rand"

	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/openauthsim/otp-service/internal/util"
)

const (
	// KeySize is the length of a local data key.
	KeySize = chacha20poly1305.KeySize

	// SaltSize is the argon2 salt length, https://datatracker.ietf.org/doc/html/rfc9106#section-3.1
	SaltSize = 16

	// argon2id parameters recommended by the x/crypto godoc
	argon2Time    = 1
	argon2Memory  = 64 * 1024
	argon2Threads = 4
)

// LocalCipher seals values with a data key held by the process.
type LocalCipher struct {
	key []byte
}

// NewLocalCipher fails unless key is KeySize bytes long.
func NewLocalCipher(key []byte) (*LocalCipher, error) {
	if len(key) != KeySize {
		return nil, errors.Errorf("data key must be %d bytes, got %d", KeySize, len(key))
	}
	return &LocalCipher{key: key}, nil
}

// Encrypt returns nonce || ciphertext.
func (l LocalCipher) Encrypt(_ context.Context, plaintext, contextData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(l.key)
	if err != nil {
		return nil, errors.Wrap(err, "creating aead")
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err = rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "generating nonce")
	}
	return aead.Seal(nonce, nonce, plaintext, contextData), nil
}

func (l LocalCipher) Decrypt(_ context.Context, ciphertext, contextData []byte) ([]byte, error) {
	if ciphertext == nil {
		return nil, nil
	}
	aead, err := chacha20poly1305.NewX(l.key)
	if err != nil {
		return nil, errors.Wrap(err, "creating aead")
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, contextData)
	if err != nil {
		return nil, util.LoggingErrorMsg(err, "could not decrypt stored value")
	}
	return plaintext, nil
}

var (
	_ Encrypter = (*LocalCipher)(nil)
	_ Decrypter = (*LocalCipher)(nil)
)

// DecodeMasterKey decodes a base58 local data key.
func DecodeMasterKey(encoded string) ([]byte, error) {
	key, err := base58.Decode(encoded)
	if err != nil {
		return nil, errors.Wrap(err, "decoding master key")
	}
	if len(key) != KeySize {
		return nil, errors.Errorf("master key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// EncodeMasterKey is the inverse of DecodeMasterKey.
func EncodeMasterKey(key []byte) string {
	return base58.Encode(key)
}

// DeriveKey stretches a password into a local data key with argon2id.
func DeriveKey(password string, salt []byte) ([]byte, error) {
	if password == "" {
		return nil, errors.New("password cannot be empty")
	}
	if len(salt) < SaltSize {
		return nil, errors.Errorf("salt must be at least %d bytes", SaltSize)
	}
	return argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, KeySize), nil
}

// GenerateKey returns a random local data key.
func GenerateKey() ([]byte, error) {
	return random(KeySize)
}

// GenerateSalt returns a random argon2 salt.
func GenerateSalt() ([]byte, error) {
	return random(SaltSize)
}

func random(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, errors.Wrap(err, "reading random bytes")
	}
	return b, nil
}
