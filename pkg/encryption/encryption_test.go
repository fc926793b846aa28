package encryption

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalCipher(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	cipher, err := NewLocalCipher(key)
	require.NoError(t, err)
	ctx := context.Background()
	location := []byte("credential/demo-hotp")

	tests := map[string][]byte{
		"hotp secret": []byte("12345678901234567890"),
		"json":        []byte(`{"protocol":"totp","secret":"3132"}`),
		"single byte": {0x00},
	}
	for name, plaintext := range tests {
		t.Run(name, func(t *testing.T) {
			ciphertext, err := cipher.Encrypt(ctx, plaintext, location)
			assert.NoError(t, err)
			assert.NotEqual(t, plaintext, ciphertext)

			decrypted, err := cipher.Decrypt(ctx, ciphertext, location)
			assert.NoError(t, err)
			assert.Equal(t, plaintext, decrypted)
		})
	}

	t.Run("nonces differ", func(t *testing.T) {
		first, err := cipher.Encrypt(ctx, []byte("secret"), location)
		require.NoError(t, err)
		second, err := cipher.Encrypt(ctx, []byte("secret"), location)
		require.NoError(t, err)
		assert.NotEqual(t, first, second)
	})

	t.Run("nil ciphertext decrypts to nil", func(t *testing.T) {
		decrypted, err := cipher.Decrypt(ctx, nil, location)
		assert.NoError(t, err)
		assert.Nil(t, decrypted)
	})

	t.Run("other location fails", func(t *testing.T) {
		ciphertext, err := cipher.Encrypt(ctx, []byte("secret"), location)
		require.NoError(t, err)
		_, err = cipher.Decrypt(ctx, ciphertext, []byte("credential/other"))
		assert.Error(t, err)
	})

	t.Run("wrong key fails", func(t *testing.T) {
		ciphertext, err := cipher.Encrypt(ctx, []byte("secret"), location)
		require.NoError(t, err)

		otherKey, err := GenerateKey()
		require.NoError(t, err)
		other, err := NewLocalCipher(otherKey)
		require.NoError(t, err)
		_, err = other.Decrypt(ctx, ciphertext, location)
		assert.Error(t, err)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := cipher.Decrypt(ctx, []byte{0x01, 0x02}, location)
		assert.ErrorContains(t, err, "too short")
	})

	t.Run("short key", func(t *testing.T) {
		_, err := NewLocalCipher(key[:16])
		assert.ErrorContains(t, err, "data key must be 32 bytes")
	})
}

func TestMasterKeyEncoding(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	decoded, err := DecodeMasterKey(EncodeMasterKey(key))
	assert.NoError(t, err)
	assert.Equal(t, key, decoded)

	_, err = DecodeMasterKey(EncodeMasterKey(key[:16]))
	assert.ErrorContains(t, err, "master key must be 32 bytes")

	_, err = DecodeMasterKey("0OIl")
	assert.Error(t, err)
}

func TestDeriveKey(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)
	assert.Len(t, salt, SaltSize)

	first, err := DeriveKey("correct horse", salt)
	assert.NoError(t, err)
	assert.Len(t, first, KeySize)

	second, err := DeriveKey("correct horse", salt)
	assert.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := DeriveKey("battery staple", salt)
	assert.NoError(t, err)
	assert.NotEqual(t, first, other)

	_, err = DeriveKey("", salt)
	assert.Error(t, err)

	_, err = DeriveKey("correct horse", salt[:4])
	assert.ErrorContains(t, err, "salt must be at least")
}

type kmsConfig string

func (k kmsConfig) GetMasterKeyURI() string       { return string(k) }
func (kmsConfig) GetKMSCredentialsPath() string { return "" }

func TestNewKMSEnvelope(t *testing.T) {
	_, _, err := NewKMSEnvelope(context.Background(), kmsConfig("vault://keys/otp"))
	assert.ErrorContains(t, err, "is not supported")
}

func TestNoop(t *testing.T) {
	out, err := Noop.Encrypt(context.Background(), []byte("plain"), nil)
	assert.NoError(t, err)
	assert.Equal(t, []byte("plain"), out)
	out, err = Noop.Decrypt(context.Background(), out, nil)
	assert.NoError(t, err)
	assert.Equal(t, []byte("plain"), out)
}
