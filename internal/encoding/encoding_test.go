package encoding

import (
	"crypto/rand"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openauthsim/otp-service/internal/errs"
)

func TestHex(t *testing.T) {
	t.Run("round trip", func(tt *testing.T) {
		for _, size := range []int{0, 1, 2, 7, 20, 64} {
			b := make([]byte, size)
			_, err := rand.Read(b)
			require.NoError(tt, err)

			decoded, err := DecodeHex(EncodeHex(b))
			assert.NoError(tt, err)
			assert.Equal(tt, b, decoded)
		}
	})

	t.Run("encodes uppercase", func(tt *testing.T) {
		assert.Equal(tt, "00FFAB", EncodeHex([]byte{0x00, 0xff, 0xab}))
		assert.Equal(tt, "", EncodeHex(nil))
	})

	t.Run("accepts mixed case", func(tt *testing.T) {
		decoded, err := DecodeHex("aBcD")
		assert.NoError(tt, err)
		assert.Equal(tt, []byte{0xab, 0xcd}, decoded)
	})

	t.Run("rejects odd length", func(tt *testing.T) {
		_, err := DecodeHex("ABC")
		assert.True(tt, errs.Is(err, errs.InvalidEncoding))
		assert.Contains(tt, err.Error(), "even length")
	})

	t.Run("rejects bad characters", func(tt *testing.T) {
		for _, in := range []string{"0G", "  ", "0x12", "12 4"} {
			_, err := DecodeHex(in)
			assert.True(tt, errs.Is(err, errs.InvalidEncoding), in)
		}
	})

	t.Run("normalize", func(tt *testing.T) {
		normalized, err := NormalizeHex("  abcd\n")
		assert.NoError(tt, err)
		assert.Equal(tt, "ABCD", normalized)
	})
}

func TestBase32(t *testing.T) {
	t.Run("round trip", func(tt *testing.T) {
		for size := 0; size <= 17; size++ {
			b := make([]byte, size)
			_, err := rand.Read(b)
			require.NoError(tt, err)

			encoded := EncodeBase32(b)
			assert.Equal(tt, 0, len(encoded)%8)
			decoded, err := DecodeBase32(encoded)
			assert.NoError(tt, err)
			assert.Equal(tt, b, decoded, "size %d", size)
		}
	})

	t.Run("empty encodes to empty string", func(tt *testing.T) {
		assert.Equal(tt, "", EncodeBase32(nil))
		decoded, err := DecodeBase32("")
		assert.NoError(tt, err)
		assert.Empty(tt, decoded)
	})

	t.Run("known values", func(tt *testing.T) {
		decoded, err := DecodeBase32("GEZDGNBVGY3TQOJQGEZDGNBV\u200bGY3TQOJQ")
		assert.NoError(tt, err)
		assert.Equal(tt, "12345678901234567890", string(decoded))

		decoded, err = DecodeBase32("mfrgg===")
		assert.NoError(tt, err)
		assert.Equal(tt, "abc", string(decoded))
	})

	t.Run("ignores separators", func(tt *testing.T) {
		decoded, err := DecodeBase32("GEZD-GNBV_GY3T QOJQ\tGEZD\r\nGNBV\u200bGY3TQOJQ")
		assert.NoError(tt, err)
		assert.Equal(tt, "12345678901234567890", string(decoded))
	})

	t.Run("padding must be trailing", func(tt *testing.T) {
		_, err := DecodeBase32("MFRGG==Z")
		assert.True(tt, errs.Is(err, errs.InvalidEncoding))
		assert.Contains(tt, err.Error(), "padding must be trailing")

		_, err = DecodeBase32("MFRGGZ==")
		assert.NoError(tt, err)
	})

	t.Run("invalid character", func(tt *testing.T) {
		_, err := DecodeBase32("MFRGG1==")
		assert.True(tt, errs.Is(err, errs.InvalidEncoding))
		assert.Contains(tt, err.Error(), "invalid Base32 character")
	})

	t.Run("invalid trailing bits", func(tt *testing.T) {
		decoded, err := DecodeBase32("MY======")
		assert.NoError(tt, err)
		assert.Equal(tt, "f", string(decoded))

		_, err = DecodeBase32("MZ======")
		assert.True(tt, errs.Is(err, errs.InvalidEncoding))
		assert.Contains(tt, err.Error(), "invalid trailing bits")

		// an extra symbol that cannot complete a byte is rejected, not dropped
		for _, in := range []string{"GEZDGNBV7", "B", "MFRGGZDFB"} {
			decoded, err := DecodeBase32(in)
			assert.True(tt, errs.Is(err, errs.InvalidEncoding), in)
			assert.Contains(tt, err.Error(), "invalid trailing bits", in)
			assert.Nil(tt, decoded, in)
		}
	})
}

func TestDecodeSecret(t *testing.T) {
	secret, err := DecodeSecret("3132", "")
	assert.NoError(t, err)
	assert.Equal(t, []byte("12"), secret)

	secret, err = DecodeSecret("", "GEZA====")
	assert.NoError(t, err)
	assert.Equal(t, []byte("12"), secret)

	_, err = DecodeSecret("3132", "GEZA====")
	assert.True(t, errs.Is(err, errs.InvalidRequest))

	_, err = DecodeSecret("", " ")
	assert.True(t, errs.Is(err, errs.MissingInput))

	_, err = DecodeSecret("313", "")
	assert.True(t, errs.Is(err, errs.InvalidEncoding))
}

func TestHexBytesJSON(t *testing.T) {
	type doc struct {
		Key HexBytes `json:"key"`
	}
	data, err := json.Marshal(doc{Key: HexBytes{0x01, 0xab}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"01AB"}`, string(data))

	var out doc
	require.NoError(t, json.Unmarshal([]byte(`{"key":"01ab"}`), &out))
	assert.Equal(t, HexBytes{0x01, 0xab}, out.Key)

	err = json.Unmarshal([]byte(`{"key":"0"}`), &out)
	assert.Error(t, err)
}
