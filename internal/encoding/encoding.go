// Package encoding holds the byte codecs shared by every protocol: strict hex, lenient
// RFC 4648 Base32, and a hex-typed byte slice for JSON documents.
package encoding

import (
	"encoding/base32"
	"strings"

	"github.com/goccy/go-json"

	"github.com/openauthsim/otp-service/internal/errs"
)

const hexDigits = "0123456789ABCDEF"

// EncodeHex renders bytes as uppercase hex.
func EncodeHex(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0x0F]
	}
	return string(out)
}

// DecodeHex accepts only [0-9A-Fa-f] with an even number of characters.
func DecodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, errs.New(errs.InvalidEncoding, "hex value must have even length")
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(s); i += 2 {
		hi, ok := fromHexChar(s[i])
		if !ok {
			return nil, errs.Newf(errs.InvalidEncoding, "invalid hex character at position %d", i)
		}
		lo, ok := fromHexChar(s[i+1])
		if !ok {
			return nil, errs.Newf(errs.InvalidEncoding, "invalid hex character at position %d", i+1)
		}
		out[i/2] = hi<<4 | lo
	}
	return out, nil
}

// NormalizeHex trims surrounding whitespace, upper-cases and validates a hex value.
func NormalizeHex(s string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(s))
	if _, err := DecodeHex(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

func fromHexChar(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// EncodeBase32 renders bytes as padded RFC 4648 Base32. Empty input yields "".
func EncodeBase32(b []byte) string {
	return base32.StdEncoding.EncodeToString(b)
}

const base32Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"

var base32Lookup = func() [256]int8 {
	var table [256]int8
	for i := range table {
		table[i] = -1
	}
	for i := 0; i < len(base32Alphabet); i++ {
		table[base32Alphabet[i]] = int8(i)
	}
	return table
}()

// DecodeBase32 decodes operator-entered Base32. Separators and whitespace are ignored,
// case is ignored, and padding may only appear as a trailing run.
func DecodeBase32(s string) ([]byte, error) {
	cleaned := stripBase32Separators(s)

	body := cleaned
	if idx := strings.IndexByte(cleaned, '='); idx >= 0 {
		if strings.TrimRight(cleaned[idx:], "=") != "" {
			return nil, errs.New(errs.InvalidEncoding, "padding must be trailing")
		}
		body = cleaned[:idx]
	}

	out := make([]byte, 0, len(body)*5/8)
	var buffer uint32
	var bits uint
	for i := 0; i < len(body); i++ {
		v := base32Lookup[body[i]]
		if v < 0 {
			return nil, errs.New(errs.InvalidEncoding, "invalid Base32 character")
		}
		buffer = buffer<<5 | uint32(v)
		bits += 5
		if bits >= 8 {
			bits -= 8
			out = append(out, byte(buffer>>bits))
			buffer &= 1<<bits - 1
		}
	}
	// leftover bits that did not fill a byte must all be zero
	if bits > 0 && buffer != 0 {
		return nil, errs.New(errs.InvalidEncoding, "invalid trailing bits")
	}
	return out, nil
}

func stripBase32Separators(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '\u200b', '-', '_', '\t', '\r', '\n', ' ':
			continue
		}
		if 'a' <= r && r <= 'z' {
			r -= 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// DecodeSecret decodes a shared secret supplied as exactly one of hex or Base32.
func DecodeSecret(hexValue, base32Value string) ([]byte, error) {
	hexValue = strings.TrimSpace(hexValue)
	base32Value = strings.TrimSpace(base32Value)
	switch {
	case hexValue != "" && base32Value != "":
		return nil, errs.New(errs.InvalidRequest, "provide either sharedSecretHex or sharedSecretBase32, not both")
	case hexValue != "":
		secret, err := DecodeHex(hexValue)
		if err != nil {
			return nil, errs.Wrap(err, errs.InvalidEncoding, "decoding sharedSecretHex")
		}
		return secret, nil
	case base32Value != "":
		secret, err := DecodeBase32(base32Value)
		if err != nil {
			return nil, errs.Wrap(err, errs.InvalidEncoding, "decoding sharedSecretBase32")
		}
		return secret, nil
	}
	return nil, errs.New(errs.MissingInput, "shared secret required")
}

// HexBytes is a byte slice that travels through JSON as an uppercase hex string.
type HexBytes []byte

func (h HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(EncodeHex(h))
}

func (h *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errs.Wrap(err, errs.InvalidEncoding, "hex value must be a string")
	}
	decoded, err := DecodeHex(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	*h = decoded
	return nil
}

func (h HexBytes) String() string {
	return EncodeHex(h)
}

// Zero overwrites the bytes in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
