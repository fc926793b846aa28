// Package otp implements HOTP (RFC 4226) and TOTP (RFC 6238).
package otp

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"hash"
	"strings"

	"github.com/openauthsim/otp-service/internal/errs"
)

type Algorithm string

const (
	SHA1   Algorithm = "SHA1"
	SHA256 Algorithm = "SHA256"
	SHA512 Algorithm = "SHA512"

	MinDigits = 6
	MaxDigits = 8

	DefaultDigits      = 6
	DefaultStepSeconds = 30
)

// ParseAlgorithm accepts SHA1, SHA-1, HmacSHA1 and friends, case-insensitively. Empty means SHA1.
func ParseAlgorithm(s string) (Algorithm, error) {
	normalized := strings.ToUpper(strings.TrimSpace(s))
	normalized = strings.TrimPrefix(normalized, "HMAC")
	normalized = strings.ReplaceAll(normalized, "-", "")
	switch normalized {
	case "", "SHA1":
		return SHA1, nil
	case "SHA256":
		return SHA256, nil
	case "SHA512":
		return SHA512, nil
	}
	return "", errs.Newf(errs.InvalidConfiguration, "unsupported algorithm: %s", s)
}

// Hash returns the hash constructor for the algorithm.
func (a Algorithm) Hash() func() hash.Hash {
	switch a {
	case SHA256:
		return sha256.New
	case SHA512:
		return sha512.New
	default:
		return sha1.New
	}
}

func (a Algorithm) String() string {
	return string(a)
}

// ValidateDigits checks the HOTP/TOTP digit range.
func ValidateDigits(digits int) error {
	if digits < MinDigits || digits > MaxDigits {
		return errs.Newf(errs.InvalidConfiguration, "digits must be between %d and %d, got %d", MinDigits, MaxDigits, digits)
	}
	return nil
}

// Computation exposes every intermediate value of one HOTP evaluation.
type Computation struct {
	Counter      uint64
	CounterBytes []byte
	HMAC         []byte
	Offset       int
	Truncated    uint32
	Modulus      uint64
	OTP          string
}

// Compute runs HMAC, dynamic truncation and modular reduction over an 8-byte counter.
func Compute(secret []byte, counter uint64, digits int, alg Algorithm) Computation {
	msg := make([]byte, 8)
	binary.BigEndian.PutUint64(msg, counter)
	c := Truncate(secret, msg, digits, alg.Hash())
	c.Counter = counter
	return c
}

// Truncate applies RFC 4226 dynamic truncation to HMAC(secret, msg). OCRA reuses it with
// its own message layout.
func Truncate(secret, msg []byte, digits int, h func() hash.Hash) Computation {
	mac := hmac.New(h, secret)
	mac.Write(msg)
	sum := mac.Sum(nil)

	offset := int(sum[len(sum)-1] & 0x0F)
	binCode := uint32(sum[offset]&0x7F)<<24 |
		uint32(sum[offset+1])<<16 |
		uint32(sum[offset+2])<<8 |
		uint32(sum[offset+3])

	modulus := pow10(digits)
	value := uint64(binCode) % modulus
	return Computation{
		CounterBytes: msg,
		HMAC:         sum,
		Offset:       offset,
		Truncated:    binCode,
		Modulus:      modulus,
		OTP:          fmt.Sprintf("%0*d", digits, value),
	}
}

// HOTP returns the one-time password for a counter.
func HOTP(secret []byte, counter uint64, digits int, alg Algorithm) string {
	return Compute(secret, counter, digits, alg).OTP
}

// TimeStep is floor((unixSeconds - t0) / step).
func TimeStep(unixSeconds, t0, step int64) int64 {
	delta := unixSeconds - t0
	q := delta / step
	if delta%step != 0 && delta < 0 {
		q--
	}
	return q
}

// TOTP returns the one-time password for a timestamp.
func TOTP(secret []byte, unixSeconds, t0, step int64, digits int, alg Algorithm) (string, int64) {
	counter := TimeStep(unixSeconds, t0, step)
	return HOTP(secret, uint64(counter), digits, alg), counter
}

func pow10(n int) uint64 {
	v := uint64(1)
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v
}
