package ocra

import (
	"crypto/hmac"
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openauthsim/otp-service/internal/encoding"
	"github.com/openauthsim/otp-service/internal/errs"
	"github.com/openauthsim/otp-service/internal/otp"
)

const (
	key20   = "3132333435363738393031323334353637383930"
	key32   = "3132333435363738393031323334353637383930313233343536373839303132"
	key64   = "31323334353637383930313233343536373839303132333435363738393031323334353637383930313233343536373839303132333435363738393031323334"
	pinSHA1 = "7110EDA4D09E062AA5E4A390B0A572AC0D2C0220"
	session = "00112233445566778899AABBCCDDEEFF102132435465768798A9BACBDCEDF0EF112233445566778899AABBCCDDEEFF0089ABCDEF0123456789ABCDEF01234567"
)

func mustHex(t *testing.T, s string) []byte {
	b, err := encoding.DecodeHex(s)
	require.NoError(t, err)
	return b
}

func u64(v uint64) *uint64 { return &v }

func TestParseSuite(t *testing.T) {
	t.Run("full suite", func(tt *testing.T) {
		s, err := ParseSuite("OCRA-1:HOTP-SHA512-8:C-QH40-PSHA256-S128-T30S")
		require.NoError(tt, err)
		assert.Equal(tt, otp.SHA512, s.Algorithm)
		assert.Equal(tt, 8, s.Digits)
		assert.True(tt, s.Counter)
		assert.Equal(tt, QuestionHex, s.Question.Format)
		assert.Equal(tt, 40, s.Question.Length)
		assert.Equal(tt, 32, s.PIN.Length)
		assert.Equal(tt, 128, s.SessionLength)
		assert.Equal(tt, int64(30), s.Timestamp.StepSeconds)
		assert.Equal(tt, []string{"counter", "question(H,40)", "pin(SHA256)", "session(128)", "timestamp(30S)"}, s.DataInputs())
	})

	t.Run("time units", func(tt *testing.T) {
		s, err := ParseSuite("OCRA-1:HOTP-SHA1-6:QN08-T1M")
		require.NoError(tt, err)
		assert.Equal(tt, int64(60), s.Timestamp.StepSeconds)

		s, err = ParseSuite("OCRA-1:HOTP-SHA1-6:QN08-T2H")
		require.NoError(tt, err)
		assert.Equal(tt, int64(7200), s.Timestamp.StepSeconds)
	})

	t.Run("malformed suites", func(tt *testing.T) {
		for _, bad := range []string{
			"",
			"OCRA-1:HOTP-SHA1-6",
			"OCRA-2:HOTP-SHA1-6:QN08",
			"OCRA-1:HOTP-MD5-6:QN08",
			"OCRA-1:HOTP-SHA1-3:QN08",
			"OCRA-1:HOTP-SHA1-11:QN08",
			"OCRA-1:TOTP-SHA1-6:QN08",
			"OCRA-1:HOTP-SHA1-6:QX08",
			"OCRA-1:HOTP-SHA1-6:QN99",
			"OCRA-1:HOTP-SHA1-6:QN08-PMD5",
			"OCRA-1:HOTP-SHA1-6:QN08-S100",
			"OCRA-1:HOTP-SHA1-6:QN08-T60S",
			"OCRA-1:HOTP-SHA1-6:QN08-T1D",
			"OCRA-1:HOTP-SHA1-6:QN08-C",
			"OCRA-1:HOTP-SHA1-6:QN08-QN08",
			"OCRA-1:HOTP-SHA1-6:C",
			"OCRA-1:HOTP-SHA1-6:QN08-Z",
		} {
			_, err := ParseSuite(bad)
			assert.True(tt, errs.Is(err, errs.InvalidConfiguration), bad)
		}
	})
}

func TestEvaluateVectors(t *testing.T) {
	tests := []struct {
		name  string
		suite string
		key   string
		in    Inputs
		want  string
	}{
		{"numeric challenge", "OCRA-1:HOTP-SHA1-6:QN08", key20, Inputs{Challenge: "00000000"}, "237653"},
		{"numeric challenge 1", "OCRA-1:HOTP-SHA1-6:QN08", key20, Inputs{Challenge: "11111111"}, "243178"},
		{"numeric challenge 2", "OCRA-1:HOTP-SHA1-6:QN08", key20, Inputs{Challenge: "22222222"}, "653583"},
		{"numeric challenge 9", "OCRA-1:HOTP-SHA1-6:QN08", key20, Inputs{Challenge: "99999999"}, "294470"},
		{"counter and pin hash", "OCRA-1:HOTP-SHA256-8:C-QN08-PSHA1", key32,
			Inputs{Counter: u64(0), Challenge: "12345678", PINHash: nil, PIN: "1234"}, "65347737"},
		{"counter and pin hash c1", "OCRA-1:HOTP-SHA256-8:C-QN08-PSHA1", key32,
			Inputs{Counter: u64(1), Challenge: "12345678"}, "86775851"},
		{"pin without counter", "OCRA-1:HOTP-SHA256-8:QN08-PSHA1", key32, Inputs{Challenge: "00000000"}, "83238735"},
		{"pin without counter 1", "OCRA-1:HOTP-SHA256-8:QN08-PSHA1", key32, Inputs{Challenge: "11111111"}, "01501458"},
		{"time based", "OCRA-1:HOTP-SHA512-8:QN08-T1M", key64, Inputs{Challenge: "00000000", TimestampHex: "132d0b6"}, "95209754"},
		{"time based 1", "OCRA-1:HOTP-SHA512-8:QN08-T1M", key64, Inputs{Challenge: "11111111", TimestampHex: "132d0b6"}, "55907591"},
		{"session", "OCRA-1:HOTP-SHA256-8:QA08-S064", key32, Inputs{Challenge: "SESSION01"}, "17477202"},
		{"mutual server", "OCRA-1:HOTP-SHA256-8:QA08", key32, Inputs{ClientChallenge: "CLI22220", ServerChallenge: "SRV11110"}, "28247970"},
		{"mutual client", "OCRA-1:HOTP-SHA256-8:QA08", key32, Inputs{ClientChallenge: "SRV11110", ServerChallenge: "CLI22220"}, "15510767"},
		{"mutual sha512", "OCRA-1:HOTP-SHA512-8:QA08", key64, Inputs{Challenge: "CLI22220SRV11110"}, "79496648"},
	}
	for _, test := range tests {
		t.Run(test.name, func(tt *testing.T) {
			suite, err := ParseSuite(test.suite)
			require.NoError(tt, err)

			in := test.in
			if suite.PIN != nil && in.PIN == "" {
				in.PINHash = mustHex(tt, pinSHA1)
			}
			if suite.SessionLength > 0 {
				in.Session = mustHex(tt, session)
			}
			res, err := Evaluate(suite, mustHex(tt, test.key), in)
			require.NoError(tt, err)
			assert.Equal(tt, test.want, res.OTP)
		})
	}
}

func TestEvaluateUntruncated(t *testing.T) {
	suite, err := ParseSuite("OCRA-1:HOTP-SHA1-0:QN08")
	require.NoError(t, err)
	assert.Equal(t, 0, suite.Digits)
	assert.False(t, suite.Truncated())

	key := mustHex(t, key20)
	res, err := Evaluate(suite, key, Inputs{Challenge: "00000000"})
	require.NoError(t, err)

	mac := hmac.New(sha1.New, key)
	mac.Write(res.Message.Bytes())
	assert.Equal(t, encoding.EncodeHex(mac.Sum(nil)), res.OTP)
	assert.Len(t, res.OTP, 40)
}

func TestEvaluateMessageLayout(t *testing.T) {
	suite, err := ParseSuite("OCRA-1:HOTP-SHA1-6:C-QN08-PSHA1-S064-T1M")
	require.NoError(t, err)

	ts := int64(120)
	res, err := Evaluate(suite, mustHex(t, key20), Inputs{
		Counter:   u64(1),
		Challenge: "12345678",
		PIN:       "1234",
		Session:   []byte{0x01},
		Timestamp: &ts,
	})
	require.NoError(t, err)

	msg := res.Message
	assert.Len(t, msg.Counter, 8)
	assert.Len(t, msg.Question, 128)
	assert.Equal(t, byte(0xBC), msg.Question[0])
	assert.Len(t, msg.PIN, 20)
	assert.Equal(t, mustHex(t, pinSHA1), msg.PIN)
	assert.Len(t, msg.Session, 64)
	assert.Equal(t, byte(0x01), msg.Session[63])
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 2}, msg.Timestamp)
	assert.Equal(t, uint64(2), *res.TimeStep)
	assert.Len(t, msg.Bytes(), len(suite.Value)+1+8+128+20+64+8)
}

func TestEvaluateInputValidation(t *testing.T) {
	key := mustHex(t, key20)

	t.Run("missing challenge", func(tt *testing.T) {
		suite, _ := ParseSuite("OCRA-1:HOTP-SHA1-6:QN08")
		_, err := Evaluate(suite, key, Inputs{})
		assert.True(tt, errs.Is(err, errs.MissingInput))
		assert.Contains(tt, err.Error(), "challenge question required")
	})

	t.Run("missing inputs by kind", func(tt *testing.T) {
		tests := map[string]string{
			"OCRA-1:HOTP-SHA1-6:C-QN08":     "counter value required",
			"OCRA-1:HOTP-SHA1-6:QN08-PSHA1": "pin hash required",
			"OCRA-1:HOTP-SHA1-6:QN08-S064":  "session information required",
			"OCRA-1:HOTP-SHA1-6:QN08-T1M":   "timestamp value required",
		}
		for value, msg := range tests {
			suite, err := ParseSuite(value)
			require.NoError(tt, err)
			_, err = Evaluate(suite, key, Inputs{Challenge: "1234"})
			assert.True(tt, errs.Is(err, errs.MissingInput), value)
			assert.Contains(tt, err.Error(), msg)
		}
	})

	t.Run("undeclared inputs are rejected", func(tt *testing.T) {
		suite, _ := ParseSuite("OCRA-1:HOTP-SHA1-6:QN08")
		ts := int64(1)
		for _, in := range []Inputs{
			{Challenge: "1", Counter: u64(1)},
			{Challenge: "1", PIN: "1234"},
			{Challenge: "1", Session: []byte{1}},
			{Challenge: "1", Timestamp: &ts},
		} {
			_, err := Evaluate(suite, key, in)
			assert.True(tt, errs.Is(err, errs.InvalidInput))
		}
	})

	t.Run("malformed challenges", func(tt *testing.T) {
		suite, _ := ParseSuite("OCRA-1:HOTP-SHA1-6:QN08")
		_, err := Evaluate(suite, key, Inputs{Challenge: "12AB"})
		assert.True(tt, errs.Is(err, errs.InvalidInput))

		suite, _ = ParseSuite("OCRA-1:HOTP-SHA1-6:QH08")
		_, err = Evaluate(suite, key, Inputs{Challenge: "XYZ"})
		assert.True(tt, errs.Is(err, errs.InvalidInput))

		res, err := Evaluate(suite, key, Inputs{Challenge: "abc"})
		assert.NoError(tt, err)
		assert.Equal(tt, []byte{0xAB, 0xC0}, res.Message.Question[:2])
	})

	t.Run("oversized session", func(tt *testing.T) {
		suite, _ := ParseSuite("OCRA-1:HOTP-SHA1-6:QN08-S064")
		_, err := Evaluate(suite, key, Inputs{Challenge: "1", Session: make([]byte, 65)})
		assert.True(tt, errs.Is(err, errs.InvalidInput))
	})

	t.Run("missing key", func(tt *testing.T) {
		suite, _ := ParseSuite("OCRA-1:HOTP-SHA1-6:QN08")
		_, err := Evaluate(suite, nil, Inputs{Challenge: "1"})
		assert.True(tt, errs.Is(err, errs.MissingInput))
	})
}
