package emvcap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openauthsim/otp-service/internal/encoding"
	"github.com/openauthsim/otp-service/internal/errs"
)

func mustHex(t *testing.T, s string) []byte {
	b, err := encoding.DecodeHex(s)
	require.NoError(t, err)
	return b
}

func identifyInput(t *testing.T) Input {
	return Input{
		Mode: Identify,
		Params: Params{
			MasterKey:               mustHex(t, "0123456789ABCDEF0123456789ABCDEF"),
			ATC:                     0x00B4,
			BranchFactor:            4,
			Height:                  8,
			IV:                      make([]byte, 16),
			CDOL1:                   mustHex(t, "9F02069F03069F1A0295055F2A029A039C019F3704"),
			IssuerProprietaryBitmap: mustHex(t, "00001F00000000000FFFFF00000000008000"),
			ICCDataTemplate:         "1000XXXXA50006040000",
			IssuerApplicationData:   mustHex(t, "06770A03A48000"),
		},
	}
}

func TestEvaluateIdentify(t *testing.T) {
	res, err := Evaluate(identifyInput(t))
	require.NoError(t, err)

	assert.Equal(t, "5EC8B98ABC8F9E7597647CBCB9A75402", encoding.EncodeHex(res.SessionKey))
	assert.Equal(t, "0000000000000000000000000000800000000000000000000000000000", encoding.EncodeHex(res.Terminal))
	assert.Equal(t, "100000B4A50006040000", encoding.EncodeHex(res.ICC))
	assert.Equal(t, "7F32A79FDA945643", encoding.EncodeHex(res.MAC.AC))
	assert.Equal(t, "8000B47F32A79FDA94564306770A03A48000", encoding.EncodeHex(res.GenerateACResult))
	assert.Equal(t, "....1F...........FFFFF..........8...", res.BitmaskOverlay)
	assert.Equal(t, "....14...........45643..........8...", res.MaskedDigitsOverlay)
	assert.Equal(t, 8, res.MaskedDigitsCount)
	assert.Equal(t, "42511495", res.OTP)
	assert.Equal(t, "288AC87", res.OTPHex)
	assert.Equal(t, []int{0, 0, 0, 0, 2, 3, 1, 0}, res.Path)

	require.Len(t, res.CDOL, 8)
	assert.Equal(t, "9F02", res.CDOL[0].TagHex())
	assert.Equal(t, "95", res.CDOL[3].TagHex())
	assert.Equal(t, "tvr", res.CDOL[3].Source)
	assert.Equal(t, 14, res.CDOL[3].Offset)

	// 29 terminal bytes plus 10 ICC bytes pad out to five blocks
	assert.Len(t, res.MAC.Padded, 40)
	assert.Len(t, res.MAC.Blocks, 5)
}

func TestEvaluateRespondAndSign(t *testing.T) {
	respond := identifyInput(t)
	respond.Mode = Respond
	respond.Customer = CustomerInputs{Challenge: "1234"}

	first, err := Evaluate(respond)
	require.NoError(t, err)
	second, err := Evaluate(respond)
	require.NoError(t, err)
	assert.Equal(t, first.OTP, second.OTP)
	assert.Equal(t, []byte{0x00, 0x00, 0x12, 0x34}, first.Terminal[25:29])
	assert.Equal(t, "challenge", first.CDOL[7].Source)

	sign := identifyInput(t)
	sign.Mode = Sign
	sign.Customer = CustomerInputs{Reference: "5678", Amount: "2500"}
	res, err := Evaluate(sign)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0, 0x25, 0x00}, res.Terminal[:6])
	assert.Equal(t, []byte{0x00, 0x00, 0x56, 0x78}, res.Terminal[25:29])
	assert.NotEqual(t, first.OTP, res.OTP)
}

func TestEvaluateOverrides(t *testing.T) {
	in := identifyInput(t)
	base, err := Evaluate(in)
	require.NoError(t, err)

	in.TerminalOverride = base.Terminal
	in.ICCOverride = base.ICC
	in.Params.CDOL1 = nil
	res, err := Evaluate(in)
	require.NoError(t, err)
	assert.Equal(t, base.OTP, res.OTP)
	assert.Empty(t, res.CDOL)
}

func TestValidate(t *testing.T) {
	t.Run("parameter ranges", func(tt *testing.T) {
		mutations := map[string]func(*Input){
			"short master key": func(in *Input) { in.Params.MasterKey = in.Params.MasterKey[:8] },
			"short iv":         func(in *Input) { in.Params.IV = make([]byte, 8) },
			"branch factor":    func(in *Input) { in.Params.BranchFactor = 1 },
			"height":           func(in *Input) { in.Params.Height = 17 },
			"empty cdol":       func(in *Input) { in.Params.CDOL1 = nil },
			"empty bitmap":     func(in *Input) { in.Params.IssuerProprietaryBitmap = nil },
			"empty template":   func(in *Input) { in.Params.ICCDataTemplate = " " },
		}
		for name, mutate := range mutations {
			in := identifyInput(tt)
			mutate(&in)
			_, err := Evaluate(in)
			assert.True(tt, errs.Is(err, errs.InvalidConfiguration), name)
		}
	})

	t.Run("customer inputs by mode", func(tt *testing.T) {
		in := identifyInput(tt)
		in.Customer.Challenge = "1234"
		err := in.Validate()
		assert.True(tt, errs.Is(err, errs.InvalidInput))
		assert.Contains(tt, err.Error(), "Identify mode does not accept a challenge input")

		in = identifyInput(tt)
		in.Mode = Respond
		assert.True(tt, errs.Is(in.Validate(), errs.MissingInput))

		in = identifyInput(tt)
		in.Mode = Sign
		in.Customer.Reference = "1"
		assert.True(tt, errs.Is(in.Validate(), errs.MissingInput))

		in = identifyInput(tt)
		in.Mode = Respond
		in.Customer.Challenge = "12a4"
		assert.True(tt, errs.Is(in.Validate(), errs.InvalidInput))

		in = identifyInput(tt)
		in.Mode = "OTHER"
		assert.True(tt, errs.Is(in.Validate(), errs.InvalidConfiguration))
	})

	t.Run("bitmap length mismatch", func(tt *testing.T) {
		in := identifyInput(tt)
		in.Params.IssuerProprietaryBitmap = mustHex(tt, "00001F")
		_, err := Evaluate(in)
		assert.True(tt, errs.Is(err, errs.InvalidConfiguration))
		assert.Contains(tt, err.Error(), "must match generate AC result length")
	})

	t.Run("bitmap selecting nothing", func(tt *testing.T) {
		in := identifyInput(tt)
		in.Params.IssuerProprietaryBitmap = make([]byte, 18)
		_, err := Evaluate(in)
		assert.True(tt, errs.Is(err, errs.InvalidConfiguration))
	})

	t.Run("malformed icc template", func(tt *testing.T) {
		in := identifyInput(tt)
		in.Params.ICCDataTemplate = "1000XXXXA5000604000"
		_, err := Evaluate(in)
		assert.True(tt, errs.Is(err, errs.InvalidConfiguration))
	})
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" respond ")
	require.NoError(t, err)
	assert.Equal(t, Respond, m)

	_, err = ParseMode("verify")
	assert.True(t, errs.Is(err, errs.InvalidConfiguration))
}

func TestParseCDOL(t *testing.T) {
	fields, err := ParseCDOL(mustHex(t, "9F02069505"))
	require.NoError(t, err)
	require.Len(t, fields, 2)
	assert.Equal(t, uint16(0x9F02), fields[0].Tag)
	assert.Equal(t, 6, fields[0].Length)
	assert.Equal(t, uint16(0x95), fields[1].Tag)
	assert.Equal(t, 6, fields[1].Offset)

	_, err = ParseCDOL([]byte{0x9F})
	assert.True(t, errs.Is(err, errs.InvalidConfiguration))

	_, err = ParseCDOL([]byte{0x9F, 0x02})
	assert.True(t, errs.Is(err, errs.InvalidConfiguration))
}

func TestEncodeBCD(t *testing.T) {
	v, err := encodeBCD("12345", 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x23, 0x45}, v)

	v, err = encodeBCD("123456789", 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x12, 0x34}, v)

	_, err = encodeBCD("12x", 2)
	assert.True(t, errs.Is(err, errs.InvalidInput))
}

func TestOddParity(t *testing.T) {
	key := []byte{0x00, 0x01, 0xFE, 0x13}
	oddParity(key)
	assert.Equal(t, []byte{0x01, 0x01, 0xFE, 0x13}, key)
}

func TestDecodeIAD(t *testing.T) {
	fields := DecodeIAD(mustHex(t, "06770A03A48000AABB"))
	require.Len(t, fields, 5)
	assert.Equal(t, "length", fields[0].Name)
	assert.Equal(t, []byte{0x06}, fields[0].Value)
	assert.Equal(t, "cardVerificationResults", fields[3].Name)
	assert.Equal(t, []byte{0x03, 0xA4, 0x80, 0x00}, fields[3].Value)
	assert.Equal(t, []byte{0xAA, 0xBB}, fields[4].Value)

	assert.Len(t, DecodeIAD([]byte{0x06, 0x77}), 2)
}
