// Package emvcap implements the EMV Chip Authentication Program one-time code flow: session
// key derivation from the issuer master key, Generate AC over the CDOL1 terminal payload and
// ICC data, and decimalization through the issuer proprietary bitmap.
package emvcap

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/openauthsim/otp-service/internal/encoding"
	"github.com/openauthsim/otp-service/internal/errs"
)

type Mode string

const (
	Identify Mode = "IDENTIFY"
	Respond  Mode = "RESPOND"
	Sign     Mode = "SIGN"

	atcPlaceholder = "XXXX"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(s))) {
	case Identify:
		return Identify, nil
	case Respond:
		return Respond, nil
	case Sign:
		return Sign, nil
	}
	return "", errs.Newf(errs.InvalidConfiguration, "unsupported EMV/CAP mode: %q", s)
}

// Params are the card profile values, normally held by a stored credential.
type Params struct {
	MasterKey               []byte
	ATC                     uint16
	BranchFactor            int
	Height                  int
	IV                      []byte
	CDOL1                   []byte
	IssuerProprietaryBitmap []byte
	// ICCDataTemplate is hex with an optional XXXX placeholder for the ATC.
	ICCDataTemplate       string
	IssuerApplicationData []byte
}

// CustomerInputs are the values keyed on the reader.
type CustomerInputs struct {
	Challenge string
	Reference string
	Amount    string
}

type Input struct {
	Mode     Mode
	Params   Params
	Customer CustomerInputs
	// TerminalOverride and ICCOverride replace the assembled payloads when set.
	TerminalOverride []byte
	ICCOverride      []byte
}

// Validate checks parameter ranges and the customer inputs the mode accepts.
func (in Input) Validate() error {
	p := in.Params
	if len(p.MasterKey) != 16 {
		return errs.Newf(errs.InvalidConfiguration, "masterKey must decode to 16 bytes but was %d", len(p.MasterKey))
	}
	if len(p.IV) != 16 {
		return errs.Newf(errs.InvalidConfiguration, "iv must decode to 16 bytes but was %d", len(p.IV))
	}
	if p.BranchFactor < 2 || p.BranchFactor > 16 {
		return errs.New(errs.InvalidConfiguration, "branchFactor must be between 2 and 16 (inclusive)")
	}
	if p.Height < 1 || p.Height > 16 {
		return errs.New(errs.InvalidConfiguration, "height must be between 1 and 16 (inclusive)")
	}
	if len(p.CDOL1) == 0 && len(in.TerminalOverride) == 0 {
		return errs.New(errs.InvalidConfiguration, "cdol1 must not be empty")
	}
	if len(p.IssuerProprietaryBitmap) == 0 {
		return errs.New(errs.InvalidConfiguration, "issuerProprietaryBitmap must not be empty")
	}
	if strings.TrimSpace(p.ICCDataTemplate) == "" && len(in.ICCOverride) == 0 {
		return errs.New(errs.InvalidConfiguration, "iccDataTemplate must not be empty")
	}
	return validateCustomerInputs(in.Mode, in.Customer)
}

func validateCustomerInputs(mode Mode, c CustomerInputs) error {
	for name, v := range map[string]string{"challenge": c.Challenge, "reference": c.Reference, "amount": c.Amount} {
		if !isDigits(v) {
			return errs.Newf(errs.InvalidInput, "%s must contain decimal digits only", name)
		}
	}
	switch mode {
	case Identify:
		if c.Challenge != "" {
			return errs.New(errs.InvalidInput, "Identify mode does not accept a challenge input")
		}
		if c.Reference != "" || c.Amount != "" {
			return errs.New(errs.InvalidInput, "Identify mode does not accept reference or amount inputs")
		}
	case Respond:
		if c.Challenge == "" {
			return errs.New(errs.MissingInput, "Respond mode requires a challenge input")
		}
		if c.Reference != "" || c.Amount != "" {
			return errs.New(errs.InvalidInput, "Respond mode does not accept reference or amount inputs")
		}
	case Sign:
		if c.Challenge != "" {
			return errs.New(errs.InvalidInput, "Sign mode does not accept a challenge input")
		}
		if c.Reference == "" {
			return errs.New(errs.MissingInput, "Sign mode requires a reference input")
		}
		if c.Amount == "" {
			return errs.New(errs.MissingInput, "Sign mode requires an amount input")
		}
	default:
		return errs.Newf(errs.InvalidConfiguration, "unsupported EMV/CAP mode: %q", mode)
	}
	return nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Result carries every intermediate value of one evaluation.
type Result struct {
	ATC        uint16
	SessionKey []byte
	Path       []int
	Terminal   []byte
	ICC        []byte
	CDOL       []Field
	MAC        MACTranscript
	// GenerateACResult is CID || ATC || AC || IAD.
	GenerateACResult    []byte
	BitmaskOverlay      string
	MaskedDigitsOverlay string
	MaskedDigitsCount   int
	OTP                 string
	OTPHex              string
}

// Evaluate runs the full derivation for the ATC in the params.
func Evaluate(in Input) (*Result, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	p := in.Params
	sessionKey, path := deriveSessionKey(p.MasterKey, int(p.ATC), p.BranchFactor, p.Height, p.IV)

	res := &Result{ATC: p.ATC, SessionKey: sessionKey, Path: path}

	if len(in.ICCOverride) > 0 {
		res.ICC = in.ICCOverride
	} else {
		icc, err := expandICC(p.ICCDataTemplate, p.ATC)
		if err != nil {
			return nil, err
		}
		res.ICC = icc
	}

	if len(in.TerminalOverride) > 0 {
		res.Terminal = in.TerminalOverride
	} else {
		fields, err := ParseCDOL(p.CDOL1)
		if err != nil {
			return nil, err
		}
		terminal, resolved, err := assembleTerminal(fields, in.Mode, in.Customer)
		if err != nil {
			return nil, err
		}
		res.Terminal, res.CDOL = terminal, resolved
	}

	res.MAC = generateAC(sessionKey, append(append([]byte{}, res.Terminal...), res.ICC...))

	atc := []byte{byte(p.ATC >> 8), byte(p.ATC)}
	result := make([]byte, 0, 1+len(atc)+len(res.MAC.AC)+len(p.IssuerApplicationData))
	result = append(result, 0x80)
	result = append(result, atc...)
	result = append(result, res.MAC.AC...)
	result = append(result, p.IssuerApplicationData...)
	res.GenerateACResult = result

	bitmap := p.IssuerProprietaryBitmap
	if len(bitmap) != len(result) {
		return nil, errs.Newf(errs.InvalidConfiguration,
			"issuerProprietaryBitmap length (%d bytes) must match generate AC result length (%d bytes)", len(bitmap), len(result))
	}

	bitmapHex, resultHex := encoding.EncodeHex(bitmap), encoding.EncodeHex(result)
	res.BitmaskOverlay = bitmaskOverlay(bitmapHex)
	res.MaskedDigitsOverlay = maskedDigitsOverlay(bitmapHex, resultHex)
	res.MaskedDigitsCount = len(strings.ReplaceAll(res.MaskedDigitsOverlay, ".", ""))

	value, err := extractOTP(bitmap, result)
	if err != nil {
		return nil, err
	}
	res.OTP = value.String()
	res.OTPHex = strings.ToUpper(value.Text(16))
	return res, nil
}

func expandICC(template string, atc uint16) ([]byte, error) {
	expanded := strings.ToUpper(strings.TrimSpace(template))
	expanded = strings.ReplaceAll(expanded, atcPlaceholder, fmt.Sprintf("%04X", atc))
	icc, err := encoding.DecodeHex(expanded)
	if err != nil {
		return nil, errs.Wrap(err, errs.InvalidConfiguration, "expanded ICC payload must be hexadecimal with an even length")
	}
	return icc, nil
}

func bitmaskOverlay(bitmapHex string) string {
	return strings.ReplaceAll(bitmapHex, "0", ".")
}

func maskedDigitsOverlay(bitmapHex, resultHex string) string {
	var b strings.Builder
	for i := 0; i < len(bitmapHex); i++ {
		if bitmapHex[i] == '0' {
			b.WriteByte('.')
			continue
		}
		mask, _ := fromHexNibble(bitmapHex[i])
		data, _ := fromHexNibble(resultHex[i])
		b.WriteByte("0123456789ABCDEF"[mask&data])
	}
	return b.String()
}

func fromHexNibble(c byte) (byte, bool) {
	b, err := encoding.DecodeHex(string([]byte{'0', c}))
	if err != nil {
		return 0, false
	}
	return b[0], true
}

func extractOTP(bitmap, result []byte) (*big.Int, error) {
	value := new(big.Int)
	selected := 0
	for i := range bitmap {
		for bit := 7; bit >= 0; bit-- {
			mask := byte(1) << bit
			if bitmap[i]&mask == 0 {
				continue
			}
			value.Lsh(value, 1)
			if result[i]&mask != 0 {
				value.SetBit(value, 0, 1)
			}
			selected++
		}
	}
	if selected == 0 {
		return nil, errs.New(errs.InvalidConfiguration, "issuer proprietary bitmap selects zero bits, unable to derive OTP")
	}
	return value, nil
}
