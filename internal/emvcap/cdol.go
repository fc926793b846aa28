package emvcap

import (
	"fmt"

	"github.com/openauthsim/otp-service/internal/errs"
)

// Field is one CDOL entry and the value it resolved to.
type Field struct {
	Tag    uint16
	Length int
	Offset int
	Value  []byte
	Source string
}

func (f Field) TagHex() string {
	if f.Tag > 0xFF {
		return fmt.Sprintf("%04X", f.Tag)
	}
	return fmt.Sprintf("%02X", f.Tag)
}

// ParseCDOL splits a data object list into tag/length pairs. Tags whose low five bits are
// all set continue into a second byte.
func ParseCDOL(cdol []byte) ([]Field, error) {
	var fields []Field
	offset := 0
	for i := 0; i < len(cdol); {
		tag := uint16(cdol[i])
		i++
		if tag&0x1F == 0x1F {
			if i >= len(cdol) {
				return nil, errs.New(errs.InvalidConfiguration, "incomplete multi-byte tag in CDOL definition")
			}
			tag = tag<<8 | uint16(cdol[i])
			i++
		}
		if i >= len(cdol) {
			return nil, errs.Newf(errs.InvalidConfiguration, "missing length for CDOL tag %X", tag)
		}
		length := int(cdol[i])
		i++
		fields = append(fields, Field{Tag: tag, Length: length, Offset: offset})
		offset += length
	}
	return fields, nil
}

func assembleTerminal(fields []Field, mode Mode, c CustomerInputs) ([]byte, []Field, error) {
	var out []byte
	resolved := make([]Field, 0, len(fields))
	for _, f := range fields {
		value, source, err := resolveField(f, mode, c)
		if err != nil {
			return nil, nil, err
		}
		f.Value, f.Source = value, source
		resolved = append(resolved, f)
		out = append(out, value...)
	}
	return out, resolved, nil
}

func resolveField(f Field, mode Mode, c CustomerInputs) ([]byte, string, error) {
	switch f.Tag {
	case 0x9F02:
		v, err := encodeBCD(c.Amount, f.Length)
		return v, "amount", err
	case 0x95:
		v := make([]byte, f.Length)
		if f.Length > 0 {
			v[0] = 0x80
		}
		return v, "tvr", nil
	case 0x9F37:
		switch mode {
		case Respond:
			v, err := encodeBCD(c.Challenge, f.Length)
			return v, "challenge", err
		case Sign:
			v, err := encodeBCD(c.Reference, f.Length)
			return v, "reference", err
		}
		return make([]byte, f.Length), "zero", nil
	}
	return make([]byte, f.Length), "zero", nil
}

// encodeBCD packs decimal digits into length bytes, left padded with zeros. Extra digits are
// cut from the right.
func encodeBCD(digits string, length int) ([]byte, error) {
	if length <= 0 {
		return nil, errs.New(errs.InvalidConfiguration, "BCD length must be positive")
	}
	if !isDigits(digits) {
		return nil, errs.New(errs.InvalidInput, "BCD fields must contain decimal digits only")
	}
	required := length * 2
	if len(digits) > required {
		digits = digits[:required]
	}
	for len(digits) < required {
		digits = "0" + digits
	}
	out := make([]byte, length)
	for i := 0; i < length; i++ {
		out[i] = (digits[2*i]-'0')<<4 | (digits[2*i+1] - '0')
	}
	return out, nil
}
