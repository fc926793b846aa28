package ocra

import (
	"encoding/binary"
	"math/big"
	"strings"

	"github.com/openauthsim/otp-service/internal/encoding"
	"github.com/openauthsim/otp-service/internal/errs"
	"github.com/openauthsim/otp-service/internal/otp"
)

const questionBytes = 128

// Inputs are the runtime values for one evaluation. Pointer fields distinguish absent from zero.
type Inputs struct {
	Counter         *uint64
	Challenge       string
	ClientChallenge string
	ServerChallenge string
	// PIN is hashed with the suite's PIN algorithm. PINHash takes precedence when both are set.
	PIN          string
	PINHash      []byte
	Session      []byte
	TimestampHex string
	// Timestamp in unix seconds, converted to time steps when TimestampHex is empty.
	Timestamp *int64
}

// Message holds each segment of the HMAC input, for auditing.
type Message struct {
	Suite     []byte
	Counter   []byte
	Question  []byte
	PIN       []byte
	Session   []byte
	Timestamp []byte
}

// Bytes concatenates suite, separator and data inputs.
func (m Message) Bytes() []byte {
	out := make([]byte, 0, len(m.Suite)+1+len(m.Counter)+len(m.Question)+len(m.PIN)+len(m.Session)+len(m.Timestamp))
	out = append(out, m.Suite...)
	out = append(out, 0x00)
	out = append(out, m.Counter...)
	out = append(out, m.Question...)
	out = append(out, m.PIN...)
	out = append(out, m.Session...)
	out = append(out, m.Timestamp...)
	return out
}

// Result of an OCRA evaluation.
type Result struct {
	OTP         string
	Message     Message
	Computation otp.Computation
	// TimeStep is the timestamp value used, when the suite declares one.
	TimeStep *uint64
	// Challenge is the normalized question text.
	Challenge string
}

// ValidateInputs rejects inputs the suite does not declare and reports the first missing one.
func (s Suite) ValidateInputs(in Inputs) error {
	if in.Counter != nil && !s.Counter {
		return errs.Newf(errs.InvalidInput, "counter not permitted for suite: %s", s.Value)
	}
	if s.Counter && in.Counter == nil {
		return errs.Newf(errs.MissingInput, "counter value required for suite: %s", s.Value)
	}
	if s.Question != nil && challengeOf(in) == "" {
		return errs.Newf(errs.MissingInput, "challenge question required for suite: %s", s.Value)
	}
	hasPIN := in.PIN != "" || len(in.PINHash) > 0
	if hasPIN && s.PIN == nil {
		return errs.Newf(errs.InvalidInput, "pin not permitted for suite: %s", s.Value)
	}
	if s.PIN != nil && !hasPIN {
		return errs.Newf(errs.MissingInput, "pin hash required for suite: %s", s.Value)
	}
	if len(in.Session) > 0 && s.SessionLength == 0 {
		return errs.Newf(errs.InvalidInput, "session information not permitted for suite: %s", s.Value)
	}
	if s.SessionLength > 0 && len(in.Session) == 0 {
		return errs.Newf(errs.MissingInput, "session information required for suite: %s", s.Value)
	}
	hasTime := strings.TrimSpace(in.TimestampHex) != "" || in.Timestamp != nil
	if hasTime && s.Timestamp == nil {
		return errs.Newf(errs.InvalidInput, "timestamp not permitted for suite: %s", s.Value)
	}
	if s.Timestamp != nil && !hasTime {
		return errs.Newf(errs.MissingInput, "timestamp value required for suite: %s", s.Value)
	}
	return nil
}

// TimeStepOf resolves the timestamp input into a step count.
func (s Suite) TimeStepOf(in Inputs) (uint64, error) {
	if s.Timestamp == nil {
		return 0, errs.Newf(errs.InvalidInput, "timestamp not permitted for suite: %s", s.Value)
	}
	if hexValue := strings.TrimSpace(in.TimestampHex); hexValue != "" {
		if len(hexValue) > 16 {
			return 0, errs.New(errs.InvalidInput, "timestamp must fit in 8 bytes")
		}
		v, ok := new(big.Int).SetString(hexValue, 16)
		if !ok {
			return 0, errs.New(errs.InvalidEncoding, "timestamp must be hexadecimal")
		}
		return v.Uint64(), nil
	}
	if in.Timestamp == nil {
		return 0, errs.Newf(errs.MissingInput, "timestamp value required for suite: %s", s.Value)
	}
	if *in.Timestamp < 0 {
		return 0, errs.New(errs.InvalidInput, "timestamp must be non-negative")
	}
	return uint64(*in.Timestamp / s.Timestamp.StepSeconds), nil
}

// Evaluate computes the OCRA response for a key and inputs.
func Evaluate(suite *Suite, key []byte, in Inputs) (*Result, error) {
	if len(key) == 0 {
		return nil, errs.New(errs.MissingInput, "shared secret required")
	}
	if err := suite.ValidateInputs(in); err != nil {
		return nil, err
	}

	msg := Message{Suite: []byte(suite.Value)}
	result := &Result{}
	if suite.Counter {
		msg.Counter = make([]byte, 8)
		binary.BigEndian.PutUint64(msg.Counter, *in.Counter)
	}

	challenge := challengeOf(in)
	question, err := encodeQuestion(suite.Question, challenge)
	if err != nil {
		return nil, err
	}
	msg.Question = question
	result.Challenge = challenge

	if suite.PIN != nil {
		pinHash := in.PINHash
		if len(pinHash) == 0 {
			h := suite.PIN.Algorithm.Hash()()
			h.Write([]byte(in.PIN))
			pinHash = h.Sum(nil)
		}
		if len(pinHash) > suite.PIN.Length {
			return nil, errs.Newf(errs.InvalidInput, "pin hash exceeds %d bytes", suite.PIN.Length)
		}
		msg.PIN = leftPad(pinHash, suite.PIN.Length)
	}

	if suite.SessionLength > 0 {
		if len(in.Session) > suite.SessionLength {
			return nil, errs.Newf(errs.InvalidInput, "session information exceeds declared length of %d bytes", suite.SessionLength)
		}
		msg.Session = leftPad(in.Session, suite.SessionLength)
	}

	if suite.Timestamp != nil {
		step, err := suite.TimeStepOf(in)
		if err != nil {
			return nil, err
		}
		msg.Timestamp = make([]byte, 8)
		binary.BigEndian.PutUint64(msg.Timestamp, step)
		result.TimeStep = &step
	}

	result.Message = msg
	result.Computation = otp.Truncate(key, msg.Bytes(), suite.Digits, suite.Hash())
	result.OTP = result.Computation.OTP
	if !suite.Truncated() {
		result.OTP = encoding.EncodeHex(result.Computation.HMAC)
	}
	return result, nil
}

func challengeOf(in Inputs) string {
	if q := strings.TrimSpace(in.Challenge); q != "" {
		return q
	}
	return strings.TrimSpace(in.ClientChallenge) + strings.TrimSpace(in.ServerChallenge)
}

// encodeQuestion renders the challenge as 128 bytes, right padded with zeros.
func encodeQuestion(q *Question, challenge string) ([]byte, error) {
	var hexValue string
	switch q.Format {
	case QuestionNumeric:
		v, ok := new(big.Int).SetString(challenge, 10)
		if !ok || v.Sign() < 0 || strings.ContainsAny(challenge, "+-") {
			return nil, errs.New(errs.InvalidInput, "numeric challenge must contain digits only")
		}
		hexValue = strings.ToUpper(v.Text(16))
	case QuestionHex:
		if _, err := encoding.DecodeHex(padEven(challenge)); err != nil {
			return nil, errs.New(errs.InvalidInput, "hex challenge must contain hexadecimal characters only")
		}
		hexValue = strings.ToUpper(challenge)
	case QuestionAlphanumeric:
		upper := strings.ToUpper(challenge)
		for i := 0; i < len(upper); i++ {
			if upper[i] > 0x7E || upper[i] < 0x20 {
				return nil, errs.New(errs.InvalidInput, "alphanumeric challenge must be printable ASCII")
			}
		}
		hexValue = encoding.EncodeHex([]byte(upper))
	}
	if len(hexValue) > questionBytes*2 {
		return nil, errs.Newf(errs.InvalidInput, "challenge exceeds %d bytes", questionBytes)
	}
	hexValue += strings.Repeat("0", questionBytes*2-len(hexValue))
	return encoding.DecodeHex(hexValue)
}

func padEven(s string) string {
	if len(s)%2 == 1 {
		return s + "0"
	}
	return s
}

func leftPad(b []byte, size int) []byte {
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}
