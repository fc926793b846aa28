// Package ocra implements the OATH challenge-response algorithm (RFC 6287).
package ocra

import (
	"fmt"
	"hash"
	"strconv"
	"strings"

	"github.com/openauthsim/otp-service/internal/errs"
	"github.com/openauthsim/otp-service/internal/otp"
)

// QuestionFormat is the challenge encoding declared by the suite.
type QuestionFormat byte

const (
	QuestionNumeric      QuestionFormat = 'N'
	QuestionAlphanumeric QuestionFormat = 'A'
	QuestionHex          QuestionFormat = 'H'
)

type Question struct {
	Format QuestionFormat
	Length int
}

type PIN struct {
	Algorithm otp.Algorithm
	Length    int
}

type Timestamp struct {
	// StepSeconds is the size of one time step.
	StepSeconds int64
	Spec        string
}

// Suite is a parsed OCRA suite string.
type Suite struct {
	Value     string
	Algorithm otp.Algorithm
	Digits    int
	Counter   bool
	Question  *Question
	PIN       *PIN
	// SessionLength in bytes, zero when undeclared.
	SessionLength int
	Timestamp     *Timestamp
}

// Truncated reports whether responses are decimal codes rather than the full HMAC.
func (s Suite) Truncated() bool {
	return s.Digits != 0
}

// Hash returns the HMAC hash for the suite.
func (s Suite) Hash() func() hash.Hash {
	return s.Algorithm.Hash()
}

// ParseSuite parses OCRA-1:HOTP-SHAx-d:DataInput.
func ParseSuite(value string) (*Suite, error) {
	trimmed := strings.TrimSpace(value)
	parts := strings.Split(trimmed, ":")
	if len(parts) != 3 {
		return nil, errs.Newf(errs.InvalidConfiguration, "ocra suite must have three ':' separated parts: %s", value)
	}
	if !strings.EqualFold(parts[0], "OCRA-1") {
		return nil, errs.Newf(errs.InvalidConfiguration, "unsupported ocra version: %s", parts[0])
	}

	suite := &Suite{Value: trimmed}
	if err := parseCryptoFunction(parts[1], suite); err != nil {
		return nil, err
	}
	if err := parseDataInput(parts[2], suite); err != nil {
		return nil, err
	}
	return suite, nil
}

func parseCryptoFunction(cf string, suite *Suite) error {
	pieces := strings.Split(strings.ToUpper(cf), "-")
	if len(pieces) != 3 || pieces[0] != "HOTP" {
		return errs.Newf(errs.InvalidConfiguration, "invalid ocra crypto function: %s", cf)
	}
	switch pieces[1] {
	case "SHA1":
		suite.Algorithm = otp.SHA1
	case "SHA256":
		suite.Algorithm = otp.SHA256
	case "SHA512":
		suite.Algorithm = otp.SHA512
	default:
		return errs.Newf(errs.InvalidConfiguration, "unsupported ocra hash: %s", pieces[1])
	}
	// 0 selects the untruncated HMAC as the response
	digits, err := strconv.Atoi(pieces[2])
	if err != nil || (digits != 0 && (digits < 4 || digits > 10)) {
		return errs.Newf(errs.InvalidConfiguration, "ocra digits must be 0 or between 4 and 10: %s", pieces[2])
	}
	suite.Digits = digits
	return nil
}

func parseDataInput(di string, suite *Suite) error {
	if strings.TrimSpace(di) == "" {
		return errs.New(errs.InvalidConfiguration, "ocra data input must not be empty")
	}
	seen := map[byte]bool{}
	for i, token := range strings.Split(strings.ToUpper(di), "-") {
		if token == "" {
			return errs.Newf(errs.InvalidConfiguration, "empty ocra data input token in %s", di)
		}
		kind := token[0]
		if seen[kind] {
			return errs.Newf(errs.InvalidConfiguration, "duplicate ocra data input %q", token)
		}
		seen[kind] = true
		switch kind {
		case 'C':
			if token != "C" || i != 0 {
				return errs.Newf(errs.InvalidConfiguration, "counter must be the first data input: %s", token)
			}
			suite.Counter = true
		case 'Q':
			q, err := parseQuestion(token)
			if err != nil {
				return err
			}
			suite.Question = q
		case 'P':
			p, err := parsePIN(token)
			if err != nil {
				return err
			}
			suite.PIN = p
		case 'S':
			length, err := parseSession(token)
			if err != nil {
				return err
			}
			suite.SessionLength = length
		case 'T':
			ts, err := parseTimestamp(token)
			if err != nil {
				return err
			}
			suite.Timestamp = ts
		default:
			return errs.Newf(errs.InvalidConfiguration, "unknown ocra data input %q", token)
		}
	}
	if suite.Question == nil {
		return errs.Newf(errs.InvalidConfiguration, "ocra suite must declare a challenge question: %s", di)
	}
	return nil
}

func parseQuestion(token string) (*Question, error) {
	if len(token) != 4 {
		return nil, errs.Newf(errs.InvalidConfiguration, "invalid challenge question spec: %s", token)
	}
	format := QuestionFormat(token[1])
	switch format {
	case QuestionNumeric, QuestionAlphanumeric, QuestionHex:
	default:
		return nil, errs.Newf(errs.InvalidConfiguration, "invalid challenge format: %s", token)
	}
	length, err := strconv.Atoi(token[2:])
	if err != nil || length < 4 || length > 64 {
		return nil, errs.Newf(errs.InvalidConfiguration, "challenge length must be between 04 and 64: %s", token)
	}
	return &Question{Format: format, Length: length}, nil
}

func parsePIN(token string) (*PIN, error) {
	switch token {
	case "PSHA1":
		return &PIN{Algorithm: otp.SHA1, Length: 20}, nil
	case "PSHA256":
		return &PIN{Algorithm: otp.SHA256, Length: 32}, nil
	case "PSHA512":
		return &PIN{Algorithm: otp.SHA512, Length: 64}, nil
	}
	return nil, errs.Newf(errs.InvalidConfiguration, "unsupported pin hash: %s", token)
}

func parseSession(token string) (int, error) {
	switch token {
	case "S", "S064":
		return 64, nil
	case "S128":
		return 128, nil
	case "S256":
		return 256, nil
	case "S512":
		return 512, nil
	}
	return 0, errs.Newf(errs.InvalidConfiguration, "unsupported session information length: %s", token)
}

func parseTimestamp(token string) (*Timestamp, error) {
	if len(token) < 3 {
		return nil, errs.Newf(errs.InvalidConfiguration, "invalid timestamp spec: %s", token)
	}
	unit := token[len(token)-1]
	n, err := strconv.Atoi(token[1 : len(token)-1])
	if err != nil {
		return nil, errs.Newf(errs.InvalidConfiguration, "invalid timestamp spec: %s", token)
	}
	var seconds, limit int64
	switch unit {
	case 'S':
		seconds, limit = 1, 59
	case 'M':
		seconds, limit = 60, 59
	case 'H':
		seconds, limit = 3600, 48
	default:
		return nil, errs.Newf(errs.InvalidConfiguration, "invalid timestamp unit: %s", token)
	}
	if n < 1 || int64(n) > limit {
		return nil, errs.Newf(errs.InvalidConfiguration, "timestamp step out of range: %s", token)
	}
	return &Timestamp{StepSeconds: int64(n) * seconds, Spec: token[1:]}, nil
}

// DataInputs lists the declared inputs in message order, for traces.
func (s Suite) DataInputs() []string {
	var inputs []string
	if s.Counter {
		inputs = append(inputs, "counter")
	}
	if s.Question != nil {
		inputs = append(inputs, fmt.Sprintf("question(%c,%d)", s.Question.Format, s.Question.Length))
	}
	if s.PIN != nil {
		inputs = append(inputs, "pin("+string(s.PIN.Algorithm)+")")
	}
	if s.SessionLength > 0 {
		inputs = append(inputs, fmt.Sprintf("session(%d)", s.SessionLength))
	}
	if s.Timestamp != nil {
		inputs = append(inputs, "timestamp("+s.Timestamp.Spec+")")
	}
	return inputs
}
