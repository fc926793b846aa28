package evaluation

import (
	"fmt"
	"strings"

	"github.com/openauthsim/otp-service/internal/encoding"
	"github.com/openauthsim/otp-service/internal/errs"
	"github.com/openauthsim/otp-service/internal/ocra"
	"github.com/openauthsim/otp-service/internal/trace"
	"github.com/openauthsim/otp-service/internal/window"
)

type ocraAdapter struct{}

func (ocraAdapter) Protocol() Protocol { return OCRA }

func (a ocraAdapter) Evaluate(spec CredentialSpec, in Input, rec *trace.Recorder) (Output, error) {
	s, suite, inputs, err := a.prepare(spec, in, rec)
	if err != nil {
		return nil, err
	}
	res, err := ocra.Evaluate(suite, s.Secret, inputs)
	if err != nil {
		return nil, err
	}
	recordOCRA(rec, suite, res)
	return OCRAOutput{
		OTP:       res.OTP,
		Suite:     suite.Value,
		Counter:   inputs.Counter,
		Challenge: res.Challenge,
		TimeStep:  res.TimeStep,
	}, nil
}

// Replay moves the counter when the suite declares one, otherwise the timestamp step. A
// suite with neither is checked at offset zero only.
func (a ocraAdapter) Replay(spec CredentialSpec, in Input, w window.Window, rec *trace.Recorder) (*Verdict, error) {
	candidate := in.candidate()
	if candidate == "" {
		return nil, errs.New(errs.MissingInput, "otp is required")
	}
	s, suite, inputs, err := a.prepare(spec, in, rec)
	if err != nil {
		return nil, err
	}
	if !suite.Truncated() {
		// full HMAC responses are hex and compared case-insensitively
		candidate = strings.ToUpper(candidate)
	}

	var (
		nominal int64
		shift   func(offset int) (ocra.Inputs, bool, error)
	)
	switch {
	case suite.Counter:
		base := *inputs.Counter
		nominal = int64(base)
		shift = func(offset int) (ocra.Inputs, bool, error) {
			c, ok := shiftCounter(base, offset)
			if !ok {
				return ocra.Inputs{}, false, nil
			}
			moved := inputs
			moved.Counter = &c
			return moved, true, nil
		}
	case suite.Timestamp != nil:
		base, err := suite.TimeStepOf(inputs)
		if err != nil {
			return nil, err
		}
		nominal = int64(base)
		shift = func(offset int) (ocra.Inputs, bool, error) {
			step, ok := shiftCounter(base, offset)
			if !ok {
				return ocra.Inputs{}, false, nil
			}
			moved := inputs
			moved.Timestamp = nil
			moved.TimestampHex = fmt.Sprintf("%X", step)
			return moved, true, nil
		}
	default:
		w = window.Exact
		shift = func(int) (ocra.Inputs, bool, error) { return inputs, true, nil }
	}

	var hit *ocra.Result
	res, err := window.Match(func(offset int) (string, bool, error) {
		moved, ok, err := shift(offset)
		if err != nil || !ok {
			return "", ok, err
		}
		r, err := ocra.Evaluate(suite, s.Secret, moved)
		if err != nil {
			return "", false, err
		}
		if window.Equal(r.OTP, candidate) {
			hit = r
		}
		return r.OTP, true, nil
	}, candidate, w)
	if err != nil {
		return nil, err
	}
	recordScan(rec, "window.scan", w, nominal, res)
	if !res.Matched {
		v := notMatched(ReasonVerificationFailed, "no OCRA response in the window matched the candidate")
		v.Attempts = res.Attempts
		return v, nil
	}

	recordOCRA(rec, suite, hit)
	v := matched(res.Offset)
	v.Attempts = res.Attempts
	if suite.Counter {
		c, _ := shiftCounter(*inputs.Counter, res.Offset)
		next := nextCounter(c)
		v.NextCounter = &next
	}
	if hit.TimeStep != nil {
		step := int64(*hit.TimeStep)
		v.TimeStep = &step
	}
	return v, nil
}

// prepare parses the suite and gathers the declared inputs. A stored counter fills in when
// the request omits one.
func (a ocraAdapter) prepare(spec CredentialSpec, in Input, rec *trace.Recorder) (*OCRASpec, *ocra.Suite, ocra.Inputs, error) {
	s, err := specAs[*OCRASpec](spec, OCRA)
	if err != nil {
		return nil, nil, ocra.Inputs{}, err
	}
	suite, err := ocra.ParseSuite(s.Suite)
	if err != nil {
		return nil, nil, ocra.Inputs{}, err
	}

	inputs := ocra.Inputs{
		Counter:         in.Counter,
		Challenge:       strings.TrimSpace(in.Challenge),
		ClientChallenge: strings.TrimSpace(in.ClientChallenge),
		ServerChallenge: strings.TrimSpace(in.ServerChallenge),
		PIN:             in.PIN,
		TimestampHex:    strings.TrimSpace(in.TimestampHex),
		Timestamp:       in.Timestamp,
	}
	if inputs.Counter == nil && suite.Counter {
		inputs.Counter = s.Counter
	}
	if v := strings.TrimSpace(in.PINHashHex); v != "" {
		if inputs.PINHash, err = encoding.DecodeHex(v); err != nil {
			return nil, nil, ocra.Inputs{}, errs.Wrap(err, errs.InvalidEncoding, "decoding pinHashHex")
		}
	}
	if v := strings.TrimSpace(in.SessionHex); v != "" {
		if inputs.Session, err = encoding.DecodeHex(v); err != nil {
			return nil, nil, ocra.Inputs{}, errs.Wrap(err, errs.InvalidEncoding, "decoding sessionHex")
		}
	}
	if err = suite.ValidateInputs(inputs); err != nil {
		return nil, nil, ocra.Inputs{}, err
	}

	if rec != nil {
		rec.Step("normalize.input", "Normalize inputs", "",
			[]trace.Attribute{
				trace.Attr("op", "ocra"),
				trace.Attr("suite", suite.Value),
				trace.Attr("secret.len", len(s.Secret)),
				trace.Attr("secret.hash", secretDigest(s.Secret)),
			})
		rec.Step("parse.suite", "Parse the OCRA suite", "",
			[]trace.Attribute{
				trace.Attr("algorithm", string(suite.Algorithm)),
				trace.Attr("digits", suite.Digits),
				trace.Attr("dataInputs", suite.DataInputs()),
			})
	}
	return s, suite, inputs, nil
}

func recordOCRA(rec *trace.Recorder, suite *ocra.Suite, res *ocra.Result) {
	if rec == nil {
		return
	}
	m := res.Message
	rec.Step("assemble.message", "Assemble the data input", "suite || 00 || C || Q || P || S || T",
		[]trace.Attribute{
			trace.Attr("suite", m.Suite),
			trace.Attr("counter", m.Counter),
			trace.Attr("question", m.Question),
			trace.Attr("pin", m.PIN),
			trace.Attr("session", m.Session),
			trace.Attr("timestamp", m.Timestamp),
			trace.Attr("message.len", len(m.Bytes())),
		})
	c := res.Computation
	rec.Step("hmac.compute", "Compute HMAC", "",
		[]trace.Attribute{
			trace.Attr("algorithm", "Hmac"+string(suite.Algorithm)),
			trace.Attr("hmac", c.HMAC),
		})
	if !suite.Truncated() {
		rec.Step("truncate.none", "No truncation, full HMAC", "",
			[]trace.Attribute{trace.Attr("otp", res.OTP)})
		return
	}
	rec.Step("truncate.dynamic", "Dynamic truncation", "",
		[]trace.Attribute{
			trace.Attr("offset", c.Offset),
			trace.Attr("truncated.int", c.Truncated),
		})
	rec.Step("mod.reduce", "Reduce modulo 10^digits", "",
		[]trace.Attribute{
			trace.Attr("modulus", c.Modulus),
			trace.Attr("otp", res.OTP),
		})
}
