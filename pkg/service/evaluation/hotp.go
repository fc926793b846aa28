package evaluation

import (
	"math"

	"github.com/openauthsim/otp-service/internal/errs"
	"github.com/openauthsim/otp-service/internal/otp"
	"github.com/openauthsim/otp-service/internal/trace"
	"github.com/openauthsim/otp-service/internal/window"
)

type hotpAdapter struct{}

func (hotpAdapter) Protocol() Protocol { return HOTP }

func (a hotpAdapter) Evaluate(spec CredentialSpec, in Input, rec *trace.Recorder) (Output, error) {
	s, err := specAs[*HOTPSpec](spec, HOTP)
	if err != nil {
		return nil, err
	}
	counter := s.Counter
	if in.Counter != nil {
		counter = *in.Counter
	}
	recordHOTPInput(rec, s, counter)

	c := otp.Compute(s.Secret, counter, s.Digits, s.Algorithm)
	recordComputation(rec, hotpSteps, s.Algorithm, c)
	next := nextCounter(counter)
	recordIncrement(rec, counter, next)

	return HOTPOutput{
		OTP:         c.OTP,
		Algorithm:   string(s.Algorithm),
		Digits:      s.Digits,
		Counter:     counter,
		NextCounter: next,
	}, nil
}

// Replay searches counters around the nominal one. Counters below zero are skipped.
func (a hotpAdapter) Replay(spec CredentialSpec, in Input, w window.Window, rec *trace.Recorder) (*Verdict, error) {
	s, err := specAs[*HOTPSpec](spec, HOTP)
	if err != nil {
		return nil, err
	}
	candidate := in.candidate()
	if candidate == "" {
		return nil, errs.New(errs.MissingInput, "otp is required")
	}
	nominal := s.Counter
	if in.Counter != nil {
		nominal = *in.Counter
	}
	recordHOTPInput(rec, s, nominal)

	res, err := window.Match(func(offset int) (string, bool, error) {
		counter, ok := shiftCounter(nominal, offset)
		if !ok {
			return "", false, nil
		}
		return otp.HOTP(s.Secret, counter, s.Digits, s.Algorithm), true, nil
	}, candidate, w)
	if err != nil {
		return nil, err
	}
	recordScan(rec, "window.scan", w, int64(nominal), res)
	if !res.Matched {
		v := notMatched(ReasonVerificationFailed, "no counter in the window produced the candidate")
		v.Attempts = res.Attempts
		return v, nil
	}

	counter, _ := shiftCounter(nominal, res.Offset)
	recordComputation(rec, hotpSteps, s.Algorithm, otp.Compute(s.Secret, counter, s.Digits, s.Algorithm))
	next := nextCounter(counter)
	recordIncrement(rec, counter, next)

	v := matched(res.Offset)
	v.Attempts = res.Attempts
	v.NextCounter = &next
	return v, nil
}

func recordHOTPInput(rec *trace.Recorder, s *HOTPSpec, counter uint64) {
	if rec == nil {
		return
	}
	rec.Step("normalize.input", "Normalize inputs", "",
		[]trace.Attribute{
			trace.Attr("op", "hotp"),
			trace.Attr("algorithm", string(s.Algorithm)),
			trace.Attr("digits", s.Digits),
			trace.Attr("counter", counter),
			trace.Attr("secret.len", len(s.Secret)),
			trace.Attr("secret.hash", secretDigest(s.Secret)),
		})
}

func recordIncrement(rec *trace.Recorder, counter, next uint64) {
	rec.Step("counter.increment", "Advance the counter", "",
		[]trace.Attribute{
			trace.Attr("counter", counter),
			trace.Attr("next", next),
		})
}

// nextCounter saturates rather than wrapping to zero.
func nextCounter(c uint64) uint64 {
	if c == math.MaxUint64 {
		return c
	}
	return c + 1
}

func shiftCounter(nominal uint64, offset int) (uint64, bool) {
	if offset < 0 {
		d := uint64(-offset)
		if d > nominal {
			return 0, false
		}
		return nominal - d, true
	}
	d := uint64(offset)
	if nominal > math.MaxUint64-d {
		return 0, false
	}
	return nominal + d, true
}
