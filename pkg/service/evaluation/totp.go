package evaluation

import (
	"github.com/benbjohnson/clock"

	"github.com/openauthsim/otp-service/internal/errs"
	"github.com/openauthsim/otp-service/internal/otp"
	"github.com/openauthsim/otp-service/internal/trace"
	"github.com/openauthsim/otp-service/internal/window"
)

type totpAdapter struct {
	clock clock.Clock
}

func (totpAdapter) Protocol() Protocol { return TOTP }

func (a totpAdapter) Evaluate(spec CredentialSpec, in Input, rec *trace.Recorder) (Output, error) {
	s, err := specAs[*TOTPSpec](spec, TOTP)
	if err != nil {
		return nil, err
	}
	ts, source := a.timestamp(in.Timestamp)
	step, err := a.deriveStep(s, ts, source, rec)
	if err != nil {
		return nil, err
	}

	c := otp.Compute(s.Secret, uint64(step), s.Digits, s.Algorithm)
	recordComputation(rec, totpSteps, s.Algorithm, c)

	return TOTPOutput{
		OTP:         c.OTP,
		Algorithm:   string(s.Algorithm),
		Digits:      s.Digits,
		Timestamp:   ts,
		TimeStep:    step,
		StepSeconds: s.StepSeconds,
		ValidUntil:  s.T0 + (step+1)*s.StepSeconds,
	}, nil
}

// Replay checks the candidate against time steps around the expected one. The expected time
// is timestampOverride, else timestamp, else now.
func (a totpAdapter) Replay(spec CredentialSpec, in Input, w window.Window, rec *trace.Recorder) (*Verdict, error) {
	s, err := specAs[*TOTPSpec](spec, TOTP)
	if err != nil {
		return nil, err
	}
	candidate := in.candidate()
	if candidate == "" {
		return nil, errs.New(errs.MissingInput, "otp is required")
	}
	expected := in.Timestamp
	if in.TimestampOverride != nil {
		expected = in.TimestampOverride
	}
	ts, source := a.timestamp(expected)
	nominal, err := a.deriveStep(s, ts, source, rec)
	if err != nil {
		return nil, err
	}

	res, err := window.Match(func(offset int) (string, bool, error) {
		step := nominal + int64(offset)
		if step < 0 {
			return "", false, nil
		}
		return otp.HOTP(s.Secret, uint64(step), s.Digits, s.Algorithm), true, nil
	}, candidate, w)
	if err != nil {
		return nil, err
	}
	recordScan(rec, "evaluate.window", w, nominal, res)

	if !res.Matched {
		rec.Step("validate.otp", "Compare candidate", "",
			[]trace.Attribute{trace.Attr("candidate", candidate), trace.Attr("matched", false)})
		v := notMatched(ReasonVerificationFailed, "no time step in the window produced the candidate")
		v.Attempts = res.Attempts
		return v, nil
	}

	step := nominal + int64(res.Offset)
	c := otp.Compute(s.Secret, uint64(step), s.Digits, s.Algorithm)
	recordComputation(rec, totpSteps, s.Algorithm, c)
	rec.Step("validate.otp", "Compare candidate", "constant-time comparison",
		[]trace.Attribute{
			trace.Attr("candidate", candidate),
			trace.Attr("expected", c.OTP),
			trace.Attr("matched", true),
			trace.Attr("offset", res.Offset),
		})

	v := matched(res.Offset)
	v.Attempts = res.Attempts
	v.TimeStep = &step
	return v, nil
}

// timestamp falls back to the service clock. The clock is then an input like any other: the
// value used is echoed in the output and the trace so the call can be repeated exactly.
func (a totpAdapter) timestamp(v *int64) (int64, string) {
	if v != nil {
		return *v, sourceRequest
	}
	return a.clock.Now().Unix(), sourceClock
}

func (a totpAdapter) deriveStep(s *TOTPSpec, ts int64, source string, rec *trace.Recorder) (int64, error) {
	if ts < s.T0 {
		return 0, errs.Newf(errs.InvalidInput, "timestamp %d precedes t0 %d", ts, s.T0)
	}
	step := otp.TimeStep(ts, s.T0, s.StepSeconds)
	rec.Step("derive.time-counter", "Derive the time step", "floor((timestamp - t0) / stepSeconds)",
		[]trace.Attribute{
			trace.Attr("op", "totp"),
			trace.Attr("algorithm", string(s.Algorithm)),
			trace.Attr("digits", s.Digits),
			trace.Attr("timestamp", ts),
			trace.Attr("timestamp.source", source),
			trace.Attr("t0", s.T0),
			trace.Attr("stepSeconds", s.StepSeconds),
			trace.Attr("timeStep", step),
			trace.Attr("secret.hash", secretDigest(s.Secret)),
		})
	return step, nil
}
