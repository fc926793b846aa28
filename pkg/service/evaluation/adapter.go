package evaluation

import (
	"crypto/sha256"

	"github.com/openauthsim/otp-service/internal/encoding"
	"github.com/openauthsim/otp-service/internal/otp"
	"github.com/openauthsim/otp-service/internal/trace"
	"github.com/openauthsim/otp-service/internal/window"
)

// Adapter is implemented once per protocol. Adapters hold no per-request state; the same
// spec and input always produce the same output.
type Adapter interface {
	Protocol() Protocol
	Evaluate(spec CredentialSpec, in Input, rec *trace.Recorder) (Output, error)
	Replay(spec CredentialSpec, in Input, w window.Window, rec *trace.Recorder) (*Verdict, error)
}

// secretDigest identifies key material in traces without revealing it.
func secretDigest(secret []byte) string {
	sum := sha256.Sum256(secret)
	return "sha256:" + encoding.EncodeHex(sum[:8])
}

// hmacStepIDs names the steps of one HMAC-based computation. HOTP and TOTP traces label them
// differently.
type hmacStepIDs struct {
	counter, hmac, truncate, reduce string
}

var (
	hotpSteps = hmacStepIDs{counter: "prepare.counter", hmac: "hmac.compute", truncate: "truncate.dynamic", reduce: "mod.reduce"}
	totpSteps = hmacStepIDs{counter: "prepare.counter", hmac: "compute.hmac", truncate: "truncate.dynamic", reduce: "mod.reduce"}
)

func recordComputation(rec *trace.Recorder, ids hmacStepIDs, alg otp.Algorithm, c otp.Computation) {
	if rec == nil {
		return
	}
	rec.Step(ids.counter, "Encode the moving factor", "8-byte big-endian counter",
		[]trace.Attribute{
			trace.Attr("counter", c.Counter),
			trace.Attr("counter.bytes", c.CounterBytes),
		})
	rec.Step(ids.hmac, "Compute HMAC", "HMAC over the moving factor with the shared secret",
		[]trace.Attribute{
			trace.Attr("algorithm", "Hmac"+string(alg)),
			trace.Attr("hmac", c.HMAC),
		})
	rec.Step(ids.truncate, "Dynamic truncation", "offset from the low nibble of the last byte",
		[]trace.Attribute{
			trace.Attr("offset", c.Offset),
			trace.Attr("slice", c.HMAC[c.Offset:c.Offset+4]),
			trace.Attr("truncated.int", c.Truncated),
		})
	rec.Step(ids.reduce, "Reduce modulo 10^digits", "",
		[]trace.Attribute{
			trace.Attr("modulus", c.Modulus),
			trace.Attr("otp", c.OTP),
		})
}

func recordScan(rec *trace.Recorder, id string, w window.Window, nominal int64, res window.Result) {
	if rec == nil {
		return
	}
	attrs := []trace.Attribute{
		trace.Attr("nominal", nominal),
		trace.Attr("window.backward", w.Backward),
		trace.Attr("window.forward", w.Forward),
		trace.Attr("attempts", res.Attempts),
		trace.Attr("matched", res.Matched),
	}
	if res.Matched {
		attrs = append(attrs, trace.Attr("offset", res.Offset))
	}
	rec.Step(id, "Scan the replay window", "offsets 0, -1, +1, -2, +2 ... within bounds", attrs)
}
