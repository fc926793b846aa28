package evaluation

import (
	"strings"

	"github.com/openauthsim/otp-service/internal/errs"
	"github.com/openauthsim/otp-service/internal/trace"
	"github.com/openauthsim/otp-service/internal/webauthn"
	"github.com/openauthsim/otp-service/internal/window"
)

type webauthnAdapter struct{}

func (webauthnAdapter) Protocol() Protocol { return WebAuthn }

// Evaluate acts as the authenticator and produces a signed assertion, or an attestation when
// the request asks for webauthn.create.
func (a webauthnAdapter) Evaluate(spec CredentialSpec, in Input, rec *trace.Recorder) (Output, error) {
	s, err := specAs[*WebAuthnSpec](spec, WebAuthn)
	if err != nil {
		return nil, err
	}
	if registration(in) {
		return a.attest(s, in, rec)
	}
	if len(s.PrivateKey) == 0 {
		return nil, errs.New(errs.MissingInput, "a private key is required to generate an assertion")
	}
	signer, err := webauthn.ParsePrivateKey(string(s.PrivateKey), s.Algorithm)
	if err != nil {
		return nil, err
	}
	challenge, err := decodeChallenge(in.Challenge)
	if err != nil {
		return nil, err
	}
	counter := s.SignCount
	if in.SignCount != nil {
		counter = *in.SignCount
	}
	rec.Step("construct.credential", "Load the authenticator credential", "",
		[]trace.Attribute{
			trace.Attr("op", "webauthn.generate"),
			trace.Attr("algorithm", string(s.Algorithm)),
			trace.Attr("cose.alg", s.Algorithm.COSEIdentifier()),
			trace.Attr("rpId", s.RelyingPartyID),
			trace.Attr("origin", s.Origin),
			trace.Attr("signCount", counter),
			trace.Attr("userVerification", s.UserVerificationRequired),
		})

	g, err := webauthn.Generate(signer, webauthn.GenerateRequest{
		Algorithm:                s.Algorithm,
		RelyingPartyID:           s.RelyingPartyID,
		Origin:                   s.Origin,
		Type:                     strings.TrimSpace(in.Type),
		Challenge:                challenge,
		SignatureCounter:         counter,
		UserVerificationRequired: s.UserVerificationRequired,
	})
	if err != nil {
		return nil, err
	}
	jwkJSON, err := webauthn.PublicJWK(signer.Public())
	if err != nil {
		return nil, err
	}

	rec.Step("build.clientData", "Serialize client data", "",
		[]trace.Attribute{
			trace.Attr("type", g.ClientData.Type),
			trace.Attr("challenge", g.ClientData.Challenge),
			trace.Attr("origin", g.ClientData.Origin),
			trace.Attr("clientDataJSON", string(g.ClientDataJSON)),
		})
	rec.Step("build.authenticatorData", "Build authenticator data", "rpIdHash || flags || signCount",
		[]trace.Attribute{trace.Attr("authenticatorData", g.AuthenticatorData)})
	rec.Step("build.signatureBase", "Build the signature base", "authenticatorData || SHA-256(clientDataJSON)",
		[]trace.Attribute{trace.Attr("signatureBase", g.SignatureBase)})
	rec.Step("generate.signature", "Sign", "",
		[]trace.Attribute{
			trace.Attr("signature", g.Signature),
			trace.Attr("publicKey.cose", g.PublicKeyCOSE),
		})

	return WebAuthnOutput{
		Algorithm:         string(s.Algorithm),
		RelyingPartyID:    s.RelyingPartyID,
		Origin:            s.Origin,
		Type:              g.ClientData.Type,
		Challenge:         g.ClientData.Challenge,
		SignCount:         counter,
		ClientDataJSON:    webauthn.EncodeBase64URL(g.ClientDataJSON),
		AuthenticatorData: webauthn.EncodeBase64URL(g.AuthenticatorData),
		Signature:         webauthn.EncodeBase64URL(g.Signature),
		PublicKeyCOSE:     webauthn.EncodeBase64URL(g.PublicKeyCOSE),
		PublicKeyJWK:      jwkJSON,
	}, nil
}

// Replay verifies a supplied assertion, or a registration, as a relying party. There is no
// window; the stored sign count is the only state consulted.
func (a webauthnAdapter) Replay(spec CredentialSpec, in Input, _ window.Window, rec *trace.Recorder) (*Verdict, error) {
	s, err := specAs[*WebAuthnSpec](spec, WebAuthn)
	if err != nil {
		return nil, err
	}
	if registration(in) {
		return a.verifyAttestation(s, in, rec)
	}
	pub, err := s.publicKey()
	if err != nil {
		return nil, err
	}
	challenge, err := decodeChallenge(in.Challenge)
	if err != nil {
		return nil, err
	}
	assertion, err := decodeAssertion(in)
	if err != nil {
		return nil, err
	}
	stored := s.SignCount
	if in.SignCount != nil {
		stored = *in.SignCount
	}

	v, err := webauthn.Verify(assertion, webauthn.Expectation{
		Algorithm:                s.Algorithm,
		PublicKey:                pub,
		RelyingPartyID:           s.RelyingPartyID,
		Origin:                   s.Origin,
		Type:                     strings.TrimSpace(in.Type),
		Challenge:                challenge,
		StoredCounter:            stored,
		UserVerificationRequired: s.UserVerificationRequired,
	})
	if err != nil {
		return nil, err
	}
	recordVerification(rec, s, stored, v)

	if !v.Valid() {
		verdict := notMatched(string(v.Reason), v.Detail)
		verdict.Attempts = 1
		return verdict, nil
	}
	verdict := matched(0)
	verdict.Attempts = 1
	next := uint64(v.AuthData.SignCount)
	verdict.NextCounter = &next
	return verdict, nil
}

func decodeChallenge(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errs.New(errs.MissingInput, "challenge is required")
	}
	return webauthn.DecodeBase64URL(s)
}

func decodeAssertion(in Input) (webauthn.Assertion, error) {
	fields := []struct {
		name, value string
	}{
		{"clientDataJson", in.ClientDataJSON},
		{"authenticatorData", in.AuthenticatorData},
		{"signature", in.Signature},
	}
	decoded := make([][]byte, len(fields))
	for i, f := range fields {
		v := strings.TrimSpace(f.value)
		if v == "" {
			return webauthn.Assertion{}, errs.Newf(errs.MissingInput, "%s is required", f.name)
		}
		b, err := webauthn.DecodeBase64URL(v)
		if err != nil {
			return webauthn.Assertion{}, err
		}
		decoded[i] = b
	}
	return webauthn.Assertion{
		ClientDataJSON:    decoded[0],
		AuthenticatorData: decoded[1],
		Signature:         decoded[2],
	}, nil
}

func recordVerification(rec *trace.Recorder, s *WebAuthnSpec, stored uint32, v *webauthn.Verification) {
	if rec == nil {
		return
	}
	rec.Step("parse.clientData", "Parse client data", "",
		[]trace.Attribute{
			trace.Attr("type", v.ClientData.Type),
			trace.Attr("challenge", v.ClientData.Challenge),
			trace.Attr("origin", v.ClientData.Origin),
			trace.Attr("expected.origin", s.Origin),
		})
	rec.Step("parse.authenticatorData", "Parse authenticator data", "",
		[]trace.Attribute{
			trace.Attr("rpIdHash", v.AuthData.RPIDHash),
			trace.Attr("expected.rpIdHash", v.ExpectedRPIDHash),
			trace.Attr("flags", v.AuthData.Flags),
			trace.Attr("userPresent", v.AuthData.UserPresent()),
			trace.Attr("userVerified", v.AuthData.UserVerified()),
		})
	rec.Step("evaluate.counter", "Compare sign counters", "the reported counter must not regress below the stored one",
		[]trace.Attribute{
			trace.Attr("stored", stored),
			trace.Attr("reported", v.AuthData.SignCount),
		})
	rec.Step("construct.credential", "Load the public key", "",
		[]trace.Attribute{
			trace.Attr("algorithm", string(s.Algorithm)),
			trace.Attr("cose.alg", s.Algorithm.COSEIdentifier()),
		})
	rec.Step("build.signatureBase", "Build the signature base", "authenticatorData || SHA-256(clientDataJSON)",
		[]trace.Attribute{trace.Attr("signatureBase", v.SignatureBase)})
	rec.Step("verify.signature", "Verify", "",
		[]trace.Attribute{
			trace.Attr("reason", string(v.Reason)),
			trace.Attr("valid", v.Valid()),
		})
}
