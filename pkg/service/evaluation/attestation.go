package evaluation

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/openauthsim/otp-service/internal/errs"
	"github.com/openauthsim/otp-service/internal/trace"
	"github.com/openauthsim/otp-service/internal/webauthn"
)

// registration reports whether the request is a webauthn.create ceremony.
func registration(in Input) bool {
	return strings.TrimSpace(in.Type) == webauthn.TypeCreate || strings.TrimSpace(in.AttestationObject) != ""
}

// attestationFormat prefers the request, then the credential. Empty means packed when
// generating and any supported format when verifying.
func attestationFormat(s *WebAuthnSpec, in Input) (webauthn.AttestationFormat, error) {
	if f := strings.TrimSpace(in.AttestationFormat); f != "" {
		return webauthn.ParseAttestationFormat(f)
	}
	return s.AttestationFormat, nil
}

// attest acts as the authenticator registering its credential key.
func (a webauthnAdapter) attest(s *WebAuthnSpec, in Input, rec *trace.Recorder) (Output, error) {
	if len(s.PrivateKey) == 0 {
		return nil, errs.New(errs.MissingInput, "a private key is required to generate an attestation")
	}
	signer, err := webauthn.ParsePrivateKey(string(s.PrivateKey), s.Algorithm)
	if err != nil {
		return nil, err
	}
	challenge, err := decodeChallenge(in.Challenge)
	if err != nil {
		return nil, err
	}
	format, err := attestationFormat(s, in)
	if err != nil {
		return nil, err
	}
	counter := s.SignCount
	if in.SignCount != nil {
		counter = *in.SignCount
	}

	g, err := webauthn.GenerateAttestation(signer, webauthn.AttestationRequest{
		Format:                   format,
		Algorithm:                s.Algorithm,
		RelyingPartyID:           s.RelyingPartyID,
		Origin:                   s.Origin,
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

	rec.Step("construct.credential", "Load the authenticator credential", "",
		[]trace.Attribute{
			trace.Attr("op", "webauthn.attest"),
			trace.Attr("format", string(g.Format)),
			trace.Attr("algorithm", string(s.Algorithm)),
			trace.Attr("cose.alg", s.Algorithm.COSEIdentifier()),
			trace.Attr("rpId", s.RelyingPartyID),
			trace.Attr("signCount", counter),
		})
	rec.Step("build.clientData", "Serialize client data", "",
		[]trace.Attribute{
			trace.Attr("type", g.ClientData.Type),
			trace.Attr("challenge", g.ClientData.Challenge),
			trace.Attr("origin", g.ClientData.Origin),
		})
	rec.Step("build.authenticatorData", "Build authenticator data with attested credential data",
		"rpIdHash || flags || signCount || aaguid || credentialIdLength || credentialId || COSE_Key",
		[]trace.Attribute{
			trace.Attr("authenticatorData", g.AuthenticatorData),
			trace.Attr("aaguid", g.Credential.AAGUIDString()),
			trace.Attr("credentialId", g.Credential.CredentialID),
			trace.Attr("publicKey.cose", g.Credential.PublicKey),
		})
	statement := []trace.Attribute{trace.Attr("format", string(g.Format))}
	if len(g.Signature) > 0 {
		statement = append(statement,
			trace.Attr("selfAttested", true),
			trace.Attr("signature", g.Signature))
	}
	rec.Step("build.attestationStatement", "Build the attestation statement", "", statement)
	rec.Step("encode.attestationObject", "Encode the attestation object", "CTAP2 canonical CBOR",
		[]trace.Attribute{trace.Attr("attestationObject", g.AttestationObject)})

	return WebAuthnAttestationOutput{
		Format:            string(g.Format),
		Algorithm:         string(s.Algorithm),
		RelyingPartyID:    s.RelyingPartyID,
		Origin:            s.Origin,
		Type:              g.ClientData.Type,
		Challenge:         g.ClientData.Challenge,
		SignCount:         counter,
		CredentialID:      webauthn.EncodeBase64URL(g.Credential.CredentialID),
		AAGUID:            g.Credential.AAGUIDString(),
		ClientDataJSON:    webauthn.EncodeBase64URL(g.ClientDataJSON),
		AuthenticatorData: webauthn.EncodeBase64URL(g.AuthenticatorData),
		AttestationObject: webauthn.EncodeBase64URL(g.AttestationObject),
		PublicKeyCOSE:     webauthn.EncodeBase64URL(g.Credential.PublicKey),
		PublicKeyJWK:      jwkJSON,
	}, nil
}

// verifyAttestation checks a registration response as the relying party. A credential that
// holds key material also pins the attested key to it.
func (a webauthnAdapter) verifyAttestation(s *WebAuthnSpec, in Input, rec *trace.Recorder) (*Verdict, error) {
	challenge, err := decodeChallenge(in.Challenge)
	if err != nil {
		return nil, err
	}
	format, err := attestationFormat(s, in)
	if err != nil {
		return nil, err
	}
	clientData, err := requiredBase64URL("clientDataJson", in.ClientDataJSON)
	if err != nil {
		return nil, err
	}
	object, err := requiredBase64URL("attestationObject", in.AttestationObject)
	if err != nil {
		return nil, err
	}
	anchors, err := parseTrustAnchors(in.TrustAnchors)
	if err != nil {
		return nil, err
	}
	var pinned crypto.PublicKey
	if len(s.PrivateKey) > 0 || len(s.publicKeyBytes()) > 0 {
		if pinned, err = s.publicKey(); err != nil {
			return nil, err
		}
	}

	v, err := webauthn.VerifyAttestation(clientData, object, webauthn.AttestationExpectation{
		Format:                   format,
		RelyingPartyID:           s.RelyingPartyID,
		Origin:                   s.Origin,
		Challenge:                challenge,
		UserVerificationRequired: s.UserVerificationRequired,
		PublicKey:                pinned,
		TrustAnchors:             anchors,
	})
	if err != nil {
		return nil, err
	}
	recordAttestation(rec, s, v, len(anchors), pinned != nil)

	verdict := notMatched(string(v.Reason), v.Detail)
	if v.Valid() {
		verdict = matched(0)
		next := uint64(v.AuthData.SignCount)
		verdict.NextCounter = &next
	}
	verdict.Attempts = 1
	return verdict, nil
}

func requiredBase64URL(name, value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errs.Newf(errs.MissingInput, "%s is required", name)
	}
	return webauthn.DecodeBase64URL(value)
}

// parseTrustAnchors reads every certificate in the PEM bundles.
func parseTrustAnchors(bundles []string) ([]*x509.Certificate, error) {
	var out []*x509.Certificate
	for i, bundle := range bundles {
		rest, found := []byte(bundle), false
		for {
			var block *pem.Block
			if block, rest = pem.Decode(rest); block == nil {
				break
			}
			if block.Type != "CERTIFICATE" {
				continue
			}
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, errs.Wrap(err, errs.InvalidInput, fmt.Sprintf("trustAnchors[%d] holds an invalid certificate", i))
			}
			out, found = append(out, cert), true
		}
		if !found {
			return nil, errs.Newf(errs.InvalidInput, "trustAnchors[%d] holds no PEM certificate", i)
		}
	}
	return out, nil
}

func recordAttestation(rec *trace.Recorder, s *WebAuthnSpec, v *webauthn.AttestationVerification, anchors int, pinned bool) {
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
	rec.Step("parse.attestationObject", "Parse the attestation object", "",
		[]trace.Attribute{
			trace.Attr("format", string(v.Format)),
			trace.Attr("aaguid", v.Credential.AAGUIDString()),
			trace.Attr("credentialId", v.Credential.CredentialID),
			trace.Attr("algorithm", string(v.Algorithm)),
			trace.Attr("publicKey.cose", v.Credential.PublicKey),
		})
	rec.Step("parse.authenticatorData", "Parse authenticator data", "",
		[]trace.Attribute{
			trace.Attr("rpIdHash", v.AuthData.RPIDHash),
			trace.Attr("expected.rpIdHash", v.ExpectedRPIDHash),
			trace.Attr("flags", v.AuthData.Flags),
			trace.Attr("userPresent", v.AuthData.UserPresent()),
			trace.Attr("userVerified", v.AuthData.UserVerified()),
			trace.Attr("signCount", v.AuthData.SignCount),
		})
	subjects := make(trace.List, 0, len(v.Certificates))
	for _, c := range v.Certificates {
		subjects = append(subjects, c.Subject.String())
	}
	rec.Step("verify.attestationStatement", "Verify the attestation statement", "authenticatorData || SHA-256(clientDataJSON)",
		[]trace.Attribute{
			trace.Attr("signatureBase", v.SignatureBase),
			trace.Attr("statement.alg", v.StatementAlg),
			trace.Attr("selfAttested", v.SelfAttested),
			trace.Attr("certificates", subjects),
			trace.Attr("trustAnchors", anchors),
			trace.Attr("credentialKeyPinned", pinned),
			trace.Attr("reason", string(v.Reason)),
			trace.Attr("valid", v.Valid()),
		})
}
