package webauthn

import (
	"crypto"
	"crypto/sha256"
	"crypto/subtle"

	"github.com/openauthsim/otp-service/internal/errs"
)

// Reason explains why a verification did not pass.
type Reason string

const (
	ReasonMatch                    Reason = "match"
	ReasonTypeMismatch             Reason = "client_data_type_mismatch"
	ReasonChallengeMismatch        Reason = "client_data_challenge_mismatch"
	ReasonOriginMismatch           Reason = "origin_mismatch"
	ReasonRPIDHashMismatch         Reason = "rp_id_hash_mismatch"
	ReasonUserPresenceRequired     Reason = "user_presence_required"
	ReasonUserVerificationRequired Reason = "user_verification_required"
	ReasonCounterRegression        Reason = "counter_regression"
	ReasonSignatureInvalid         Reason = "signature_invalid"
	ReasonFormatMismatch           Reason = "attestation_format_mismatch"
	ReasonCredentialKeyMismatch    Reason = "credential_key_mismatch"
	ReasonUntrustedAttestation     Reason = "attestation_untrusted"
)

// GenerateRequest is what an authenticator needs to produce an assertion.
type GenerateRequest struct {
	Algorithm                Algorithm
	RelyingPartyID           string
	Origin                   string
	Type                     string
	Challenge                []byte
	SignatureCounter         uint32
	UserVerificationRequired bool
}

// Assertion is the authenticator response, as a relying party receives it.
type Assertion struct {
	CredentialID      []byte
	ClientDataJSON    []byte
	AuthenticatorData []byte
	Signature         []byte
}

// Generated is an assertion plus the public key material that verifies it.
type Generated struct {
	Assertion
	ClientData    ClientData
	PublicKeyCOSE []byte
	SignatureBase []byte
}

func Generate(signer crypto.Signer, req GenerateRequest) (*Generated, error) {
	if err := checkCeremony(req.RelyingPartyID, req.Origin, req.Challenge); err != nil {
		return nil, err
	}
	typ := req.Type
	if typ == "" {
		typ = TypeGet
	}

	clientData, err := BuildClientData(typ, req.Challenge, req.Origin)
	if err != nil {
		return nil, err
	}
	authData := BuildAuthenticatorData(req.RelyingPartyID, req.SignatureCounter, req.UserVerificationRequired)
	sig, err := Sign(req.Algorithm, signer, authData, clientData)
	if err != nil {
		return nil, err
	}
	cose, err := EncodeCOSEKey(signer.Public(), req.Algorithm)
	if err != nil {
		return nil, err
	}
	return &Generated{
		Assertion: Assertion{
			ClientDataJSON:    clientData,
			AuthenticatorData: authData,
			Signature:         sig,
		},
		ClientData:    ClientData{Type: typ, Challenge: EncodeBase64URL(req.Challenge), Origin: req.Origin},
		PublicKeyCOSE: cose,
		SignatureBase: SignatureBase(authData, clientData),
	}, nil
}

func checkCeremony(rpID, origin string, challenge []byte) error {
	switch {
	case rpID == "":
		return errs.New(errs.MissingInput, "relyingPartyId is required")
	case origin == "":
		return errs.New(errs.MissingInput, "origin is required")
	case len(challenge) == 0:
		return errs.New(errs.MissingInput, "challenge is required")
	}
	return nil
}

// Expectation is the relying party state an assertion is checked against.
type Expectation struct {
	Algorithm                Algorithm
	PublicKey                crypto.PublicKey
	RelyingPartyID           string
	Origin                   string
	Type                     string
	Challenge                []byte
	StoredCounter            uint32
	UserVerificationRequired bool
}

// Verification captures every parsed piece so callers can trace it.
type Verification struct {
	ClientData       *ClientData
	AuthData         *AuthenticatorData
	ExpectedRPIDHash []byte
	SignatureBase    []byte
	Reason           Reason
	Detail           string
}

func (v Verification) Valid() bool { return v.Reason == ReasonMatch }

// Verify checks the assertion in relying party order. Structural problems (unparseable client
// data, short authenticator data) are errors; every other failure is a Verification with a reason.
func Verify(a Assertion, e Expectation) (*Verification, error) {
	if len(a.Signature) == 0 {
		return nil, errs.New(errs.MissingInput, "signature is required")
	}
	cd, err := ParseClientData(a.ClientDataJSON)
	if err != nil {
		return nil, err
	}
	ad, err := ParseAuthenticatorData(a.AuthenticatorData)
	if err != nil {
		return nil, err
	}
	rpHash := sha256.Sum256([]byte(e.RelyingPartyID))
	v := &Verification{
		ClientData:       cd,
		AuthData:         ad,
		ExpectedRPIDHash: rpHash[:],
		SignatureBase:    SignatureBase(a.AuthenticatorData, a.ClientDataJSON),
	}

	typ := e.Type
	if typ == "" {
		typ = TypeGet
	}
	if cd.Type != typ {
		return v.fail(ReasonTypeMismatch, "unexpected client data type"), nil
	}
	challenge, err := cd.ChallengeBytes()
	if err != nil || subtle.ConstantTimeCompare(challenge, e.Challenge) != 1 {
		return v.fail(ReasonChallengeMismatch, "client data challenge does not match expected value"), nil
	}
	if cd.Origin != e.Origin {
		return v.fail(ReasonOriginMismatch, "client data origin mismatch"), nil
	}
	if subtle.ConstantTimeCompare(ad.RPIDHash, rpHash[:]) != 1 {
		return v.fail(ReasonRPIDHashMismatch, "authenticator RP hash mismatch"), nil
	}
	if !ad.UserPresent() {
		return v.fail(ReasonUserPresenceRequired, "user presence flag not set"), nil
	}
	if e.UserVerificationRequired && !ad.UserVerified() {
		return v.fail(ReasonUserVerificationRequired, "user verification was required"), nil
	}
	if ad.SignCount < e.StoredCounter {
		return v.fail(ReasonCounterRegression, "authenticator counter regressed"), nil
	}

	ok, err := VerifySignature(e.Algorithm, e.PublicKey, a.AuthenticatorData, a.ClientDataJSON, a.Signature)
	if err != nil {
		return nil, err
	}
	if !ok {
		return v.fail(ReasonSignatureInvalid, "authenticator signature mismatch"), nil
	}
	v.Reason = ReasonMatch
	return v, nil
}

func (v *Verification) fail(r Reason, detail string) *Verification {
	v.Reason, v.Detail = r, detail
	return v
}
