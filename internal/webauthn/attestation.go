package webauthn

import (
	"bytes"
	"crypto"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/openauthsim/otp-service/internal/errs"
)

type AttestationFormat string

const (
	FormatNone   AttestationFormat = "none"
	FormatPacked AttestationFormat = "packed"

	aaguidLength = 16
)

// ParseAttestationFormat defaults to packed. Only formats the simulator can both produce and
// check are accepted.
func ParseAttestationFormat(s string) (AttestationFormat, error) {
	switch f := AttestationFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatPacked:
		return FormatPacked, nil
	case FormatNone:
		return FormatNone, nil
	}
	return "", errs.Newf(errs.InvalidConfiguration, "unsupported attestation format: %q", s)
}

// AttestedCredential is the attested credential data of a registration.
type AttestedCredential struct {
	AAGUID       []byte
	CredentialID []byte
	// PublicKey is the COSE_Key exactly as it appears in authData.
	PublicKey []byte
}

// AAGUIDString renders the AAGUID in UUID form.
func (c AttestedCredential) AAGUIDString() string {
	a := c.AAGUID
	if len(a) != aaguidLength {
		return ""
	}
	return fmt.Sprintf("%x-%x-%x-%x-%x", a[0:4], a[4:6], a[6:8], a[8:10], a[10:16])
}

// CredentialIDFor derives a stable credential id from the credential public key.
func CredentialIDFor(coseKey []byte) []byte {
	sum := sha256.Sum256(coseKey)
	return sum[:]
}

// BuildAttestedAuthenticatorData is registration authData: the assertion header with the AT
// flag set, followed by aaguid, credential id length, credential id and the COSE key.
func BuildAttestedAuthenticatorData(rpID string, counter uint32, userVerified bool, c AttestedCredential) []byte {
	out := BuildAuthenticatorData(rpID, counter, userVerified)
	out[rpIDHashLength] |= FlagAttested
	aaguid := make([]byte, aaguidLength)
	copy(aaguid, c.AAGUID)
	out = append(out, aaguid...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(c.CredentialID)))
	out = append(out, c.CredentialID...)
	return append(out, c.PublicKey...)
}

func ParseAttestedCredential(ad *AuthenticatorData) (*AttestedCredential, error) {
	if ad.Flags&FlagAttested == 0 {
		return nil, errs.New(errs.InvalidInput, "attested credential data not present")
	}
	rest := ad.Extensions
	if len(rest) < aaguidLength+2 {
		return nil, errs.New(errs.InvalidInput, "attested credential data is truncated")
	}
	aaguid := rest[:aaguidLength]
	n := int(binary.BigEndian.Uint16(rest[aaguidLength:]))
	rest = rest[aaguidLength+2:]
	if len(rest) < n {
		return nil, errs.New(errs.InvalidInput, "credential id truncated in authenticator data")
	}
	id := rest[:n]
	rest = rest[n:]

	// the key is followed by extensions when the ED flag is set
	dec := cbor.NewDecoder(bytes.NewReader(rest))
	var key cbor.RawMessage
	if err := dec.Decode(&key); err != nil {
		return nil, errs.Wrap(err, errs.InvalidInput, "credential public key is not CBOR")
	}
	return &AttestedCredential{
		AAGUID:       aaguid,
		CredentialID: id,
		PublicKey:    rest[:dec.NumBytesRead()],
	}, nil
}

type attestationObject struct {
	Format   string          `cbor:"fmt"`
	AttStmt  cbor.RawMessage `cbor:"attStmt"`
	AuthData []byte          `cbor:"authData"`
}

type packedStatement struct {
	Alg int64    `cbor:"alg"`
	Sig []byte   `cbor:"sig"`
	X5C [][]byte `cbor:"x5c,omitempty"`
}

// AttestationRequest is what an authenticator needs to register a credential.
type AttestationRequest struct {
	Format                   AttestationFormat
	Algorithm                Algorithm
	RelyingPartyID           string
	Origin                   string
	Challenge                []byte
	SignatureCounter         uint32
	UserVerificationRequired bool
	AAGUID                   []byte
}

// GeneratedAttestation is a registration response plus its parsed parts.
type GeneratedAttestation struct {
	Format            AttestationFormat
	ClientData        ClientData
	ClientDataJSON    []byte
	AuthenticatorData []byte
	AttestationObject []byte
	Credential        AttestedCredential
	// Signature is empty for the none format.
	Signature []byte
}

// GenerateAttestation registers the signer's key. Packed attestation is self attestation: the
// statement is signed with the credential key itself, so output is deterministic.
func GenerateAttestation(signer crypto.Signer, req AttestationRequest) (*GeneratedAttestation, error) {
	if err := checkCeremony(req.RelyingPartyID, req.Origin, req.Challenge); err != nil {
		return nil, err
	}
	if len(req.AAGUID) != 0 && len(req.AAGUID) != aaguidLength {
		return nil, errs.Newf(errs.InvalidConfiguration, "aaguid must be %d bytes", aaguidLength)
	}
	format := req.Format
	if format == "" {
		format = FormatPacked
	}
	cose, err := EncodeCOSEKey(signer.Public(), req.Algorithm)
	if err != nil {
		return nil, err
	}
	cred := AttestedCredential{
		AAGUID:       make([]byte, aaguidLength),
		CredentialID: CredentialIDFor(cose),
		PublicKey:    cose,
	}
	copy(cred.AAGUID, req.AAGUID)

	clientData, err := BuildClientData(TypeCreate, req.Challenge, req.Origin)
	if err != nil {
		return nil, err
	}
	authData := BuildAttestedAuthenticatorData(req.RelyingPartyID, req.SignatureCounter, req.UserVerificationRequired, cred)

	mode, err := cbor.CTAP2EncOptions().EncMode()
	if err != nil {
		return nil, errors.Wrap(err, "building CBOR encoder")
	}
	var (
		sig  []byte
		stmt []byte
	)
	switch format {
	case FormatNone:
		stmt, err = mode.Marshal(map[string]any{})
	case FormatPacked:
		if sig, err = Sign(req.Algorithm, signer, authData, clientData); err != nil {
			return nil, err
		}
		stmt, err = mode.Marshal(packedStatement{Alg: req.Algorithm.COSEIdentifier(), Sig: sig})
	default:
		return nil, errs.Newf(errs.InvalidConfiguration, "unsupported attestation format: %q", format)
	}
	if err != nil {
		return nil, errors.Wrap(err, "encoding attestation statement")
	}
	object, err := mode.Marshal(attestationObject{Format: string(format), AttStmt: stmt, AuthData: authData})
	if err != nil {
		return nil, errors.Wrap(err, "encoding attestation object")
	}

	return &GeneratedAttestation{
		Format:            format,
		ClientData:        ClientData{Type: TypeCreate, Challenge: EncodeBase64URL(req.Challenge), Origin: req.Origin},
		ClientDataJSON:    clientData,
		AuthenticatorData: authData,
		AttestationObject: object,
		Credential:        cred,
		Signature:         sig,
	}, nil
}

// AttestationExpectation is the relying party state a registration is checked against.
type AttestationExpectation struct {
	// Format, when set, must equal the statement format.
	Format                   AttestationFormat
	RelyingPartyID           string
	Origin                   string
	Challenge                []byte
	UserVerificationRequired bool
	// PublicKey, when set, must equal the attested credential key.
	PublicKey crypto.PublicKey
	// TrustAnchors, when set, require an x5c chain that ends at one of them.
	TrustAnchors []*x509.Certificate
}

// AttestationVerification captures every parsed piece so callers can trace it.
type AttestationVerification struct {
	ClientData       *ClientData
	AuthData         *AuthenticatorData
	Format           AttestationFormat
	Credential       *AttestedCredential
	Algorithm        Algorithm
	CredentialKey    crypto.PublicKey
	StatementAlg     int64
	Certificates     []*x509.Certificate
	SelfAttested     bool
	ExpectedRPIDHash []byte
	SignatureBase    []byte
	Reason           Reason
	Detail           string
}

func (v AttestationVerification) Valid() bool { return v.Reason == ReasonMatch }

func (v *AttestationVerification) fail(r Reason, detail string) *AttestationVerification {
	v.Reason, v.Detail = r, detail
	return v
}

// VerifyAttestation checks a registration response. As with Verify, malformed structures are
// errors and failed checks are a verification with a reason.
func VerifyAttestation(clientDataJSON, object []byte, e AttestationExpectation) (*AttestationVerification, error) {
	cd, err := ParseClientData(clientDataJSON)
	if err != nil {
		return nil, err
	}
	var obj attestationObject
	if err = cbor.Unmarshal(object, &obj); err != nil {
		return nil, errs.Wrap(err, errs.InvalidInput, "attestation object is not a CBOR map")
	}
	if len(obj.AuthData) == 0 {
		return nil, errs.New(errs.InvalidInput, "missing authData in attestation")
	}
	format, err := ParseAttestationFormat(obj.Format)
	if err != nil || obj.Format == "" {
		return nil, errs.Newf(errs.InvalidInput, "unsupported attestation statement format: %q", obj.Format)
	}
	ad, err := ParseAuthenticatorData(obj.AuthData)
	if err != nil {
		return nil, err
	}
	cred, err := ParseAttestedCredential(ad)
	if err != nil {
		return nil, err
	}
	alg, credKey, err := DecodeCOSEKeyAlgorithm(cred.PublicKey)
	if err != nil {
		return nil, err
	}

	rpHash := sha256.Sum256([]byte(e.RelyingPartyID))
	v := &AttestationVerification{
		ClientData:       cd,
		AuthData:         ad,
		Format:           format,
		Credential:       cred,
		Algorithm:        alg,
		CredentialKey:    credKey,
		ExpectedRPIDHash: rpHash[:],
		SignatureBase:    SignatureBase(obj.AuthData, clientDataJSON),
	}

	if cd.Type != TypeCreate {
		return v.fail(ReasonTypeMismatch, "client data type must be "+TypeCreate), nil
	}
	challenge, err := cd.ChallengeBytes()
	if err != nil || subtle.ConstantTimeCompare(challenge, e.Challenge) != 1 {
		return v.fail(ReasonChallengeMismatch, "client data challenge does not match expected value"), nil
	}
	if cd.Origin != e.Origin {
		return v.fail(ReasonOriginMismatch, "client data origin mismatch"), nil
	}
	if e.Format != "" && e.Format != format {
		return v.fail(ReasonFormatMismatch, fmt.Sprintf("attestation format mismatch (expected %s but found %s)", e.Format, format)), nil
	}
	if subtle.ConstantTimeCompare(ad.RPIDHash, rpHash[:]) != 1 {
		return v.fail(ReasonRPIDHashMismatch, "RP ID hash mismatch in attestation"), nil
	}
	if !ad.UserPresent() {
		return v.fail(ReasonUserPresenceRequired, "user presence flag not set"), nil
	}
	if e.UserVerificationRequired && !ad.UserVerified() {
		return v.fail(ReasonUserVerificationRequired, "user verification was required"), nil
	}

	switch format {
	case FormatNone:
		var stmt map[string]any
		if err = cbor.Unmarshal(obj.AttStmt, &stmt); err != nil || len(stmt) != 0 {
			return nil, errs.New(errs.InvalidInput, "none attestation must carry an empty statement")
		}
	case FormatPacked:
		done, err := verifyPacked(v, obj, clientDataJSON)
		if err != nil {
			return nil, err
		}
		if done {
			return v, nil
		}
	}

	if len(e.TrustAnchors) > 0 {
		if len(v.Certificates) == 0 {
			return v.fail(ReasonUntrustedAttestation, "attestation carries no certificate chain to check against trust anchors"), nil
		}
		if !chainsTo(v.Certificates, e.TrustAnchors) {
			return v.fail(ReasonUntrustedAttestation, "attestation certificate chain does not lead to a trust anchor"), nil
		}
	}
	if e.PublicKey != nil {
		k, ok := e.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
		if !ok || !k.Equal(credKey) {
			return v.fail(ReasonCredentialKeyMismatch, "attested credential key does not match the registered key"), nil
		}
	}
	v.Reason = ReasonMatch
	return v, nil
}

// verifyPacked reports done when v already carries a failure.
func verifyPacked(v *AttestationVerification, obj attestationObject, clientDataJSON []byte) (bool, error) {
	var stmt packedStatement
	if err := cbor.Unmarshal(obj.AttStmt, &stmt); err != nil {
		return false, errs.Wrap(err, errs.InvalidInput, "packed attestation statement is malformed")
	}
	if len(stmt.Sig) == 0 {
		return false, errs.New(errs.InvalidInput, "packed attestation statement has no sig")
	}
	v.StatementAlg = stmt.Alg
	alg, known := algorithmFromCOSE(stmt.Alg)
	if !known {
		return false, errs.Newf(errs.InvalidInput, "unsupported attestation alg %d", stmt.Alg)
	}

	key := v.CredentialKey
	if len(stmt.X5C) > 0 {
		for _, der := range stmt.X5C {
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				return false, errs.Wrap(err, errs.InvalidInput, "x5c holds an invalid certificate")
			}
			v.Certificates = append(v.Certificates, cert)
		}
		key = v.Certificates[0].PublicKey
	} else {
		v.SelfAttested = true
		if alg != v.Algorithm {
			v.fail(ReasonSignatureInvalid, "self attestation alg does not match the credential key")
			return true, nil
		}
	}

	ok, err := VerifySignature(alg, key, obj.AuthData, clientDataJSON, stmt.Sig)
	if err != nil {
		return false, err
	}
	if !ok {
		v.fail(ReasonSignatureInvalid, "packed attestation signature mismatch")
		return true, nil
	}
	return false, nil
}

// chainsTo checks each link of the chain and that its last certificate is, or is signed by,
// an anchor. Validity periods are not checked.
func chainsTo(chain, anchors []*x509.Certificate) bool {
	for i := 0; i+1 < len(chain); i++ {
		if chain[i].CheckSignatureFrom(chain[i+1]) != nil {
			return false
		}
	}
	last := chain[len(chain)-1]
	for _, a := range anchors {
		if last.Equal(a) || last.CheckSignatureFrom(a) == nil {
			return true
		}
	}
	return false
}
