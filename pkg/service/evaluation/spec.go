package evaluation

import (
	"crypto"
	"strings"

	"github.com/goccy/go-json"

	"github.com/openauthsim/otp-service/internal/emvcap"
	"github.com/openauthsim/otp-service/internal/encoding"
	"github.com/openauthsim/otp-service/internal/errs"
	"github.com/openauthsim/otp-service/internal/eudiw"
	"github.com/openauthsim/otp-service/internal/ocra"
	"github.com/openauthsim/otp-service/internal/otp"
	"github.com/openauthsim/otp-service/internal/webauthn"
)

const DefaultStepSeconds int64 = 30

// CredentialSpec is the closed set of per-protocol credential parameters. A spec owns its
// key material for one request; Zero overwrites it in place once the request is done.
// Validate fills defaults and canonical algorithm names in place.
type CredentialSpec interface {
	Protocol() Protocol
	Validate() error
	Zero()
}

type HOTPSpec struct {
	Secret    encoding.HexBytes `json:"secret"`
	Algorithm otp.Algorithm     `json:"algorithm"`
	Digits    int               `json:"digits"`
	Counter   uint64            `json:"counter"`
}

func (s *HOTPSpec) Protocol() Protocol { return HOTP }
func (s *HOTPSpec) Zero()              { encoding.Zero(s.Secret) }

func (s *HOTPSpec) Validate() error {
	if len(s.Secret) == 0 {
		return errs.New(errs.MissingInput, "shared secret required")
	}
	alg, err := otp.ParseAlgorithm(string(s.Algorithm))
	if err != nil {
		return err
	}
	s.Algorithm = alg
	if s.Digits == 0 {
		s.Digits = otp.DefaultDigits
	}
	return otp.ValidateDigits(s.Digits)
}

type TOTPSpec struct {
	Secret      encoding.HexBytes `json:"secret"`
	Algorithm   otp.Algorithm     `json:"algorithm"`
	Digits      int               `json:"digits"`
	StepSeconds int64             `json:"stepSeconds"`
	T0          int64             `json:"t0"`
}

func (s *TOTPSpec) Protocol() Protocol { return TOTP }
func (s *TOTPSpec) Zero()              { encoding.Zero(s.Secret) }

func (s *TOTPSpec) Validate() error {
	if len(s.Secret) == 0 {
		return errs.New(errs.MissingInput, "shared secret required")
	}
	alg, err := otp.ParseAlgorithm(string(s.Algorithm))
	if err != nil {
		return err
	}
	s.Algorithm = alg
	if s.Digits == 0 {
		s.Digits = otp.DefaultDigits
	}
	if s.StepSeconds == 0 {
		s.StepSeconds = DefaultStepSeconds
	}
	if s.StepSeconds < 0 {
		return errs.Newf(errs.InvalidConfiguration, "stepSeconds must be positive, got %d", s.StepSeconds)
	}
	return otp.ValidateDigits(s.Digits)
}

type OCRASpec struct {
	Suite  string            `json:"suite"`
	Secret encoding.HexBytes `json:"secret"`
	// Counter is the stored counter for suites that declare C.
	Counter *uint64 `json:"counter,omitempty"`
}

func (s *OCRASpec) Protocol() Protocol { return OCRA }
func (s *OCRASpec) Zero()              { encoding.Zero(s.Secret) }

func (s *OCRASpec) Validate() error {
	if len(s.Secret) == 0 {
		return errs.New(errs.MissingInput, "shared secret required")
	}
	_, err := ocra.ParseSuite(s.Suite)
	return err
}

type EMVSpec struct {
	MasterKey               encoding.HexBytes `json:"masterKey"`
	ATC                     uint16            `json:"atc"`
	BranchFactor            int               `json:"branchFactor"`
	Height                  int               `json:"height"`
	IV                      encoding.HexBytes `json:"iv"`
	CDOL1                   encoding.HexBytes `json:"cdol1"`
	IssuerProprietaryBitmap encoding.HexBytes `json:"issuerProprietaryBitmap"`
	ICCDataTemplate         string            `json:"iccDataTemplate"`
	IssuerApplicationData   encoding.HexBytes `json:"issuerApplicationData"`
}

func (s *EMVSpec) Protocol() Protocol { return EMVCAP }
func (s *EMVSpec) Zero()              { encoding.Zero(s.MasterKey) }

func (s *EMVSpec) Validate() error {
	// Identify takes no customer inputs, so it checks the card profile alone.
	return emvcap.Input{Mode: emvcap.Identify, Params: s.params()}.Validate()
}

func (s *EMVSpec) params() emvcap.Params {
	return emvcap.Params{
		MasterKey:               s.MasterKey,
		ATC:                     s.ATC,
		BranchFactor:            s.BranchFactor,
		Height:                  s.Height,
		IV:                      s.IV,
		CDOL1:                   s.CDOL1,
		IssuerProprietaryBitmap: s.IssuerProprietaryBitmap,
		ICCDataTemplate:         s.ICCDataTemplate,
		IssuerApplicationData:   s.IssuerApplicationData,
	}
}

type WebAuthnSpec struct {
	Algorithm      webauthn.Algorithm `json:"algorithm"`
	RelyingPartyID string             `json:"relyingPartyId"`
	Origin         string             `json:"origin"`
	// PrivateKey is a private JWK. Verification-only credentials leave it empty.
	PrivateKey               json.RawMessage   `json:"privateKey,omitempty"`
	PublicKeyJWK             json.RawMessage   `json:"publicKeyJwk,omitempty"`
	PublicKeyCOSE            encoding.HexBytes `json:"publicKeyCose,omitempty"`
	SignCount                uint32            `json:"signCount"`
	UserVerificationRequired bool              `json:"userVerificationRequired"`
	// AttestationFormat is generated on registration and, when set, required on verification.
	AttestationFormat webauthn.AttestationFormat `json:"attestationFormat,omitempty"`
}

func (s *WebAuthnSpec) Protocol() Protocol { return WebAuthn }
func (s *WebAuthnSpec) Zero()              { encoding.Zero(s.PrivateKey) }

func (s *WebAuthnSpec) Validate() error {
	alg, err := webauthn.ParseAlgorithm(string(s.Algorithm))
	if err != nil {
		return err
	}
	s.Algorithm = alg
	if strings.TrimSpace(s.RelyingPartyID) == "" {
		return errs.New(errs.MissingInput, "relyingPartyId is required")
	}
	if strings.TrimSpace(s.Origin) == "" {
		return errs.New(errs.MissingInput, "origin is required")
	}
	if s.AttestationFormat != "" {
		if s.AttestationFormat, err = webauthn.ParseAttestationFormat(string(s.AttestationFormat)); err != nil {
			return err
		}
	}
	if len(s.PrivateKey) > 0 {
		_, err = webauthn.ParsePrivateKey(string(s.PrivateKey), s.Algorithm)
		return err
	}
	// a credential that only verifies registrations needs no key: the attestation carries it
	if len(s.publicKeyBytes()) > 0 {
		_, err = s.publicKey()
	}
	return err
}

// publicKeyBytes picks the verification key encoding: JWK, then COSE.
func (s *WebAuthnSpec) publicKeyBytes() []byte {
	if len(s.PublicKeyJWK) > 0 {
		return s.PublicKeyJWK
	}
	return s.PublicKeyCOSE
}

func (s *WebAuthnSpec) publicKey() (crypto.PublicKey, error) {
	raw := s.publicKeyBytes()
	if len(raw) > 0 {
		return webauthn.ParsePublicKey(raw, s.Algorithm)
	}
	if len(s.PrivateKey) > 0 {
		signer, err := webauthn.ParsePrivateKey(string(s.PrivateKey), s.Algorithm)
		if err != nil {
			return nil, err
		}
		return signer.Public(), nil
	}
	return nil, errs.New(errs.MissingInput, "public key material is required")
}

type EUDIWSpec struct {
	Issuer string `json:"issuer"`
	VCT    string `json:"vct"`
	// IssuerKey and HolderKey are private JWKs; the wallet simulation signs with both.
	IssuerKey          json.RawMessage          `json:"issuerKey"`
	HolderKey          json.RawMessage          `json:"holderKey"`
	Claims             []eudiw.Claim            `json:"claims"`
	Profile            eudiw.Profile            `json:"profile,omitempty"`
	TrustedAuthorities []eudiw.TrustedAuthority `json:"trustedAuthorities,omitempty"`
	// Format is dc+sd-jwt or mso_mdoc; DocType and Namespace apply to mdoc only.
	Format    string `json:"format,omitempty"`
	DocType   string `json:"docType,omitempty"`
	Namespace string `json:"namespace,omitempty"`
	// VerifierKey is the verifier's P-256 JWK for direct_post.jwt. The wallet encrypts to its
	// public half; replay decrypts with the private half.
	VerifierKey json.RawMessage `json:"verifierKey,omitempty"`
}

func (s *EUDIWSpec) Protocol() Protocol { return EUDIW }

func (s *EUDIWSpec) Zero() {
	encoding.Zero(s.IssuerKey)
	encoding.Zero(s.HolderKey)
	encoding.Zero(s.VerifierKey)
}

func (s *EUDIWSpec) Validate() error {
	if strings.TrimSpace(s.Issuer) == "" {
		return errs.New(errs.MissingInput, "issuer is required")
	}
	if _, err := eudiw.ParseKey(string(s.IssuerKey)); err != nil {
		return err
	}
	if _, err := eudiw.ParseKey(string(s.HolderKey)); err != nil {
		return err
	}
	if len(s.Claims) == 0 {
		return errs.New(errs.InvalidConfiguration, "credential has no claims to disclose")
	}
	profile, err := eudiw.ParseProfile(string(s.Profile))
	if err != nil {
		return err
	}
	s.Profile = profile
	if s.Format, err = eudiw.ParseFormat(s.Format); err != nil {
		return err
	}
	if s.Format == eudiw.FormatMdoc && s.DocType == "" {
		s.DocType = eudiw.DefaultDocType
	}
	if len(s.VerifierKey) > 0 {
		if _, err = eudiw.ParseVerifierKey(string(s.VerifierKey)); err != nil {
			return err
		}
	}
	for _, ta := range s.TrustedAuthorities {
		if _, err := eudiw.ParsePolicy(ta.Policy()); err != nil {
			return err
		}
	}
	return nil
}

// NewSpec returns an empty spec of the protocol's concrete type, ready for decoding.
func NewSpec(p Protocol) (CredentialSpec, error) {
	switch p {
	case HOTP:
		return new(HOTPSpec), nil
	case TOTP:
		return new(TOTPSpec), nil
	case OCRA:
		return new(OCRASpec), nil
	case EMVCAP:
		return new(EMVSpec), nil
	case WebAuthn:
		return new(WebAuthnSpec), nil
	case EUDIW:
		return new(EUDIWSpec), nil
	}
	return nil, errs.Newf(errs.InvalidRequest, "unsupported protocol: %q", p)
}

// DecodeSpec reads a stored spec document into a fresh snapshot.
func DecodeSpec(p Protocol, data []byte) (CredentialSpec, error) {
	spec, err := NewSpec(p)
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal(data, spec); err != nil {
		if _, ok := errs.KindOf(err); ok {
			return nil, err
		}
		return nil, errs.Wrap(err, errs.InvalidConfiguration, "decoding "+string(p)+" credential")
	}
	return spec, nil
}

// specAs narrows a spec to the adapter's concrete type. A stored credential of another
// protocol is a configuration problem, not a programming error.
func specAs[T CredentialSpec](spec CredentialSpec, p Protocol) (T, error) {
	s, ok := spec.(T)
	if !ok {
		var zero T
		if spec == nil {
			return zero, errs.Newf(errs.InvalidConfiguration, "%s credential is required", p)
		}
		return zero, errs.Newf(errs.InvalidConfiguration, "credential is a %s credential, not %s", spec.Protocol(), p)
	}
	return s, nil
}
