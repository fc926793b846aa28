package evaluation

import (
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/openauthsim/otp-service/internal/encoding"
	"github.com/openauthsim/otp-service/internal/errs"
	"github.com/openauthsim/otp-service/internal/eudiw"
	"github.com/openauthsim/otp-service/internal/otp"
	"github.com/openauthsim/otp-service/internal/webauthn"
)

// Inline is credential material supplied with the request, exactly as received. Secrets stay
// encoded until Decode builds a spec from them.
type Inline struct {
	SharedSecretHex    string `json:"sharedSecretHex,omitempty"`
	SharedSecretBase32 string `json:"sharedSecretBase32,omitempty"`
	Algorithm          string `json:"algorithm,omitempty"`
	Digits             int    `json:"digits,omitempty"`
	StepSeconds        int64  `json:"stepSeconds,omitempty"`
	T0                 int64  `json:"t0,omitempty"`
	Suite              string `json:"suite,omitempty"`

	MasterKey               string  `json:"masterKey,omitempty"`
	ATC                     *uint16 `json:"atc,omitempty"`
	BranchFactor            int     `json:"branchFactor,omitempty"`
	Height                  int     `json:"height,omitempty"`
	IV                      string  `json:"iv,omitempty"`
	CDOL1                   string  `json:"cdol1,omitempty"`
	IssuerProprietaryBitmap string  `json:"issuerProprietaryBitmap,omitempty"`
	ICCDataTemplate         string  `json:"iccDataTemplate,omitempty"`
	IssuerApplicationData   string  `json:"issuerApplicationData,omitempty"`

	RelyingPartyID string          `json:"relyingPartyId,omitempty"`
	Origin         string          `json:"origin,omitempty"`
	PrivateKey     json.RawMessage `json:"privateKey,omitempty"`
	// PublicKey is a JWK object, or a string holding a base64url COSE_Key.
	PublicKey                json.RawMessage `json:"publicKey,omitempty"`
	UserVerificationRequired bool            `json:"userVerificationRequired,omitempty"`

	Issuer             string                   `json:"issuer,omitempty"`
	VCT                string                   `json:"vct,omitempty"`
	IssuerKey          json.RawMessage          `json:"issuerKey,omitempty"`
	HolderKey          json.RawMessage          `json:"holderKey,omitempty"`
	Claims             []eudiw.Claim            `json:"claims,omitempty"`
	TrustedAuthorities []eudiw.TrustedAuthority `json:"trustedAuthorities,omitempty"`
	CredentialFormat   string                   `json:"credentialFormat,omitempty"`
	DocType            string                   `json:"docType,omitempty"`
	VerifierKey        json.RawMessage          `json:"verifierKey,omitempty"`
}

// HasMaterial reports whether any key or secret field is populated. Parameters such as digits
// or origin do not count.
func (in Inline) HasMaterial() bool {
	return strings.TrimSpace(in.SharedSecretHex) != "" ||
		strings.TrimSpace(in.SharedSecretBase32) != "" ||
		strings.TrimSpace(in.MasterKey) != "" ||
		len(in.PrivateKey) > 0 ||
		len(in.PublicKey) > 0 ||
		len(in.IssuerKey) > 0 ||
		len(in.HolderKey) > 0 ||
		len(in.VerifierKey) > 0
}

// SetFields names the populated fields by their JSON names, sorted. Every field is omitempty,
// so the marshalled object holds exactly the populated ones.
func (in Inline) SetFields() []string {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil
	}
	var set map[string]json.RawMessage
	if err = json.Unmarshal(raw, &set); err != nil {
		return nil
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Decode builds the protocol's spec from the inline fields and validates it.
func (in Inline) Decode(p Protocol) (CredentialSpec, error) {
	var (
		spec CredentialSpec
		err  error
	)
	switch p {
	case HOTP:
		spec, err = in.hotp()
	case TOTP:
		spec, err = in.totp()
	case OCRA:
		spec, err = in.ocra()
	case EMVCAP:
		spec, err = in.emv()
	case WebAuthn:
		spec, err = in.webauthn()
	case EUDIW:
		spec = in.eudiw()
	default:
		return nil, errs.Newf(errs.InvalidRequest, "unsupported protocol: %q", p)
	}
	if err != nil {
		return nil, err
	}
	if err = spec.Validate(); err != nil {
		spec.Zero()
		return nil, err
	}
	return spec, nil
}

func (in Inline) hotp() (CredentialSpec, error) {
	secret, err := encoding.DecodeSecret(in.SharedSecretHex, in.SharedSecretBase32)
	if err != nil {
		return nil, err
	}
	return &HOTPSpec{Secret: secret, Algorithm: otp.Algorithm(in.Algorithm), Digits: in.Digits}, nil
}

func (in Inline) totp() (CredentialSpec, error) {
	secret, err := encoding.DecodeSecret(in.SharedSecretHex, in.SharedSecretBase32)
	if err != nil {
		return nil, err
	}
	return &TOTPSpec{
		Secret:      secret,
		Algorithm:   otp.Algorithm(in.Algorithm),
		Digits:      in.Digits,
		StepSeconds: in.StepSeconds,
		T0:          in.T0,
	}, nil
}

func (in Inline) ocra() (CredentialSpec, error) {
	secret, err := encoding.DecodeSecret(in.SharedSecretHex, in.SharedSecretBase32)
	if err != nil {
		return nil, err
	}
	return &OCRASpec{Suite: strings.TrimSpace(in.Suite), Secret: secret}, nil
}

func (in Inline) emv() (CredentialSpec, error) {
	fields := []struct {
		name  string
		value string
	}{
		{name: "masterKey", value: in.MasterKey},
		{name: "iv", value: in.IV},
		{name: "cdol1", value: in.CDOL1},
		{name: "issuerProprietaryBitmap", value: in.IssuerProprietaryBitmap},
		{name: "issuerApplicationData", value: in.IssuerApplicationData},
	}
	spec := &EMVSpec{
		BranchFactor:    in.BranchFactor,
		Height:          in.Height,
		ICCDataTemplate: strings.TrimSpace(in.ICCDataTemplate),
	}
	targets := []*encoding.HexBytes{&spec.MasterKey, &spec.IV, &spec.CDOL1, &spec.IssuerProprietaryBitmap, &spec.IssuerApplicationData}
	for i, f := range fields {
		decoded, err := encoding.DecodeHex(strings.TrimSpace(f.value))
		if err != nil {
			spec.Zero()
			return nil, errs.Wrap(err, errs.InvalidEncoding, "decoding "+f.name)
		}
		*targets[i] = decoded
	}
	if in.ATC != nil {
		spec.ATC = *in.ATC
	}
	return spec, nil
}

func (in Inline) webauthn() (CredentialSpec, error) {
	spec := &WebAuthnSpec{
		Algorithm:                webauthn.Algorithm(in.Algorithm),
		RelyingPartyID:           strings.TrimSpace(in.RelyingPartyID),
		Origin:                   strings.TrimSpace(in.Origin),
		PrivateKey:               in.PrivateKey,
		UserVerificationRequired: in.UserVerificationRequired,
	}
	raw := []byte(strings.TrimSpace(string(in.PublicKey)))
	switch {
	case len(raw) == 0:
	case raw[0] == '"':
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return nil, errs.Wrap(err, errs.InvalidEncoding, "publicKey must be a JWK object or a base64url COSE key")
		}
		cose, err := webauthn.DecodeBase64URL(encoded)
		if err != nil {
			return nil, err
		}
		spec.PublicKeyCOSE = cose
	default:
		spec.PublicKeyJWK = raw
	}
	return spec, nil
}

func (in Inline) eudiw() CredentialSpec {
	return &EUDIWSpec{
		Issuer:             strings.TrimSpace(in.Issuer),
		VCT:                strings.TrimSpace(in.VCT),
		IssuerKey:          in.IssuerKey,
		HolderKey:          in.HolderKey,
		Claims:             in.Claims,
		TrustedAuthorities: in.TrustedAuthorities,
		Format:             strings.TrimSpace(in.CredentialFormat),
		DocType:            strings.TrimSpace(in.DocType),
		VerifierKey:        in.VerifierKey,
	}
}
