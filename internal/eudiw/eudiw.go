// Package eudiw simulates the wallet and verifier sides of an OpenID4VP presentation of an
// SD-JWT VC: selective disclosure, key binding and trusted authority checks.
package eudiw

import (
	"crypto"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/openauthsim/otp-service/internal/errs"
)

const (
	FormatSDJWT = "dc+sd-jwt"
	TypeKB      = "kb+jwt"
	HashAlg     = "sha-256"

	PolicyThumbprint = "jkt"
	PolicyIssuer     = "iss"
)

// Profile selects the OpenID4VP conformance rules. HAIP requires holder binding.
type Profile string

const (
	HAIP     Profile = "HAIP"
	Baseline Profile = "BASELINE"
)

func ParseProfile(s string) (Profile, error) {
	switch Profile(strings.ToUpper(strings.TrimSpace(s))) {
	case "", HAIP:
		return HAIP, nil
	case Baseline:
		return Baseline, nil
	}
	return "", errs.Newf(errs.InvalidConfiguration, "unsupported OpenID4VP profile: %q", s)
}

// Claim is one selectively disclosable credential attribute.
type Claim struct {
	Name  string `json:"name" yaml:"name"`
	Value any    `json:"value" yaml:"value"`
}

// TrustedAuthority labels an accepted issuer identifier.
type TrustedAuthority struct {
	Type  string `json:"type" toml:"type" yaml:"type"`
	Value string `json:"value" toml:"value" yaml:"value"`
	Label string `json:"label,omitempty" toml:"label" yaml:"label,omitempty"`
}

func (t TrustedAuthority) Policy() string {
	return t.Type + ":" + t.Value
}

// ParsePolicy reads "type:value". A bare value is a key thumbprint.
func ParsePolicy(s string) (TrustedAuthority, error) {
	s = strings.TrimSpace(s)
	typ, value, found := strings.Cut(s, ":")
	if !found {
		typ, value = PolicyThumbprint, s
	}
	if value == "" {
		return TrustedAuthority{}, errs.Newf(errs.InvalidConfiguration, "trusted authority policy %q has no value", s)
	}
	switch typ {
	case PolicyThumbprint, PolicyIssuer:
	default:
		return TrustedAuthority{}, errs.Newf(errs.InvalidConfiguration, "unsupported trusted authority type %q", typ)
	}
	return TrustedAuthority{Type: typ, Value: value}, nil
}

// IssuerAuthorities lists the identifiers an issuer can be trusted under.
func IssuerAuthorities(issuer string, issuerKey jwk.Key) ([]TrustedAuthority, error) {
	thumbprint, err := Thumbprint(issuerKey)
	if err != nil {
		return nil, err
	}
	out := []TrustedAuthority{{Type: PolicyThumbprint, Value: thumbprint}}
	if issuer != "" {
		out = append(out, TrustedAuthority{Type: PolicyIssuer, Value: issuer})
	}
	return out, nil
}

// Thumbprint is the base64url RFC 7638 SHA-256 thumbprint of the public key.
func Thumbprint(key jwk.Key) (string, error) {
	pub, err := key.PublicKey()
	if err != nil {
		return "", errs.Wrap(err, errs.InvalidConfiguration, "deriving public key")
	}
	tp, err := pub.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", errs.Wrap(err, errs.InvalidConfiguration, "computing key thumbprint")
	}
	return encodeSegment(tp), nil
}

// matchPolicy resolves a requested policy against the issuer's identifiers. The returned
// authority carries the configured label when one is known.
func matchPolicy(requested string, available, labels []TrustedAuthority) (*TrustedAuthority, error) {
	want, err := ParsePolicy(requested)
	if err != nil {
		return nil, err
	}
	for _, a := range available {
		if a.Type != want.Type || a.Value != want.Value {
			continue
		}
		match := a
		match.Label = a.Value
		for _, l := range labels {
			if l.Type == a.Type && l.Value == a.Value && l.Label != "" {
				match.Label = l.Label
			}
		}
		return &match, nil
	}
	return nil, nil
}

// walletTrust checks, before presenting, that the issuer satisfies the requested policy.
func walletTrust(issuer string, issuerKey jwk.Key, policy string) (*TrustedAuthority, error) {
	if policy == "" {
		return nil, nil
	}
	available, err := IssuerAuthorities(issuer, issuerKey)
	if err != nil {
		return nil, err
	}
	match, err := matchPolicy(policy, available, nil)
	if err != nil {
		return nil, err
	}
	if match == nil {
		return nil, errs.Newf(errs.InvalidInput, "Trusted Authority policy %s not satisfied by wallet", policy)
	}
	return match, nil
}

// ParseKey reads a JWK and checks it can sign deterministically.
func ParseKey(raw string) (jwk.Key, error) {
	key, err := jwk.ParseKey([]byte(strings.TrimSpace(raw)))
	if err != nil {
		return nil, errs.Wrap(err, errs.InvalidConfiguration, "unable to parse JWK")
	}
	if _, err = signingAlgorithm(key); err != nil {
		return nil, err
	}
	return key, nil
}

// signingAlgorithm limits simulation keys to schemes whose signatures do not depend on a
// random nonce.
func signingAlgorithm(key jwk.Key) (jwa.SignatureAlgorithm, error) {
	switch key.KeyType() {
	case jwa.OKP:
		return jwa.EdDSA, nil
	case jwa.RSA:
		return jwa.RS256, nil
	}
	return "", errs.Newf(errs.InvalidConfiguration, "wallet simulation keys must be Ed25519 or RSA, got %s", key.KeyType())
}

// HashValue renders the audit digest form "sha-256:<hex>".
func HashValue(v string) string {
	return HashBytes([]byte(v))
}

func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return HashAlg + ":" + hex.EncodeToString(sum[:])
}
