package eudiw

import (
	"crypto/subtle"
	"strings"

	"github.com/goccy/go-json"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"

	"github.com/openauthsim/otp-service/internal/errs"
	"github.com/openauthsim/otp-service/internal/util"
)

type Reason string

const (
	ReasonMatch              Reason = "match"
	ReasonInvalidScope       Reason = "invalid_scope"
	ReasonIssuerSignature    Reason = "issuer_signature_invalid"
	ReasonUnexpectedType     Reason = "unexpected_token_type"
	ReasonDisclosureMismatch Reason = "disclosure_digest_mismatch"
	ReasonKeyBindingMissing  Reason = "key_binding_missing"
	ReasonKeyBindingInvalid  Reason = "key_binding_invalid"
	ReasonNonceMismatch      Reason = "nonce_mismatch"
	ReasonAudienceMismatch   Reason = "audience_mismatch"
	ReasonSDHashMismatch     Reason = "sd_hash_mismatch"
)

// Expectation is the verifier state a vp_token is validated against.
type Expectation struct {
	// Issuer and DocType apply to mdoc, which carries no iss claim; SD-JWT reads iss from the token.
	Issuer                 string
	DocType                string
	IssuerKey              jwk.Key
	Nonce                  string
	Audience               string
	Profile                Profile
	TrustedAuthorityPolicy string
	// TrustedAuthorities supplies display labels for matched policies.
	TrustedAuthorities []TrustedAuthority
}

// ParsedToken is the vp_token split into its parts.
type ParsedToken struct {
	IssuerJWT     string
	Disclosures   []string
	KeyBindingJWT string
	// Unbound is everything before the key binding JWT, including the trailing separator.
	Unbound string
}

func ParseToken(vpToken string) (*ParsedToken, error) {
	vpToken = strings.TrimSpace(vpToken)
	if vpToken == "" {
		return nil, errs.New(errs.MissingInput, "vp_token is required")
	}
	last := strings.LastIndex(vpToken, separator)
	if last < 0 {
		return nil, errs.New(errs.InvalidInput, "vp_token must be an SD-JWT with ~ separated disclosures")
	}
	parts := strings.Split(vpToken[:last], separator)
	return &ParsedToken{
		IssuerJWT:     parts[0],
		Disclosures:   parts[1:],
		KeyBindingJWT: vpToken[last+1:],
		Unbound:       vpToken[:last+1],
	}, nil
}

// Validation records what was checked, for traces and responses.
type Validation struct {
	Format            string
	Reason            Reason
	Detail            string
	Issuer            string
	VCT               string
	Disclosed         []Claim
	DisclosureHashes  []string
	VPTokenHash       string
	KBJWTHash         string
	HolderBinding     bool
	TrustMatch        *TrustedAuthority
	IssuerAuthorities []TrustedAuthority
}

func (v Validation) Valid() bool { return v.Reason == ReasonMatch }

func (v *Validation) fail(r Reason, detail string) *Validation {
	v.Reason, v.Detail = r, detail
	return v
}

// Validate checks a vp_token: issuer signature, trusted authority, disclosure digests, then
// key binding. Malformed tokens are errors; failed checks are a Validation with a reason.
func Validate(vpToken string, e Expectation) (*Validation, error) {
	if e.IssuerKey == nil {
		return nil, errs.New(errs.InvalidConfiguration, "issuer key is required for validation")
	}
	parsed, err := ParseToken(vpToken)
	if err != nil {
		return nil, err
	}
	v := &Validation{Format: FormatSDJWT, VPTokenHash: HashValue(vpToken)}
	for _, d := range parsed.Disclosures {
		v.DisclosureHashes = append(v.DisclosureHashes, HashValue(d))
	}
	if parsed.KeyBindingJWT != "" {
		v.KBJWTHash = HashValue(parsed.KeyBindingJWT)
	}

	sig, raw, err := util.ParseJWS(parsed.IssuerJWT)
	if err != nil {
		return nil, errs.Wrap(err, errs.InvalidInput, "issuer JWT is not a compact JWS")
	}
	var payload issuerPayload
	if err = json.Unmarshal(raw, &payload); err != nil {
		return nil, errs.Wrap(err, errs.InvalidInput, "issuer JWT payload is not JSON")
	}
	v.Issuer, v.VCT = payload.Issuer, payload.VCT

	if typ := sig.ProtectedHeaders().Type(); typ != FormatSDJWT {
		return v.fail(ReasonUnexpectedType, "issuer JWT typ must be "+FormatSDJWT), nil
	}
	if !verify(parsed.IssuerJWT, e.IssuerKey) {
		return v.fail(ReasonIssuerSignature, "issuer signature does not verify"), nil
	}

	if v.IssuerAuthorities, err = IssuerAuthorities(payload.Issuer, e.IssuerKey); err != nil {
		return nil, err
	}
	if e.TrustedAuthorityPolicy != "" {
		if v.TrustMatch, err = matchPolicy(e.TrustedAuthorityPolicy, v.IssuerAuthorities, e.TrustedAuthorities); err != nil {
			return nil, err
		}
		if v.TrustMatch == nil {
			return v.fail(ReasonInvalidScope, "Trusted Authority policy "+e.TrustedAuthorityPolicy+" not satisfied by wallet"), nil
		}
	}

	digests := make(map[string]bool, len(payload.SD))
	for _, d := range payload.SD {
		digests[d] = false
	}
	for _, encoded := range parsed.Disclosures {
		d, err := decodeDisclosure(encoded)
		if err != nil {
			return nil, err
		}
		seen, ok := digests[d.Digest]
		if !ok {
			return v.fail(ReasonDisclosureMismatch, "disclosure for "+d.Name+" is not referenced by the issuer"), nil
		}
		if seen {
			return v.fail(ReasonDisclosureMismatch, "disclosure for "+d.Name+" appears more than once"), nil
		}
		digests[d.Digest] = true
		v.Disclosed = append(v.Disclosed, Claim{Name: d.Name, Value: d.Value})
	}

	if parsed.KeyBindingJWT == "" {
		if e.Profile == HAIP {
			return v.fail(ReasonKeyBindingMissing, "HAIP presentations require a key binding JWT"), nil
		}
		v.Reason = ReasonMatch
		return v, nil
	}
	return validateKeyBinding(v, parsed, payload, e)
}

func validateKeyBinding(v *Validation, parsed *ParsedToken, payload issuerPayload, e Expectation) (*Validation, error) {
	if payload.Cnf == nil || len(payload.Cnf.JWK) == 0 {
		return v.fail(ReasonKeyBindingInvalid, "issuer JWT carries no cnf key"), nil
	}
	holder, err := jwk.ParseKey(payload.Cnf.JWK)
	if err != nil {
		return v.fail(ReasonKeyBindingInvalid, "cnf key is not a valid JWK"), nil
	}

	sig, raw, err := util.ParseJWS(parsed.KeyBindingJWT)
	if err != nil {
		return nil, errs.Wrap(err, errs.InvalidInput, "key binding JWT is not a compact JWS")
	}
	if sig.ProtectedHeaders().Type() != TypeKB {
		return v.fail(ReasonKeyBindingInvalid, "key binding JWT typ must be "+TypeKB), nil
	}
	if !verify(parsed.KeyBindingJWT, holder) {
		return v.fail(ReasonKeyBindingInvalid, "key binding signature does not verify with the cnf key"), nil
	}
	var kb kbPayload
	if err = json.Unmarshal(raw, &kb); err != nil {
		return nil, errs.Wrap(err, errs.InvalidInput, "key binding payload is not JSON")
	}
	v.HolderBinding = true

	if subtle.ConstantTimeCompare([]byte(kb.Nonce), []byte(e.Nonce)) != 1 {
		return v.fail(ReasonNonceMismatch, "key binding nonce does not match the request"), nil
	}
	if kb.Audience != e.Audience {
		return v.fail(ReasonAudienceMismatch, "key binding audience does not match the verifier"), nil
	}
	if kb.SDHash != digest(parsed.Unbound) {
		return v.fail(ReasonSDHashMismatch, "sd_hash does not cover the presented disclosures"), nil
	}
	v.Reason = ReasonMatch
	return v, nil
}

func verify(token string, key jwk.Key) bool {
	alg, err := signingAlgorithm(key)
	if err != nil {
		return false
	}
	pub, err := key.PublicKey()
	if err != nil {
		return false
	}
	_, err = jws.Verify([]byte(token), jws.WithKey(alg, pub))
	return err == nil
}
