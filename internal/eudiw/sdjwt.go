package eudiw

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/pkg/errors"

	"github.com/openauthsim/otp-service/internal/errs"
)

const separator = "~"

// Disclosure is one decoded SD-JWT disclosure.
type Disclosure struct {
	Salt    string
	Name    string
	Value   any
	Encoded string
	Digest  string
}

// Credential is what the wallet holds: the issuer's signing key stands in for the issuance
// step, so a presentation can be produced from one stored record.
type Credential struct {
	Issuer    string
	VCT       string
	IssuerKey jwk.Key
	HolderKey jwk.Key
	Claims    []Claim
}

// AuthorizationRequest is the verifier's request as the wallet sees it.
type AuthorizationRequest struct {
	RequestID              string
	Nonce                  string
	ClientID               string
	Profile                Profile
	Claims                 []string
	TrustedAuthorityPolicy string
	IssuedAt               time.Time
}

// Presentation is the wallet response.
type Presentation struct {
	VPToken       string
	IssuerJWT     string
	Disclosures   []Disclosure
	KeyBindingJWT string
	SDHash        string
	Disclosed     []Claim
	TrustMatch    *TrustedAuthority
}

type confirmation struct {
	JWK json.RawMessage `json:"jwk"`
}

type issuerPayload struct {
	Issuer   string        `json:"iss"`
	IssuedAt int64         `json:"iat"`
	VCT      string        `json:"vct"`
	SD       []string      `json:"_sd"`
	SDAlg    string        `json:"_sd_alg"`
	Cnf      *confirmation `json:"cnf,omitempty"`
}

type kbPayload struct {
	IssuedAt int64  `json:"iat"`
	Audience string `json:"aud"`
	Nonce    string `json:"nonce"`
	SDHash   string `json:"sd_hash"`
}

// Present issues the credential and builds the vp_token for the request. Salts come from the
// request id and both timestamps from IssuedAt, so the token is reproducible.
func Present(cred Credential, req AuthorizationRequest) (*Presentation, error) {
	if err := checkRequest(req); err != nil {
		return nil, err
	}
	if cred.IssuerKey == nil || cred.HolderKey == nil {
		return nil, errs.New(errs.InvalidConfiguration, "issuer and holder keys are required")
	}
	if len(cred.Claims) == 0 {
		return nil, errs.New(errs.InvalidConfiguration, "credential has no claims to disclose")
	}

	match, err := walletTrust(cred.Issuer, cred.IssuerKey, req.TrustedAuthorityPolicy)
	if err != nil {
		return nil, err
	}

	p, err := present(cred, req)
	if err != nil {
		return nil, err
	}
	p.TrustMatch = match
	return p, nil
}

func present(cred Credential, req AuthorizationRequest) (*Presentation, error) {
	all := make([]Disclosure, 0, len(cred.Claims))
	for _, c := range cred.Claims {
		d, err := newDisclosure(deriveSalt(req.RequestID, c.Name), c.Name, c.Value)
		if err != nil {
			return nil, err
		}
		all = append(all, d)
	}

	selected, err := selectDisclosures(all, req.Claims)
	if err != nil {
		return nil, err
	}

	issuerJWT, err := issue(cred, all, req.IssuedAt)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString(issuerJWT)
	b.WriteString(separator)
	disclosed := make([]Claim, 0, len(selected))
	for _, d := range selected {
		b.WriteString(d.Encoded)
		b.WriteString(separator)
		disclosed = append(disclosed, Claim{Name: d.Name, Value: d.Value})
	}
	unbound := b.String()
	sdHash := digest(unbound)

	kb, err := signKeyBinding(cred.HolderKey, kbPayload{
		IssuedAt: req.IssuedAt.Unix(),
		Audience: req.ClientID,
		Nonce:    req.Nonce,
		SDHash:   sdHash,
	})
	if err != nil {
		return nil, err
	}

	return &Presentation{
		VPToken:       unbound + kb,
		IssuerJWT:     issuerJWT,
		Disclosures:   selected,
		KeyBindingJWT: kb,
		SDHash:        sdHash,
		Disclosed:     disclosed,
	}, nil
}

func checkRequest(req AuthorizationRequest) error {
	switch {
	case req.RequestID == "":
		return errs.New(errs.MissingInput, "requestId is required")
	case req.Nonce == "":
		return errs.New(errs.MissingInput, "nonce is required")
	case req.ClientID == "":
		return errs.New(errs.MissingInput, "clientId is required")
	}
	return nil
}

// selectDisclosures keeps the requested claims in request order, or everything when none
// are named.
func selectDisclosures(all []Disclosure, names []string) ([]Disclosure, error) {
	if len(names) == 0 {
		return all, nil
	}
	byName := make(map[string]Disclosure, len(all))
	for _, d := range all {
		byName[d.Name] = d
	}
	out := make([]Disclosure, 0, len(names))
	for _, n := range names {
		d, ok := byName[n]
		if !ok {
			return nil, errs.Newf(errs.InvalidInput, "requested claim %q is not held by the wallet", n)
		}
		out = append(out, d)
	}
	return out, nil
}

func issue(cred Credential, disclosures []Disclosure, issuedAt time.Time) (string, error) {
	digests := make([]string, 0, len(disclosures))
	for _, d := range disclosures {
		digests = append(digests, d.Digest)
	}
	sort.Strings(digests)

	holder, err := cred.HolderKey.PublicKey()
	if err != nil {
		return "", errs.Wrap(err, errs.InvalidConfiguration, "deriving holder public key")
	}
	holderJSON, err := json.Marshal(holder)
	if err != nil {
		return "", errors.Wrap(err, "marshalling holder key")
	}
	payload, err := json.Marshal(issuerPayload{
		Issuer:   cred.Issuer,
		IssuedAt: issuedAt.Unix(),
		VCT:      cred.VCT,
		SD:       digests,
		SDAlg:    HashAlg,
		Cnf:      &confirmation{JWK: holderJSON},
	})
	if err != nil {
		return "", errors.Wrap(err, "marshalling issuer payload")
	}
	return sign(cred.IssuerKey, FormatSDJWT, payload)
}

func signKeyBinding(holder jwk.Key, p kbPayload) (string, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return "", errors.Wrap(err, "marshalling key binding payload")
	}
	return sign(holder, TypeKB, payload)
}

func sign(key jwk.Key, typ string, payload []byte) (string, error) {
	alg, err := signingAlgorithm(key)
	if err != nil {
		return "", err
	}
	hdrs := jws.NewHeaders()
	if err = hdrs.Set(jws.TypeKey, typ); err != nil {
		return "", errors.Wrap(err, "setting typ header")
	}
	token, err := jws.Sign(payload, jws.WithKey(alg, key, jws.WithProtectedHeaders(hdrs)))
	if err != nil {
		return "", errs.Wrap(err, errs.InvalidConfiguration, "signing "+typ)
	}
	return string(token), nil
}

func newDisclosure(salt, name string, value any) (Disclosure, error) {
	raw, err := json.Marshal([]any{salt, name, value})
	if err != nil {
		return Disclosure{}, errs.Wrap(err, errs.InvalidConfiguration, "claim value is not JSON serializable")
	}
	encoded := encodeSegment(raw)
	return Disclosure{Salt: salt, Name: name, Value: value, Encoded: encoded, Digest: digest(encoded)}, nil
}

func decodeDisclosure(encoded string) (Disclosure, error) {
	raw, err := decodeSegment(encoded)
	if err != nil {
		return Disclosure{}, err
	}
	var parts []any
	if err = json.Unmarshal(raw, &parts); err != nil || len(parts) != 3 {
		return Disclosure{}, errs.New(errs.InvalidInput, "disclosure must be a JSON array of salt, name and value")
	}
	salt, sok := parts[0].(string)
	name, nok := parts[1].(string)
	if !sok || !nok {
		return Disclosure{}, errs.New(errs.InvalidInput, "disclosure salt and name must be strings")
	}
	return Disclosure{Salt: salt, Name: name, Value: parts[2], Encoded: encoded, Digest: digest(encoded)}, nil
}

func deriveSalt(requestID, name string) string {
	mac := hmac.New(sha256.New, []byte(requestID))
	mac.Write([]byte(name))
	return encodeSegment(mac.Sum(nil)[:16])
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return encodeSegment(sum[:])
}

func encodeSegment(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeSegment(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, errs.Wrap(err, errs.InvalidEncoding, "SD-JWT segment must be base64url encoded")
	}
	return b, nil
}
