package eudiw

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"reflect"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/pkg/errors"

	"github.com/openauthsim/otp-service/internal/errs"
	"github.com/openauthsim/otp-service/internal/webauthn"
)

const (
	FormatMdoc       = "mso_mdoc"
	DefaultDocType   = "eu.europa.ec.eudi.pid.1"
	DefaultNamespace = "eu.europa.ec.eudi.pid.1"

	mdocVersion     = "1.0"
	digestAlgorithm = "SHA-256"
	tagEncodedCBOR  = 24
	coseHeaderAlg   = 1
)

// ParseFormat accepts the two OpenID4VP credential formats; SD-JWT VC is the default.
func ParseFormat(s string) (string, error) {
	switch f := strings.ToLower(strings.TrimSpace(s)); f {
	case "", FormatSDJWT, "vc+sd-jwt":
		return FormatSDJWT, nil
	case FormatMdoc:
		return FormatMdoc, nil
	}
	return "", errs.Newf(errs.InvalidConfiguration, "unsupported credential format: %q", s)
}

var (
	mdocEncMode = func() cbor.EncMode {
		opts := cbor.CoreDetEncOptions()
		opts.Time = cbor.TimeRFC3339
		opts.TimeTag = cbor.EncTagRequired
		mode, err := opts.EncMode()
		if err != nil {
			panic(err)
		}
		return mode
	}()
	mdocDecMode = func() cbor.DecMode {
		mode, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any{})}.DecMode()
		if err != nil {
			panic(err)
		}
		return mode
	}()
)

// MdocCredential is an ISO/IEC 18013-5 document held by the wallet. As with the SD-JWT
// credential, the issuer key stands in for issuance.
type MdocCredential struct {
	Issuer    string
	DocType   string
	Namespace string
	IssuerKey jwk.Key
	HolderKey jwk.Key
	Claims    []Claim
}

// MdocItem is one presented IssuerSignedItem.
type MdocItem struct {
	Namespace string
	DigestID  uint64
	Name      string
	Value     any
	Digest    string
}

// MdocPresentation is the wallet response: a DeviceResponse, base64url encoded as vp_token.
type MdocPresentation struct {
	VPToken            string
	DeviceResponse     []byte
	DocType            string
	Items              []MdocItem
	Disclosed          []Claim
	DeviceResponseHash string
	TrustMatch         *TrustedAuthority
}

type issuerSignedItem struct {
	DigestID          uint64 `cbor:"digestID"`
	Random            []byte `cbor:"random"`
	ElementIdentifier string `cbor:"elementIdentifier"`
	ElementValue      any    `cbor:"elementValue"`
}

type deviceKeyInfo struct {
	DeviceKey cbor.RawMessage `cbor:"deviceKey"`
}

type validityInfo struct {
	Signed     time.Time `cbor:"signed"`
	ValidFrom  time.Time `cbor:"validFrom"`
	ValidUntil time.Time `cbor:"validUntil"`
}

type mobileSecurityObject struct {
	Version         string                       `cbor:"version"`
	DigestAlgorithm string                       `cbor:"digestAlgorithm"`
	ValueDigests    map[string]map[uint64][]byte `cbor:"valueDigests"`
	DeviceKeyInfo   deviceKeyInfo                `cbor:"deviceKeyInfo"`
	DocType         string                       `cbor:"docType"`
	ValidityInfo    validityInfo                 `cbor:"validityInfo"`
}

type coseSign1 struct {
	_           struct{} `cbor:",toarray"`
	Protected   []byte
	Unprotected map[int]any
	Payload     []byte
	Signature   []byte
}

type issuerSigned struct {
	NameSpaces map[string][]cbor.RawMessage `cbor:"nameSpaces"`
	IssuerAuth coseSign1                    `cbor:"issuerAuth"`
}

type deviceAuth struct {
	DeviceSignature coseSign1 `cbor:"deviceSignature"`
}

type deviceSigned struct {
	NameSpaces cbor.RawMessage `cbor:"nameSpaces"`
	DeviceAuth deviceAuth      `cbor:"deviceAuth"`
}

type mdocDocument struct {
	DocType      string       `cbor:"docType"`
	IssuerSigned issuerSigned `cbor:"issuerSigned"`
	DeviceSigned deviceSigned `cbor:"deviceSigned"`
}

type deviceResponse struct {
	Version   string         `cbor:"version"`
	Documents []mdocDocument `cbor:"documents"`
	Status    uint64         `cbor:"status"`
}

// PresentMdoc issues the document and answers the request with a DeviceResponse. Item
// randoms come from the request id and validity from IssuedAt, so the response is
// reproducible.
func PresentMdoc(cred MdocCredential, req AuthorizationRequest) (*MdocPresentation, error) {
	if err := checkRequest(req); err != nil {
		return nil, err
	}
	if cred.IssuerKey == nil || cred.HolderKey == nil {
		return nil, errs.New(errs.InvalidConfiguration, "issuer and holder keys are required")
	}
	if len(cred.Claims) == 0 {
		return nil, errs.New(errs.InvalidConfiguration, "credential has no claims to disclose")
	}
	docType, namespace := cred.DocType, cred.Namespace
	if docType == "" {
		docType = DefaultDocType
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	match, err := walletTrust(cred.Issuer, cred.IssuerKey, req.TrustedAuthorityPolicy)
	if err != nil {
		return nil, err
	}

	encoded := make(map[string]cbor.RawMessage, len(cred.Claims))
	items := make(map[string]MdocItem, len(cred.Claims))
	digests := make(map[uint64][]byte, len(cred.Claims))
	for i, c := range cred.Claims {
		raw, err := encodeWrapped(issuerSignedItem{
			DigestID:          uint64(i),
			Random:            deriveRandom(req.RequestID, c.Name),
			ElementIdentifier: c.Name,
			ElementValue:      c.Value,
		})
		if err != nil {
			return nil, errs.Wrap(err, errs.InvalidConfiguration, "claim value is not CBOR serializable")
		}
		sum := sha256.Sum256(raw)
		digests[uint64(i)] = sum[:]
		encoded[c.Name] = raw
		items[c.Name] = MdocItem{Namespace: namespace, DigestID: uint64(i), Name: c.Name, Value: c.Value, Digest: HashBytes(raw)}
	}

	names := req.Claims
	if len(names) == 0 {
		for _, c := range cred.Claims {
			names = append(names, c.Name)
		}
	}
	presented := make([]cbor.RawMessage, 0, len(names))
	p := &MdocPresentation{DocType: docType, TrustMatch: match}
	for _, n := range names {
		raw, ok := encoded[n]
		if !ok {
			return nil, errs.Newf(errs.InvalidInput, "requested claim %q is not held by the wallet", n)
		}
		presented = append(presented, raw)
		p.Items = append(p.Items, items[n])
		p.Disclosed = append(p.Disclosed, Claim{Name: n, Value: items[n].Value})
	}

	holder, err := rawPublicKey(cred.HolderKey)
	if err != nil {
		return nil, err
	}
	holderAlg, err := webauthnAlgorithm(cred.HolderKey)
	if err != nil {
		return nil, err
	}
	deviceKey, err := webauthn.EncodeCOSEKey(holder, holderAlg)
	if err != nil {
		return nil, err
	}
	mso, err := encodeWrapped(mobileSecurityObject{
		Version:         mdocVersion,
		DigestAlgorithm: digestAlgorithm,
		ValueDigests:    map[string]map[uint64][]byte{namespace: digests},
		DeviceKeyInfo:   deviceKeyInfo{DeviceKey: deviceKey},
		DocType:         docType,
		ValidityInfo: validityInfo{
			Signed:     req.IssuedAt.UTC(),
			ValidFrom:  req.IssuedAt.UTC(),
			ValidUntil: req.IssuedAt.UTC().AddDate(1, 0, 0),
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "encoding mobile security object")
	}
	issuerAuth, err := signSign1(cred.IssuerKey, mso, false)
	if err != nil {
		return nil, err
	}

	deviceNameSpaces, err := encodeWrapped(map[string]any{})
	if err != nil {
		return nil, errors.Wrap(err, "encoding device namespaces")
	}
	toSign, err := deviceAuthentication(req.ClientID, req.Nonce, docType, deviceNameSpaces)
	if err != nil {
		return nil, err
	}
	deviceSignature, err := signSign1(cred.HolderKey, toSign, true)
	if err != nil {
		return nil, err
	}

	p.DeviceResponse, err = mdocEncMode.Marshal(deviceResponse{
		Version: mdocVersion,
		Documents: []mdocDocument{{
			DocType: docType,
			IssuerSigned: issuerSigned{
				NameSpaces: map[string][]cbor.RawMessage{namespace: presented},
				IssuerAuth: issuerAuth,
			},
			DeviceSigned: deviceSigned{
				NameSpaces: deviceNameSpaces,
				DeviceAuth: deviceAuth{DeviceSignature: deviceSignature},
			},
		}},
	})
	if err != nil {
		return nil, errors.Wrap(err, "encoding device response")
	}
	p.VPToken = base64.RawURLEncoding.EncodeToString(p.DeviceResponse)
	p.DeviceResponseHash = HashBytes(p.DeviceResponse)
	return p, nil
}

// ValidateMdoc checks a DeviceResponse vp_token: issuer signature over the MSO, trusted
// authority, item digests, then the device signature over the session transcript.
func ValidateMdoc(vpToken string, e Expectation) (*Validation, error) {
	if e.IssuerKey == nil {
		return nil, errs.New(errs.InvalidConfiguration, "issuer key is required for validation")
	}
	vpToken = strings.TrimSpace(vpToken)
	if vpToken == "" {
		return nil, errs.New(errs.MissingInput, "vp_token is required")
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(vpToken, "="))
	if err != nil {
		return nil, errs.Wrap(err, errs.InvalidEncoding, "mdoc vp_token must be base64url encoded")
	}
	var resp deviceResponse
	if err = mdocDecMode.Unmarshal(raw, &resp); err != nil {
		return nil, errs.Wrap(err, errs.InvalidInput, "vp_token is not an mdoc DeviceResponse")
	}
	if resp.Status != 0 {
		return nil, errs.Newf(errs.InvalidInput, "device response reports status %d", resp.Status)
	}
	if len(resp.Documents) == 0 {
		return nil, errs.New(errs.InvalidInput, "device response holds no documents")
	}
	doc := resp.Documents[0]
	v := &Validation{Format: FormatMdoc, Issuer: e.Issuer, VCT: doc.DocType, VPTokenHash: HashBytes(raw)}

	if e.DocType != "" && doc.DocType != e.DocType {
		return v.fail(ReasonUnexpectedType, "document type must be "+e.DocType), nil
	}
	issuerPub, err := rawPublicKey(e.IssuerKey)
	if err != nil {
		return nil, err
	}
	if !verifySign1(issuerPub, doc.IssuerSigned.IssuerAuth, doc.IssuerSigned.IssuerAuth.Payload) {
		return v.fail(ReasonIssuerSignature, "issuerAuth signature does not verify"), nil
	}
	var mso mobileSecurityObject
	if err = decodeWrapped(doc.IssuerSigned.IssuerAuth.Payload, &mso); err != nil {
		return nil, errs.Wrap(err, errs.InvalidInput, "issuerAuth payload is not a mobile security object")
	}
	if mso.DocType != doc.DocType {
		return v.fail(ReasonUnexpectedType, "mobile security object is for "+mso.DocType), nil
	}

	if v.IssuerAuthorities, err = IssuerAuthorities(e.Issuer, e.IssuerKey); err != nil {
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

	for ns, encoded := range doc.IssuerSigned.NameSpaces {
		seen := make(map[uint64]bool, len(encoded))
		for _, rawItem := range encoded {
			v.DisclosureHashes = append(v.DisclosureHashes, HashBytes(rawItem))
			var item issuerSignedItem
			if err = decodeWrapped(rawItem, &item); err != nil {
				return nil, errs.Wrap(err, errs.InvalidInput, "issuer signed item is malformed")
			}
			sum := sha256.Sum256(rawItem)
			want, ok := mso.ValueDigests[ns][item.DigestID]
			if !ok || subtle.ConstantTimeCompare(want, sum[:]) != 1 {
				return v.fail(ReasonDisclosureMismatch, "item "+item.ElementIdentifier+" does not match its MSO digest"), nil
			}
			if seen[item.DigestID] {
				return v.fail(ReasonDisclosureMismatch, "item "+item.ElementIdentifier+" appears more than once"), nil
			}
			seen[item.DigestID] = true
			v.Disclosed = append(v.Disclosed, Claim{Name: item.ElementIdentifier, Value: item.ElementValue})
		}
	}

	_, devicePub, err := webauthn.DecodeCOSEKeyAlgorithm(mso.DeviceKeyInfo.DeviceKey)
	if err != nil {
		return v.fail(ReasonKeyBindingInvalid, "MSO device key is not a usable COSE key"), nil
	}
	expected, err := deviceAuthentication(e.Audience, e.Nonce, doc.DocType, doc.DeviceSigned.NameSpaces)
	if err != nil {
		return nil, err
	}
	if !verifySign1(devicePub, doc.DeviceSigned.DeviceAuth.DeviceSignature, expected) {
		return v.fail(ReasonKeyBindingInvalid, "device signature does not cover this nonce and client id"), nil
	}
	v.HolderBinding = true
	v.Reason = ReasonMatch
	return v, nil
}

// sessionTranscript binds the device signature to the verifier: [null, null, handover] with
// handover [SHA-256(client_id), nonce].
func deviceAuthentication(clientID, nonce, docType string, deviceNameSpaces []byte) ([]byte, error) {
	clientHash := sha256.Sum256([]byte(clientID))
	transcript := []any{nil, nil, []any{clientHash[:], nonce}}
	out, err := encodeWrapped([]any{"DeviceAuthentication", transcript, docType, cbor.RawMessage(deviceNameSpaces)})
	if err != nil {
		return nil, errors.Wrap(err, "encoding device authentication")
	}
	return out, nil
}

// encodeWrapped is #6.24(bstr .cbor v).
func encodeWrapped(v any) ([]byte, error) {
	inner, err := mdocEncMode.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mdocEncMode.Marshal(cbor.Tag{Number: tagEncodedCBOR, Content: inner})
}

func decodeWrapped(raw []byte, v any) error {
	var tag cbor.Tag
	if err := mdocDecMode.Unmarshal(raw, &tag); err != nil {
		return err
	}
	inner, ok := tag.Content.([]byte)
	if tag.Number != tagEncodedCBOR || !ok {
		return errors.Errorf("expected tag %d over a byte string", tagEncodedCBOR)
	}
	return mdocDecMode.Unmarshal(inner, v)
}

func sigStructure(protected, payload []byte) ([]byte, error) {
	return mdocEncMode.Marshal([]any{"Signature1", protected, []byte{}, payload})
}

// signSign1 builds a COSE_Sign1. A detached signature leaves the payload nil.
func signSign1(key jwk.Key, payload []byte, detached bool) (coseSign1, error) {
	alg, err := webauthnAlgorithm(key)
	if err != nil {
		return coseSign1{}, err
	}
	protected, err := mdocEncMode.Marshal(map[int]any{coseHeaderAlg: alg.COSEIdentifier()})
	if err != nil {
		return coseSign1{}, errors.Wrap(err, "encoding protected header")
	}
	tbs, err := sigStructure(protected, payload)
	if err != nil {
		return coseSign1{}, errors.Wrap(err, "encoding Sig_structure")
	}
	var private any
	if err = key.Raw(&private); err != nil {
		return coseSign1{}, errs.Wrap(err, errs.InvalidConfiguration, "reading signing key")
	}
	var sig []byte
	switch k := private.(type) {
	case ed25519.PrivateKey:
		sig = ed25519.Sign(k, tbs)
	case *rsa.PrivateKey:
		digest := sha256.Sum256(tbs)
		if sig, err = rsa.SignPKCS1v15(nil, k, crypto.SHA256, digest[:]); err != nil {
			return coseSign1{}, errors.Wrap(err, "signing COSE_Sign1")
		}
	default:
		return coseSign1{}, errs.Newf(errs.InvalidConfiguration, "unsupported COSE signing key %T", private)
	}
	out := coseSign1{Protected: protected, Unprotected: map[int]any{}, Signature: sig}
	if !detached {
		out.Payload = payload
	}
	return out, nil
}

func verifySign1(pub crypto.PublicKey, s coseSign1, payload []byte) bool {
	var header map[int]any
	if err := mdocDecMode.Unmarshal(s.Protected, &header); err != nil {
		return false
	}
	alg, _ := header[coseHeaderAlg].(int64)
	tbs, err := sigStructure(s.Protected, payload)
	if err != nil {
		return false
	}
	switch k := pub.(type) {
	case ed25519.PublicKey:
		return alg == webauthn.EdDSA.COSEIdentifier() && ed25519.Verify(k, tbs, s.Signature)
	case *rsa.PublicKey:
		digest := sha256.Sum256(tbs)
		return alg == webauthn.RS256.COSEIdentifier() && rsa.VerifyPKCS1v15(k, crypto.SHA256, digest[:], s.Signature) == nil
	}
	return false
}

func webauthnAlgorithm(key jwk.Key) (webauthn.Algorithm, error) {
	alg, err := signingAlgorithm(key)
	if err != nil {
		return "", err
	}
	if alg == jwa.EdDSA {
		return webauthn.EdDSA, nil
	}
	return webauthn.RS256, nil
}

func rawPublicKey(key jwk.Key) (crypto.PublicKey, error) {
	pub, err := key.PublicKey()
	if err != nil {
		return nil, errs.Wrap(err, errs.InvalidConfiguration, "deriving public key")
	}
	var raw any
	if err = pub.Raw(&raw); err != nil {
		return nil, errs.Wrap(err, errs.InvalidConfiguration, "reading public key")
	}
	if k, ok := raw.(rsa.PublicKey); ok {
		return &k, nil
	}
	return raw, nil
}

func deriveRandom(requestID, name string) []byte {
	b, _ := base64.RawURLEncoding.DecodeString(deriveSalt(requestID, "mdoc:"+name))
	return b
}
