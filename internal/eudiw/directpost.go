package eudiw

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"strings"

	"github.com/goccy/go-json"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwe"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/pkg/errors"

	"github.com/openauthsim/otp-service/internal/errs"
)

const (
	ResponseModeDirectPost    = "direct_post"
	ResponseModeDirectPostJWT = "direct_post.jwt"

	// ResponseEncryption is the JWE alg+enc pair used for direct_post.jwt.
	ResponseEncryption = "ECDH-ES+A128GCM"
)

func ParseResponseMode(s string) (string, error) {
	switch m := strings.ToLower(strings.TrimSpace(s)); m {
	case "", ResponseModeDirectPost:
		return ResponseModeDirectPost, nil
	case ResponseModeDirectPostJWT:
		return ResponseModeDirectPostJWT, nil
	}
	return "", errs.Newf(errs.InvalidConfiguration, "unsupported response mode: %q", s)
}

// RequiresEncryption reports whether the response must be sent as direct_post.jwt. HAIP
// requires it whenever that response mode is requested.
func RequiresEncryption(p Profile, responseMode string) bool {
	return p == HAIP && responseMode == ResponseModeDirectPostJWT
}

// AuthorizationResponse is the wallet's answer, posted to the verifier.
type AuthorizationResponse struct {
	VPToken string `json:"vp_token"`
	State   string `json:"state,omitempty"`
}

// ParseVerifierKey reads the verifier's response encryption key: a P-256 EC JWK.
func ParseVerifierKey(raw string) (jwk.Key, error) {
	key, err := jwk.ParseKey([]byte(strings.TrimSpace(raw)))
	if err != nil {
		return nil, errs.Wrap(err, errs.InvalidConfiguration, "unable to parse verifier JWK")
	}
	var material any
	if err = key.Raw(&material); err != nil {
		return nil, errs.Wrap(err, errs.InvalidConfiguration, "unable to read verifier key")
	}
	var curve elliptic.Curve
	switch k := material.(type) {
	case *ecdsa.PrivateKey:
		curve = k.Curve
	case *ecdsa.PublicKey:
		curve = k.Curve
	}
	if curve != elliptic.P256() {
		return nil, errs.New(errs.InvalidConfiguration, "verifier key must be a P-256 EC key")
	}
	return key, nil
}

// EncryptResponse seals the response for the verifier as a compact JWE. The ephemeral key and
// IV are random, so unlike the vp_token the result differs on every call.
func EncryptResponse(verifierKey jwk.Key, resp AuthorizationResponse) (string, error) {
	pub, err := verifierKey.PublicKey()
	if err != nil {
		return "", errs.Wrap(err, errs.InvalidConfiguration, "deriving verifier public key")
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return "", errors.Wrap(err, "marshalling authorization response")
	}
	out, err := jwe.Encrypt(payload, jwe.WithKey(jwa.ECDH_ES, pub), jwe.WithContentEncryption(jwa.A128GCM))
	if err != nil {
		return "", errs.Wrap(err, errs.InvalidConfiguration, "direct_post.jwt encryption failed")
	}
	return string(out), nil
}

// DecryptResponse opens a direct_post.jwt with the verifier's private key.
func DecryptResponse(verifierKey jwk.Key, compact string) (*AuthorizationResponse, error) {
	compact = strings.TrimSpace(compact)
	if strings.Count(compact, ".") != 4 {
		return nil, errs.New(errs.InvalidInput, "direct_post.jwt must contain five segments")
	}
	msg, err := jwe.Parse([]byte(compact))
	if err != nil {
		return nil, errs.Wrap(err, errs.InvalidInput, "direct_post.jwt structure invalid")
	}
	hdrs := msg.ProtectedHeaders()
	if hdrs.Algorithm() != jwa.ECDH_ES || hdrs.ContentEncryption() != jwa.A128GCM {
		return nil, errs.Newf(errs.InvalidInput, "direct_post.jwt must use %s", ResponseEncryption)
	}
	plain, err := jwe.Decrypt([]byte(compact), jwe.WithKey(jwa.ECDH_ES, verifierKey))
	if err != nil {
		return nil, errs.Wrap(err, errs.InvalidInput, "direct_post.jwt decryption failed")
	}
	var resp AuthorizationResponse
	if err = json.Unmarshal(plain, &resp); err != nil {
		return nil, errs.Wrap(err, errs.InvalidInput, "direct_post.jwt payload is not JSON")
	}
	if resp.VPToken == "" {
		return nil, errs.New(errs.InvalidInput, "direct_post.jwt payload carries no vp_token")
	}
	return &resp, nil
}
