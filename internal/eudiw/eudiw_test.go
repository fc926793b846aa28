package eudiw

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"strings"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openauthsim/otp-service/internal/errs"
)

func edKey(t *testing.T, seed byte) jwk.Key {
	key, err := jwk.FromRaw(ed25519.NewKeyFromSeed(bytes.Repeat([]byte{seed}, ed25519.SeedSize)))
	require.NoError(t, err)
	return key
}

func testCredential(t *testing.T) Credential {
	return Credential{
		Issuer:    "https://issuer.example.eu",
		VCT:       "urn:eudi:pid:1",
		IssuerKey: edKey(t, 1),
		HolderKey: edKey(t, 2),
		Claims: []Claim{
			{Name: "given_name", Value: "Erika"},
			{Name: "family_name", Value: "Mustermann"},
			{Name: "age_over_18", Value: true},
		},
	}
}

func testRequest() AuthorizationRequest {
	return AuthorizationRequest{
		RequestID: "req-1",
		Nonce:     "nonce-123",
		ClientID:  "x509_san_dns:verifier.example.eu",
		Profile:   HAIP,
		Claims:    []string{"age_over_18"},
		IssuedAt:  time.Unix(1700000000, 0),
	}
}

func expectation(cred Credential, req AuthorizationRequest) Expectation {
	return Expectation{
		IssuerKey: cred.IssuerKey,
		Nonce:     req.Nonce,
		Audience:  req.ClientID,
		Profile:   req.Profile,
	}
}

func TestPresentIsDeterministic(t *testing.T) {
	cred := testCredential(t)
	first, err := Present(cred, testRequest())
	require.NoError(t, err)
	second, err := Present(cred, testRequest())
	require.NoError(t, err)
	assert.Equal(t, first.VPToken, second.VPToken)

	require.Len(t, first.Disclosed, 1)
	assert.Equal(t, "age_over_18", first.Disclosed[0].Name)
	assert.Equal(t, 2, strings.Count(first.VPToken, "~"))

	other := testRequest()
	other.RequestID = "req-2"
	third, err := Present(cred, other)
	require.NoError(t, err)
	assert.NotEqual(t, first.Disclosures[0].Salt, third.Disclosures[0].Salt)
}

func TestPresentThenValidate(t *testing.T) {
	cred := testCredential(t)
	req := testRequest()
	req.Claims = nil
	p, err := Present(cred, req)
	require.NoError(t, err)
	assert.Len(t, p.Disclosed, 3)

	v, err := Validate(p.VPToken, expectation(cred, req))
	require.NoError(t, err)
	assert.True(t, v.Valid(), v.Detail)
	assert.True(t, v.HolderBinding)
	assert.Equal(t, "https://issuer.example.eu", v.Issuer)
	assert.Len(t, v.Disclosed, 3)
	assert.Len(t, v.DisclosureHashes, 3)
	assert.True(t, strings.HasPrefix(v.VPTokenHash, "sha-256:"))
	assert.NotEmpty(t, v.KBJWTHash)
}

func TestTrustedAuthorities(t *testing.T) {
	cred := testCredential(t)
	thumbprint, err := Thumbprint(cred.IssuerKey)
	require.NoError(t, err)

	req := testRequest()
	req.TrustedAuthorityPolicy = "jkt:" + thumbprint
	p, err := Present(cred, req)
	require.NoError(t, err)
	require.NotNil(t, p.TrustMatch)

	e := expectation(cred, req)
	e.TrustedAuthorityPolicy = req.TrustedAuthorityPolicy
	e.TrustedAuthorities = []TrustedAuthority{{Type: PolicyThumbprint, Value: thumbprint, Label: "EU PID Issuer"}}
	v, err := Validate(p.VPToken, e)
	require.NoError(t, err)
	assert.True(t, v.Valid())
	assert.Equal(t, "EU PID Issuer", v.TrustMatch.Label)

	e.TrustedAuthorityPolicy = "iss:https://issuer.example.eu"
	v, err = Validate(p.VPToken, e)
	require.NoError(t, err)
	assert.True(t, v.Valid())

	e.TrustedAuthorityPolicy = "jkt:unknown"
	v, err = Validate(p.VPToken, e)
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidScope, v.Reason)

	req.TrustedAuthorityPolicy = "jkt:unknown"
	_, err = Present(cred, req)
	assert.True(t, errs.Is(err, errs.InvalidInput))

	_, err = ParsePolicy("aki:abc")
	assert.True(t, errs.Is(err, errs.InvalidConfiguration))
}

func TestValidateFailures(t *testing.T) {
	cred := testCredential(t)
	req := testRequest()
	p, err := Present(cred, req)
	require.NoError(t, err)

	t.Run("wrong issuer key", func(tt *testing.T) {
		e := expectation(cred, req)
		e.IssuerKey = edKey(tt, 9)
		v, err := Validate(p.VPToken, e)
		require.NoError(tt, err)
		assert.Equal(tt, ReasonIssuerSignature, v.Reason)
	})

	t.Run("nonce", func(tt *testing.T) {
		e := expectation(cred, req)
		e.Nonce = "other"
		v, err := Validate(p.VPToken, e)
		require.NoError(tt, err)
		assert.Equal(tt, ReasonNonceMismatch, v.Reason)
	})

	t.Run("audience", func(tt *testing.T) {
		e := expectation(cred, req)
		e.Audience = "someone-else"
		v, err := Validate(p.VPToken, e)
		require.NoError(tt, err)
		assert.Equal(tt, ReasonAudienceMismatch, v.Reason)
	})

	t.Run("foreign disclosure", func(tt *testing.T) {
		foreign, err := newDisclosure("salt", "nationality", "DE")
		require.NoError(tt, err)
		token := p.IssuerJWT + "~" + p.Disclosures[0].Encoded + "~" + foreign.Encoded + "~" + p.KeyBindingJWT
		v, err := Validate(token, expectation(cred, req))
		require.NoError(tt, err)
		assert.Equal(tt, ReasonDisclosureMismatch, v.Reason)
	})

	t.Run("dropped disclosure breaks sd_hash", func(tt *testing.T) {
		token := p.IssuerJWT + "~" + p.KeyBindingJWT
		v, err := Validate(token, expectation(cred, req))
		require.NoError(tt, err)
		assert.Equal(tt, ReasonSDHashMismatch, v.Reason)
	})

	t.Run("missing key binding under HAIP", func(tt *testing.T) {
		token := strings.TrimSuffix(p.VPToken, p.KeyBindingJWT)
		v, err := Validate(token, expectation(cred, req))
		require.NoError(tt, err)
		assert.Equal(tt, ReasonKeyBindingMissing, v.Reason)

		e := expectation(cred, req)
		e.Profile = Baseline
		v, err = Validate(token, e)
		require.NoError(tt, err)
		assert.True(tt, v.Valid())
		assert.False(tt, v.HolderBinding)
	})

	t.Run("structural errors", func(tt *testing.T) {
		_, err := Validate("", expectation(cred, req))
		assert.True(tt, errs.Is(err, errs.MissingInput))

		_, err = Validate("not-an-sd-jwt", expectation(cred, req))
		assert.True(tt, errs.Is(err, errs.InvalidInput))

		_, err = Validate(p.IssuerJWT+"~%%%~", expectation(cred, req))
		assert.True(tt, errs.Is(err, errs.InvalidEncoding))
	})
}

func TestKeysAndProfiles(t *testing.T) {
	ec, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	ecKey, err := jwk.FromRaw(ec)
	require.NoError(t, err)
	_, err = signingAlgorithm(ecKey)
	assert.True(t, errs.Is(err, errs.InvalidConfiguration))

	_, err = ParseKey("{")
	assert.True(t, errs.Is(err, errs.InvalidConfiguration))

	profile, err := ParseProfile("")
	require.NoError(t, err)
	assert.Equal(t, HAIP, profile)
	profile, err = ParseProfile("baseline")
	require.NoError(t, err)
	assert.Equal(t, Baseline, profile)
	_, err = ParseProfile("mdoc")
	assert.True(t, errs.Is(err, errs.InvalidConfiguration))

	req := testRequest()
	req.Claims = []string{"unknown"}
	_, err = Present(testCredential(t), req)
	assert.True(t, errs.Is(err, errs.InvalidInput))

	req = testRequest()
	req.Nonce = ""
	_, err = Present(testCredential(t), req)
	assert.True(t, errs.Is(err, errs.MissingInput))
}
