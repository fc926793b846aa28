package webauthn

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"math/big"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/pkg/errors"

	"github.com/openauthsim/otp-service/internal/errs"
)

// COSE key map labels.
const (
	coseKty = 1
	coseAlg = 3
	coseCrv = -1
	coseX   = -2
	coseY   = -3
	coseN   = -1
	coseE   = -2

	coseKtyOKP = 1
	coseKtyEC2 = 2
	coseKtyRSA = 3
)

// ParsePrivateKey reads a private JWK and checks it suits the algorithm.
func ParsePrivateKey(raw string, alg Algorithm) (crypto.Signer, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errs.New(errs.MissingInput, "private key material must not be blank")
	}
	key, err := jwk.ParseKey([]byte(raw))
	if err != nil {
		return nil, errs.Wrap(err, errs.InvalidConfiguration, "unable to parse JWK private key")
	}
	if label := key.Algorithm().String(); label != "" {
		declared, err := ParseAlgorithm(label)
		if err != nil || declared != alg {
			return nil, errs.Newf(errs.InvalidConfiguration, "JWK algorithm %s does not match requested %s", label, alg)
		}
	}
	var material any
	if err = key.Raw(&material); err != nil {
		return nil, errs.Wrap(err, errs.InvalidConfiguration, "unable to read JWK key material")
	}
	signer, ok := material.(crypto.Signer)
	if !ok {
		return nil, errs.New(errs.InvalidConfiguration, "JWK does not hold a private key")
	}
	if err = checkKeyType(signer.Public(), alg); err != nil {
		return nil, err
	}
	return signer, nil
}

// ParsePublicKey accepts a JWK (JSON object) or a COSE_Key (CBOR bytes).
func ParsePublicKey(raw []byte, alg Algorithm) (crypto.PublicKey, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") {
		key, err := jwk.ParseKey([]byte(trimmed))
		if err != nil {
			return nil, errs.Wrap(err, errs.InvalidConfiguration, "unable to parse JWK public key")
		}
		public, err := key.PublicKey()
		if err != nil {
			return nil, errs.Wrap(err, errs.InvalidConfiguration, "unable to read JWK public key")
		}
		var material any
		if err = public.Raw(&material); err != nil {
			return nil, errs.Wrap(err, errs.InvalidConfiguration, "unable to read JWK public key")
		}
		if err = checkKeyType(material, alg); err != nil {
			return nil, err
		}
		return material, nil
	}
	return DecodeCOSEKey(raw, alg)
}

func checkKeyType(pub crypto.PublicKey, alg Algorithm) error {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		want := curveFor(alg)
		if want == nil {
			return errs.Newf(errs.InvalidConfiguration, "EC key cannot be used with %s", alg)
		}
		if k.Curve != want {
			return errs.Newf(errs.InvalidConfiguration, "EC curve %s does not match %s", k.Curve.Params().Name, alg)
		}
	case *rsa.PublicKey:
		if alg != RS256 && alg != PS256 {
			return errs.Newf(errs.InvalidConfiguration, "RSA key cannot be used with %s", alg)
		}
	case ed25519.PublicKey:
		if alg != EdDSA {
			return errs.Newf(errs.InvalidConfiguration, "Ed25519 key cannot be used with %s", alg)
		}
	default:
		return errs.Newf(errs.InvalidConfiguration, "unsupported public key type %T", pub)
	}
	return nil
}

func curveFor(alg Algorithm) elliptic.Curve {
	switch alg {
	case ES256:
		return elliptic.P256()
	case ES384:
		return elliptic.P384()
	case ES512:
		return elliptic.P521()
	}
	return nil
}

func coseCurve(alg Algorithm) int64 {
	switch alg {
	case ES256:
		return 1
	case ES384:
		return 2
	case ES512:
		return 3
	}
	return 0
}

// EncodeCOSEKey emits a canonical CBOR COSE_Key for the public key.
func EncodeCOSEKey(pub crypto.PublicKey, alg Algorithm) ([]byte, error) {
	if err := checkKeyType(pub, alg); err != nil {
		return nil, err
	}
	m := map[int]any{coseAlg: alg.COSEIdentifier()}
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		size := (k.Curve.Params().BitSize + 7) / 8
		m[coseKty] = coseKtyEC2
		m[coseCrv] = coseCurve(alg)
		m[coseX] = k.X.FillBytes(make([]byte, size))
		m[coseY] = k.Y.FillBytes(make([]byte, size))
	case *rsa.PublicKey:
		m[coseKty] = coseKtyRSA
		m[coseN] = k.N.Bytes()
		m[coseE] = big.NewInt(int64(k.E)).Bytes()
	case ed25519.PublicKey:
		m[coseKty] = coseKtyOKP
		m[coseCrv] = 6
		m[coseX] = []byte(k)
	}
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, errors.Wrap(err, "building CBOR encoder")
	}
	return mode.Marshal(m)
}

// DecodeCOSEKey reads a COSE_Key and checks its algorithm label against alg.
func DecodeCOSEKey(raw []byte, alg Algorithm) (crypto.PublicKey, error) {
	var m map[int]any
	if err := cbor.Unmarshal(raw, &m); err != nil {
		return nil, errs.Wrap(err, errs.InvalidConfiguration, "public key is neither a JWK nor a COSE key")
	}
	kty, ok := coseInt(m, coseKty)
	if !ok {
		return nil, errs.New(errs.InvalidConfiguration, "COSE key is missing kty")
	}
	if id, ok := coseInt(m, coseAlg); ok {
		if declared, known := algorithmFromCOSE(id); !known || declared != alg {
			return nil, errs.Newf(errs.InvalidConfiguration, "COSE algorithm %d does not match %s", id, alg)
		}
	}

	var pub crypto.PublicKey
	switch kty {
	case coseKtyEC2:
		curve := curveFor(alg)
		crv, _ := coseInt(m, coseCrv)
		if curve == nil || crv != coseCurve(alg) {
			return nil, errs.Newf(errs.InvalidConfiguration, "unexpected EC curve id %d for %s", crv, alg)
		}
		x, xok := m[coseX].([]byte)
		y, yok := m[coseY].([]byte)
		if !xok || !yok {
			return nil, errs.New(errs.InvalidConfiguration, "COSE EC key requires x and y coordinates")
		}
		pub = &ecdsa.PublicKey{Curve: curve, X: new(big.Int).SetBytes(x), Y: new(big.Int).SetBytes(y)}
	case coseKtyRSA:
		n, nok := m[coseN].([]byte)
		e, eok := m[coseE].([]byte)
		if !nok || !eok {
			return nil, errs.New(errs.InvalidConfiguration, "COSE RSA key requires n and e")
		}
		pub = &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(new(big.Int).SetBytes(e).Int64())}
	case coseKtyOKP:
		x, ok := m[coseX].([]byte)
		if crv, _ := coseInt(m, coseCrv); crv != 6 || !ok || len(x) != ed25519.PublicKeySize {
			return nil, errs.New(errs.InvalidConfiguration, "COSE OKP key must be a 32 byte Ed25519 key")
		}
		pub = ed25519.PublicKey(x)
	default:
		return nil, errs.Newf(errs.InvalidConfiguration, "unsupported COSE key type %d", kty)
	}
	if err := checkKeyType(pub, alg); err != nil {
		return nil, err
	}
	return pub, nil
}

func coseInt(m map[int]any, label int) (int64, bool) {
	switch v := m[label].(type) {
	case int64:
		return v, true
	case uint64:
		return int64(v), true
	case int:
		return int64(v), true
	}
	return 0, false
}

// PublicJWK renders a public key as JSON for responses and storage.
func PublicJWK(pub crypto.PublicKey) ([]byte, error) {
	key, err := jwk.FromRaw(pub)
	if err != nil {
		return nil, errs.Wrap(err, errs.InvalidConfiguration, "unable to encode public key as JWK")
	}
	return json.Marshal(key)
}

// DecodeCOSEKeyAlgorithm reads a COSE_Key whose alg label names the algorithm, as found in
// attested credential data.
func DecodeCOSEKeyAlgorithm(raw []byte) (Algorithm, crypto.PublicKey, error) {
	var m map[int]any
	if err := cbor.Unmarshal(raw, &m); err != nil {
		return "", nil, errs.Wrap(err, errs.InvalidInput, "credential public key is not a COSE key")
	}
	id, ok := coseInt(m, coseAlg)
	if !ok {
		return "", nil, errs.New(errs.InvalidInput, "credential public key carries no alg")
	}
	alg, known := algorithmFromCOSE(id)
	if !known {
		return "", nil, errs.Newf(errs.InvalidInput, "unsupported COSE algorithm %d", id)
	}
	pub, err := DecodeCOSEKey(raw, alg)
	if err != nil {
		return "", nil, err
	}
	return alg, pub, nil
}
