package webauthn

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"

	"github.com/openauthsim/otp-service/internal/errs"
)

func hashFor(alg Algorithm) crypto.Hash {
	switch alg {
	case ES384:
		return crypto.SHA384
	case ES512:
		return crypto.SHA512
	case EdDSA:
		return 0
	}
	return crypto.SHA256
}

// Sign signs authData || SHA-256(clientDataJSON). Every algorithm produces the same bytes for
// the same inputs: ECDSA uses RFC 6979 nonces and the PSS salt is derived from the key and
// message.
func Sign(alg Algorithm, signer crypto.Signer, authData, clientDataJSON []byte) ([]byte, error) {
	if err := checkKeyType(signer.Public(), alg); err != nil {
		return nil, err
	}
	base := SignatureBase(authData, clientDataJSON)
	h := hashFor(alg)

	var (
		sig []byte
		err error
	)
	switch key := signer.(type) {
	case *ecdsa.PrivateKey:
		sig, err = key.Sign(nil, digest(h, base), h)
	case *rsa.PrivateKey:
		if alg == PS256 {
			opts := &rsa.PSSOptions{SaltLength: sha256.Size, Hash: h}
			sig, err = rsa.SignPSS(pssSalt(key, base), key, h, digest(h, base), opts)
		} else {
			sig, err = rsa.SignPKCS1v15(nil, key, h, digest(h, base))
		}
	case ed25519.PrivateKey:
		sig = ed25519.Sign(key, base)
	default:
		return nil, errs.Newf(errs.InvalidConfiguration, "unsupported signing key type %T", signer)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "signing assertion with %s", alg)
	}
	return sig, nil
}

// VerifySignature reports whether sig is valid. A false result with a nil error is a plain
// mismatch.
func VerifySignature(alg Algorithm, pub crypto.PublicKey, authData, clientDataJSON, sig []byte) (bool, error) {
	if err := checkKeyType(pub, alg); err != nil {
		return false, err
	}
	base := SignatureBase(authData, clientDataJSON)
	h := hashFor(alg)
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		return ecdsa.VerifyASN1(key, digest(h, base), sig), nil
	case *rsa.PublicKey:
		if alg == PS256 {
			opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: h}
			return rsa.VerifyPSS(key, h, digest(h, base), sig, opts) == nil, nil
		}
		return rsa.VerifyPKCS1v15(key, h, digest(h, base), sig) == nil, nil
	case ed25519.PublicKey:
		return ed25519.Verify(key, base, sig), nil
	}
	return false, errs.Newf(errs.InvalidConfiguration, "unsupported public key type %T", pub)
}

func digest(h crypto.Hash, msg []byte) []byte {
	hh := h.New()
	hh.Write(msg)
	return hh.Sum(nil)
}

// pssSalt is an HKDF stream keyed by the private key over the message.
func pssSalt(key *rsa.PrivateKey, msg []byte) io.Reader {
	return hkdf.New(sha256.New, x509.MarshalPKCS1PrivateKey(key), msg, []byte("webauthn-pss-salt"))
}
