// Package webauthn builds and verifies WebAuthn assertions: client data, authenticator data and
// the signature over authenticatorData || SHA-256(clientDataJSON).
package webauthn

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"strings"

	"github.com/goccy/go-json"

	"github.com/openauthsim/otp-service/internal/errs"
)

const (
	TypeGet    = "webauthn.get"
	TypeCreate = "webauthn.create"

	FlagUserPresent  byte = 0x01
	FlagUserVerified byte = 0x04
	FlagAttested     byte = 0x40
	FlagExtensions   byte = 0x80

	rpIDHashLength = 32
	counterLength  = 4
	authDataLength = rpIDHashLength + 1 + counterLength
)

type Algorithm string

const (
	ES256 Algorithm = "ES256"
	ES384 Algorithm = "ES384"
	ES512 Algorithm = "ES512"
	RS256 Algorithm = "RS256"
	PS256 Algorithm = "PS256"
	EdDSA Algorithm = "EdDSA"
)

// COSEIdentifier is the IANA COSE algorithm number.
func (a Algorithm) COSEIdentifier() int64 {
	switch a {
	case ES256:
		return -7
	case ES384:
		return -35
	case ES512:
		return -36
	case RS256:
		return -257
	case PS256:
		return -37
	case EdDSA:
		return -8
	}
	return 0
}

func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "ES256":
		return ES256, nil
	case "ES384":
		return ES384, nil
	case "ES512":
		return ES512, nil
	case "RS256":
		return RS256, nil
	case "PS256":
		return PS256, nil
	case "EDDSA", "ED25519":
		return EdDSA, nil
	}
	return "", errs.Newf(errs.InvalidConfiguration, "unsupported WebAuthn algorithm: %q", s)
}

func algorithmFromCOSE(id int64) (Algorithm, bool) {
	for _, a := range []Algorithm{ES256, ES384, ES512, RS256, PS256, EdDSA} {
		if a.COSEIdentifier() == id {
			return a, true
		}
	}
	return "", false
}

// ClientData is the subset of CollectedClientData the relying party checks.
type ClientData struct {
	Type        string `json:"type"`
	Challenge   string `json:"challenge"`
	Origin      string `json:"origin"`
	CrossOrigin bool   `json:"crossOrigin,omitempty"`
}

// BuildClientData serializes client data with a fixed member order so the hash is stable.
func BuildClientData(typ string, challenge []byte, origin string) ([]byte, error) {
	return json.Marshal(ClientData{
		Type:      typ,
		Challenge: EncodeBase64URL(challenge),
		Origin:    origin,
	})
}

func ParseClientData(raw []byte) (*ClientData, error) {
	var cd ClientData
	if err := json.Unmarshal(raw, &cd); err != nil {
		return nil, errs.Wrap(err, errs.InvalidInput, "clientDataJSON is not valid JSON")
	}
	return &cd, nil
}

// ChallengeBytes decodes the base64url challenge member.
func (c ClientData) ChallengeBytes() ([]byte, error) {
	return DecodeBase64URL(c.Challenge)
}

// AuthenticatorData is the parsed authData structure. Extensions holds everything after the
// fixed header: attested credential data when FlagAttested is set, then any extensions.
type AuthenticatorData struct {
	Raw        []byte
	RPIDHash   []byte
	Flags      byte
	SignCount  uint32
	Extensions []byte
}

func (a AuthenticatorData) UserPresent() bool  { return a.Flags&FlagUserPresent != 0 }
func (a AuthenticatorData) UserVerified() bool { return a.Flags&FlagUserVerified != 0 }

// BuildAuthenticatorData produces the 37 byte assertion authData: rpIdHash, flags, counter.
func BuildAuthenticatorData(rpID string, counter uint32, userVerified bool) []byte {
	hash := sha256.Sum256([]byte(rpID))
	flags := FlagUserPresent
	if userVerified {
		flags |= FlagUserVerified
	}
	out := make([]byte, authDataLength)
	copy(out, hash[:])
	out[rpIDHashLength] = flags
	binary.BigEndian.PutUint32(out[rpIDHashLength+1:], counter)
	return out
}

func ParseAuthenticatorData(raw []byte) (*AuthenticatorData, error) {
	if len(raw) < authDataLength {
		return nil, errs.Newf(errs.InvalidInput, "authenticator data must be at least %d bytes but was %d", authDataLength, len(raw))
	}
	return &AuthenticatorData{
		Raw:        raw,
		RPIDHash:   raw[:rpIDHashLength],
		Flags:      raw[rpIDHashLength],
		SignCount:  binary.BigEndian.Uint32(raw[rpIDHashLength+1 : authDataLength]),
		Extensions: raw[authDataLength:],
	}, nil
}

// SignatureBase is the byte string an authenticator signs.
func SignatureBase(authData, clientDataJSON []byte) []byte {
	hash := sha256.Sum256(clientDataJSON)
	out := make([]byte, 0, len(authData)+len(hash))
	out = append(out, authData...)
	return append(out, hash[:]...)
}

func EncodeBase64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeBase64URL accepts padded and unpadded base64url.
func DecodeBase64URL(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(s), "="))
	if err != nil {
		return nil, errs.Wrap(err, errs.InvalidEncoding, "value must be base64url encoded")
	}
	return b, nil
}
