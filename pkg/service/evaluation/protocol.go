package evaluation

import (
	"strings"

	"github.com/openauthsim/otp-service/internal/errs"
)

// Protocol names one supported credential family.
type Protocol string

const (
	HOTP     Protocol = "hotp"
	TOTP     Protocol = "totp"
	OCRA     Protocol = "ocra"
	EMVCAP   Protocol = "emv-cap"
	WebAuthn Protocol = "webauthn"
	EUDIW    Protocol = "eudiw-openid4vp"
)

// Protocols is the closed set. The engine refuses to start unless every entry has an adapter.
func Protocols() []Protocol {
	return []Protocol{HOTP, TOTP, OCRA, EMVCAP, WebAuthn, EUDIW}
}

func (p Protocol) String() string {
	return string(p)
}

func ParseProtocol(s string) (Protocol, error) {
	want := Protocol(strings.ToLower(strings.TrimSpace(s)))
	for _, p := range Protocols() {
		if p == want {
			return p, nil
		}
	}
	return "", errs.Newf(errs.InvalidRequest, "unsupported protocol: %q", s)
}

// Mode tells whether credential material came with the request or from the store.
type Mode string

const (
	ModeInline Mode = "inline"
	ModeStored Mode = "stored"
)
