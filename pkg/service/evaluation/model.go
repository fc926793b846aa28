package evaluation

import (
	"strings"

	"github.com/goccy/go-json"

	"github.com/openauthsim/otp-service/internal/eudiw"
	"github.com/openauthsim/otp-service/internal/trace"
	"github.com/openauthsim/otp-service/internal/window"
)

// Input holds the per-request protocol values. Which fields apply depends on the protocol;
// challenge, for example, is the OCRA question, the EMV/CAP challenge digits or the base64url
// WebAuthn challenge.
type Input struct {
	// OTP is the replay candidate for HOTP, TOTP, OCRA and EMV/CAP.
	OTP string `json:"otp,omitempty"`

	Counter           *uint64 `json:"counter,omitempty"`
	Timestamp         *int64  `json:"timestamp,omitempty"`
	TimestampOverride *int64  `json:"timestampOverride,omitempty"`

	Challenge       string `json:"challenge,omitempty"`
	ClientChallenge string `json:"clientChallenge,omitempty"`
	ServerChallenge string `json:"serverChallenge,omitempty"`
	PIN             string `json:"pin,omitempty"`
	PINHashHex      string `json:"pinHashHex,omitempty"`
	SessionHex      string `json:"sessionHex,omitempty"`
	TimestampHex    string `json:"timestampHex,omitempty"`

	Mode                    string `json:"mode,omitempty"`
	Reference               string `json:"reference,omitempty"`
	Amount                  string `json:"amount,omitempty"`
	TerminalPayloadOverride string `json:"terminalPayloadOverride,omitempty"`
	ICCPayloadOverride      string `json:"iccPayloadOverride,omitempty"`

	Type              string  `json:"type,omitempty"`
	SignCount         *uint32 `json:"signCount,omitempty"`
	ClientDataJSON    string  `json:"clientDataJson,omitempty"`
	AuthenticatorData string  `json:"authenticatorData,omitempty"`
	Signature         string  `json:"signature,omitempty"`
	AttestationObject string  `json:"attestationObject,omitempty"`
	AttestationFormat string  `json:"attestationFormat,omitempty"`
	// TrustAnchors are PEM certificates an attestation chain must lead to.
	TrustAnchors []string `json:"trustAnchors,omitempty"`

	RequestID              string   `json:"requestId,omitempty"`
	Nonce                  string   `json:"nonce,omitempty"`
	ClientID               string   `json:"clientId,omitempty"`
	Profile                string   `json:"profile,omitempty"`
	RequestedClaims        []string `json:"requestedClaims,omitempty"`
	TrustedAuthorityPolicy string   `json:"trustedAuthorityPolicy,omitempty"`
	IssuedAt               *int64   `json:"issuedAt,omitempty"`
	VPToken                string   `json:"vpToken,omitempty"`
	ResponseMode           string   `json:"responseMode,omitempty"`
	// Response is a direct_post.jwt to open and validate instead of a bare vpToken.
	Response string `json:"response,omitempty"`
}

func (in Input) candidate() string {
	return strings.TrimSpace(in.OTP)
}

// Request is one evaluate or replay call. Exactly one of CredentialID and inline key material
// must be present.
type Request struct {
	Protocol     Protocol `json:"-"`
	CredentialID string   `json:"credentialId,omitempty"`
	Inline
	Input
	Window  *window.Window `json:"window,omitempty"`
	Verbose bool           `json:"verbose,omitempty"`
}

// Output is the protocol-specific part of an evaluation result.
type Output interface {
	Protocol() Protocol
}

type EvaluationResult struct {
	Protocol Protocol     `json:"protocol"`
	Mode     Mode         `json:"mode"`
	Output   Output       `json:"result"`
	Trace    *trace.Trace `json:"trace,omitempty"`
}

// Verdict is the outcome of a replay. A failed match is a verdict, not an error.
type Verdict struct {
	Matched bool `json:"matched"`
	// Offset from the nominal counter or time step, nil when nothing matched.
	Offset   *int   `json:"offset"`
	Reason   string `json:"reason"`
	Detail   string `json:"detail,omitempty"`
	Attempts int    `json:"attempts"`
	// NextCounter is what a stored counter should advance to after this match.
	NextCounter *uint64 `json:"nextCounter,omitempty"`
	TimeStep    *int64  `json:"timeStep,omitempty"`
}

const (
	ReasonMatch              = "match"
	ReasonVerificationFailed = "verification_failed"
)

func matched(offset int) *Verdict {
	return &Verdict{Matched: true, Offset: &offset, Reason: ReasonMatch}
}

func notMatched(reason, detail string) *Verdict {
	if reason == "" {
		reason = ReasonVerificationFailed
	}
	return &Verdict{Reason: reason, Detail: detail}
}

type ReplayResult struct {
	Protocol Protocol `json:"protocol"`
	Mode     Mode     `json:"mode"`
	Verdict
	Trace *trace.Trace `json:"trace,omitempty"`
}

type HOTPOutput struct {
	OTP         string `json:"otp"`
	Algorithm   string `json:"algorithm"`
	Digits      int    `json:"digits"`
	Counter     uint64 `json:"counter"`
	NextCounter uint64 `json:"nextCounter"`
}

func (HOTPOutput) Protocol() Protocol { return HOTP }

// Where a time input came from. A request without one is evaluated at the service clock.
const (
	sourceRequest = "request"
	sourceClock   = "clock"
)

type TOTPOutput struct {
	OTP         string `json:"otp"`
	Algorithm   string `json:"algorithm"`
	Digits      int    `json:"digits"`
	Timestamp   int64  `json:"timestamp"`
	TimeStep    int64  `json:"timeStep"`
	StepSeconds int64  `json:"stepSeconds"`
	ValidUntil  int64  `json:"validUntil"`
}

func (TOTPOutput) Protocol() Protocol { return TOTP }

type OCRAOutput struct {
	OTP       string  `json:"otp"`
	Suite     string  `json:"suite"`
	Counter   *uint64 `json:"counter,omitempty"`
	Challenge string  `json:"challenge,omitempty"`
	TimeStep  *uint64 `json:"timeStep,omitempty"`
}

func (OCRAOutput) Protocol() Protocol { return OCRA }

type EMVOutput struct {
	OTP              string `json:"otp"`
	OTPHex           string `json:"otpHex"`
	Mode             string `json:"mode"`
	ATC              uint16 `json:"atc"`
	GenerateACResult string `json:"generateAcResult"`
	TerminalPayload  string `json:"terminalPayload"`
	ICCPayload       string `json:"iccPayload"`
}

func (EMVOutput) Protocol() Protocol { return EMVCAP }

type WebAuthnOutput struct {
	Algorithm         string          `json:"algorithm"`
	RelyingPartyID    string          `json:"relyingPartyId"`
	Origin            string          `json:"origin"`
	Type              string          `json:"type"`
	Challenge         string          `json:"challenge"`
	SignCount         uint32          `json:"signCount"`
	ClientDataJSON    string          `json:"clientDataJson"`
	AuthenticatorData string          `json:"authenticatorData"`
	Signature         string          `json:"signature"`
	PublicKeyCOSE     string          `json:"publicKeyCose"`
	PublicKeyJWK      json.RawMessage `json:"publicKeyJwk"`
}

func (WebAuthnOutput) Protocol() Protocol { return WebAuthn }

// WebAuthnAttestationOutput is a generated registration response.
type WebAuthnAttestationOutput struct {
	Format            string          `json:"format"`
	Algorithm         string          `json:"algorithm"`
	RelyingPartyID    string          `json:"relyingPartyId"`
	Origin            string          `json:"origin"`
	Type              string          `json:"type"`
	Challenge         string          `json:"challenge"`
	SignCount         uint32          `json:"signCount"`
	CredentialID      string          `json:"credentialId"`
	AAGUID            string          `json:"aaguid"`
	ClientDataJSON    string          `json:"clientDataJson"`
	AuthenticatorData string          `json:"authenticatorData"`
	AttestationObject string          `json:"attestationObject"`
	PublicKeyCOSE     string          `json:"publicKeyCose"`
	PublicKeyJWK      json.RawMessage `json:"publicKeyJwk"`
}

func (WebAuthnAttestationOutput) Protocol() Protocol { return WebAuthn }

type EUDIWOutput struct {
	Profile       string                  `json:"profile"`
	Format        string                  `json:"format"`
	ResponseMode  string                  `json:"responseMode"`
	RequestID     string                  `json:"requestId"`
	VPToken       string                  `json:"vpToken"`
	KeyBindingJWT string                  `json:"keyBindingJwt,omitempty"`
	Disclosed     []eudiw.Claim           `json:"disclosed"`
	TrustMatch    *eudiw.TrustedAuthority `json:"trustedAuthorityMatch,omitempty"`
	// Response is the direct_post.jwt carrying vpToken, when that response mode is used.
	Response           string `json:"response,omitempty"`
	ResponseEncryption string `json:"responseEncryption,omitempty"`
	// IssuedAt is the iat used, unix seconds. Sending it back as issuedAt reproduces the token.
	IssuedAt int64 `json:"issuedAt"`
}

func (EUDIWOutput) Protocol() Protocol { return EUDIW }
