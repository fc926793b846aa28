package evaluation

import (
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/openauthsim/otp-service/internal/errs"
	"github.com/openauthsim/otp-service/internal/eudiw"
	"github.com/openauthsim/otp-service/internal/trace"
	"github.com/openauthsim/otp-service/internal/window"
)

type eudiwAdapter struct {
	clock clock.Clock
	// trusted are the configured authorities, merged with any the credential carries.
	trusted []eudiw.TrustedAuthority
}

func (eudiwAdapter) Protocol() Protocol { return EUDIW }

// Evaluate simulates the wallet answering an authorization request.
func (a eudiwAdapter) Evaluate(spec CredentialSpec, in Input, rec *trace.Recorder) (Output, error) {
	s, err := specAs[*EUDIWSpec](spec, EUDIW)
	if err != nil {
		return nil, err
	}
	issuerKey, err := eudiw.ParseKey(string(s.IssuerKey))
	if err != nil {
		return nil, err
	}
	holderKey, err := eudiw.ParseKey(string(s.HolderKey))
	if err != nil {
		return nil, err
	}
	profile, err := a.profile(s, in)
	if err != nil {
		return nil, err
	}
	format, err := eudiw.ParseFormat(s.Format)
	if err != nil {
		return nil, err
	}
	mode, err := eudiw.ParseResponseMode(in.ResponseMode)
	if err != nil {
		return nil, err
	}
	req := eudiw.AuthorizationRequest{
		RequestID:              strings.TrimSpace(in.RequestID),
		Nonce:                  strings.TrimSpace(in.Nonce),
		ClientID:               strings.TrimSpace(in.ClientID),
		Profile:                profile,
		Claims:                 in.RequestedClaims,
		TrustedAuthorityPolicy: strings.TrimSpace(in.TrustedAuthorityPolicy),
	}
	var source string
	req.IssuedAt, source = a.issuedAt(in)
	recordAuthorizationRequest(rec, "eudiw.wallet", req)
	if rec != nil {
		rec.Step("wallet.issuedAt", "Issuance time of the presentation", "",
			[]trace.Attribute{
				trace.Attr("issuedAt", req.IssuedAt.Unix()),
				trace.Attr("issuedAt.source", source),
			})
	}

	out := EUDIWOutput{
		Profile:      string(profile),
		Format:       format,
		ResponseMode: mode,
		RequestID:    req.RequestID,
		IssuedAt:     req.IssuedAt.Unix(),
	}
	if format == eudiw.FormatMdoc {
		err = a.presentMdoc(s, issuerKey, holderKey, req, rec, &out)
	} else {
		err = a.presentSDJWT(s, issuerKey, holderKey, req, rec, &out)
	}
	if err != nil {
		return nil, err
	}

	if eudiw.RequiresEncryption(profile, mode) {
		if len(s.VerifierKey) == 0 {
			return nil, errs.New(errs.MissingInput, "verifierKey is required for HAIP direct_post.jwt")
		}
		verifier, err := eudiw.ParseVerifierKey(string(s.VerifierKey))
		if err != nil {
			return nil, err
		}
		if out.Response, err = eudiw.EncryptResponse(verifier, eudiw.AuthorizationResponse{VPToken: out.VPToken, State: req.RequestID}); err != nil {
			return nil, err
		}
		out.ResponseEncryption = eudiw.ResponseEncryption
	}
	if rec != nil {
		rec.Step("response.mode", "Deliver the authorization response", "",
			[]trace.Attribute{
				trace.Attr("responseMode", mode),
				trace.Attr("encrypted", out.Response != ""),
				trace.Attr("encryption", out.ResponseEncryption),
			})
		rec.Step("trace.summary", "Summary", "",
			[]trace.Attribute{
				trace.Attr("format", format),
				trace.Attr("vpTokenHash", eudiw.HashValue(out.VPToken)),
				trace.Attr("trustedAuthority", trustLabel(out.TrustMatch)),
			})
	}
	return out, nil
}

func (a eudiwAdapter) presentSDJWT(s *EUDIWSpec, issuerKey, holderKey jwk.Key, req eudiw.AuthorizationRequest, rec *trace.Recorder, out *EUDIWOutput) error {
	p, err := eudiw.Present(eudiw.Credential{
		Issuer:    s.Issuer,
		VCT:       s.VCT,
		IssuerKey: issuerKey,
		HolderKey: holderKey,
		Claims:    s.Claims,
	}, req)
	if err != nil {
		return err
	}
	if rec != nil {
		disclosures := make(trace.List, 0, len(p.Disclosures))
		for _, d := range p.Disclosures {
			disclosures = append(disclosures, trace.Map{
				{Key: "name", Value: d.Name},
				{Key: "salt", Value: d.Salt},
				{Key: "digest", Value: d.Digest},
			})
		}
		rec.Step("presentation.disclosures", "Select disclosures", "",
			[]trace.Attribute{
				trace.Attr("disclosed", len(p.Disclosures)),
				trace.Attr("held", len(s.Claims)),
			})
		rec.Provenance("disclosures", disclosures)
		rec.Step("presentation.keyBinding", "Bind the presentation to the holder key", "",
			[]trace.Attribute{
				trace.Attr("sd_hash", p.SDHash),
				trace.Attr("kbJwtHash", eudiw.HashValue(p.KeyBindingJWT)),
			})
	}
	out.VPToken, out.KeyBindingJWT = p.VPToken, p.KeyBindingJWT
	out.Disclosed, out.TrustMatch = p.Disclosed, p.TrustMatch
	return nil
}

func (a eudiwAdapter) presentMdoc(s *EUDIWSpec, issuerKey, holderKey jwk.Key, req eudiw.AuthorizationRequest, rec *trace.Recorder, out *EUDIWOutput) error {
	p, err := eudiw.PresentMdoc(eudiw.MdocCredential{
		Issuer:    s.Issuer,
		DocType:   s.DocType,
		Namespace: s.Namespace,
		IssuerKey: issuerKey,
		HolderKey: holderKey,
		Claims:    s.Claims,
	}, req)
	if err != nil {
		return err
	}
	if rec != nil {
		items := make(trace.List, 0, len(p.Items))
		for _, it := range p.Items {
			items = append(items, trace.Map{
				{Key: "namespace", Value: it.Namespace},
				{Key: "digestID", Value: it.DigestID},
				{Key: "name", Value: it.Name},
				{Key: "digest", Value: it.Digest},
			})
		}
		rec.Step("presentation.issuerSigned", "Select issuer signed items", "",
			[]trace.Attribute{
				trace.Attr("docType", p.DocType),
				trace.Attr("disclosed", len(p.Items)),
				trace.Attr("held", len(s.Claims)),
			})
		rec.Provenance("issuerSignedItems", items)
		rec.Step("presentation.deviceAuth", "Sign the session transcript with the device key", "",
			[]trace.Attribute{trace.Attr("deviceResponseHash", p.DeviceResponseHash)})
	}
	out.VPToken = p.VPToken
	out.Disclosed, out.TrustMatch = p.Disclosed, p.TrustMatch
	return nil
}

// Replay validates a vp_token, or the vp_token inside a direct_post.jwt, as the verifier would.
func (a eudiwAdapter) Replay(spec CredentialSpec, in Input, _ window.Window, rec *trace.Recorder) (*Verdict, error) {
	s, err := specAs[*EUDIWSpec](spec, EUDIW)
	if err != nil {
		return nil, err
	}
	issuerKey, err := eudiw.ParseKey(string(s.IssuerKey))
	if err != nil {
		return nil, err
	}
	profile, err := a.profile(s, in)
	if err != nil {
		return nil, err
	}
	format, err := eudiw.ParseFormat(s.Format)
	if err != nil {
		return nil, err
	}
	mode, err := eudiw.ParseResponseMode(in.ResponseMode)
	if err != nil {
		return nil, err
	}
	nonce, audience := strings.TrimSpace(in.Nonce), strings.TrimSpace(in.ClientID)
	if nonce == "" {
		return nil, errs.New(errs.MissingInput, "nonce is required")
	}
	if audience == "" {
		return nil, errs.New(errs.MissingInput, "clientId is required")
	}
	requestID := strings.TrimSpace(in.RequestID)
	recordAuthorizationRequest(rec, "eudiw.verifier", eudiw.AuthorizationRequest{
		RequestID:              requestID,
		Nonce:                  nonce,
		ClientID:               audience,
		Profile:                profile,
		TrustedAuthorityPolicy: strings.TrimSpace(in.TrustedAuthorityPolicy),
	})

	vpToken, state, err := a.openResponse(s, in, profile, mode)
	if err != nil {
		return nil, err
	}
	if in.Response != "" && rec != nil {
		rec.Step("response.decrypt", "Open the direct_post.jwt", "",
			[]trace.Attribute{
				trace.Attr("encryption", eudiw.ResponseEncryption),
				trace.Attr("state", state),
			})
	}
	if requestID != "" && state != "" && state != requestID {
		verdict := notMatched("state_mismatch", "direct_post.jwt state does not match the request id")
		verdict.Attempts = 1
		return verdict, nil
	}

	authorities := append(append([]eudiw.TrustedAuthority{}, a.trusted...), s.TrustedAuthorities...)
	expect := eudiw.Expectation{
		Issuer:                 s.Issuer,
		DocType:                s.DocType,
		IssuerKey:              issuerKey,
		Nonce:                  nonce,
		Audience:               audience,
		Profile:                profile,
		TrustedAuthorityPolicy: strings.TrimSpace(in.TrustedAuthorityPolicy),
		TrustedAuthorities:     authorities,
	}
	var v *eudiw.Validation
	if format == eudiw.FormatMdoc {
		if expect.DocType == "" {
			expect.DocType = eudiw.DefaultDocType
		}
		v, err = eudiw.ValidateMdoc(vpToken, expect)
	} else {
		v, err = eudiw.Validate(vpToken, expect)
	}
	if err != nil {
		return nil, err
	}

	if rec != nil {
		hashes := make(trace.List, 0, len(v.DisclosureHashes))
		for _, h := range v.DisclosureHashes {
			hashes = append(hashes, h)
		}
		rec.Step("validation.presentation.1", "Validate the presentation", v.Detail,
			[]trace.Attribute{
				trace.Attr("format", v.Format),
				trace.Attr("issuer", v.Issuer),
				trace.Attr("vct", v.VCT),
				trace.Attr("vpTokenHash", v.VPTokenHash),
				trace.Attr("kbJwtHash", v.KBJWTHash),
				trace.Attr("disclosureHashes", hashes),
				trace.Attr("holderBinding", v.HolderBinding),
				trace.Attr("trustedAuthority", trustLabel(v.TrustMatch)),
				trace.Attr("reason", string(v.Reason)),
			})
		rec.Step("trace.summary", "Summary", "",
			[]trace.Attribute{
				trace.Attr("presentations", 1),
				trace.Attr("valid", v.Valid()),
			})
	}

	if !v.Valid() {
		verdict := notMatched(string(v.Reason), v.Detail)
		verdict.Attempts = 1
		return verdict, nil
	}
	verdict := matched(0)
	verdict.Attempts = 1
	return verdict, nil
}

// openResponse yields the vp_token to validate and the state it was posted with.
func (a eudiwAdapter) openResponse(s *EUDIWSpec, in Input, profile eudiw.Profile, mode string) (string, string, error) {
	if strings.TrimSpace(in.Response) == "" {
		if eudiw.RequiresEncryption(profile, mode) {
			return "", "", errs.New(errs.MissingInput, "HAIP direct_post.jwt requires the encrypted response")
		}
		return in.VPToken, "", nil
	}
	if len(s.VerifierKey) == 0 {
		return "", "", errs.New(errs.MissingInput, "verifierKey is required to open a direct_post.jwt")
	}
	verifier, err := eudiw.ParseVerifierKey(string(s.VerifierKey))
	if err != nil {
		return "", "", err
	}
	resp, err := eudiw.DecryptResponse(verifier, in.Response)
	if err != nil {
		return "", "", err
	}
	return resp.VPToken, resp.State, nil
}

// profile prefers the request, then the credential, then HAIP.
func (a eudiwAdapter) profile(s *EUDIWSpec, in Input) (eudiw.Profile, error) {
	if p := strings.TrimSpace(in.Profile); p != "" {
		return eudiw.ParseProfile(p)
	}
	return eudiw.ParseProfile(string(s.Profile))
}

// issuedAt falls back to the service clock; the output echoes the value either way.
func (a eudiwAdapter) issuedAt(in Input) (time.Time, string) {
	if in.IssuedAt != nil {
		return time.Unix(*in.IssuedAt, 0).UTC(), sourceRequest
	}
	return a.clock.Now().UTC().Truncate(time.Second), sourceClock
}

func recordAuthorizationRequest(rec *trace.Recorder, op string, req eudiw.AuthorizationRequest) {
	if rec == nil {
		return
	}
	attrs := []trace.Attribute{
		trace.Attr("op", op),
		trace.Attr("profile", string(req.Profile)),
		trace.Attr("requestId", req.RequestID),
		trace.Attr("nonce", req.Nonce),
		trace.Attr("clientId", req.ClientID),
		trace.Attr("trustedAuthorityPolicy", req.TrustedAuthorityPolicy),
	}
	if len(req.Claims) > 0 {
		attrs = append(attrs, trace.Attr("claims", req.Claims))
	}
	if !req.IssuedAt.IsZero() {
		attrs = append(attrs, trace.Attr("issuedAt", req.IssuedAt.Unix()))
	}
	rec.Step("authorization.request", "Authorization request", "", attrs)
}

func trustLabel(t *eudiw.TrustedAuthority) string {
	if t == nil {
		return ""
	}
	return fmt.Sprintf("%s (%s)", t.Label, t.Policy())
}
