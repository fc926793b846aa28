package evaluation

import (
	"math"
	"strings"

	"github.com/openauthsim/otp-service/internal/emvcap"
	"github.com/openauthsim/otp-service/internal/encoding"
	"github.com/openauthsim/otp-service/internal/errs"
	"github.com/openauthsim/otp-service/internal/trace"
	"github.com/openauthsim/otp-service/internal/window"
)

type emvAdapter struct{}

func (emvAdapter) Protocol() Protocol { return EMVCAP }

func (a emvAdapter) Evaluate(spec CredentialSpec, in Input, rec *trace.Recorder) (Output, error) {
	s, input, err := a.prepare(spec, in)
	if err != nil {
		return nil, err
	}
	res, err := emvcap.Evaluate(input)
	if err != nil {
		return nil, err
	}
	recordEMV(rec, s, input, res)
	return emvOutput(input.Mode, res), nil
}

// Replay checks the stored ATC and, when the window allows, the ATCs around it.
func (a emvAdapter) Replay(spec CredentialSpec, in Input, w window.Window, rec *trace.Recorder) (*Verdict, error) {
	candidate := in.candidate()
	if candidate == "" {
		return nil, errs.New(errs.MissingInput, "otp is required")
	}
	s, input, err := a.prepare(spec, in)
	if err != nil {
		return nil, err
	}
	if err = input.Validate(); err != nil {
		return nil, err
	}

	var hit *emvcap.Result
	res, err := window.Match(func(offset int) (string, bool, error) {
		atc := int(s.ATC) + offset
		if atc < 0 || atc > math.MaxUint16 {
			return "", false, nil
		}
		moved := input
		moved.Params.ATC = uint16(atc)
		r, err := emvcap.Evaluate(moved)
		if err != nil {
			return "", false, err
		}
		if window.Equal(r.OTP, candidate) {
			hit = r
		}
		return r.OTP, true, nil
	}, candidate, w)
	if err != nil {
		return nil, err
	}
	recordScan(rec, "window.scan", w, int64(s.ATC), res)
	if !res.Matched {
		v := notMatched(ReasonVerificationFailed, "no ATC in the window produced the candidate")
		v.Attempts = res.Attempts
		return v, nil
	}

	moved := input
	moved.Params.ATC = hit.ATC
	recordEMV(rec, s, moved, hit)
	next := uint64(hit.ATC) + 1
	v := matched(res.Offset)
	v.Attempts = res.Attempts
	v.NextCounter = &next
	return v, nil
}

func (a emvAdapter) prepare(spec CredentialSpec, in Input) (*EMVSpec, emvcap.Input, error) {
	s, err := specAs[*EMVSpec](spec, EMVCAP)
	if err != nil {
		return nil, emvcap.Input{}, err
	}
	mode, err := emvcap.ParseMode(in.Mode)
	if err != nil {
		return nil, emvcap.Input{}, err
	}
	input := emvcap.Input{
		Mode:   mode,
		Params: s.params(),
		Customer: emvcap.CustomerInputs{
			Challenge: strings.TrimSpace(in.Challenge),
			Reference: strings.TrimSpace(in.Reference),
			Amount:    strings.TrimSpace(in.Amount),
		},
	}
	if v := strings.TrimSpace(in.TerminalPayloadOverride); v != "" {
		if input.TerminalOverride, err = encoding.DecodeHex(v); err != nil {
			return nil, emvcap.Input{}, errs.Wrap(err, errs.InvalidEncoding, "decoding terminalPayloadOverride")
		}
	}
	if v := strings.TrimSpace(in.ICCPayloadOverride); v != "" {
		if input.ICCOverride, err = encoding.DecodeHex(v); err != nil {
			return nil, emvcap.Input{}, errs.Wrap(err, errs.InvalidEncoding, "decoding iccPayloadOverride")
		}
	}
	return s, input, nil
}

func emvOutput(mode emvcap.Mode, res *emvcap.Result) EMVOutput {
	return EMVOutput{
		OTP:              res.OTP,
		OTPHex:           res.OTPHex,
		Mode:             string(mode),
		ATC:              res.ATC,
		GenerateACResult: encoding.EncodeHex(res.GenerateACResult),
		TerminalPayload:  encoding.EncodeHex(res.Terminal),
		ICCPayload:       encoding.EncodeHex(res.ICC),
	}
}

func recordEMV(rec *trace.Recorder, s *EMVSpec, input emvcap.Input, res *emvcap.Result) {
	if rec == nil {
		return
	}
	path := make(trace.List, 0, len(res.Path))
	for _, p := range res.Path {
		path = append(path, p)
	}

	rec.Step("derive.session-key", "Derive the session key", "walk the key tree along the ATC digits",
		[]trace.Attribute{
			trace.Attr("atc", res.ATC),
			trace.Attr("branchFactor", s.BranchFactor),
			trace.Attr("height", s.Height),
			trace.Attr("masterKey.hash", secretDigest(s.MasterKey)),
			trace.Attr("sessionKey", res.SessionKey),
		})
	rec.Step("assemble.payload", "Assemble the Generate AC input", "terminal data from CDOL1, then ICC data",
		[]trace.Attribute{
			trace.Attr("terminal", res.Terminal),
			trace.Attr("icc", res.ICC),
			trace.Attr("terminal.override", len(input.TerminalOverride) > 0),
			trace.Attr("icc.override", len(input.ICCOverride) > 0),
		})
	rec.Step("generate.ac", "Compute the application cryptogram", "ISO 9797-1 method 2 padding, retail MAC",
		[]trace.Attribute{
			trace.Attr("ac", res.MAC.AC),
			trace.Attr("generateAcResult", res.GenerateACResult),
		})
	rec.Step("decimalize", "Extract the OTP through the issuer bitmap", "",
		[]trace.Attribute{
			trace.Attr("maskedDigits", res.MaskedDigitsCount),
			trace.Attr("otp", res.OTP),
		})

	rec.Provenance("protocolContext", trace.Map{
		{Key: "mode", Value: string(input.Mode)},
		{Key: "atc", Value: res.ATC},
		{Key: "challenge", Value: input.Customer.Challenge},
		{Key: "reference", Value: input.Customer.Reference},
		{Key: "amount", Value: input.Customer.Amount},
	})
	rec.Provenance("keyDerivation", trace.Map{
		{Key: "masterKeyDigest", Value: secretDigest(s.MasterKey)},
		{Key: "iv", Value: []byte(s.IV)},
		{Key: "branchFactor", Value: s.BranchFactor},
		{Key: "height", Value: s.Height},
		{Key: "path", Value: path},
		{Key: "sessionKey", Value: res.SessionKey},
	})

	cdol := make(trace.List, 0, len(res.CDOL))
	for _, f := range res.CDOL {
		cdol = append(cdol, trace.Map{
			{Key: "tag", Value: f.TagHex()},
			{Key: "length", Value: f.Length},
			{Key: "offset", Value: f.Offset},
			{Key: "source", Value: f.Source},
			{Key: "value", Value: f.Value},
		})
	}
	rec.Provenance("cdolBreakdown", cdol)

	iad := make(trace.List, 0)
	for _, f := range emvcap.DecodeIAD(s.IssuerApplicationData) {
		iad = append(iad, trace.Map{{Key: "name", Value: f.Name}, {Key: "value", Value: f.Value}})
	}
	rec.Provenance("iadDecoding", iad)

	blocks := make(trace.List, 0, len(res.MAC.Blocks))
	for i, b := range res.MAC.Blocks {
		blocks = append(blocks, trace.Map{
			{Key: "index", Value: i},
			{Key: "input", Value: b.Input},
			{Key: "xored", Value: b.Xored},
			{Key: "output", Value: b.Output},
		})
	}
	rec.Provenance("macTranscript", trace.Map{
		{Key: "message", Value: res.MAC.Message},
		{Key: "padded", Value: res.MAC.Padded},
		{Key: "blocks", Value: blocks},
		{Key: "final", Value: res.MAC.Final},
		{Key: "ac", Value: res.MAC.AC},
	})
	rec.Provenance("decimalizationOverlay", trace.Map{
		{Key: "bitmap", Value: []byte(s.IssuerProprietaryBitmap)},
		{Key: "generateAcResult", Value: res.GenerateACResult},
		{Key: "bitmaskOverlay", Value: res.BitmaskOverlay},
		{Key: "maskedDigitsOverlay", Value: res.MaskedDigitsOverlay},
		{Key: "maskedDigitsCount", Value: res.MaskedDigitsCount},
		{Key: "otp", Value: res.OTP},
		{Key: "otpHex", Value: res.OTPHex},
	})
}
