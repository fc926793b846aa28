package credential

import (
	"context"
	"encoding/base64"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/skip2/go-qrcode"

	"github.com/openauthsim/otp-service/internal/encoding"
	"github.com/openauthsim/otp-service/internal/errs"
	"github.com/openauthsim/otp-service/internal/otp"
	"github.com/openauthsim/otp-service/pkg/service/evaluation"
)

const (
	DefaultQRSize = 256
	maxQRSize     = 2048
)

// Provision builds the otpauth:// key URI of a stored HOTP or TOTP credential and renders it
// as a PNG QR code for authenticator enrolment.
func (s Service) Provision(ctx context.Context, request ProvisionRequest) (*ProvisionResponse, error) {
	if request.ID == "" {
		return nil, errs.New(errs.InvalidRequest, "credential id is required")
	}
	size := request.QRSize
	if size == 0 {
		size = DefaultQRSize
	}
	if size < 0 || size > maxQRSize {
		return nil, errs.Newf(errs.InvalidRequest, "qr size must be between 1 and %d", maxQRSize)
	}

	stored, err := s.storage.GetCredential(ctx, request.ID)
	if err != nil {
		return nil, err
	}
	spec, err := evaluation.DecodeSpec(stored.Protocol, stored.Spec)
	if err != nil {
		return nil, err
	}
	defer spec.Zero()

	uri, err := keyURI(s.config.Issuer, stored.Name, spec)
	if err != nil {
		return nil, err
	}
	png, err := qrcode.Encode(uri, qrcode.Medium, size)
	if err != nil {
		return nil, errors.Wrap(err, "rendering qr code")
	}
	return &ProvisionResponse{
		ID:     stored.ID,
		URI:    uri,
		QRCode: base64.StdEncoding.EncodeToString(png),
	}, nil
}

// keyURI follows the Google Authenticator key URI format:
// otpauth://TYPE/ISSUER:ACCOUNT?secret=BASE32&issuer=ISSUER&algorithm=...&digits=...
func keyURI(issuer, account string, spec evaluation.CredentialSpec) (string, error) {
	var (
		kind   string
		secret []byte
		alg    otp.Algorithm
		digits int
		params = url.Values{}
	)
	switch s := spec.(type) {
	case *evaluation.HOTPSpec:
		kind, secret, alg, digits = "hotp", s.Secret, s.Algorithm, s.Digits
		params.Set("counter", strconv.FormatUint(s.Counter, 10))
	case *evaluation.TOTPSpec:
		kind, secret, alg, digits = "totp", s.Secret, s.Algorithm, s.Digits
		params.Set("period", strconv.FormatInt(s.StepSeconds, 10))
	default:
		return "", errs.Newf(errs.InvalidRequest, "%s credentials cannot be provisioned with a key uri", spec.Protocol())
	}
	if alg == "" {
		alg = otp.SHA1
	}
	if digits == 0 {
		digits = otp.DefaultDigits
	}

	params.Set("secret", strings.TrimRight(encoding.EncodeBase32(secret), "="))
	params.Set("algorithm", alg.String())
	params.Set("digits", strconv.Itoa(digits))

	label := account
	if issuer != "" {
		params.Set("issuer", issuer)
		label = issuer + ":" + account
	}
	u := url.URL{
		Scheme:   "otpauth",
		Host:     kind,
		Path:     "/" + label,
		RawQuery: params.Encode(),
	}
	return u.String(), nil
}
