package credential

import (
	"context"
	"encoding/base64"
	"net/url"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openauthsim/otp-service/config"
	"github.com/openauthsim/otp-service/internal/errs"
	"github.com/openauthsim/otp-service/pkg/service/evaluation"
	"github.com/openauthsim/otp-service/pkg/testutil"
)

const rfcSecretHex = "3132333435363738393031323334353637383930"

func hotpRequest(id string) CreateCredentialRequest {
	return CreateCredentialRequest{
		ID:       id,
		Name:     "alice@example.com",
		Protocol: evaluation.HOTP,
		Metadata: []MetadataEntry{{Key: "source", Value: "rfc4226"}},
		Inline:   evaluation.Inline{SharedSecretHex: rfcSecretHex},
	}
}

func TestCredentialService(t *testing.T) {
	for _, test := range testutil.TestDatabases {
		t.Run(test.Name, func(t *testing.T) {
			db := test.Open(t)
			clk := clock.NewMock()
			clk.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
			cfg := config.CredentialServiceConfig{Issuer: "OpenAuth Simulator"}
			s, err := NewCredentialService(cfg, db, clk)
			require.NoError(t, err)
			ctx := context.Background()

			t.Run("create and get redacts secrets", func(tt *testing.T) {
				created, err := s.CreateCredential(ctx, hotpRequest("alice-hotp"))
				require.NoError(tt, err)
				assert.Equal(tt, "alice-hotp", created.Credential.ID)
				assert.Equal(tt, evaluation.HOTP, created.Credential.Protocol)
				assert.Equal(tt, "2024-05-01T12:00:00Z", created.Credential.CreatedAt)
				assert.Equal(tt, redacted, created.Credential.Spec["secret"])
				assert.Equal(tt, "SHA1", created.Credential.Spec["algorithm"])

				got, err := s.GetCredential(ctx, GetCredentialRequest{ID: "alice-hotp"})
				require.NoError(tt, err)
				assert.Equal(tt, created.Credential, got.Credential)
				assert.Equal(tt, []MetadataEntry{{Key: "source", Value: "rfc4226"}}, got.Credential.Metadata)
			})

			t.Run("duplicate id", func(tt *testing.T) {
				_, err := s.CreateCredential(ctx, hotpRequest("alice-hotp"))
				assert.True(tt, errs.Is(err, errs.InvalidRequest))
			})

			t.Run("generated id", func(tt *testing.T) {
				req := CreateCredentialRequest{
					Name:     "bob",
					Protocol: evaluation.TOTP,
					Inline:   evaluation.Inline{SharedSecretBase32: "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"},
				}
				created, err := s.CreateCredential(ctx, req)
				require.NoError(tt, err)
				assert.NotEmpty(tt, created.Credential.ID)
				assert.EqualValues(tt, 30, created.Credential.Spec["stepSeconds"])
			})

			t.Run("invalid material is rejected", func(tt *testing.T) {
				_, err := s.CreateCredential(ctx, CreateCredentialRequest{
					ID: "broken", Name: "broken", Protocol: evaluation.HOTP,
					Inline: evaluation.Inline{SharedSecretHex: "ABC"},
				})
				assert.True(tt, errs.Is(err, errs.InvalidEncoding))

				_, err = s.CreateCredential(ctx, CreateCredentialRequest{
					ID: "bad-suite", Name: "bad", Protocol: evaluation.OCRA,
					Inline: evaluation.Inline{SharedSecretHex: rfcSecretHex, Suite: "OCRA-2:HOTP-SHA1-6:QN08"},
				})
				assert.True(tt, errs.Is(err, errs.InvalidConfiguration))

				_, err = s.CreateCredential(ctx, CreateCredentialRequest{ID: "noname", Protocol: evaluation.HOTP})
				assert.True(tt, errs.Is(err, errs.InvalidRequest))

				counter := uint64(3)
				_, err = s.CreateCredential(ctx, CreateCredentialRequest{
					ID: "totp-counter", Name: "x", Protocol: evaluation.TOTP, Counter: &counter,
					Inline: evaluation.Inline{SharedSecretHex: rfcSecretHex},
				})
				assert.True(tt, errs.Is(err, errs.InvalidRequest))
			})

			t.Run("list with filter", func(tt *testing.T) {
				all, err := s.ListCredentials(ctx, ListCredentialsRequest{})
				require.NoError(tt, err)
				assert.Len(tt, all.Credentials, 2)

				hotps, err := s.ListCredentials(ctx, ListCredentialsRequest{Filter: `protocol = "hotp"`})
				require.NoError(tt, err)
				require.Len(tt, hotps.Credentials, 1)
				assert.Equal(tt, "alice-hotp", hotps.Credentials[0].ID)

				_, err = s.ListCredentials(ctx, ListCredentialsRequest{Filter: `secret = "x"`})
				assert.True(tt, errs.Is(err, errs.InvalidRequest))
			})

			t.Run("advance counter", func(tt *testing.T) {
				clk.Add(time.Minute)
				resp, err := s.AdvanceCounter(ctx, AdvanceCounterRequest{ID: "alice-hotp", Next: 5})
				require.NoError(tt, err)
				assert.Equal(tt, uint64(0), resp.Previous)
				assert.Equal(tt, uint64(5), resp.Counter)

				got, err := s.GetCredential(ctx, GetCredentialRequest{ID: "alice-hotp"})
				require.NoError(tt, err)
				assert.EqualValues(tt, 5, got.Credential.Spec["counter"])
				assert.Equal(tt, "2024-05-01T12:01:00Z", got.Credential.UpdatedAt)

				_, err = s.AdvanceCounter(ctx, AdvanceCounterRequest{ID: "alice-hotp", Next: 4})
				assert.True(tt, errs.Is(err, errs.InvalidRequest))
				assert.Contains(tt, err.Error(), "counter regression")

				_, err = s.AdvanceCounter(ctx, AdvanceCounterRequest{ID: "missing", Next: 4})
				assert.True(tt, errs.Is(err, errs.NotFound))
			})

			t.Run("resolve feeds stored evaluation", func(tt *testing.T) {
				engine, err := evaluation.NewEvaluationService(config.EvaluationServiceConfig{}, s, clk)
				require.NoError(tt, err)

				res, err := engine.Evaluate(ctx, evaluation.Request{Protocol: evaluation.HOTP, CredentialID: "alice-hotp"})
				require.NoError(tt, err)
				assert.Equal(tt, evaluation.ModeStored, res.Mode)
				// RFC 4226 Appendix D, counter 5
				assert.Equal(tt, "254676", res.Output.(evaluation.HOTPOutput).OTP)

				_, err = s.Resolve(ctx, "missing")
				assert.True(tt, errs.Is(err, errs.NotFound))
			})

			t.Run("provision", func(tt *testing.T) {
				resp, err := s.Provision(ctx, ProvisionRequest{ID: "alice-hotp"})
				require.NoError(tt, err)

				u, err := url.Parse(resp.URI)
				require.NoError(tt, err)
				assert.Equal(tt, "otpauth", u.Scheme)
				assert.Equal(tt, "hotp", u.Host)
				assert.Equal(tt, "/OpenAuth Simulator:alice@example.com", u.Path)
				q := u.Query()
				assert.Equal(tt, "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ", q.Get("secret"))
				assert.Equal(tt, "5", q.Get("counter"))
				assert.Equal(tt, "SHA1", q.Get("algorithm"))
				assert.Equal(tt, "6", q.Get("digits"))
				assert.Equal(tt, "OpenAuth Simulator", q.Get("issuer"))

				png, err := base64.StdEncoding.DecodeString(resp.QRCode)
				require.NoError(tt, err)
				assert.Equal(tt, []byte("\x89PNG"), png[:4])

				_, err = s.Provision(ctx, ProvisionRequest{ID: "alice-hotp", QRSize: -1})
				assert.True(tt, errs.Is(err, errs.InvalidRequest))
			})

			t.Run("delete", func(tt *testing.T) {
				err := s.DeleteCredential(ctx, DeleteCredentialRequest{ID: "alice-hotp"})
				require.NoError(tt, err)

				_, err = s.GetCredential(ctx, GetCredentialRequest{ID: "alice-hotp"})
				assert.True(tt, errs.Is(err, errs.NotFound))

				err = s.DeleteCredential(ctx, DeleteCredentialRequest{ID: "alice-hotp"})
				assert.True(tt, errs.Is(err, errs.NotFound))
			})
		})
	}
}

func TestAdvanceCounterPerProtocol(t *testing.T) {
	db := testutil.Bolt.Open(t)
	s, err := NewCredentialService(config.CredentialServiceConfig{}, db, nil)
	require.NoError(t, err)
	ctx := context.Background()

	atc := uint16(0x00B4)
	_, err = s.CreateCredential(ctx, CreateCredentialRequest{
		ID: "card", Name: "card", Protocol: evaluation.EMVCAP,
		Inline: evaluation.Inline{
			MasterKey:               "0123456789ABCDEF0123456789ABCDEF",
			ATC:                     &atc,
			BranchFactor:            4,
			Height:                  8,
			IV:                      "00000000000000000000000000000000",
			CDOL1:                   "9F02069F03069F1A0295055F2A029A039C019F3704",
			IssuerProprietaryBitmap: "00001F00000000000FFFFF00000000008000",
			ICCDataTemplate:         "1000XXXXA50006040000",
			IssuerApplicationData:   "06770A03A48000",
		},
	})
	require.NoError(t, err)

	resp, err := s.AdvanceCounter(ctx, AdvanceCounterRequest{ID: "card", Next: 0xB5})
	require.NoError(t, err)
	assert.Equal(t, uint64(0xB4), resp.Previous)

	_, err = s.AdvanceCounter(ctx, AdvanceCounterRequest{ID: "card", Next: 0x10000})
	assert.True(t, errs.Is(err, errs.InvalidRequest))

	counter := uint64(7)
	_, err = s.CreateCredential(ctx, CreateCredentialRequest{
		ID: "ocra", Name: "ocra", Protocol: evaluation.OCRA, Counter: &counter,
		Inline: evaluation.Inline{SharedSecretHex: rfcSecretHex, Suite: "OCRA-1:HOTP-SHA1-6:C-QN08"},
	})
	require.NoError(t, err)
	resp, err = s.AdvanceCounter(ctx, AdvanceCounterRequest{ID: "ocra", Next: 8})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), resp.Previous)

	_, err = s.CreateCredential(ctx, CreateCredentialRequest{
		ID: "totp", Name: "totp", Protocol: evaluation.TOTP,
		Inline: evaluation.Inline{SharedSecretHex: rfcSecretHex},
	})
	require.NoError(t, err)
	_, err = s.AdvanceCounter(ctx, AdvanceCounterRequest{ID: "totp", Next: 1})
	assert.True(t, errs.Is(err, errs.InvalidRequest))
	assert.Contains(t, err.Error(), "have no counter")

	_, err = s.Provision(ctx, ProvisionRequest{ID: "ocra"})
	assert.True(t, errs.Is(err, errs.InvalidRequest))
}

func TestSeedCredentials(t *testing.T) {
	db := testutil.Memory.Open(t)
	s, err := NewCredentialService(config.CredentialServiceConfig{}, db, nil)
	require.NoError(t, err)
	ctx := context.Background()

	seeds := []CreateCredentialRequest{hotpRequest("seed-1"), hotpRequest("seed-2")}
	first, err := s.SeedCredentials(ctx, seeds)
	require.NoError(t, err)
	assert.Equal(t, []string{"seed-1", "seed-2"}, first.Created)
	assert.Empty(t, first.Skipped)

	second, err := s.SeedCredentials(ctx, seeds)
	require.NoError(t, err)
	assert.Empty(t, second.Created)
	assert.Equal(t, []string{"seed-1", "seed-2"}, second.Skipped)

	_, err = s.SeedCredentials(ctx, []CreateCredentialRequest{hotpRequest("")})
	assert.True(t, errs.Is(err, errs.InvalidRequest))
}

func TestNewCredentialService(t *testing.T) {
	_, err := NewCredentialService(config.CredentialServiceConfig{}, nil, nil)
	assert.ErrorContains(t, err, "db reference is nil")
}
