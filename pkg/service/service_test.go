package service

import (
	"context"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openauthsim/otp-service/config"
	"github.com/openauthsim/otp-service/pkg/encryption"
	"github.com/openauthsim/otp-service/pkg/service/credential"
	"github.com/openauthsim/otp-service/pkg/service/evaluation"
	"github.com/openauthsim/otp-service/pkg/storage"
)

func servicesConfig() config.ServicesConfig {
	return config.ServicesConfig{
		StorageProvider:  string(storage.Memory),
		CredentialConfig: config.CredentialServiceConfig{BaseServiceConfig: &config.BaseServiceConfig{Name: "credential"}},
		EvaluationConfig: config.EvaluationServiceConfig{BaseServiceConfig: &config.BaseServiceConfig{Name: "evaluation"}},
	}
}

func TestInstantiateSimulatorService(t *testing.T) {
	t.Run("unknown storage provider", func(tt *testing.T) {
		cfg := servicesConfig()
		cfg.StorageProvider = "cassandra"
		_, err := InstantiateSimulatorService(cfg)
		assert.ErrorContains(tt, err, "storage provider configured, but not available")
	})

	t.Run("missing service config", func(tt *testing.T) {
		cfg := servicesConfig()
		cfg.EvaluationConfig = config.EvaluationServiceConfig{}
		_, err := InstantiateSimulatorService(cfg)
		assert.ErrorContains(tt, err, "evaluation no config provided")
	})

	t.Run("all services ready", func(tt *testing.T) {
		cfg := servicesConfig()
		cfg.AppLevelEncryptionConfiguration.DisableEncryption = true
		svc, err := InstantiateSimulatorService(cfg)
		require.NoError(tt, err)
		defer func() { _ = svc.Close() }()
		for _, s := range svc.GetServices() {
			assert.True(tt, s.Status().IsReady(), s.Type())
		}
	})
}

func TestEncryptionAtRest(t *testing.T) {
	ctx := context.Background()
	request := credential.CreateCredentialRequest{
		ID:       "alice",
		Name:     "alice",
		Protocol: evaluation.HOTP,
		Inline:   evaluation.Inline{SharedSecretHex: "3132333435363738393031323334353637383930"},
	}

	key, err := encryption.GenerateKey()
	require.NoError(t, err)

	tests := map[string]config.EncryptionConfig{
		"master key":    {MasterKey: encryption.EncodeMasterKey(key)},
		"password":      {Password: "correct horse battery staple"},
		"generated key": {},
		"disabled":      {DisableEncryption: true},
	}
	for name, enc := range tests {
		t.Run(name, func(tt *testing.T) {
			cfg := servicesConfig()
			cfg.AppLevelEncryptionConfiguration = enc
			svc, err := instantiateServices(cfg, clock.NewMock())
			require.NoError(tt, err)

			_, err = svc.Credential.CreateCredential(ctx, request)
			require.NoError(tt, err)

			raw, err := svc.storage.Read(ctx, "credential", "alice")
			require.NoError(tt, err)
			if enc.DisableEncryption {
				assert.Contains(tt, string(raw), `"protocol":"hotp"`)
			} else {
				assert.NotContains(tt, string(raw), `"protocol":"hotp"`)
			}

			res, err := svc.Evaluation.Evaluate(ctx, evaluation.Request{Protocol: evaluation.HOTP, CredentialID: "alice"})
			require.NoError(tt, err)
			assert.Equal(tt, "755224", res.Output.(evaluation.HOTPOutput).OTP)
		})
	}

	t.Run("password salt and generated key survive restarts", func(tt *testing.T) {
		db, err := storage.NewStorage(storage.Memory)
		require.NoError(tt, err)

		for _, enc := range []config.EncryptionConfig{{Password: "pw"}, {}} {
			first, err := localDataKey(ctx, db, enc)
			require.NoError(tt, err)
			second, err := localDataKey(ctx, db, enc)
			require.NoError(tt, err)
			assert.Equal(tt, first, second)
			assert.Len(tt, first, encryption.KeySize)
		}
	})

	t.Run("bad master key", func(tt *testing.T) {
		cfg := servicesConfig()
		cfg.AppLevelEncryptionConfiguration.MasterKey = "not-a-key"
		_, err := instantiateServices(cfg, clock.NewMock())
		assert.Error(tt, err)
	})
}
