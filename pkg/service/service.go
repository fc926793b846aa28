package service

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openauthsim/otp-service/config"
	"github.com/openauthsim/otp-service/internal/util"
	"github.com/openauthsim/otp-service/pkg/encryption"
	"github.com/openauthsim/otp-service/pkg/service/credential"
	"github.com/openauthsim/otp-service/pkg/service/evaluation"
	"github.com/openauthsim/otp-service/pkg/service/framework"
	"github.com/openauthsim/otp-service/pkg/storage"
)

const (
	encryptionNamespace = "encryption"
	dataKeyKey          = "otp-service-data-key"
	saltKey             = "otp-service-key-salt"
)

// SimulatorService represents all services and their dependencies independent of transport
type SimulatorService struct {
	Credential *credential.Service
	Evaluation *evaluation.Service

	storage storage.ServiceStorage
}

// InstantiateSimulatorService creates a new instance of the service which instantiates all
// services and their dependencies independent of transport.
func InstantiateSimulatorService(config config.ServicesConfig) (*SimulatorService, error) {
	if err := validateServiceConfig(config); err != nil {
		return nil, util.LoggingErrorMsg(err, "could not instantiate otp service, invalid config")
	}
	service, err := instantiateServices(config, clock.New())
	if err != nil {
		return nil, util.LoggingErrorMsg(err, "could not instantiate the otp service")
	}
	return service, nil
}

func validateServiceConfig(config config.ServicesConfig) error {
	available := false
	for _, t := range storage.AvailableStorage() {
		if string(t) == config.StorageProvider {
			available = true
		}
	}
	if !available {
		return fmt.Errorf("%s storage provider configured, but not available", config.StorageProvider)
	}
	if config.CredentialConfig.IsEmpty() {
		return fmt.Errorf("%s no config provided", framework.Credential)
	}
	if config.EvaluationConfig.IsEmpty() {
		return fmt.Errorf("%s no config provided", framework.Evaluation)
	}
	return nil
}

// instantiateServices begins all instantiates and their dependencies
func instantiateServices(config config.ServicesConfig, clk clock.Clock) (*SimulatorService, error) {
	options := make([]storage.Option, 0, len(config.StorageOptions))
	for _, o := range config.StorageOptions {
		options = append(options, storage.Option{ID: storage.OptionKey(o.ID), Option: o.Option})
	}
	storageProvider, err := storage.NewStorage(storage.Type(config.StorageProvider), options...)
	if err != nil {
		return nil, util.LoggingErrorMsgf(err, "could not instantiate storage provider: %s", config.StorageProvider)
	}

	encrypted, err := encryptedStorage(context.Background(), storageProvider, config.AppLevelEncryptionConfiguration)
	if err != nil {
		_ = storageProvider.Close()
		return nil, util.LoggingErrorMsg(err, "could not configure encryption at rest")
	}

	credentialService, err := credential.NewCredentialService(config.CredentialConfig, encrypted, clk)
	if err != nil {
		_ = storageProvider.Close()
		return nil, util.LoggingErrorMsg(err, "could not instantiate the credential service")
	}

	evaluationService, err := evaluation.NewEvaluationService(config.EvaluationConfig, credentialService, clk)
	if err != nil {
		_ = storageProvider.Close()
		return nil, util.LoggingErrorMsg(err, "could not instantiate the evaluation service")
	}

	return &SimulatorService{
		Credential: credentialService,
		Evaluation: evaluationService,
		storage:    storageProvider,
	}, nil
}

// encryptedStorage wraps the provider so stored credentials are encrypted at rest. The data
// key comes from a KMS, a configured master key, a password, or a key generated on first start
// and kept in the store, in that order.
func encryptedStorage(ctx context.Context, db storage.ServiceStorage, cfg config.EncryptionConfig) (storage.ServiceStorage, error) {
	if !cfg.EncryptionEnabled() {
		logrus.Warn("encryption at rest is disabled")
		return db, nil
	}
	if cfg.GetMasterKeyURI() != "" {
		encrypter, decrypter, err := encryption.NewKMSEnvelope(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return storage.NewEncryptedWrapper(db, encrypter, decrypter), nil
	}

	key, err := localDataKey(ctx, db, cfg)
	if err != nil {
		return nil, err
	}
	cipher, err := encryption.NewLocalCipher(key)
	if err != nil {
		return nil, err
	}
	return storage.NewEncryptedWrapper(db, cipher, cipher), nil
}

func localDataKey(ctx context.Context, db storage.ServiceStorage, cfg config.EncryptionConfig) ([]byte, error) {
	switch {
	case cfg.MasterKey != "":
		return encryption.DecodeMasterKey(cfg.MasterKey)
	case cfg.Password != "":
		salt, err := readOrCreate(ctx, db, saltKey, func() ([]byte, error) {
			return encryption.GenerateSalt()
		})
		if err != nil {
			return nil, errors.Wrap(err, "loading key salt")
		}
		return encryption.DeriveKey(cfg.Password, salt)
	}
	logrus.Warn("no master key or password configured, using a data key kept in the store")
	encoded, err := readOrCreate(ctx, db, dataKeyKey, func() ([]byte, error) {
		key, err := encryption.GenerateKey()
		if err != nil {
			return nil, err
		}
		return []byte(encryption.EncodeMasterKey(key)), nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "loading data key")
	}
	return encryption.DecodeMasterKey(string(encoded))
}

func readOrCreate(ctx context.Context, db storage.ServiceStorage, key string, create func() ([]byte, error)) ([]byte, error) {
	result, err := db.Execute(ctx, func(ctx context.Context, tx storage.Tx) (any, error) {
		existing, err := tx.Read(ctx, encryptionNamespace, key)
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			return existing, nil
		}
		value, err := create()
		if err != nil {
			return nil, err
		}
		if err = tx.Write(ctx, encryptionNamespace, key, value); err != nil {
			return nil, err
		}
		return value, nil
	}, []storage.WatchKey{{Namespace: encryptionNamespace, Key: key}})
	if err != nil {
		return nil, err
	}
	value, ok := result.([]byte)
	if !ok {
		return nil, errors.New("problem casting stored value")
	}
	return value, nil
}

// GetServices returns all services
func (s *SimulatorService) GetServices() []framework.Service {
	return []framework.Service{
		s.Credential,
		s.Evaluation,
	}
}

// Close releases the storage provider.
func (s *SimulatorService) Close() error {
	if s.storage == nil {
		return nil
	}
	return s.storage.Close()
}
