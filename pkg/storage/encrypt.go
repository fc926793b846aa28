package storage

import (
	"context"

	"github.com/pkg/errors"

	"github.com/openauthsim/otp-service/pkg/encryption"
)

// EncryptedWrapper encrypts values on the way into the wrapped storage and decrypts them on the
// way out. Namespaces and keys are stored in the clear and bound to the ciphertext as
// associated data, so a value copied under another key no longer decrypts. Everything that
// does not touch values is served by the embedded storage.
type EncryptedWrapper struct {
	ServiceStorage
	sealer
}

func NewEncryptedWrapper(s ServiceStorage, encrypter encryption.Encrypter, decrypter encryption.Decrypter) *EncryptedWrapper {
	return &EncryptedWrapper{
		ServiceStorage: s,
		sealer:         sealer{encrypter: encrypter, decrypter: decrypter},
	}
}

type sealer struct {
	encrypter encryption.Encrypter
	decrypter encryption.Decrypter
}

func location(namespace, key string) []byte {
	return []byte(namespace + "/" + key)
}

func (s sealer) seal(ctx context.Context, namespace, key string, value []byte) ([]byte, error) {
	sealed, err := s.encrypter.Encrypt(ctx, value, location(namespace, key))
	if err != nil {
		return nil, errors.Wrapf(err, "encrypting %s", location(namespace, key))
	}
	return sealed, nil
}

// open decrypts a stored value. Absent values stay nil.
func (s sealer) open(ctx context.Context, namespace, key string, sealed []byte) ([]byte, error) {
	if sealed == nil {
		return nil, nil
	}
	value, err := s.decrypter.Decrypt(ctx, sealed, location(namespace, key))
	if err != nil {
		return nil, errors.Wrapf(err, "decrypting %s", location(namespace, key))
	}
	return value, nil
}

func (e EncryptedWrapper) Write(ctx context.Context, namespace, key string, value []byte) error {
	sealed, err := e.seal(ctx, namespace, key, value)
	if err != nil {
		return err
	}
	return e.ServiceStorage.Write(ctx, namespace, key, sealed)
}

func (e EncryptedWrapper) Read(ctx context.Context, namespace, key string) ([]byte, error) {
	sealed, err := e.ServiceStorage.Read(ctx, namespace, key)
	if err != nil {
		return nil, err
	}
	return e.open(ctx, namespace, key, sealed)
}

func (e EncryptedWrapper) ReadAll(ctx context.Context, namespace string) (map[string][]byte, error) {
	sealed, err := e.ServiceStorage.ReadAll(ctx, namespace)
	if err != nil {
		return nil, err
	}
	values := make(map[string][]byte, len(sealed))
	for key, v := range sealed {
		if values[key], err = e.open(ctx, namespace, key, v); err != nil {
			return nil, err
		}
	}
	return values, nil
}

func (e EncryptedWrapper) Execute(ctx context.Context, businessLogicFunc BusinessLogicFunc, watchKeys []WatchKey) (any, error) {
	return e.ServiceStorage.Execute(ctx, func(ctx context.Context, tx Tx) (any, error) {
		return businessLogicFunc(ctx, encryptedTx{tx: tx, sealer: e.sealer})
	}, watchKeys)
}

type encryptedTx struct {
	tx Tx
	sealer
}

func (t encryptedTx) Read(ctx context.Context, namespace, key string) ([]byte, error) {
	sealed, err := t.tx.Read(ctx, namespace, key)
	if err != nil {
		return nil, err
	}
	return t.open(ctx, namespace, key, sealed)
}

func (t encryptedTx) Write(ctx context.Context, namespace, key string, value []byte) error {
	sealed, err := t.seal(ctx, namespace, key, value)
	if err != nil {
		return err
	}
	return t.tx.Write(ctx, namespace, key, sealed)
}

var _ ServiceStorage = (*EncryptedWrapper)(nil)
