package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type (
	Type      string
	OptionKey string
)

// Option is a provider specific setting, such as a file path or a server address.
type Option struct {
	ID     OptionKey `json:"id,omitempty"`
	Option any       `json:"option,omitempty"`
}

const (
	Bolt        Type = "bolt"
	Redis       Type = "redis"
	DatabaseSQL Type = "sql"
	Memory      Type = "memory"

	// PasswordOption is shared by the providers that authenticate.
	PasswordOption OptionKey = "storage-password-option"

	// connectTimeout bounds how long NewStorage retries a provider that is not yet reachable.
	connectTimeout = 30 * time.Second
)

// Tx is the view of storage handed to a business logic function run by Execute. Reads see the
// transaction's own snapshot; writes become visible when the function returns without error.
type Tx interface {
	Read(ctx context.Context, namespace, key string) ([]byte, error)
	Write(ctx context.Context, namespace, key string, value []byte) error
}

// BusinessLogicFunc runs inside a storage transaction.
type BusinessLogicFunc func(ctx context.Context, tx Tx) (any, error)

// WatchKey names a value an Execute call depends on. Providers with optimistic concurrency
// abort and retry when a watched key changes underneath the transaction.
type WatchKey struct {
	Namespace string
	Key       string
}

// ServiceStorage describes the api for storage independent of DB providers
type ServiceStorage interface {
	Init(opts ...Option) error
	Type() Type
	URI() string
	IsOpen() bool
	Close() error
	Write(ctx context.Context, namespace, key string, value []byte) error
	Read(ctx context.Context, namespace, key string) ([]byte, error)
	Exists(ctx context.Context, namespace, key string) (bool, error)
	ReadAll(ctx context.Context, namespace string) (map[string][]byte, error)
	ReadAllKeys(ctx context.Context, namespace string) ([]string, error)
	Delete(ctx context.Context, namespace, key string) error
	DeleteNamespace(ctx context.Context, namespace string) error

	// Execute runs businessLogicFunc in a transaction. Writes made through the Tx are committed
	// together, or not at all.
	Execute(ctx context.Context, businessLogicFunc BusinessLogicFunc, watchKeys []WatchKey) (any, error)
}

var availableStorages = map[Type]func() ServiceStorage{}

// RegisterStorage adds a provider constructor. Providers register themselves in init.
func RegisterStorage(t Type, constructor func() ServiceStorage) error {
	if _, ok := availableStorages[t]; ok {
		return fmt.Errorf("storage provider %q already registered", t)
	}
	availableStorages[t] = constructor
	return nil
}

// AvailableStorage lists the registered providers.
func AvailableStorage() []Type {
	types := make([]Type, 0, len(availableStorages))
	for t := range availableStorages {
		types = append(types, t)
	}
	return types
}

// NewStorage creates and initializes the named provider, retrying with exponential backoff
// until it is reachable.
func NewStorage(storageType Type, opts ...Option) (ServiceStorage, error) {
	constructor, ok := availableStorages[Type(strings.ToLower(string(storageType)))]
	if !ok {
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
	s := constructor()
	if err := s.Init(opts...); err != nil {
		return nil, errors.Wrapf(err, "initializing %s storage", storageType)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = connectTimeout
	err := backoff.RetryNotify(func() error {
		if !s.IsOpen() {
			return fmt.Errorf("%s storage at %s is not open", s.Type(), s.URI())
		}
		return nil
	}, policy, func(err error, wait time.Duration) {
		logrus.WithError(err).WithField("retryIn", wait).Warn("waiting for storage")
	})
	if err != nil {
		_ = s.Close()
		return nil, errors.Wrap(err, "connecting to storage")
	}
	return s, nil
}

// MakeNamespace takes a set of possible namespace values and combines them as a convention
func MakeNamespace(ns ...string) string {
	return strings.Join(ns, "-")
}

// Join combines a namespace and key into the flat keys used by the redis and sql providers.
func Join(parts ...string) string {
	return strings.Join(parts, ":")
}

func optionString(opts []Option, key OptionKey) (string, bool, error) {
	for _, opt := range opts {
		if opt.ID != key {
			continue
		}
		s, ok := opt.Option.(string)
		if !ok {
			return "", true, fmt.Errorf("option %s must be a string", key)
		}
		return s, true, nil
	}
	return "", false, nil
}
