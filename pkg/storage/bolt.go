package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

func init() {
	if err := RegisterStorage(Bolt, func() ServiceStorage { return new(BoltDB) }); err != nil {
		panic(err)
	}
}

const (
	DBFilePrefix = "otp-service"

	BoltDBFilePathOption OptionKey = "boltdb-filepath-option"
)

type BoltDB struct {
	db *bolt.DB
}

// Init instantiates a file-based storage instance for Bolt https://github.com/etcd-io/bbolt
func (b *BoltDB) Init(opts ...Option) error {
	if b.db != nil {
		return errors.New("bolt db already initialized")
	}
	filePath, _, err := optionString(opts, BoltDBFilePathOption)
	if err != nil {
		return err
	}
	if filePath == "" {
		filePath = DBFilePrefix + "_bolt.db"
	}
	db, err := bolt.Open(filePath, 0600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return errors.Wrapf(err, "opening bolt db at %s", filePath)
	}
	b.db = db
	return nil
}

func (b *BoltDB) Type() Type {
	return Bolt
}

func (b *BoltDB) URI() string {
	if b.db == nil {
		return ""
	}
	return b.db.Path()
}

func (b *BoltDB) IsOpen() bool {
	if b.db == nil {
		return false
	}
	return b.db.Path() != ""
}

func (b *BoltDB) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *BoltDB) Write(_ context.Context, namespace string, key string, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return boltWrite(tx, namespace, key, value)
	})
}

func boltWrite(tx *bolt.Tx, namespace, key string, value []byte) error {
	bucket, err := tx.CreateBucketIfNotExists([]byte(namespace))
	if err != nil {
		return err
	}
	return bucket.Put([]byte(key), value)
}

func (b *BoltDB) Read(_ context.Context, namespace, key string) ([]byte, error) {
	var result []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		result = boltRead(tx, namespace, key)
		return nil
	})
	return result, err
}

// boltRead copies the value out, since bolt only guarantees it for the life of the transaction.
func boltRead(tx *bolt.Tx, namespace, key string) []byte {
	bucket := tx.Bucket([]byte(namespace))
	if bucket == nil {
		logrus.Debugf("namespace<%s> does not exist", namespace)
		return nil
	}
	v := bucket.Get([]byte(key))
	if v == nil {
		return nil
	}
	return append([]byte{}, v...)
}

func (b *BoltDB) Exists(_ context.Context, namespace, key string) (bool, error) {
	var exists bool
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return nil
		}
		exists = bucket.Get([]byte(key)) != nil
		return nil
	})
	return exists, err
}

func (b *BoltDB) ReadAll(_ context.Context, namespace string) (map[string][]byte, error) {
	result := make(map[string][]byte)
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			logrus.Debugf("namespace<%s> does not exist", namespace)
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			result[string(k)] = append([]byte{}, v...)
			return nil
		})
	})
	return result, err
}

func (b *BoltDB) ReadAllKeys(_ context.Context, namespace string) ([]string, error) {
	var result []string
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, _ []byte) error {
			result = append(result, string(k))
			return nil
		})
	})
	return result, err
}

func (b *BoltDB) Delete(_ context.Context, namespace, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return errors.Errorf("namespace<%s> does not exist", namespace)
		}
		return bucket.Delete([]byte(key))
	})
}

func (b *BoltDB) DeleteNamespace(_ context.Context, namespace string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(namespace)); err != nil {
			return errors.Wrapf(err, "could not delete namespace<%s>", namespace)
		}
		return nil
	})
}

type boltTx struct {
	tx *bolt.Tx
}

func (b boltTx) Read(_ context.Context, namespace, key string) ([]byte, error) {
	return boltRead(b.tx, namespace, key), nil
}

func (b boltTx) Write(_ context.Context, namespace, key string, value []byte) error {
	return boltWrite(b.tx, namespace, key, value)
}

// Execute runs the business logic in a single read-write bolt transaction. Bolt allows one
// writer at a time, so watch keys are not needed.
func (b *BoltDB) Execute(ctx context.Context, businessLogicFunc BusinessLogicFunc, _ []WatchKey) (any, error) {
	var result any
	err := b.db.Update(func(tx *bolt.Tx) error {
		var err error
		result, err = businessLogicFunc(ctx, boltTx{tx: tx})
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "executing business logic func")
	}
	return result, nil
}

var _ ServiceStorage = (*BoltDB)(nil)
