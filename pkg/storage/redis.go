package storage

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/extra/redisotel/v9"
	goredislib "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func init() {
	if err := RegisterStorage(Redis, func() ServiceStorage { return new(RedisDB) }); err != nil {
		panic(err)
	}
}

const (
	RedisScanBatchSize = 1000
	MaxElapsedTime     = 6 * time.Second

	// maxTxRetries bounds Execute when watched keys keep changing.
	maxTxRetries = 10

	RedisAddressOption OptionKey = "redis-address-option"
	// RedisFlushOption empties the server on Init. Only meant for tests.
	RedisFlushOption OptionKey = "redis-flush-option"
)

type RedisDB struct {
	db *goredislib.Client
}

func (b *RedisDB) Init(opts ...Option) error {
	address, found, err := optionString(opts, RedisAddressOption)
	if err != nil {
		return err
	}
	if !found || address == "" {
		return errors.New("redis address option is required")
	}
	password, _, err := optionString(opts, PasswordOption)
	if err != nil {
		return err
	}

	client := goredislib.NewClient(&goredislib.Options{
		Addr:     address,
		Password: password,
	})
	if err = redisotel.InstrumentTracing(client); err != nil {
		return errors.Wrap(err, "instrumenting redis client")
	}
	b.db = client

	for _, opt := range opts {
		if opt.ID != RedisFlushOption {
			continue
		}
		if flush, ok := opt.Option.(bool); ok && flush {
			if err = b.db.FlushAll(context.Background()).Err(); err != nil {
				return errors.Wrap(err, "flushing redis")
			}
		}
	}
	return nil
}

func (b *RedisDB) Type() Type {
	return Redis
}

func (b *RedisDB) URI() string {
	return b.db.Options().Addr
}

func (b *RedisDB) IsOpen() bool {
	ctx, cancel := context.WithTimeout(context.Background(), MaxElapsedTime)
	defer cancel()
	if err := b.db.Ping(ctx).Err(); err != nil {
		logrus.WithError(err).Error("pinging redis")
		return false
	}
	return true
}

func (b *RedisDB) Close() error {
	return b.db.Close()
}

func (b *RedisDB) Write(ctx context.Context, namespace, key string, value []byte) error {
	// Zero expiration means the key has no expiration time.
	return b.db.Set(ctx, Join(namespace, key), value, 0).Err()
}

func (b *RedisDB) Read(ctx context.Context, namespace, key string) ([]byte, error) {
	return redisGet(ctx, b.db, Join(namespace, key))
}

type getter interface {
	Get(ctx context.Context, key string) *goredislib.StringCmd
}

func redisGet(ctx context.Context, g getter, key string) ([]byte, error) {
	res, err := g.Get(ctx, key).Bytes()
	if errors.Is(err, goredislib.Nil) {
		return nil, nil
	}
	return res, err
}

func (b *RedisDB) Exists(ctx context.Context, namespace, key string) (bool, error) {
	n, err := b.db.Exists(ctx, Join(namespace, key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *RedisDB) ReadAll(ctx context.Context, namespace string) (map[string][]byte, error) {
	keys, err := b.scanKeys(ctx, namespace)
	if err != nil {
		return nil, errors.Wrap(err, "read all keys")
	}
	result := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	values, err := b.db.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "getting multiple keys")
	}
	if len(keys) != len(values) {
		return nil, errors.New("key length does not match value length")
	}
	prefix := Join(namespace, "")
	for i, val := range values {
		s, ok := val.(string)
		if !ok {
			// deleted between SCAN and MGET
			continue
		}
		result[strings.TrimPrefix(keys[i], prefix)] = []byte(s)
	}
	return result, nil
}

func (b *RedisDB) ReadAllKeys(ctx context.Context, namespace string) ([]string, error) {
	keys, err := b.scanKeys(ctx, namespace)
	if err != nil {
		return nil, err
	}
	prefix := Join(namespace, "")
	for i := range keys {
		keys[i] = strings.TrimPrefix(keys[i], prefix)
	}
	return keys, nil
}

func (b *RedisDB) scanKeys(ctx context.Context, namespace string) ([]string, error) {
	var (
		cursor  uint64
		allKeys []string
	)
	for {
		keys, nextCursor, err := b.db.Scan(ctx, cursor, Join(namespace, "*"), RedisScanBatchSize).Result()
		if err != nil {
			return nil, errors.Wrap(err, "scan error")
		}
		allKeys = append(allKeys, keys...)
		if nextCursor == 0 {
			break
		}
		cursor = nextCursor
	}
	return allKeys, nil
}

func (b *RedisDB) Delete(ctx context.Context, namespace, key string) error {
	n, err := b.db.Del(ctx, Join(namespace, key)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		exists, err := b.namespaceExists(ctx, namespace)
		if err != nil {
			return err
		}
		if !exists {
			return errors.Errorf("namespace<%s> does not exist", namespace)
		}
	}
	return nil
}

func (b *RedisDB) namespaceExists(ctx context.Context, namespace string) (bool, error) {
	keys, _, err := b.db.Scan(ctx, 0, Join(namespace, "*"), 1).Result()
	return len(keys) > 0, err
}

func (b *RedisDB) DeleteNamespace(ctx context.Context, namespace string) error {
	keys, err := b.scanKeys(ctx, namespace)
	if err != nil {
		return errors.Wrap(err, "read all keys")
	}
	if len(keys) == 0 {
		return errors.Errorf("could not delete namespace<%s>, namespace does not exist", namespace)
	}
	return b.db.Del(ctx, keys...).Err()
}

type redisTx struct {
	tx     *goredislib.Tx
	writes []redisWrite
}

type redisWrite struct {
	key   string
	value []byte
}

func (r *redisTx) Read(ctx context.Context, namespace, key string) ([]byte, error) {
	for i := len(r.writes) - 1; i >= 0; i-- {
		if r.writes[i].key == Join(namespace, key) {
			return r.writes[i].value, nil
		}
	}
	return redisGet(ctx, r.tx, Join(namespace, key))
}

func (r *redisTx) Write(_ context.Context, namespace, key string, value []byte) error {
	r.writes = append(r.writes, redisWrite{key: Join(namespace, key), value: value})
	return nil
}

// Execute runs the business logic under WATCH on the given keys. Writes are queued and sent in
// one MULTI/EXEC; if a watched key changed in the meantime the whole function runs again.
func (b *RedisDB) Execute(ctx context.Context, businessLogicFunc BusinessLogicFunc, watchKeys []WatchKey) (any, error) {
	keys := make([]string, 0, len(watchKeys))
	for _, w := range watchKeys {
		keys = append(keys, Join(w.Namespace, w.Key))
	}

	var result any
	txf := func(tx *goredislib.Tx) error {
		bTx := &redisTx{tx: tx}
		var err error
		result, err = businessLogicFunc(ctx, bTx)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredislib.Pipeliner) error {
			for _, w := range bTx.writes {
				pipe.Set(ctx, w.key, w.value, 0)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := b.db.Watch(ctx, txf, keys...)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, goredislib.TxFailedErr) {
			logrus.WithField("attempt", i+1).Debug("watched key changed, retrying transaction")
			continue
		}
		return nil, errors.Wrap(err, "executing business logic func")
	}
	return nil, errors.New("transaction retries exhausted")
}

var _ ServiceStorage = (*RedisDB)(nil)
