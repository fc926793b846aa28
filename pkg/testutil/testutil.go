// Package testutil holds fixtures shared by service and server tests.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/openauthsim/otp-service/pkg/encryption"
	"github.com/openauthsim/otp-service/pkg/storage"
)

const redisPassword = "test-password"

// StorageProvider opens a fresh, empty store that is closed when the test ends.
type StorageProvider struct {
	Name string
	Open func(t *testing.T) storage.ServiceStorage
}

// TestDatabases lists every store that service tests run against. The encrypted entry wraps
// bolt in a local cipher so records also go through the at-rest encryption path.
var TestDatabases = []StorageProvider{
	{Name: "Test with Bolt DB", Open: openBolt},
	{Name: "Test with Redis DB", Open: openRedis},
	{Name: "Test with Memory DB", Open: openMemory},
	{Name: "Test with encrypted Bolt DB", Open: openEncryptedBolt},
}

// Bolt and Memory are shorthands for tests that need one store only.
var (
	Bolt   = TestDatabases[0]
	Memory = TestDatabases[2]
)

func open(t *testing.T, storageType storage.Type, opts ...storage.Option) storage.ServiceStorage {
	s, err := storage.NewStorage(storageType, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func openBolt(t *testing.T) storage.ServiceStorage {
	return open(t, storage.Bolt, storage.Option{
		ID:     storage.BoltDBFilePathOption,
		Option: filepath.Join(t.TempDir(), "otp.db"),
	})
}

func openRedis(t *testing.T) storage.ServiceStorage {
	mr := miniredis.RunT(t)
	mr.RequireAuth(redisPassword)
	return open(t, storage.Redis,
		storage.Option{ID: storage.RedisAddressOption, Option: mr.Addr()},
		storage.Option{ID: storage.PasswordOption, Option: redisPassword},
	)
}

func openMemory(t *testing.T) storage.ServiceStorage {
	return open(t, storage.Memory)
}

func openEncryptedBolt(t *testing.T) storage.ServiceStorage {
	key, err := encryption.GenerateKey()
	require.NoError(t, err)
	cipher, err := encryption.NewLocalCipher(key)
	require.NoError(t, err)
	return storage.NewEncryptedWrapper(openBolt(t), cipher, cipher)
}
