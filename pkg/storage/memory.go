package storage

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

func init() {
	if err := RegisterStorage(Memory, func() ServiceStorage { return new(MemoryDB) }); err != nil {
		panic(err)
	}
}

// MemoryDB is an in memory implementation of ServiceStorage that is safe for concurrent use.
type MemoryDB struct {
	maps sync.Map
	// txMu serializes Execute against plain writes so a transaction sees a stable snapshot.
	txMu sync.RWMutex
}

func (f *MemoryDB) Init(...Option) error {
	return nil
}

func (f *MemoryDB) Type() Type {
	return Memory
}

func (f *MemoryDB) URI() string {
	return "memory"
}

func (f *MemoryDB) IsOpen() bool {
	return true
}

func (f *MemoryDB) Close() error {
	return nil
}

func (f *MemoryDB) Write(_ context.Context, namespace, key string, value []byte) error {
	f.txMu.RLock()
	defer f.txMu.RUnlock()
	return f.write(namespace, key, value)
}

func (f *MemoryDB) write(namespace, key string, value []byte) error {
	if namespace == "" {
		return errors.New("namespace required")
	}
	if key == "" {
		return errors.New("key required")
	}
	b, _ := f.maps.LoadOrStore(namespace, &sync.Map{})
	b.(*sync.Map).Store(key, append([]byte{}, value...))
	return nil
}

func (f *MemoryDB) Read(_ context.Context, namespace, key string) ([]byte, error) {
	return f.read(namespace, key)
}

func (f *MemoryDB) read(namespace, key string) ([]byte, error) {
	if namespace == "" {
		// This is what the bolt implementation does.
		return nil, nil
	}
	if key == "" {
		return nil, errors.New("key required")
	}
	m, ok := f.maps.Load(namespace)
	if !ok {
		return nil, nil
	}
	v, _ := m.(*sync.Map).Load(key)
	if v == nil {
		return nil, nil
	}
	return append([]byte{}, v.([]byte)...), nil
}

func (f *MemoryDB) Exists(_ context.Context, namespace, key string) (bool, error) {
	m, ok := f.maps.Load(namespace)
	if !ok {
		return false, nil
	}
	_, ok = m.(*sync.Map).Load(key)
	return ok, nil
}

func (f *MemoryDB) ReadAll(_ context.Context, namespace string) (map[string][]byte, error) {
	r := make(map[string][]byte)
	m, ok := f.maps.Load(namespace)
	if !ok {
		return r, nil
	}
	m.(*sync.Map).Range(func(key, value any) bool {
		r[key.(string)] = append([]byte{}, value.([]byte)...)
		return true
	})
	return r, nil
}

func (f *MemoryDB) ReadAllKeys(_ context.Context, namespace string) ([]string, error) {
	var r []string
	m, ok := f.maps.Load(namespace)
	if !ok {
		return r, nil
	}
	m.(*sync.Map).Range(func(key, _ any) bool {
		r = append(r, key.(string))
		return true
	})
	return r, nil
}

func (f *MemoryDB) Delete(_ context.Context, namespace, key string) error {
	if namespace == "" {
		return errors.New("namespace required")
	}
	if key == "" {
		return errors.New("key required")
	}
	b, ok := f.maps.Load(namespace)
	if !ok {
		return errors.Errorf("namespace<%s> does not exist", namespace)
	}
	b.(*sync.Map).Delete(key)
	return nil
}

func (f *MemoryDB) DeleteNamespace(_ context.Context, namespace string) error {
	if namespace == "" {
		return errors.New("namespace required")
	}
	if _, loaded := f.maps.LoadAndDelete(namespace); !loaded {
		return errors.Errorf("could not delete namespace<%s>", namespace)
	}
	return nil
}

type memoryTx struct {
	db     *MemoryDB
	writes map[[2]string][]byte
	order  [][2]string
}

func (m *memoryTx) Read(_ context.Context, namespace, key string) ([]byte, error) {
	if v, ok := m.writes[[2]string{namespace, key}]; ok {
		return append([]byte{}, v...), nil
	}
	return m.db.read(namespace, key)
}

func (m *memoryTx) Write(_ context.Context, namespace, key string, value []byte) error {
	k := [2]string{namespace, key}
	if _, ok := m.writes[k]; !ok {
		m.order = append(m.order, k)
	}
	m.writes[k] = append([]byte{}, value...)
	return nil
}

// Execute holds an exclusive lock for the duration of the business logic and applies its writes
// only when it succeeds.
func (f *MemoryDB) Execute(ctx context.Context, businessLogicFunc BusinessLogicFunc, _ []WatchKey) (any, error) {
	f.txMu.Lock()
	defer f.txMu.Unlock()

	tx := &memoryTx{db: f, writes: make(map[[2]string][]byte)}
	result, err := businessLogicFunc(ctx, tx)
	if err != nil {
		return nil, errors.Wrap(err, "executing business logic func")
	}
	for _, k := range tx.order {
		if err = f.write(k[0], k[1], tx.writes[k]); err != nil {
			return nil, err
		}
	}
	return result, nil
}

var _ ServiceStorage = (*MemoryDB)(nil)
