// Package memstore is an in-process storage.Store used by tests.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Martian-dev/mailvault/internal/storage"
)

// Object is one stored blob with its attributes
type Object struct {
	Data    []byte
	Options storage.PutOptions
	Stored  time.Time
}

// Store keeps objects in memory
type Store struct {
	mu      sync.RWMutex
	objects map[string]Object
	puts    int

	// FailPut, when set, is consulted before every Put
	FailPut func(key string) error
}

// New creates an empty Store
func New() *Store {
	return &Store{objects: make(map[string]Object)}
}

func (s *Store) Put(ctx context.Context, key string, data []byte, opts storage.PutOptions) (storage.PutResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.Created, err
	}
	if s.FailPut != nil {
		if err := s.FailPut(key); err != nil {
			return storage.Created, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if _, ok := s.objects[key]; ok {
		return storage.Conflict, nil
	}
	s.objects[key] = Object{Data: append([]byte(nil), data...), Options: opts, Stored: time.Now()}
	return storage.Created, nil
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, storage.NewObjectError("get", "memory", key, storage.ErrNotFound)
	}
	return append([]byte(nil), obj.Data...), nil
}

func (s *Store) List(ctx context.Context, prefix string, fn func(storage.ObjectInfo) error) error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	infos := make([]storage.ObjectInfo, 0, len(keys))
	sort.Strings(keys)
	for _, k := range keys {
		obj := s.objects[k]
		infos = append(infos, storage.ObjectInfo{Key: k, Size: int64(len(obj.Data)), LastModified: obj.Stored})
	}
	s.mu.RUnlock()

	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}

// Keys returns every stored key in order
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Object returns a stored object
func (s *Store) Object(key string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	return obj, ok
}

// Puts counts Put calls, including conflicting ones
func (s *Store) Puts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts
}
