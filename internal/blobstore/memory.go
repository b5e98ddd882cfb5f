package blobstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

type memoryStore struct {
	mu      sync.RWMutex
	prefix  string
	objects map[string]Object
}

func newMemoryStore(prefix string) Store {
	return &memoryStore{
		prefix:  prefix,
		objects: make(map[string]Object),
	}
}

func (m *memoryStore) Put(_ context.Context, key string, payload []byte, opts PutOptions) error {
	return m.write(key, payload, opts, false)
}

func (m *memoryStore) Create(_ context.Context, key string, payload []byte, opts PutOptions) error {
	return m.write(key, payload, opts, true)
}

func (m *memoryStore) write(key string, payload []byte, opts PutOptions, exclusive bool) error {
	logical, err := normalizeKey(key)
	if err != nil {
		return err
	}
	full := joinPrefix(m.prefix, logical)
	sum := md5.Sum(payload)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[full]; ok && exclusive {
		return fmt.Errorf("%w: %s", ErrExists, logical)
	}
	m.objects[full] = Object{
		Key:          logical,
		Data:         append([]byte(nil), payload...),
		ContentType:  strings.TrimSpace(opts.ContentType),
		Metadata:     cloneMetadata(opts.Metadata),
		ETag:         hex.EncodeToString(sum[:]),
		LastModified: time.Now().UTC(),
	}
	return nil
}

func (m *memoryStore) Get(_ context.Context, key string) (Object, error) {
	logical, err := normalizeKey(key)
	if err != nil {
		return Object{}, err
	}

	m.mu.RLock()
	obj, ok := m.objects[joinPrefix(m.prefix, logical)]
	m.mu.RUnlock()
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, logical)
	}
	obj.Data = append([]byte(nil), obj.Data...)
	obj.Metadata = cloneMetadata(obj.Metadata)
	return obj, nil
}

func (m *memoryStore) Exists(_ context.Context, key string) (bool, error) {
	logical, err := normalizeKey(key)
	if err != nil {
		return false, err
	}

	m.mu.RLock()
	_, ok := m.objects[joinPrefix(m.prefix, logical)]
	m.mu.RUnlock()
	return ok, nil
}
