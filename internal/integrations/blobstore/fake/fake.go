package fake

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
)

// FakeClient — заглушка хранилища для локального запуска и тестов.
// Путь детерминирован по ключу, данные держим в памяти.
type FakeClient struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func New() *FakeClient {
	return &FakeClient{blobs: make(map[string][]byte)}
}

func (f *FakeClient) Put(ctx context.Context, key string, contentType string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cp := make([]byte, len(data))
	copy(cp, data)
	f.blobs[key] = cp

	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return fmt.Sprintf("fake/%08x/%s", h.Sum32(), key), nil
}

// Stored returns the bytes previously Put under key.
func (f *FakeClient) Stored(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blobs[key]
	return b, ok
}
