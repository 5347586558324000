package blobstore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Fake is an in-process Store for scheduler/reconciler tests. PresignedURL
// returns a deterministic, inspectable URL instead of a real signed one.
type Fake struct {
	mu         sync.RWMutex
	objects    map[string][]byte // "container/key" -> body
	containers map[string]bool
}

func NewFake() *Fake {
	return &Fake{objects: make(map[string][]byte), containers: make(map[string]bool)}
}

func objectKey(container, key string) string { return container + "/" + key }

// CreateContainer provisions container without writing any object to it —
// the fake's equivalent of creating an empty S3 bucket, for tests that need
// Exists to report true before the first Put.
func (f *Fake) CreateContainer(container string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[container] = true
}

func (f *Fake) Put(ctx context.Context, container, key string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[objectKey(container, key)] = append([]byte(nil), body...)
	f.containers[container] = true
	return nil
}

func (f *Fake) Exists(ctx context.Context, container string) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.containers[container], nil
}

func (f *Fake) Get(ctx context.Context, container, key string) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	body, ok := f.objects[objectKey(container, key)]
	if !ok {
		return nil, newNotFound(container, key)
	}
	return append([]byte(nil), body...), nil
}

func (f *Fake) Delete(ctx context.Context, container, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, objectKey(container, key))
	return nil
}

func (f *Fake) PresignedURL(ctx context.Context, container, key string, ttl time.Duration, readOnly bool) (string, error) {
	perm := "rw"
	if readOnly {
		perm = "ro"
	}
	return fmt.Sprintf("fake://%s/%s?perm=%s&expires=%d", container, key, perm, time.Now().Add(ttl).Unix()), nil
}

var _ Store = (*Fake)(nil)
var _ Store = (*S3Store)(nil)
