package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type fakeEntry struct {
	msg       Message
	visibleAt time.Time
	seq       uint64
}

// Fake is an in-process Service used by reconciler and scheduler tests so
// state-machine logic can be exercised without a real Redis instance.
type Fake struct {
	mu      sync.Mutex
	queues  map[string]map[string]*fakeEntry
	seq     uint64
	nowFunc func() time.Time
}

func NewFake() *Fake {
	return &Fake{
		queues:  make(map[string]map[string]*fakeEntry),
		nowFunc: time.Now,
	}
}

// SetNow overrides the clock, for tests that exercise visibility delays.
func (f *Fake) SetNow(fn func() time.Time) { f.nowFunc = fn }

func (f *Fake) now() time.Time { return f.nowFunc().UTC() }

func (f *Fake) Ping(ctx context.Context) error { return nil }
func (f *Fake) Close() error                   { return nil }

func (f *Fake) Create(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.queues[name]; !ok {
		f.queues[name] = make(map[string]*fakeEntry)
	}
	return nil
}

func (f *Fake) Delete(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.queues, name)
	return nil
}

func (f *Fake) Clear(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.queues[name]; ok {
		f.queues[name] = make(map[string]*fakeEntry)
	}
	return nil
}

func (f *Fake) Send(ctx context.Context, name string, body []byte, visibleAfter time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[name]
	if !ok {
		q = make(map[string]*fakeEntry)
		f.queues[name] = q
	}
	f.seq++
	id := uuid.New().String()
	now := f.now()
	q[id] = &fakeEntry{
		msg:       Message{ID: id, Body: append([]byte(nil), body...), EnqueuedAt: now},
		visibleAt: now.Add(visibleAfter),
		seq:       f.seq,
	}
	return nil
}

func (f *Fake) SendObject(ctx context.Context, name string, v any, visibleAfter time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return f.Send(ctx, name, []byte(base64.StdEncoding.EncodeToString(raw)), visibleAfter)
}

func (f *Fake) visibleSorted(name string, now time.Time) []*fakeEntry {
	q := f.queues[name]
	out := make([]*fakeEntry, 0, len(q))
	for _, e := range q {
		if !e.visibleAt.After(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (f *Fake) Peek(ctx context.Context, name string, max int) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if max <= 0 || max > MaxPeek {
		max = MaxPeek
	}
	entries := f.visibleSorted(name, f.now())
	if len(entries) > max {
		entries = entries[:max]
	}
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.msg)
	}
	return out, nil
}

func (f *Fake) ReceiveAndDeleteOne(ctx context.Context, name string) (Message, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.visibleSorted(name, f.now())
	if len(entries) == 0 {
		return Message{}, false, nil
	}
	oldest := entries[0]
	delete(f.queues[name], oldest.msg.ID)
	return oldest.msg, true, nil
}

var _ Service = (*Fake)(nil)
var _ Service = (*RedisQueue)(nil)
