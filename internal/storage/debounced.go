package storage

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Debounced wraps another Adapter and batches writes, flushing either on an
// explicit Flush call or once flushInterval has elapsed since the last
// flush. Grounded on original_source/.../file_storage.rs's
// DebouncedFileStorage: reads are served from the pending buffer first so a
// write is visible to the same process immediately, even before it lands on
// disk.
type Debounced struct {
	next          Adapter
	flushInterval time.Duration

	mu      sync.Mutex
	pending map[string]string
	deleted map[string]struct{}
	last    time.Time
}

func NewDebounced(next Adapter, flushInterval time.Duration) *Debounced {
	return &Debounced{
		next:          next,
		flushInterval: flushInterval,
		pending:       make(map[string]string),
		deleted:       make(map[string]struct{}),
		last:          time.Now(),
	}
}

func (d *Debounced) Get(ctx context.Context, key string) (string, bool, error) {
	d.mu.Lock()
	if _, gone := d.deleted[key]; gone {
		d.mu.Unlock()
		return "", false, nil
	}
	if v, ok := d.pending[key]; ok {
		d.mu.Unlock()
		return v, true, nil
	}
	d.mu.Unlock()
	return d.next.Get(ctx, key)
}

func (d *Debounced) Put(ctx context.Context, key, value string) error {
	d.mu.Lock()
	delete(d.deleted, key)
	d.pending[key] = value
	d.mu.Unlock()
	return d.maybeFlush(ctx)
}

func (d *Debounced) Del(ctx context.Context, key string) error {
	d.mu.Lock()
	delete(d.pending, key)
	d.deleted[key] = struct{}{}
	d.mu.Unlock()
	return d.next.Del(ctx, key)
}

func (d *Debounced) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := d.next.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, gone := d.deleted[k]; gone {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	for k := range d.pending {
		if _, ok := seen[k]; ok {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

// Flush writes every pending entry to the wrapped adapter immediately.
func (d *Debounced) Flush(ctx context.Context) error {
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[string]string)
	d.last = time.Now()
	d.mu.Unlock()

	for k, v := range pending {
		if err := d.next.Put(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}

func (d *Debounced) maybeFlush(ctx context.Context) error {
	d.mu.Lock()
	elapsed := time.Since(d.last) >= d.flushInterval
	empty := len(d.pending) == 0
	d.mu.Unlock()

	if elapsed && !empty {
		return d.Flush(ctx)
	}
	return nil
}
