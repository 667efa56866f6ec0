// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package backoff

import (
	"context"
	"time"

	"go.gearno.de/throttle/internal/memstore"
)

type (
	// Store keeps the failure state of every key. Update must be
	// atomic per key; fn may run more than once when a store retries.
	Store interface {
		Get(ctx context.Context, key string) (Entry, bool, error)
		Update(ctx context.Context, key string, fn func(current Entry, found bool) Entry) error
		Delete(ctx context.Context, key string) error

		// Sweep deletes entries whose retry time is before now and
		// whose failure count is zero.
		Sweep(ctx context.Context, now time.Time) (int64, error)
	}

	MemoryStore struct {
		entries *memstore.Map[Entry]
	}
)

var (
	_ Store = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: memstore.New[Entry](),
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	e, ok := s.entries.Get(key)
	return e, ok, nil
}

func (s *MemoryStore) Update(_ context.Context, key string, fn func(Entry, bool) Entry) error {
	s.entries.Update(
		key,
		func(current Entry, found bool) (Entry, bool) {
			return fn(current, found), true
		},
	)

	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.entries.Delete(key)
	return nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int64, error) {
	n := s.entries.DeleteFunc(
		func(_ string, e Entry) bool {
			return e.sweepable(now)
		},
	)

	return int64(n), nil
}

func (s *MemoryStore) Len() int {
	return s.entries.Len()
}

// sweepable only matches entries with no failures. Entries are
// removed by Reset, never zeroed, so in practice nothing matches and
// entries with outstanding failures are kept until reset.
func (e Entry) sweepable(now time.Time) bool {
	return e.NextRetryAt.Before(now) && e.Failures == 0
}
