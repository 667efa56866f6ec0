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

package ratelimit

import (
	"context"
	"time"

	"go.gearno.de/throttle/internal/memstore"
)

type (
	// Store keeps the window of every key. Implementations must run
	// Update atomically per key: no other call may observe or modify
	// the key between the read handed to fn and the write of its
	// result. fn may be invoked more than once when a store retries
	// an optimistic transaction.
	Store interface {
		Get(ctx context.Context, key string) (Entry, bool, error)
		Update(ctx context.Context, key string, fn func(current Entry, found bool) Entry) error
		Delete(ctx context.Context, key string) error

		// Sweep deletes every entry expired at now and returns the
		// number of deleted entries.
		Sweep(ctx context.Context, now time.Time) (int64, error)
	}

	// MemoryStore is a process local Store. Limits are only enforced
	// within the process holding it and are lost on restart.
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
			return e.Expired(now)
		},
	)

	return int64(n), nil
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	return s.entries.Len()
}
