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

// Package memstore provides the mutex guarded map shared by the
// in-memory rate limit and backoff stores.
package memstore

import (
	"sync"
)

type (
	// Map is a process local key value map safe for concurrent use.
	// Every method holds the lock for its whole duration, so an
	// Update is atomic relative to any other call on the same Map.
	Map[V any] struct {
		mu      sync.Mutex
		entries map[string]V
	}

	// UpdateFunc receives the current value (and whether it exists)
	// and returns the value to store. Returning keep=false deletes
	// the key.
	UpdateFunc[V any] func(current V, found bool) (next V, keep bool)
)

func New[V any]() *Map[V] {
	return &Map[V]{
		entries: make(map[string]V),
	}
}

func (m *Map[V]) Get(key string) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.entries[key]
	return v, ok
}

func (m *Map[V]) Update(key string, fn UpdateFunc[V]) V {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, found := m.entries[key]
	next, keep := fn(current, found)
	if keep {
		m.entries[key] = next
	} else {
		delete(m.entries, key)
	}

	return next
}

func (m *Map[V]) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
}

// DeleteFunc removes every entry for which del returns true and
// reports how many were removed.
func (m *Map[V]) DeleteFunc(del func(key string, v V) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k, v := range m.entries {
		if del(k, v) {
			delete(m.entries, k)
			n++
		}
	}

	return n
}

func (m *Map[V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.entries)
}
