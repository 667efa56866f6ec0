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
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.gearno.de/throttle/migrator"
	"go.gearno.de/throttle/pg"
)

type (
	// PGStore keeps windows in the ratelimit_windows table so that
	// every instance sharing the database enforces the same limits.
	PGStore struct {
		pg *pg.Client
	}
)

var (
	_ Store = (*PGStore)(nil)

	//go:embed migrations/*.sql
	migrations embed.FS

	// Migrations creates the ratelimit_windows table.
	Migrations = migrator.Source{FS: migrations, Dir: "migrations"}
)

func NewPGStore(client *pg.Client) *PGStore {
	return &PGStore{pg: client}
}

func (s *PGStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	var (
		e     Entry
		found bool
	)

	err := s.pg.WithConn(
		ctx,
		func(conn pg.Conn) error {
			q := `SELECT count, reset_at FROM ratelimit_windows WHERE key = $1`

			err := conn.QueryRow(ctx, q, key).Scan(&e.Count, &e.ResetAt)
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("cannot load window: %w", err)
			}

			found = true
			return nil
		},
	)

	return e, found, err
}

// Update locks the row of key for the duration of fn. The row is
// created beforehand with an already expired window so that two
// transactions racing on a new key serialize on the same row lock.
func (s *PGStore) Update(ctx context.Context, key string, fn func(Entry, bool) Entry) error {
	return s.pg.WithTx(
		ctx,
		func(conn pg.Conn) error {
			q := `
INSERT INTO ratelimit_windows (key, count, reset_at)
VALUES ($1, 0, 'epoch')
ON CONFLICT (key) DO NOTHING
RETURNING true
`
			var inserted bool
			err := conn.QueryRow(ctx, q, key).Scan(&inserted)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("cannot create window: %w", err)
			}

			var current Entry
			q = `SELECT count, reset_at FROM ratelimit_windows WHERE key = $1 FOR UPDATE`
			if err := conn.QueryRow(ctx, q, key).Scan(&current.Count, &current.ResetAt); err != nil {
				return fmt.Errorf("cannot lock window: %w", err)
			}

			next := fn(current, !inserted)

			q = `UPDATE ratelimit_windows SET count = $2, reset_at = $3 WHERE key = $1`
			if _, err := conn.Exec(ctx, q, key, next.Count, next.ResetAt); err != nil {
				return fmt.Errorf("cannot update window: %w", err)
			}

			return nil
		},
	)
}

func (s *PGStore) Delete(ctx context.Context, key string) error {
	return s.pg.WithConn(
		ctx,
		func(conn pg.Conn) error {
			q := `DELETE FROM ratelimit_windows WHERE key = $1`
			if _, err := conn.Exec(ctx, q, key); err != nil {
				return fmt.Errorf("cannot delete window: %w", err)
			}

			return nil
		},
	)
}

func (s *PGStore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	var deleted int64

	err := s.pg.WithConn(
		ctx,
		func(conn pg.Conn) error {
			q := `DELETE FROM ratelimit_windows WHERE reset_at <= $1`
			tag, err := conn.Exec(ctx, q, now)
			if err != nil {
				return fmt.Errorf("cannot delete expired windows: %w", err)
			}

			deleted = tag.RowsAffected()
			return nil
		},
	)

	return deleted, err
}
