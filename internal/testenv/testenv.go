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

// Package testenv connects tests to the PostgreSQL and Redis servers
// named by THROTTLE_PG_ADDR and THROTTLE_REDIS_ADDR, skipping the
// test when the variable is unset.
package testenv

import (
	"context"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.gearno.de/throttle/migrator"
	"go.gearno.de/throttle/pg"
)

const (
	PGAddrEnv    = "THROTTLE_PG_ADDR"
	RedisAddrEnv = "THROTTLE_REDIS_ADDR"
)

// PGClient returns a client for THROTTLE_PG_ADDR with sources
// migrated. Credentials default to postgres/postgres and can be
// changed with THROTTLE_PG_USER, THROTTLE_PG_PASSWORD and
// THROTTLE_PG_DATABASE.
func PGClient(t *testing.T, sources ...migrator.Source) *pg.Client {
	t.Helper()

	addr := os.Getenv(PGAddrEnv)
	if addr == "" {
		t.Skipf("%s not set", PGAddrEnv)
	}

	client, err := pg.NewClient(
		pg.WithAddr(addr),
		pg.WithUser(getenv("THROTTLE_PG_USER", "postgres")),
		pg.WithPassword(getenv("THROTTLE_PG_PASSWORD", "postgres")),
		pg.WithDatabase(getenv("THROTTLE_PG_DATABASE", "postgres")),
		pg.WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	err = migrator.NewMigrator(client, sources).Run(context.Background())
	require.NoError(t, err)

	return client
}

// RedisClient returns a client for THROTTLE_REDIS_ADDR.
func RedisClient(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv(RedisAddrEnv)
	if addr == "" {
		t.Skipf("%s not set", RedisAddrEnv)
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Ping(context.Background()).Err())

	return client
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}
