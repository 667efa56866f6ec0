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

// Package throttled implements the HTTP service exposing the rate
// limiter and the backoff tracker to callers outside the process.
package throttled

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.gearno.de/throttle/backoff"
	"go.gearno.de/throttle/httpserver"
	"go.gearno.de/throttle/log"
	"go.gearno.de/throttle/migrator"
	"go.gearno.de/throttle/pg"
	"go.gearno.de/throttle/ratelimit"
	"go.opentelemetry.io/otel/trace"
)

type (
	Service struct {
		cfg Config
	}

	stores struct {
		ratelimit ratelimit.Store
		backoff   backoff.Store
		close     func()
	}
)

func New() *Service {
	return &Service{cfg: defaultConfig()}
}

func (s *Service) GetConfiguration() any {
	return &s.cfg
}

func (s *Service) Run(
	ctx context.Context,
	l *log.Logger,
	r prometheus.Registerer,
	tp trace.TracerProvider,
) error {
	logger := l.Named("throttled")

	if err := s.cfg.validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	st, err := s.openStores(ctx, logger, r, tp)
	if err != nil {
		return err
	}
	defer st.close()

	limiter := ratelimit.NewLimiter(
		st.ratelimit,
		ratelimit.WithLogger(logger),
		ratelimit.WithRegisterer(r),
		ratelimit.WithTracerProvider(tp),
		ratelimit.WithCleanupInterval(s.cfg.cleanupInterval()),
	)

	tracker := backoff.NewTracker(
		st.backoff,
		backoff.WithLogger(logger),
		backoff.WithRegisterer(r),
		backoff.WithTracerProvider(tp),
		backoff.WithPolicy(s.cfg.Backoff.policy()),
		backoff.WithCleanupInterval(s.cfg.cleanupInterval()),
	)

	limiter.StartCleanup(ctx)
	tracker.StartCleanup(ctx)

	var routerOptions []RouterOption
	if s.cfg.SelfLimit {
		selfLimiter := ratelimit.NewLimiter(
			ratelimit.NewMemoryStore(),
			ratelimit.WithLogger(logger.Named("self")),
			ratelimit.WithRegisterer(r),
			ratelimit.WithTracerProvider(tp),
			ratelimit.WithCleanupInterval(s.cfg.cleanupInterval()),
		)
		selfLimiter.StartCleanup(ctx)

		routerOptions = append(routerOptions, WithSelfLimit(selfLimiter))
	}

	server := httpserver.NewServer(
		s.cfg.Addr,
		NewRouter(limiter, tracker, logger, routerOptions...),
		httpserver.WithLogger(logger),
		httpserver.WithRegisterer(r),
		httpserver.WithTracerProvider(tp),
		httpserver.WithReadTimeout(10*time.Second),
		httpserver.WithWriteTimeout(10*time.Second),
	)

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %q: %w", s.cfg.Addr, err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		logger.InfoCtx(ctx, "starting api server", log.String("addr", listener.Addr().String()))

		err := server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("cannot serve http requests: %w", err)
		}
		close(serverErrCh)
	}()

	select {
	case err := <-serverErrCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down api server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("cannot shutdown api server: %w", err)
	}

	return nil
}

func (s *Service) openStores(
	ctx context.Context,
	logger *log.Logger,
	r prometheus.Registerer,
	tp trace.TracerProvider,
) (*stores, error) {
	switch s.cfg.Store {
	case StorePostgres:
		cfg := s.cfg.Postgres

		client, err := pg.NewClient(
			pg.WithAddr(cfg.Addr),
			pg.WithUser(cfg.User),
			pg.WithPassword(cfg.Password),
			pg.WithDatabase(cfg.Database),
			pg.WithPoolSize(cfg.PoolSize),
			pg.WithLogger(logger),
			pg.WithRegisterer(r),
			pg.WithTracerProvider(tp),
		)
		if err != nil {
			return nil, fmt.Errorf("cannot create pg client: %w", err)
		}

		m := migrator.NewMigrator(
			client,
			[]migrator.Source{ratelimit.Migrations, backoff.Migrations},
			migrator.WithLogger(logger),
		)
		if err := m.Run(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("cannot migrate database: %w", err)
		}

		return &stores{
			ratelimit: ratelimit.NewPGStore(client),
			backoff:   backoff.NewPGStore(client),
			close:     client.Close,
		}, nil

	case StoreRedis:
		cfg := s.cfg.Redis

		client := redis.NewUniversalClient(
			&redis.UniversalOptions{
				Addrs:    cfg.Addrs,
				Password: cfg.Password,
				DB:       cfg.DB,
			},
		)

		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("cannot ping redis: %w", err)
		}

		return &stores{
			ratelimit: ratelimit.NewRedisStore(client, ratelimit.WithKeyPrefix(cfg.KeyPrefix+"ratelimit:")),
			backoff:   backoff.NewRedisStore(client, backoff.WithKeyPrefix(cfg.KeyPrefix+"backoff:")),
			close: func() {
				if err := client.Close(); err != nil {
					logger.Error("cannot close redis client", log.Error(err))
				}
			},
		}, nil

	default:
		return &stores{
			ratelimit: ratelimit.NewMemoryStore(),
			backoff:   backoff.NewMemoryStore(),
			close:     func() {},
		}, nil
	}
}
