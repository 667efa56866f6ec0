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

package pg

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/jackc/pgx/v5/multitracer"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/throttle/internal/otelutils"
	"go.gearno.de/throttle/internal/version"
	"go.gearno.de/throttle/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option is a function that configures the Client during
	// initialization.
	Option func(c *Client)

	// Client provides a PostgreSQL client with a connection pool,
	// logging, tracing, and Prometheus metrics registration.
	Client struct {
		addr     string
		user     string
		password string
		database string

		poolSize int32

		tlsConfig *tls.Config

		pool *pgxpool.Pool

		tracerProvider trace.TracerProvider
		tracer         trace.Tracer
		logger         *log.Logger
		logLevel       tracelog.LogLevel
		registerer     prometheus.Registerer
	}

	ExecFunc func(Conn) error

	AdvisoryLock = uint32
)

const (
	BaseAdvisoryLockId uint32 = 42
)

// WithLogger sets a custom logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) {
		c.logger = l.Named("pg.client")
	}
}

// WithQueryLogLevel sets the pgx level at which queries are logged.
// Default is tracelog.LogLevelWarn, so only failing queries show up.
func WithQueryLogLevel(level tracelog.LogLevel) Option {
	return func(c *Client) {
		c.logLevel = level
	}
}

// WithAddr specifies the database address in "host:port" format.
func WithAddr(addr string) Option {
	return func(c *Client) {
		c.addr = addr
	}
}

func WithUser(user string) Option {
	return func(c *Client) {
		c.user = user
	}
}

func WithPassword(password string) Option {
	return func(c *Client) {
		c.password = password
	}
}

func WithDatabase(database string) Option {
	return func(c *Client) {
		c.database = database
	}
}

// WithTLS configures TLS using the provided certificates for secure
// connections. It must come after WithAddr, the server name is taken
// from the address.
func WithTLS(certs []*x509.Certificate) Option {
	return func(c *Client) {
		rootCAs := x509.NewCertPool()
		for _, cert := range certs {
			rootCAs.AddCert(cert)
		}

		host, _, err := net.SplitHostPort(c.addr)
		if err != nil {
			host = c.addr
		}

		c.tlsConfig = &tls.Config{
			RootCAs:    rootCAs,
			ServerName: host,
			MinVersion: tls.VersionTLS12,
		}
	}
}

func WithPoolSize(i int32) Option {
	return func(c *Client) {
		c.poolSize = i
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		c.tracerProvider = tp
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *Client) {
		c.registerer = r
	}
}

// NewClient creates a new database client. The pool connects lazily,
// use Ping to fail fast on bad settings.
//
// Example:
//
//	client, err := pg.NewClient(
//	    pg.WithAddr("db.example.com:5432"),
//	    pg.WithUser("throttle"),
//	    pg.WithPassword("password"),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
func NewClient(options ...Option) (*Client, error) {
	c := &Client{
		addr:           "localhost:5432",
		user:           "postgres",
		database:       "postgres",
		poolSize:       10,
		logger:         log.NewLogger(log.WithOutput(io.Discard)),
		logLevel:       tracelog.LogLevelWarn,
		tracerProvider: otel.GetTracerProvider(),
		registerer:     prometheus.DefaultRegisterer,
	}

	for _, o := range options {
		o(c)
	}

	host, portStr, err := net.SplitHostPort(c.addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port: %w", err)
	}

	config, err := pgxpool.ParseConfig("")
	if err != nil {
		return nil, fmt.Errorf("cannot parse pool config: %w", err)
	}

	config.ConnConfig.Host = host
	config.ConnConfig.Port = uint16(port)
	config.ConnConfig.User = c.user
	config.ConnConfig.Password = c.password
	config.ConnConfig.Database = c.database
	config.ConnConfig.TLSConfig = c.tlsConfig
	config.MinConns = 1
	config.MaxConns = c.poolSize

	c.tracer = c.tracerProvider.Tracer(
		tracerName,
		trace.WithInstrumentationVersion(version.Version),
	)

	config.ConnConfig.Tracer = multitracer.New(
		&tracer{tracer: c.tracer},
		&tracelog.TraceLog{
			Logger:   &logger{c.logger},
			LogLevel: c.logLevel,
		},
	)

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("cannot create connection pool from config: %w", err)
	}

	if err := c.registerer.Register(
		newCollector(
			pool,
			prometheus.Labels{
				"database": c.database,
				"addr":     c.addr,
			},
		),
	); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cannot register pool collector: %w", err)
	}

	c.pool = pool

	return c, nil
}

// Close closes the client's connection pool, releasing all resources.
func (c *Client) Close() {
	c.pool.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.pool.Ping(ctx); err != nil {
		return fmt.Errorf("cannot ping database: %w", err)
	}

	return nil
}

func (c *Client) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, bool) {
	if !trace.SpanFromContext(ctx).IsRecording() {
		return ctx, nil, false
	}

	ctx, span := c.tracer.Start(
		ctx,
		name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)

	return ctx, span, true
}

// WithConn executes the given ExecFunc with a database connection
// from the pool.
//
// Example:
//
//	err := client.WithConn(ctx, func(conn pg.Conn) error {
//	    _, err := conn.Exec(ctx, "DELETE FROM ratelimit_windows WHERE reset_at <= $1", now)
//	    return err
//	})
func (c *Client) WithConn(ctx context.Context, exec ExecFunc) error {
	ctx, span, recording := c.startSpan(ctx, "WithConn")
	if recording {
		defer span.End()
	}

	err := c.withConn(ctx, exec)
	if err != nil && recording {
		otelutils.RecordError(span, err)
	}

	return err
}

func (c *Client) withConn(ctx context.Context, exec ExecFunc) error {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("cannot acquire connection: %w", err)
	}
	defer conn.Release()

	return exec(conn)
}

// WithTx executes the given ExecFunc within a transaction. If exec
// returns an error, the transaction is rolled back; otherwise, it
// commits.
func (c *Client) WithTx(ctx context.Context, exec ExecFunc) error {
	ctx, span, recording := c.startSpan(ctx, "WithTx")
	if recording {
		defer span.End()
	}

	err := c.withTx(ctx, exec)
	if err != nil && recording {
		otelutils.RecordError(span, err)
	}

	return err
}

func (c *Client) withTx(ctx context.Context, exec ExecFunc) error {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("cannot acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("cannot begin transaction: %w", err)
	}

	if err := exec(tx); err != nil {
		if err2 := tx.Rollback(ctx); err2 != nil {
			err = errors.Join(
				err,
				fmt.Errorf("cannot rollback transaction: %w", err2),
			)
		}

		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("cannot commit transaction: %w", err)
	}

	return nil
}

// WithAdvisoryLock runs f inside a transaction holding the
// transaction level advisory lock (BaseAdvisoryLockId, id).
func (c *Client) WithAdvisoryLock(ctx context.Context, id AdvisoryLock, f ExecFunc) error {
	ctx, span, recording := c.startSpan(
		ctx,
		"WithAdvisoryLock",
		attribute.Int("lock_id", int(id)),
	)
	if recording {
		defer span.End()
	}

	err := c.withTx(
		ctx,
		func(conn Conn) error {
			q := "SELECT pg_advisory_xact_lock($1, $2)"
			if _, err := conn.Exec(ctx, q, int32(BaseAdvisoryLockId), int32(id)); err != nil {
				return fmt.Errorf("cannot acquire advisory lock: %w", err)
			}

			return f(conn)
		},
	)
	if err != nil && recording {
		otelutils.RecordError(span, err)
	}

	return err
}

// RefreshTypes closes idle connections so that types created by a
// migration are loaded by the next connections.
func (c *Client) RefreshTypes(ctx context.Context) error {
	for _, conn := range c.pool.AcquireAllIdle(ctx) {
		err := conn.Conn().Close(ctx)
		conn.Release()
		if err != nil {
			return fmt.Errorf("cannot refresh postgresql type: %w", err)
		}
	}

	return nil
}
