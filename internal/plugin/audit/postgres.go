// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

// Package audit records plugin lifecycle transitions in PostgreSQL.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/oops"

	"github.com/plughost/plughost/internal/plugin"
)

// Error codes returned by the journal.
const (
	CodeConnectFailed = "JOURNAL_CONNECT_FAILED"
	CodeSchemaMissing = "JOURNAL_SCHEMA_MISSING"
	CodeUnavailable   = "JOURNAL_UNAVAILABLE"
	CodeWriteFailed   = "JOURNAL_WRITE_FAILED"
	CodeQueryFailed   = "JOURNAL_QUERY_FAILED"
)

const table = "plugin_transitions"

var columns = []string{"operation_id", "plugin", "from_state", "to_state", "error", "at"}

var recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "plughost_journal_records_total",
	Help: "Transition records handled by the journal, by outcome",
}, []string{"outcome"})

// poolIface is the part of *pgxpool.Pool the journal uses.
type poolIface interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// Record is one journaled transition.
type Record struct {
	OperationID string
	Plugin      string
	From        string
	To          string
	// Error is empty unless the transition entered the error state.
	Error string
	At    time.Time
}

// RecordOf converts a committed transition.
func RecordOf(t plugin.Transition) Record {
	r := Record{
		OperationID: t.OperationID,
		Plugin:      t.Plugin,
		From:        t.From.String(),
		To:          t.To.String(),
		At:          t.At.UTC(),
	}
	if t.Err != nil {
		r.Error = t.Err.Error()
	}
	return r
}

// Journal is a plugin.Observer that writes transitions asynchronously in
// batches. Records are buffered; when the buffer is full new records are
// dropped and counted rather than blocking the manager.
type Journal struct {
	pool       poolIface
	records    chan Record
	batchSize  int
	flushEvery time.Duration
	logger     *slog.Logger
}

// Option configures a Journal.
type Option func(*Journal)

// WithBatchSize sets how many records trigger an immediate flush.
func WithBatchSize(n int) Option {
	return func(j *Journal) {
		if n > 0 {
			j.batchSize = n
		}
	}
}

// WithFlushInterval sets the maximum time a record waits in memory.
func WithFlushInterval(d time.Duration) Option {
	return func(j *Journal) {
		if d > 0 {
			j.flushEvery = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(j *Journal) {
		j.logger = logger
	}
}

// Connect opens and pings a pool for databaseURL.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, oops.In("audit").Code(CodeConnectFailed).Wrap(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, oops.In("audit").Code(CodeConnectFailed).Wrap(err)
	}
	return pool, nil
}

// New creates a journal over pool. Call Run to start writing.
func New(pool poolIface, opts ...Option) *Journal {
	j := &Journal{
		pool:       pool,
		batchSize:  64,
		flushEvery: time.Second,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.records = make(chan Record, j.batchSize*4)
	return j
}

// OnTransition implements plugin.Observer. It never blocks.
func (j *Journal) OnTransition(t plugin.Transition) {
	select {
	case j.records <- RecordOf(t):
	default:
		recordsTotal.WithLabelValues("dropped").Inc()
		j.logger.Warn("journal buffer full, dropping transition",
			"plugin", t.Plugin, "from", t.From, "to", t.To)
	}
}

// Run writes buffered records until ctx ends, then flushes what is left
// and returns.
func (j *Journal) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.flushEvery)
	defer ticker.Stop()

	batch := make([]Record, 0, j.batchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := j.Write(ctx, batch); err != nil {
			j.logger.Error("failed to write transition journal", "records", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
		drain:
			for {
				select {
				case r := <-j.records:
					batch = append(batch, r)
				default:
					break drain
				}
			}
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			flush(final)
			cancel()
			return nil
		case r := <-j.records:
			batch = append(batch, r)
			if len(batch) >= j.batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

// Write stores records synchronously with a single COPY.
func (j *Journal) Write(ctx context.Context, records []Record) error {
	rows := make([][]any, len(records))
	for i, r := range records {
		var errText any
		if r.Error != "" {
			errText = r.Error
		}
		rows[i] = []any{r.OperationID, r.Plugin, r.From, r.To, errText, r.At}
	}
	if _, err := j.pool.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows)); err != nil {
		recordsTotal.WithLabelValues("failed").Add(float64(len(records)))
		return classify(err, CodeWriteFailed)
	}
	recordsTotal.WithLabelValues("written").Add(float64(len(records)))
	return nil
}

// Recent returns up to limit records for pluginID, newest first. An empty
// pluginID returns records of every plugin.
func (j *Journal) Recent(ctx context.Context, pluginID string, limit int) ([]Record, error) {
	rows, err := j.pool.Query(ctx,
		`SELECT operation_id, plugin, from_state, to_state, error, at
		 FROM plugin_transitions
		 WHERE $1 = '' OR plugin = $1
		 ORDER BY at DESC, id DESC
		 LIMIT $2`,
		pluginID, limit)
	if err != nil {
		return nil, classify(err, CodeQueryFailed)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var errText *string
		if err := rows.Scan(&r.OperationID, &r.Plugin, &r.From, &r.To, &errText, &r.At); err != nil {
			return nil, oops.In("audit").Code(CodeQueryFailed).Wrap(err)
		}
		if errText != nil {
			r.Error = *errText
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, CodeQueryFailed)
	}
	return out, nil
}

// Close closes the underlying pool.
func (j *Journal) Close() {
	j.pool.Close()
}

func classify(err error, fallback string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgerrcode.UndefinedTable:
			return oops.In("audit").Code(CodeSchemaMissing).
				Hint("run 'plughost migrate' against the journal database").Wrap(err)
		case pgerrcode.IsConnectionException(pgErr.Code):
			return oops.In("audit").Code(CodeUnavailable).Wrap(err)
		}
	}
	return oops.In("audit").Code(fallback).Wrap(err)
}
