// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plughost/plughost/internal/plugin"
	"github.com/plughost/plughost/pkg/errutil"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestRecordOf(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	r := RecordOf(plugin.Transition{
		OperationID: "01J0000000000000000000000",
		Plugin:      "greeter",
		From:        plugin.StateInitializing,
		To:          plugin.StateError,
		Err:         errors.New("init failed"),
		At:          at,
	})

	assert.Equal(t, "greeter", r.Plugin)
	assert.Equal(t, "initializing", r.From)
	assert.Equal(t, "error", r.To)
	assert.Equal(t, "init failed", r.Error)
	assert.Equal(t, time.UTC, r.At.Location())
	assert.True(t, r.At.Equal(at))
}

func TestJournal_Write(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{name: "success"},
		{
			name:     "missing table",
			err:      &pgconn.PgError{Code: pgerrcode.UndefinedTable, Message: `relation "plugin_transitions" does not exist`},
			wantCode: CodeSchemaMissing,
		},
		{
			name:     "connection failure",
			err:      &pgconn.PgError{Code: pgerrcode.ConnectionFailure},
			wantCode: CodeUnavailable,
		},
		{
			name:     "other failure",
			err:      errors.New("copy aborted"),
			wantCode: CodeWriteFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMock(t)
			exp := mock.ExpectCopyFrom(pgx.Identifier{"plugin_transitions"}, columns)
			if tt.err != nil {
				exp.WillReturnError(tt.err)
			} else {
				exp.WillReturnResult(2)
			}

			j := New(mock)
			err := j.Write(context.Background(), []Record{
				{OperationID: "op", Plugin: "a", From: "unloaded", To: "loading", At: time.Now()},
				{OperationID: "op", Plugin: "a", From: "loading", To: "error", Error: "boom", At: time.Now()},
			})

			if tt.wantCode == "" {
				require.NoError(t, err)
			} else {
				errutil.AssertErrorCode(t, err, tt.wantCode)
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestJournal_Recent(t *testing.T) {
	mock := newMock(t)
	now := time.Now().UTC()
	boom := "boom"
	rows := pgxmock.NewRows(columns).
		AddRow("op2", "greeter", "initializing", "error", &boom, now).
		AddRow("op1", "greeter", "loaded", "initializing", (*string)(nil), now.Add(-time.Second))
	mock.ExpectQuery(`SELECT operation_id, plugin, from_state, to_state, error, at`).
		WithArgs("greeter", 10).
		WillReturnRows(rows)

	got, err := New(mock).Recent(context.Background(), "greeter", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "op2", got[0].OperationID)
	assert.Equal(t, "boom", got[0].Error)
	assert.Empty(t, got[1].Error)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJournal_Recent_QueryError(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(`SELECT operation_id`).
		WithArgs("", 5).
		WillReturnError(&pgconn.PgError{Code: pgerrcode.UndefinedTable})

	_, err := New(mock).Recent(context.Background(), "", 5)
	errutil.AssertErrorCode(t, err, CodeSchemaMissing)
}

func TestJournal_Run_FlushesOnShutdown(t *testing.T) {
	mock := newMock(t)
	mock.ExpectCopyFrom(pgx.Identifier{"plugin_transitions"}, columns).WillReturnResult(2)

	j := New(mock, WithFlushInterval(time.Hour))
	j.OnTransition(plugin.Transition{Plugin: "a", From: plugin.StateUnloaded, To: plugin.StateLoading, At: time.Now()})
	j.OnTransition(plugin.Transition{Plugin: "a", From: plugin.StateLoading, To: plugin.StateLoaded, At: time.Now()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, j.Run(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJournal_Run_FlushesFullBatch(t *testing.T) {
	mock := newMock(t)
	mock.ExpectCopyFrom(pgx.Identifier{"plugin_transitions"}, columns).WillReturnResult(2)

	j := New(mock, WithBatchSize(2), WithFlushInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	j.OnTransition(plugin.Transition{Plugin: "a", To: plugin.StateLoading, At: time.Now()})
	j.OnTransition(plugin.Transition{Plugin: "a", To: plugin.StateLoaded, At: time.Now()})

	require.Eventually(t, func() bool { return mock.ExpectationsWereMet() == nil }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestJournal_OnTransition_DropsWhenFull(t *testing.T) {
	j := New(newMock(t), WithBatchSize(1))
	before := testutil.ToFloat64(recordsTotal.WithLabelValues("dropped"))

	for range cap(j.records) + 1 {
		j.OnTransition(plugin.Transition{Plugin: "a", At: time.Now()})
	}

	assert.Equal(t, before+1, testutil.ToFloat64(recordsTotal.WithLabelValues("dropped")))
	assert.Len(t, j.records, cap(j.records))
}
