package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetradar/pkg/logger"
	"github.com/carverauto/fleetradar/pkg/models"
	"github.com/carverauto/fleetradar/pkg/resilience"
)

// Static test errors for err113 compliance.
var (
	errTestDeadlock      = fmt.Errorf("ERROR: deadlock detected (SQLSTATE 40P01)")
	errTestSerialization = fmt.Errorf("could not serialize access due to concurrent update")
	errTestUnknown       = fmt.Errorf("some random database error")
	errBoom              = errors.New("boom")
	errCloseFailed       = errors.New("close failed")
	errNoQuery           = errors.New("Query not implemented in fakeConn")
)

type fakeBatchResults struct {
	execCalls int
	execErrAt int
	execErr   error
	closeErr  error
}

func (f *fakeBatchResults) Exec() (pgconn.CommandTag, error) {
	defer func() { f.execCalls++ }()

	if f.execErr != nil && f.execCalls == f.execErrAt {
		return pgconn.CommandTag{}, f.execErr
	}

	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeBatchResults) Query() (pgx.Rows, error) { return nil, errNoQuery }
func (f *fakeBatchResults) QueryRow() pgx.Row         { return nil }
func (f *fakeBatchResults) Close() error              { return f.closeErr }

// fakeConn fails the first len(errs) sends with the given errors.
type fakeConn struct {
	mu      sync.Mutex
	errs    []error
	sends   int
	batches []*pgx.Batch
}

func (f *fakeConn) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.batches = append(f.batches, b)
	res := &fakeBatchResults{}

	if f.sends < len(f.errs) {
		res.execErr = f.errs[f.sends]
	}

	f.sends++

	return res
}

func (f *fakeConn) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errNoQuery
}

func fastPolicy() resilience.Policy {
	return resilience.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func TestClassifyCNPGError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      string
		transient bool
	}{
		{"nil", nil, "", false},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, sqlstateDeadlockDetected, true},
		{"serialization", &pgconn.PgError{Code: "40001"}, sqlstateSerializationFailed, true},
		{"internal", &pgconn.PgError{Code: "XX000"}, sqlstateInternalError, true},
		{"statement timeout", &pgconn.PgError{Code: "57014"}, sqlstateStatementTimeout, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, "23505", false},
		{"wrapped pg error", fmt.Errorf("exec: %w", &pgconn.PgError{Code: "40P01"}), sqlstateDeadlockDetected, true},
		{"deadlock text", errTestDeadlock, sqlstateDeadlockDetected, true},
		{"serialization text", errTestSerialization, sqlstateSerializationFailed, true},
		{"unknown", errTestUnknown, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, transient := classifyCNPGError(tt.err)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.transient, transient)
		})
	}
}

func TestSendBatchExecAll(t *testing.T) {
	ctx := context.Background()

	err := sendBatchExecAll(ctx, &pgx.Batch{}, func(context.Context, *pgx.Batch) pgx.BatchResults {
		t.Fatalf("SendBatch should not be called for empty batch")
		return nil
	}, "empty")
	require.NoError(t, err)

	batch := &pgx.Batch{}
	batch.Queue("SELECT 1")
	batch.Queue("SELECT 2")

	res := &fakeBatchResults{execErr: errBoom, execErrAt: 1}
	err = sendBatchExecAll(ctx, batch, func(context.Context, *pgx.Batch) pgx.BatchResults { return res }, "op")
	require.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "command 1")

	res = &fakeBatchResults{closeErr: errCloseFailed}
	err = sendBatchExecAll(ctx, batch, func(context.Context, *pgx.Batch) pgx.BatchResults { return res }, "op")
	require.ErrorIs(t, err, errCloseFailed)
}

func TestStore_AppendEvents(t *testing.T) {
	conn := &fakeConn{}
	store := NewStore(conn, logger.NewTestLogger(), WithRetryPolicy(fastPolicy()))

	ts := time.Date(2026, 3, 1, 8, 0, 0, 0, time.FixedZone("CET", 3600))

	err := store.AppendEvents(context.Background(), []models.RoamingEvent{
		{ID: "9f1c7e52-0c55-4a57-8d38-5f7a1e0c3a01", MAC: "AA:BB:CC:DD:EE:01", ToGatewayID: "G1", Timestamp: ts, Reason: models.ReasonInitialConnect},
		{ID: "9f1c7e52-0c55-4a57-8d38-5f7a1e0c3a02", MAC: "AA:BB:CC:DD:EE:01", FromGatewayID: "G1", ToGatewayID: "G2",
			Timestamp: ts.Add(time.Minute), Reason: models.ReasonHandover, Trigger: models.TriggerBetterSignal, DwellBefore: 90 * time.Second},
	})
	require.NoError(t, err)

	require.Len(t, conn.batches, 1)
	queued := conn.batches[0].QueuedQueries
	require.Len(t, queued, 2)

	first := queued[0].Arguments
	assert.Nil(t, first[2], "empty from_gateway_id is NULL")
	assert.Equal(t, ts.UTC(), first[4])
	assert.Nil(t, first[8], "empty trigger is NULL")

	second := queued[1].Arguments
	assert.Equal(t, "G1", second[2])
	assert.Equal(t, "better_signal", second[8])
	assert.Equal(t, int64(90000), second[9])

	require.NoError(t, store.AppendEvents(context.Background(), nil))
	assert.Len(t, conn.batches, 1)
}

func TestStore_UpsertSessionsRetriesTransientErrors(t *testing.T) {
	conn := &fakeConn{errs: []error{&pgconn.PgError{Code: "40P01"}, &pgconn.PgError{Code: "40001"}}}
	store := NewStore(conn, logger.NewTestLogger(), WithRetryPolicy(fastPolicy()))

	now := time.Now()

	err := store.UpsertSessions(context.Background(), []models.DeviceSession{
		{MAC: "AA:BB:CC:DD:EE:01", CurrentGatewayID: "G1", ConnectedSince: now, LastSeenAt: now},
		{MAC: "AA:BB:CC:DD:EE:02", ConnectedSince: now, LastSeenAt: now, EndedAt: now, EndReason: models.SessionEndDisconnected},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, conn.sends)

	args := conn.batches[2].QueuedQueries[1].Arguments
	assert.Nil(t, args[1], "disconnected session has NULL gateway")
	assert.Equal(t, "disconnected", args[11])
}

func TestStore_DoesNotRetryPermanentErrors(t *testing.T) {
	conn := &fakeConn{errs: []error{&pgconn.PgError{Code: "23505"}}}
	store := NewStore(conn, logger.NewTestLogger(), WithRetryPolicy(fastPolicy()))

	err := store.AppendEvents(context.Background(), []models.RoamingEvent{{ID: "x", MAC: "m", ToGatewayID: "G1"}})
	require.Error(t, err)

	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "23505", pgErr.Code)
	assert.Equal(t, 1, conn.sends)
}

func TestStore_GivesUpAfterMaxAttempts(t *testing.T) {
	deadlock := &pgconn.PgError{Code: "40P01"}
	conn := &fakeConn{errs: []error{deadlock, deadlock, deadlock, deadlock}}
	store := NewStore(conn, logger.NewTestLogger(), WithRetryPolicy(fastPolicy()))

	err := store.AppendEvents(context.Background(), []models.RoamingEvent{{ID: "x", MAC: "m", ToGatewayID: "G1"}})
	require.Error(t, err)
	assert.Equal(t, 3, conn.sends)
}
