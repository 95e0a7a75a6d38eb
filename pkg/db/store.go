package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/metric"

	"github.com/carverauto/fleetradar/pkg/logger"
	"github.com/carverauto/fleetradar/pkg/models"
	"github.com/carverauto/fleetradar/pkg/resilience"
)

const (
	insertRoamingEventSQL = `
INSERT INTO roaming_events (
    id, mac, from_gateway_id, to_gateway_id, event_time,
    signal_before, signal_after, reason, trigger, dwell_before_ms
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO NOTHING`

	upsertDeviceSessionSQL = `
INSERT INTO device_sessions (
    mac, current_gateway_id, ip, hostname, signal_strength, connection_type,
    connected_since, last_seen_at, ambiguous, absent_cycles, ended_at, end_reason, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
ON CONFLICT (mac) DO UPDATE SET
    current_gateway_id = EXCLUDED.current_gateway_id,
    ip                 = EXCLUDED.ip,
    hostname           = EXCLUDED.hostname,
    signal_strength    = EXCLUDED.signal_strength,
    connection_type    = EXCLUDED.connection_type,
    connected_since    = EXCLUDED.connected_since,
    last_seen_at       = EXCLUDED.last_seen_at,
    ambiguous          = EXCLUDED.ambiguous,
    absent_cycles      = EXCLUDED.absent_cycles,
    ended_at           = EXCLUDED.ended_at,
    end_reason         = EXCLUDED.end_reason,
    updated_at         = now()`

	selectActiveSessionsSQL = `
SELECT mac, current_gateway_id, COALESCE(ip, ''), COALESCE(hostname, ''), signal_strength,
       COALESCE(connection_type, ''), connected_since, last_seen_at, ambiguous, absent_cycles
FROM device_sessions
WHERE current_gateway_id IS NOT NULL
ORDER BY mac`

	selectEventsSQL = `
SELECT id::text, mac, COALESCE(from_gateway_id, ''), to_gateway_id, event_time,
       signal_before, signal_after, reason, COALESCE(trigger, ''), dwell_before_ms
FROM roaming_events
WHERE event_time >= $1 AND ($2 = '' OR mac = $2)
ORDER BY event_time, id
LIMIT $3`

	defaultEventLimit = 1000
)

// Conn is the subset of *pgxpool.Pool the store uses.
type Conn interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store writes roaming events (append-only) and device sessions (upsert by
// MAC). It satisfies roaming.Store.
type Store struct {
	conn    Conn
	logger  logger.Logger
	policy  resilience.Policy
	metrics *storeMetrics
}

// StoreOption customises a Store.
type StoreOption func(*Store)

// WithRetryPolicy replaces the batch retry policy. The classifier is always
// the transient SQLSTATE check.
func WithRetryPolicy(p resilience.Policy) StoreOption {
	return func(s *Store) { s.policy = p }
}

// WithMeterProvider records metrics on mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) StoreOption {
	return func(s *Store) { s.metrics = newStoreMetrics(mp) }
}

// NewStore wraps conn, normally a *pgxpool.Pool.
func NewStore(conn Conn, log logger.Logger, opts ...StoreOption) *Store {
	s := &Store{
		conn:   conn,
		logger: log,
		policy: defaultBatchPolicy(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.metrics == nil {
		s.metrics = newStoreMetrics(nil)
	}

	return s
}

// AppendEvents inserts events. Re-sending an event is a no-op.
func (s *Store) AppendEvents(ctx context.Context, events []models.RoamingEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}

	for i := range events {
		ev := &events[i]
		batch.Queue(insertRoamingEventSQL,
			ev.ID,
			ev.MAC,
			nullString(ev.FromGatewayID),
			ev.ToGatewayID,
			ev.Timestamp.UTC(),
			ev.SignalBefore,
			ev.SignalAfter,
			string(ev.Reason),
			nullString(string(ev.Trigger)),
			ev.DwellBefore.Milliseconds(),
		)
	}

	return s.sendWithRetry(ctx, batch, "roaming_events")
}

// UpsertSessions writes the current session of each device.
func (s *Store) UpsertSessions(ctx context.Context, sessions []models.DeviceSession) error {
	if len(sessions) == 0 {
		return nil
	}

	batch := &pgx.Batch{}

	for i := range sessions {
		sess := &sessions[i]
		batch.Queue(upsertDeviceSessionSQL,
			sess.MAC,
			nullString(sess.CurrentGatewayID),
			nullString(sess.IP),
			nullString(sess.Hostname),
			sess.SignalStrength,
			nullString(sess.ConnectionType),
			sess.ConnectedSince.UTC(),
			sess.LastSeenAt.UTC(),
			sess.Ambiguous,
			sess.AbsentCycles,
			nullTime(sess.EndedAt),
			nullString(string(sess.EndReason)),
		)
	}

	return s.sendWithRetry(ctx, batch, "device_sessions")
}

// ActiveSessions loads every session still bound to a gateway.
func (s *Store) ActiveSessions(ctx context.Context) ([]models.DeviceSession, error) {
	rows, err := s.conn.Query(ctx, selectActiveSessionsSQL)
	if err != nil {
		return nil, fmt.Errorf("cnpg device_sessions: query: %w", err)
	}

	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.DeviceSession, error) {
		var sess models.DeviceSession

		err := row.Scan(
			&sess.MAC,
			&sess.CurrentGatewayID,
			&sess.IP,
			&sess.Hostname,
			&sess.SignalStrength,
			&sess.ConnectionType,
			&sess.ConnectedSince,
			&sess.LastSeenAt,
			&sess.Ambiguous,
			&sess.AbsentCycles,
		)

		return sess, err
	})
	if err != nil {
		return nil, fmt.Errorf("cnpg device_sessions: scan: %w", err)
	}

	return sessions, nil
}

// Events reads events at or after since, optionally for one MAC.
func (s *Store) Events(ctx context.Context, mac string, since time.Time, limit int) ([]models.RoamingEvent, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}

	rows, err := s.conn.Query(ctx, selectEventsSQL, since.UTC(), mac, limit)
	if err != nil {
		return nil, fmt.Errorf("cnpg roaming_events: query: %w", err)
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.RoamingEvent, error) {
		var (
			ev              models.RoamingEvent
			reason, trigger string
			dwellMs         int64
		)

		err := row.Scan(
			&ev.ID,
			&ev.MAC,
			&ev.FromGatewayID,
			&ev.ToGatewayID,
			&ev.Timestamp,
			&ev.SignalBefore,
			&ev.SignalAfter,
			&reason,
			&trigger,
			&dwellMs,
		)

		ev.Reason = models.RoamingReason(reason)
		ev.Trigger = models.RoamingTrigger(trigger)
		ev.DwellBefore = time.Duration(dwellMs) * time.Millisecond

		return ev, err
	})
	if err != nil {
		return nil, fmt.Errorf("cnpg roaming_events: scan: %w", err)
	}

	return events, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}

	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}

	return t.UTC()
}
