package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/devlink-io/devlink-core/internal/infrastructure/database"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 200
)

// Store persists device registrations, last-known state and the event
// history in SQLite. The schema lives in the migrations package.
type Store struct {
	db *database.DB
}

// NewStore creates a store over an open, migrated database.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// UpsertDevice registers or refreshes a device row. Called at startup for
// every configured device.
func (s *Store) UpsertDevice(ctx context.Context, id, name, protocol string) error {
	if id == "" {
		return fmt.Errorf("device id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, name, protocol) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			protocol = excluded.protocol,
			updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')`,
		id, name, protocol,
	)
	if err != nil {
		return fmt.Errorf("upserting device: %w", err)
	}
	return nil
}

// SaveState replaces a device's last-known state snapshot.
func (s *Store) SaveState(ctx context.Context, deviceID string, state State) error {
	if deviceID == "" {
		return fmt.Errorf("device id is required")
	}
	if state == nil {
		state = State{}
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO device_state (device_id, state, updated_at)
		VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		ON CONFLICT(device_id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at`,
		deviceID, string(stateJSON),
	)
	if err != nil {
		return fmt.Errorf("saving state: %w", err)
	}
	return nil
}

// LoadState returns a device's last-known state and when it was saved.
func (s *Store) LoadState(ctx context.Context, deviceID string) (State, time.Time, error) {
	var stateJSON, updatedAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT state, updated_at FROM device_state WHERE device_id = ?", deviceID,
	).Scan(&stateJSON, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, fmt.Errorf("%w: %s", ErrNotFound, deviceID)
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("loading state: %w", err)
	}

	var state State
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return nil, time.Time{}, fmt.Errorf("unmarshalling state: %w", err)
	}
	updated, err := parseStoredTimestamp(updatedAt)
	if err != nil {
		return nil, time.Time{}, err
	}
	return state, updated, nil
}

// SetConnected records a device's connection status and stamps last_seen
// on connect.
func (s *Store) SetConnected(ctx context.Context, deviceID string, connected bool) error {
	flag := 0
	if connected {
		flag = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_state (device_id, state, connected, last_seen)
		VALUES (?, '{}', ?, strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		ON CONFLICT(device_id) DO UPDATE SET
			connected = excluded.connected,
			last_seen = excluded.last_seen`,
		deviceID, flag,
	)
	if err != nil {
		return fmt.Errorf("recording connection status: %w", err)
	}
	return nil
}

// RecordEvent appends one entry to the device event history.
func (s *Store) RecordEvent(ctx context.Context, ev Event) error {
	if ev.DeviceID == "" {
		return fmt.Errorf("device id is required")
	}
	var dataJSON any
	if ev.Data != nil {
		raw, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("marshalling event data: %w", err)
		}
		dataJSON = string(raw)
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO device_events (device_id, event_type, data) VALUES (?, ?, ?)",
		ev.DeviceID, ev.Type, dataJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// RecentEvents returns the latest events for a device, newest first.
// Limit defaults to 50 and is capped at 200.
func (s *Store) RecentEvents(ctx context.Context, deviceID string, limit int) ([]Event, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, data, created_at
		FROM device_events
		WHERE device_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		ev := Event{DeviceID: deviceID}
		var dataJSON sql.NullString
		var createdAt string
		if err := rows.Scan(&ev.Type, &dataJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		if dataJSON.Valid {
			if err := json.Unmarshal([]byte(dataJSON.String), &ev.Data); err != nil {
				return nil, fmt.Errorf("unmarshalling event data: %w", err)
			}
		}
		ts, err := parseStoredTimestamp(createdAt)
		if err != nil {
			return nil, err
		}
		ev.Timestamp = ts
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return events, nil
}

// PruneEvents deletes history entries older than the retention window and
// returns the number removed.
func (s *Store) PruneEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM device_events WHERE created_at < ?", cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("pruning events: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return deleted, nil
}

// parseStoredTimestamp parses a timestamp stored in SQLite.
func parseStoredTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing stored timestamp: %w", err)
	}
	return ts, nil
}
