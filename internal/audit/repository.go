// Package audit provides access to the command_log table, a persistent
// trail of every device command issued through the hub.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sources identify where a command entered the system.
const (
	SourceGateway = "gateway"
	SourceAPI     = "api"
	SourceMQTT    = "mqtt"
)

// CommandRecord is a single entry in the command audit trail.
type CommandRecord struct {
	ID        string         `json:"id"`
	DeviceID  string         `json:"device_id"`
	UserID    string         `json:"user_id,omitempty"`
	Source    string         `json:"source"`
	Command   map[string]any `json:"command,omitempty"`
	Status    string         `json:"status"`
	Error     string         `json:"error,omitempty"`
	LatencyMs float64        `json:"latency_ms"`
	CreatedAt time.Time      `json:"created_at"`
}

// Filter controls which command records to return.
type Filter struct {
	DeviceID string // optional: filter by device
	UserID   string // optional: filter by issuing user
	Source   string // optional: filter by entry point (gateway, api, mqtt)
	Status   string // optional: filter by outcome (success, error)
	Limit    int    // default 50, max 200
	Offset   int    // pagination offset
}

// ListResult contains the paginated command trail results.
type ListResult struct {
	Commands []CommandRecord `json:"commands"`
	Total    int             `json:"total"`
	Limit    int             `json:"limit"`
	Offset   int             `json:"offset"`
}

// Recorder is the write side of the command trail, implemented by
// SQLiteRepository and satisfied by test doubles.
type Recorder interface {
	Record(ctx context.Context, rec *CommandRecord) error
}

// Repository defines the interface for command trail operations.
type Repository interface {
	Recorder
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository stores the command trail in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new command trail repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Record inserts a command trail entry. The ID and CreatedAt are generated
// if empty.
func (r *SQLiteRepository) Record(ctx context.Context, rec *CommandRecord) error {
	if rec.ID == "" {
		rec.ID = "cmd-" + uuid.NewString()[:8]
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	var commandJSON *string
	if rec.Command != nil {
		b, err := json.Marshal(rec.Command)
		if err != nil {
			return fmt.Errorf("marshalling command payload: %w", err)
		}
		s := string(b)
		commandJSON = &s
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO command_log (id, device_id, user_id, source, command, status, error, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.DeviceID,
		nullableString(rec.UserID),
		rec.Source, commandJSON, rec.Status,
		nullableString(rec.Error),
		rec.LatencyMs,
		rec.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting command record: %w", err)
	}

	return nil
}

// nullableString returns nil for empty strings, or the string otherwise.
// Used for nullable TEXT columns in SQLite.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns command records matching the filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) { //nolint:gocognit,gocyclo // dynamic query builder: WHERE clause assembly from filter fields
	// Clamp limit.
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 { //nolint:mnd // max page size for command trail queries
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	// Build WHERE clause dynamically.
	var conditions []string
	var args []any

	if filter.DeviceID != "" {
		conditions = append(conditions, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Source != "" {
		conditions = append(conditions, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	// WHERE clause is built from parameterised conditions (? placeholders) — no user input in SQL string.
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM command_log %s", where) //nolint:gosec // WHERE built from parameterised conditions, not user input
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting command records: %w", err)
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		"SELECT id, device_id, user_id, source, command, status, error, latency_ms, created_at FROM command_log %s ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying command records: %w", err)
	}
	defer rows.Close()

	var records []CommandRecord
	for rows.Next() {
		var rec CommandRecord
		var userID, commandJSON, errText sql.NullString
		var createdAt string

		if err := rows.Scan(&rec.ID, &rec.DeviceID, &userID, &rec.Source,
			&commandJSON, &rec.Status, &errText, &rec.LatencyMs, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning command record: %w", err)
		}

		if userID.Valid {
			rec.UserID = userID.String
		}
		if errText.Valid {
			rec.Error = errText.String
		}
		if commandJSON.Valid && commandJSON.String != "" {
			var command map[string]any
			if json.Unmarshal([]byte(commandJSON.String), &command) == nil {
				rec.Command = command
			}
		}

		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing command record timestamp %q: %w", createdAt, err)
		}
		rec.CreatedAt = t

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command records: %w", err)
	}

	if records == nil {
		records = []CommandRecord{}
	}

	return &ListResult{
		Commands: records,
		Total:    total,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	}, nil
}
