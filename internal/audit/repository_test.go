package audit_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/devlink-io/devlink-core/internal/audit"
	"github.com/devlink-io/devlink-core/internal/infrastructure/database"
	_ "github.com/devlink-io/devlink-core/migrations"
)

func newTestRepository(t *testing.T) *audit.SQLiteRepository {
	t.Helper()

	db, err := database.Open(database.Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("running migrations: %v", err)
	}

	return audit.NewSQLiteRepository(db.DB)
}

func seedRecords(t *testing.T, repo *audit.SQLiteRepository) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

	records := []audit.CommandRecord{
		{DeviceID: "lamp-1", UserID: "alice", Source: audit.SourceGateway, Status: "success",
			Command: map[string]any{"action": "on"}, LatencyMs: 12.5, CreatedAt: base},
		{DeviceID: "lamp-1", UserID: "bob", Source: audit.SourceGateway, Status: "error",
			Error: "device unreachable", CreatedAt: base.Add(time.Minute)},
		{DeviceID: "meter-1", UserID: "alice", Source: audit.SourceMQTT, Status: "success",
			Command: map[string]any{"action": "read"}, LatencyMs: 40.1, CreatedAt: base.Add(2 * time.Minute)},
	}
	for i := range records {
		if err := repo.Record(ctx, &records[i]); err != nil {
			t.Fatalf("recording command %d: %v", i, err)
		}
	}
}

func TestRepository_RecordGeneratesID(t *testing.T) {
	repo := newTestRepository(t)

	rec := audit.CommandRecord{DeviceID: "lamp-1", Source: audit.SourceAPI, Status: "success"}
	if err := repo.Record(context.Background(), &rec); err != nil {
		t.Fatalf("Record() = %v", err)
	}
	if rec.ID == "" {
		t.Error("Record() should generate an ID")
	}
	if rec.CreatedAt.IsZero() {
		t.Error("Record() should stamp CreatedAt")
	}
}

func TestRepository_ListNewestFirst(t *testing.T) {
	repo := newTestRepository(t)
	seedRecords(t, repo)

	result, err := repo.List(context.Background(), audit.Filter{})
	if err != nil {
		t.Fatalf("List() = %v", err)
	}
	if result.Total != 3 {
		t.Fatalf("Total = %d, want 3", result.Total)
	}
	if len(result.Commands) != 3 {
		t.Fatalf("len(Commands) = %d, want 3", len(result.Commands))
	}
	if result.Commands[0].DeviceID != "meter-1" {
		t.Errorf("first record device = %q, want newest (meter-1)", result.Commands[0].DeviceID)
	}
	if got := result.Commands[2].Command["action"]; got != "on" {
		t.Errorf("oldest record command action = %v, want \"on\"", got)
	}
}

func TestRepository_ListFilters(t *testing.T) {
	repo := newTestRepository(t)
	seedRecords(t, repo)
	ctx := context.Background()

	tests := []struct {
		name   string
		filter audit.Filter
		want   int
	}{
		{"by device", audit.Filter{DeviceID: "lamp-1"}, 2},
		{"by user", audit.Filter{UserID: "alice"}, 2},
		{"by source", audit.Filter{Source: audit.SourceMQTT}, 1},
		{"by status", audit.Filter{Status: "error"}, 1},
		{"combined", audit.Filter{DeviceID: "lamp-1", UserID: "alice"}, 1},
		{"no match", audit.Filter{DeviceID: "unknown"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() = %v", err)
			}
			if result.Total != tt.want {
				t.Errorf("Total = %d, want %d", result.Total, tt.want)
			}
			if len(result.Commands) != tt.want {
				t.Errorf("len(Commands) = %d, want %d", len(result.Commands), tt.want)
			}
		})
	}
}

func TestRepository_ListErrorDetail(t *testing.T) {
	repo := newTestRepository(t)
	seedRecords(t, repo)

	result, err := repo.List(context.Background(), audit.Filter{Status: "error"})
	if err != nil {
		t.Fatalf("List() = %v", err)
	}
	if len(result.Commands) != 1 {
		t.Fatalf("len(Commands) = %d, want 1", len(result.Commands))
	}
	rec := result.Commands[0]
	if rec.Error != "device unreachable" {
		t.Errorf("Error = %q, want \"device unreachable\"", rec.Error)
	}
	if rec.UserID != "bob" {
		t.Errorf("UserID = %q, want \"bob\"", rec.UserID)
	}
}

func TestRepository_ListPagination(t *testing.T) {
	repo := newTestRepository(t)
	seedRecords(t, repo)

	result, err := repo.List(context.Background(), audit.Filter{Limit: 2})
	if err != nil {
		t.Fatalf("List() = %v", err)
	}
	if len(result.Commands) != 2 {
		t.Fatalf("len(Commands) = %d, want 2", len(result.Commands))
	}
	if result.Total != 3 {
		t.Errorf("Total = %d, want 3", result.Total)
	}

	next, err := repo.List(context.Background(), audit.Filter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("List() = %v", err)
	}
	if len(next.Commands) != 1 {
		t.Fatalf("len(Commands) = %d, want 1 on last page", len(next.Commands))
	}
	if next.Commands[0].ID == result.Commands[0].ID {
		t.Error("pagination returned an overlapping record")
	}
}

func TestRepository_ListClampsLimit(t *testing.T) {
	repo := newTestRepository(t)

	result, err := repo.List(context.Background(), audit.Filter{Limit: 5000, Offset: -3})
	if err != nil {
		t.Fatalf("List() = %v", err)
	}
	if result.Limit != 200 {
		t.Errorf("Limit = %d, want clamped to 200", result.Limit)
	}
	if result.Offset != 0 {
		t.Errorf("Offset = %d, want clamped to 0", result.Offset)
	}
	if result.Commands == nil {
		t.Error("Commands should be an empty slice, not nil")
	}
}
