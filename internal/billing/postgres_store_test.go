package billing

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return m.queryRowFunc(ctx, sql, args...)
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return m.execFunc(ctx, sql, args...)
}

func TestPostgresStore_LogCall(t *testing.T) {
	created := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	var gotArgs []any
	db := &mockDB{queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
		gotArgs = args
		return mockRow{scanFunc: func(dest ...any) error {
			*dest[0].(*string) = "log-1"
			*dest[1].(*time.Time) = created
			return nil
		}}
	}}

	entry := &UsageLog{
		TenantID:     "tenant-1",
		RequestID:    "req-1",
		APIKeyID:     "key-1",
		Model:        "claude-3-5-haiku-20241022",
		RequestType:  RequestTypeAnalyze,
		Status:       StatusFailed,
		ErrorCode:    "ALL_MODELS_FAILED",
		RequestBody:  json.RawMessage(`{"model":"x"}`),
		ResponseBody: nil,
	}
	if err := NewPostgresStore(db).LogCall(context.Background(), entry); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if entry.ID != "log-1" || !entry.CreatedAt.Equal(created) {
		t.Errorf("Expected id and created_at to be filled, got %+v", entry)
	}
	if gotArgs[8] != "failed" {
		t.Errorf("Expected status arg, got %v", gotArgs[8])
	}
	if gotArgs[13] != `{"model":"x"}` {
		t.Errorf("Expected request body, got %v", gotArgs[13])
	}
	if gotArgs[14] != nil {
		t.Errorf("Expected NULL response body, got %v", gotArgs[14])
	}
	if gotArgs[15] != "key-1" {
		t.Errorf("Expected api key id, got %v", gotArgs[15])
	}
}

func TestPostgresStore_LogTokenUsageError(t *testing.T) {
	db := &mockDB{execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, errors.New("connection reset")
	}}

	err := NewPostgresStore(db).LogTokenUsage(context.Background(), &TokenUsage{TenantID: "tenant-1"})
	if err == nil {
		t.Fatal("Expected error")
	}
}

func TestPostgresStore_GetTotalCostByTenant(t *testing.T) {
	db := &mockDB{queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
		return mockRow{scanFunc: func(dest ...any) error {
			*dest[0].(*float64) = 1.25
			return nil
		}}
	}}

	total, err := NewPostgresStore(db).GetTotalCostByTenant(context.Background(), "tenant-1", time.Now().Add(-time.Hour), time.Now())
	if err != nil || total != 1.25 {
		t.Errorf("Expected 1.25, got %v (%v)", total, err)
	}
}
