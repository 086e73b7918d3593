package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(sqlx.NewDb(db, "postgres")), mock
}

func minerRows(ids ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "pool", "coin", "worker_name", "api_key", "secret_key", "status", "total_horas_online",
	})
	for _, id := range ids {
		rows.AddRow(id, "viabtc", "BTC", "worker"+id, "key", nil, "online", 12.5)
	}
	return rows
}

func TestSelectCandidates(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`lower\(pool\) = lower\(\$1\)`).
		WithArgs("ViaBTC").
		WillReturnRows(minerRows("m1", "m2"))

	miners, err := s.SelectCandidates(context.Background(), "ViaBTC", false)
	if err != nil {
		t.Fatalf("SelectCandidates: %v", err)
	}
	if len(miners) != 2 {
		t.Fatalf("got %d miners, want 2", len(miners))
	}
	if miners[0].ID != "m1" || miners[0].WorkerName != "workerm1" {
		t.Errorf("unexpected first row: %+v", miners[0])
	}
	if !miners[0].HoursOn.Valid || miners[0].HoursOn.Float64 != 12.5 {
		t.Errorf("hours not scanned: %+v", miners[0].HoursOn)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSelectCandidatesNeedSecret(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`secret_key IS NOT NULL AND secret_key <> ''`).
		WithArgs("binance").
		WillReturnRows(minerRows())

	miners, err := s.SelectCandidates(context.Background(), "binance", true)
	if err != nil {
		t.Fatalf("SelectCandidates: %v", err)
	}
	if len(miners) != 0 {
		t.Fatalf("got %d miners, want 0", len(miners))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestGetMinerNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`FROM miners WHERE id = \$1`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetMiner(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestGetMiner(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`FROM miners WHERE id = \$1`).
		WithArgs("m7").
		WillReturnRows(minerRows("m7"))

	m, err := s.GetMiner(context.Background(), "m7")
	if err != nil {
		t.Fatalf("GetMiner: %v", err)
	}
	if m.ID != "m7" || m.StatusText() != StatusOnline {
		t.Errorf("unexpected miner: %+v", m)
	}
}

func TestGetMinersEmptyInput(t *testing.T) {
	s, _ := newMockStore(t)

	miners, err := s.GetMiners(context.Background(), nil)
	if err != nil {
		t.Fatalf("GetMiners: %v", err)
	}
	if miners != nil {
		t.Fatalf("expected nil result for empty ids, got %v", miners)
	}
}

func TestGetMiners(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`WHERE id = ANY\(\$1\)`).
		WillReturnRows(minerRows("a", "b"))

	miners, err := s.GetMiners(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("GetMiners: %v", err)
	}
	if len(miners) != 2 {
		t.Fatalf("got %d miners, want 2", len(miners))
	}
}

func TestIncrementHoursSkipsMaintenance(t *testing.T) {
	s, mock := newMockStore(t)

	// Three ids submitted, one is in maintenance and excluded by the
	// statement predicate.
	mock.ExpectExec(`lower\(COALESCE\(status, ''\)\) <> \$3`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := s.IncrementHours(context.Background(), []string{"a", "b", "maint"})
	if err != nil {
		t.Fatalf("IncrementHours: %v", err)
	}
	if n != 2 {
		t.Fatalf("credited %d rows, want 2", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestIncrementHoursEmptyInput(t *testing.T) {
	s, _ := newMockStore(t)

	n, err := s.IncrementHours(context.Background(), nil)
	if err != nil || n != 0 {
		t.Fatalf("got (%d, %v), want (0, nil)", n, err)
	}
}

func TestSetStatusReturnsUpdatedIDs(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`RETURNING id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("a").AddRow("c"))

	updated, err := s.SetStatus(context.Background(), []string{"a", "b", "c"}, StatusOffline)
	if err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if len(updated) != 2 || updated[0] != "a" || updated[1] != "c" {
		t.Fatalf("updated = %v, want [a c]", updated)
	}
}

func TestSetStatusEmptyInput(t *testing.T) {
	s, _ := newMockStore(t)

	updated, err := s.SetStatus(context.Background(), nil, StatusOnline)
	if err != nil || updated != nil {
		t.Fatalf("got (%v, %v), want (nil, nil)", updated, err)
	}
}

func TestWithRetryRecoversTransientError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`FROM miners WHERE id = \$1`).
		WithArgs("m1").
		WillReturnError(errors.New("dial tcp: connection refused"))
	mock.ExpectQuery(`FROM miners WHERE id = \$1`).
		WithArgs("m1").
		WillReturnRows(minerRows("m1"))

	m, err := s.GetMiner(context.Background(), "m1")
	if err != nil {
		t.Fatalf("GetMiner after retry: %v", err)
	}
	if m.ID != "m1" {
		t.Errorf("got id %q, want m1", m.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestWithRetryDoesNotRetryLogicErrors(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`FROM miners WHERE id = \$1`).
		WithArgs("m1").
		WillReturnError(errors.New(`pq: column "nope" does not exist`))

	if _, err := s.GetMiner(context.Background(), "m1"); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("connect: connection timeout"), true},
		{errors.New("connection refused"), true},
		{errors.New("read: connection reset by peer"), true},
		{errors.New("syntax error"), false},
	}
	for _, tc := range cases {
		if got := retryable(tc.err); got != tc.want {
			t.Errorf("retryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
