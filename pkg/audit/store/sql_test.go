package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/auditledger/pkg/audit"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := NewSQLStore(db, SQLite)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLStore_SQLite(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return newSQLiteStore(t) })
}

func TestSQLStore_SQLiteChainBatches(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	n := chainBatch + 7
	for i := 0; i < n; i++ {
		rec := sampleRecord(i)
		rec.Targets = rec.Targets[:1]
		require.NoError(t, s.Append(ctx, rec))
	}

	count := 0
	var last int64
	require.NoError(t, s.Chain(ctx, "admin", func(r *audit.Record) error {
		assert.Greater(t, r.ID, last)
		assert.Len(t, r.Targets, 1)
		last = r.ID
		count++
		return nil
	}))
	assert.Equal(t, n, count)
}

func TestSQLStore_SQLiteRejectsEmptyRequiredFields(t *testing.T) {
	s := newSQLiteStore(t)
	rec := sampleRecord(1)
	rec.ActorID = ""
	assert.Error(t, s.Append(context.Background(), rec))

	_, total, err := s.Search(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func setupMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := NewSQLStore(db, Postgres)
	require.NoError(t, err)
	return s, mock
}

var mockColumns = []string{
	"id", "occurred_at", "source_system", "chain_id",
	"actor_id", "actor_name", "actor_roles",
	"module_key", "module_name", "action_code", "operation_code", "operation_name", "operation_kind",
	"result", "summary", "change_request_ref",
	"client_ip", "client_agent", "request_uri", "http_method",
	"metadata", "extra_attributes", "details",
	"signature", "previous_signature_ref", "encrypted_payload", "payload_iv",
}

func mockRow(rows *sqlmock.Rows, id int64, at time.Time) *sqlmock.Rows {
	return rows.AddRow(
		id, at, "admin", "admin",
		"u-1", "Alice", `["admin"]`,
		"user", "User Management", "user.update", "update", "Update user", "UPDATE",
		"SUCCESS", "Update user", "",
		"10.0.0.1", "curl", "/api/users/1", "PUT",
		`{"k":"v"}`, nil, `[{"key":"a","value":"b"}]`,
		"abc", "", nil, nil,
	)
}

func TestNewSQLStore(t *testing.T) {
	_, err := NewSQLStore(nil, Postgres)
	assert.EqualError(t, err, "database connection is required")

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	_, err = NewSQLStore(db, Dialect{})
	assert.Error(t, err)
}

func TestSQLStore_Migrate(t *testing.T) {
	s, mock := setupMockStore(t)
	for range Postgres.Schema() {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())

	s, mock = setupMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_records").WillReturnError(errors.New("permission denied"))
	err := s.Migrate(context.Background())
	assert.ErrorContains(t, err, "failed to migrate audit schema")
}

func TestSQLStore_AppendPostgres(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		s, mock := setupMockStore(t)
		rec := sampleRecord(1)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO audit_records")).
			WithArgs(
				rec.OccurredAt, "admin", "admin",
				"u-1", "Alice Admin", `["admin","auditor"]`,
				"user", "User Management", "user.update", "update", "Update user", "UPDATE",
				"SUCCESS", "Update user 1", "",
				"10.1.2.3", "curl/8", "/api/users/1", "PUT",
				`{"request_id":"1"}`, nil, `[{"key":"field","value":"email"}]`,
				rec.Signature, rec.PreviousSignatureRef, sqlmock.AnyArg(), sqlmock.AnyArg(),
			).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_targets (record_id, position, table_name, target_id, label) VALUES ($1, $2, $3, $4, $5)")).
			WithArgs(int64(42), 0, "sys_user", "1", "user").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO audit_targets").
			WithArgs(int64(42), 1, "sys_user_role", "1-1", "").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, s.Append(context.Background(), rec))
		assert.Equal(t, int64(42), rec.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("target insert failure rolls back", func(t *testing.T) {
		s, mock := setupMockStore(t)
		rec := sampleRecord(1)

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO audit_records").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
		mock.ExpectExec("INSERT INTO audit_targets").WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		err := s.Append(context.Background(), rec)
		assert.ErrorContains(t, err, "failed to insert audit target")
		assert.Zero(t, rec.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSQLStore_GetPostgres(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("found", func(t *testing.T) {
		s, mock := setupMockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM audit_records WHERE id = $1")).
			WithArgs(int64(5)).
			WillReturnRows(mockRow(sqlmock.NewRows(mockColumns), 5, at))
		mock.ExpectQuery(regexp.QuoteMeta("FROM audit_targets WHERE record_id IN ($1)")).
			WithArgs(int64(5)).
			WillReturnRows(sqlmock.NewRows([]string{"record_id", "table_name", "target_id", "label"}).
				AddRow(5, "sys_user", "1", "alice"))

		rec, err := s.Get(context.Background(), 5)
		require.NoError(t, err)
		assert.Equal(t, int64(5), rec.ID)
		assert.Equal(t, audit.KindUpdate, rec.OperationKind)
		assert.Equal(t, []string{"admin"}, rec.ActorRoles)
		assert.Equal(t, map[string]string{"k": "v"}, rec.Metadata)
		assert.Nil(t, rec.ExtraAttributes)
		assert.Equal(t, []audit.Detail{{Key: "a", Value: "b"}}, rec.Details)
		assert.Equal(t, []audit.Target{{Table: "sys_user", ID: "1", Label: "alice"}}, rec.Targets)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		s, mock := setupMockStore(t)
		mock.ExpectQuery("FROM audit_records WHERE id").WillReturnError(sql.ErrNoRows)

		_, err := s.Get(context.Background(), 5)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSQLStore_SearchPostgres(t *testing.T) {
	s, mock := setupMockStore(t)
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	start := at.Add(-time.Hour)

	filter := Filter{
		Actor:       "ali",
		Kinds:       []audit.OperationKind{audit.KindUpdate, audit.KindDelete},
		TargetTable: "sys_user",
		Keyword:     "50%_off",
		Start:       &start,
		Limit:       20,
		Offset:      40,
	}

	where := ` WHERE (r.actor_id = $1 OR r.actor_name ILIKE $2 ESCAPE '\') AND r.operation_kind = ANY($3)` +
		` AND EXISTS (SELECT 1 FROM audit_targets t WHERE t.record_id = r.id AND LOWER(t.table_name) = LOWER($4))` +
		` AND (r.summary ILIKE $5 ESCAPE '\' OR r.operation_name ILIKE $6 ESCAPE '\' OR r.request_uri ILIKE $7 ESCAPE '\')` +
		` AND r.occurred_at >= $8`
	kw := `%50\%\_off%`

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM audit_records r" + where)).
		WithArgs("ali", "%ali%", sqlmock.AnyArg(), "sys_user", kw, kw, kw, start).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(41))
	mock.ExpectQuery(regexp.QuoteMeta(where + " ORDER BY r.occurred_at DESC, r.id DESC LIMIT $9 OFFSET $10")).
		WithArgs("ali", "%ali%", sqlmock.AnyArg(), "sys_user", kw, kw, kw, start, 20, 40).
		WillReturnRows(mockRow(sqlmock.NewRows(mockColumns), 1, at))
	mock.ExpectQuery("FROM audit_targets").
		WillReturnRows(sqlmock.NewRows([]string{"record_id", "table_name", "target_id", "label"}))

	records, total, err := s.Search(context.Background(), filter)
	require.NoError(t, err)
	assert.Equal(t, int64(41), total)
	require.Len(t, records, 1)
	assert.Empty(t, records[0].Targets)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_SearchCursorPostgres(t *testing.T) {
	s, mock := setupMockStore(t)
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	where := ` WHERE r.chain_id = $1 AND (r.occurred_at < $2 OR (r.occurred_at = $3 AND r.id < $4))`
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM audit_records r" + where)).
		WithArgs("admin", at, at, int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta(where + " ORDER BY r.occurred_at DESC, r.id DESC LIMIT $5")).
		WithArgs("admin", at, at, int64(9), 500).
		WillReturnRows(mockRow(sqlmock.NewRows(mockColumns), 8, at))
	mock.ExpectQuery("FROM audit_targets").
		WillReturnRows(sqlmock.NewRows([]string{"record_id", "table_name", "target_id", "label"}))

	records, _, err := s.Search(context.Background(), Filter{
		ChainID: "admin",
		Before:  &Cursor{OccurredAt: at, ID: 9},
		Limit:   500,
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(8), records[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_PurgeAllPostgres(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		s, mock := setupMockStore(t)
		// the count comes from the delete itself, so rows inserted after a
		// separate COUNT could not go missing from it
		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM audit_targets").WillReturnResult(sqlmock.NewResult(0, 30))
		mock.ExpectExec("DELETE FROM audit_records").WillReturnResult(sqlmock.NewResult(0, 12))
		mock.ExpectCommit()

		n, err := s.PurgeAll(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(12), n)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("delete failure", func(t *testing.T) {
		s, mock := setupMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM audit_targets").WillReturnError(errors.New("locked"))
		mock.ExpectRollback()

		n, err := s.PurgeAll(context.Background())
		assert.Error(t, err)
		assert.Zero(t, n)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSQLStore_LastInChainPostgres(t *testing.T) {
	s, mock := setupMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE chain_id = $1 ORDER BY id DESC LIMIT 1")).
		WithArgs("admin").
		WillReturnError(sql.ErrNoRows)

	rec, err := s.LastInChain(context.Background(), "admin")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDialect(t *testing.T) {
	d, err := DialectFor("postgresql")
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.Name())
	assert.Equal(t, "$3", d.Placeholder(3))
	assert.Equal(t, "ILIKE", d.ILike())

	d, err = DialectFor("sqlite")
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", d.Name())
	assert.Equal(t, "?", d.Placeholder(3))
	assert.Equal(t, "LIKE", d.ILike())

	clause, args := d.anyOf("k", 2, []string{"a", "b"})
	assert.Equal(t, "k IN (?, ?)", clause)
	assert.Equal(t, []any{"a", "b"}, args)

	_, err = DialectFor("oracle")
	assert.Error(t, err)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `a\%b\_c\\d`, escapeLike(`a%b_c\d`))
	assert.Equal(t, `%x%`, containsPattern("x"))
}
