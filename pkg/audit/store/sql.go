package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/auditledger/pkg/audit"
)

const recordColumns = `id, occurred_at, source_system, chain_id,
	actor_id, actor_name, actor_roles,
	module_key, module_name, action_code, operation_code, operation_name, operation_kind,
	result, summary, change_request_ref,
	client_ip, client_agent, request_uri, http_method,
	metadata, extra_attributes, details,
	signature, previous_signature_ref, encrypted_payload, payload_iv`

// chainBatch bounds how many records Chain holds in memory at once
const chainBatch = 500

// SQLStore persists records in postgres or sqlite
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore creates a store on db. Call Migrate to create the tables.
func NewSQLStore(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if dialect.name == "" {
		return nil, fmt.Errorf("database dialect is required")
	}
	return &SQLStore{db: db, dialect: dialect}, nil
}

// DB returns the underlying connection pool
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect returns the store dialect
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// Migrate creates the audit tables if they don't exist
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate audit schema: %w", err)
		}
	}
	return nil
}

// Append inserts rec and its targets in one transaction
func (s *SQLStore) Append(ctx context.Context, rec *audit.Record) error {
	roles, err := marshalNullable(rec.ActorRoles, len(rec.ActorRoles) == 0)
	if err != nil {
		return fmt.Errorf("failed to marshal actor roles: %w", err)
	}
	metadata, err := marshalNullable(rec.Metadata, len(rec.Metadata) == 0)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	extra, err := marshalNullable(rec.ExtraAttributes, len(rec.ExtraAttributes) == 0)
	if err != nil {
		return fmt.Errorf("failed to marshal extra attributes: %w", err)
	}
	details, err := marshalNullable(rec.Details, len(rec.Details) == 0)
	if err != nil {
		return fmt.Errorf("failed to marshal details: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	marks := make([]string, 26)
	for i := range marks {
		marks[i] = s.dialect.Placeholder(i + 1)
	}
	query := fmt.Sprintf(`
		INSERT INTO audit_records (
			occurred_at, source_system, chain_id,
			actor_id, actor_name, actor_roles,
			module_key, module_name, action_code, operation_code, operation_name, operation_kind,
			result, summary, change_request_ref,
			client_ip, client_agent, request_uri, http_method,
			metadata, extra_attributes, details,
			signature, previous_signature_ref, encrypted_payload, payload_iv
		) VALUES (%s) RETURNING id`, strings.Join(marks, ", "))

	var id int64
	err = tx.QueryRowContext(ctx, query,
		rec.OccurredAt, rec.SourceSystem, rec.ChainID,
		rec.ActorID, rec.ActorName, roles,
		rec.ModuleKey, rec.ModuleName, rec.ActionCode, rec.OperationCode, rec.OperationName, string(rec.OperationKind),
		string(rec.Result), rec.Summary, rec.ChangeRequestRef,
		rec.ClientIP, rec.ClientAgent, rec.RequestURI, rec.HTTPMethod,
		metadata, extra, details,
		rec.Signature, rec.PreviousSignatureRef, rec.EncryptedPayload, rec.PayloadIV,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}

	if len(rec.Targets) > 0 {
		targetQuery := fmt.Sprintf(
			"INSERT INTO audit_targets (record_id, position, table_name, target_id, label) VALUES (%s, %s, %s, %s, %s)",
			s.dialect.Placeholder(1), s.dialect.Placeholder(2), s.dialect.Placeholder(3),
			s.dialect.Placeholder(4), s.dialect.Placeholder(5))
		for i, t := range rec.Targets {
			if _, err := tx.ExecContext(ctx, targetQuery, id, i, t.Table, t.ID, t.Label); err != nil {
				return fmt.Errorf("failed to insert audit target: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit record: %w", err)
	}
	rec.ID = id
	return nil
}

// Get retrieves a record by id
func (s *SQLStore) Get(ctx context.Context, id int64) (*audit.Record, error) {
	query := fmt.Sprintf("SELECT %s FROM audit_records WHERE id = %s", recordColumns, s.dialect.Placeholder(1))
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit record: %w", err)
	}
	if err := s.attachTargets(ctx, []*audit.Record{rec}); err != nil {
		return nil, err
	}
	return rec, nil
}

// Search returns a page of matching records ordered by occurred_at and id,
// newest first, plus the total number of matches
func (s *SQLStore) Search(ctx context.Context, filter Filter) ([]*audit.Record, int64, error) {
	where := s.where(filter)

	var total int64
	countQuery := "SELECT COUNT(*) FROM audit_records r" + where.clause()
	if err := s.db.QueryRowContext(ctx, countQuery, where.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit records: %w", err)
	}

	query := fmt.Sprintf("SELECT %s FROM audit_records r%s ORDER BY r.occurred_at DESC, r.id DESC",
		prefixed(recordColumns, "r."), where.clause())
	args := where.args
	if filter.Limit > 0 {
		query += " LIMIT " + s.dialect.Placeholder(len(args)+1)
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET " + s.dialect.Placeholder(len(args)+1)
			args = append(args, filter.Offset)
		}
	}

	records, err := s.queryRecords(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to search audit records: %w", err)
	}
	if err := s.attachTargets(ctx, records); err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// PurgeAll deletes every record and target and returns how many records the
// delete removed
func (s *SQLStore) PurgeAll(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "DELETE FROM audit_targets"); err != nil {
		return 0, fmt.Errorf("failed to purge audit targets: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM audit_records")
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit records: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged audit records: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit purge: %w", err)
	}
	return count, nil
}

// LastInChain returns the newest record of chainID or nil for an empty chain
func (s *SQLStore) LastInChain(ctx context.Context, chainID string) (*audit.Record, error) {
	query := fmt.Sprintf("SELECT %s FROM audit_records WHERE chain_id = %s ORDER BY id DESC LIMIT 1",
		recordColumns, s.dialect.Placeholder(1))
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, chainID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load chain head: %w", err)
	}
	if err := s.attachTargets(ctx, []*audit.Record{rec}); err != nil {
		return nil, err
	}
	return rec, nil
}

// Chain streams chainID in append order, in batches
func (s *SQLStore) Chain(ctx context.Context, chainID string, fn func(*audit.Record) error) error {
	query := fmt.Sprintf("SELECT %s FROM audit_records WHERE chain_id = %s AND id > %s ORDER BY id ASC LIMIT %d",
		recordColumns, s.dialect.Placeholder(1), s.dialect.Placeholder(2), chainBatch)

	var after int64
	for {
		batch, err := s.queryRecords(ctx, query, chainID, after)
		if err != nil {
			return fmt.Errorf("failed to read chain %s: %w", chainID, err)
		}
		if err := s.attachTargets(ctx, batch); err != nil {
			return err
		}
		for _, rec := range batch {
			if err := fn(rec); err != nil {
				return err
			}
		}
		if len(batch) < chainBatch {
			return nil
		}
		after = batch[len(batch)-1].ID
	}
}

// Chains lists distinct chain ids
func (s *SQLStore) Chains(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT chain_id FROM audit_records ORDER BY chain_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list chains: %w", err)
	}
	defer rows.Close()

	chains := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan chain id: %w", err)
		}
		chains = append(chains, id)
	}
	return chains, rows.Err()
}

// Stats aggregates counts by result, module and kind
func (s *SQLStore) Stats(ctx context.Context, start, end *time.Time) (*Stats, error) {
	where := s.where(Filter{Start: start, End: end})
	query := "SELECT r.result, r.module_key, r.operation_kind, COUNT(*) FROM audit_records r" +
		where.clause() + " GROUP BY r.result, r.module_key, r.operation_kind"

	rows, err := s.db.QueryContext(ctx, query, where.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit stats: %w", err)
	}
	defer rows.Close()

	stats := newStats()
	for rows.Next() {
		var result, module, kind string
		var n int64
		if err := rows.Scan(&result, &module, &kind, &n); err != nil {
			return nil, fmt.Errorf("failed to scan audit stats: %w", err)
		}
		stats.Total += n
		stats.ByResult[audit.Result(result)] += n
		stats.ByModule[module] += n
		stats.ByKind[audit.OperationKind(kind)] += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit stats: %w", err)
	}
	return stats, nil
}

type whereClause struct {
	clauses []string
	args    []any
}

func (w *whereClause) clause() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func (s *SQLStore) where(f Filter) *whereClause {
	w := &whereClause{}
	next := func() string { return s.dialect.Placeholder(len(w.args) + 1) }
	add := func(format string, arg any) {
		w.clauses = append(w.clauses, fmt.Sprintf(format, next()))
		w.args = append(w.args, arg)
	}
	like := s.dialect.ILike()

	if f.Actor != "" {
		idMark := next()
		w.args = append(w.args, f.Actor)
		nameMark := next()
		w.args = append(w.args, containsPattern(f.Actor))
		w.clauses = append(w.clauses, fmt.Sprintf(`(r.actor_id = %s OR r.actor_name %s %s ESCAPE '\')`, idMark, like, nameMark))
	}
	if f.ModuleKey != "" {
		add("r.module_key = %s", f.ModuleKey)
	}
	if len(f.Kinds) > 0 {
		kinds := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = string(k)
		}
		clause, args := s.dialect.anyOf("r.operation_kind", len(w.args)+1, kinds)
		w.clauses = append(w.clauses, clause)
		w.args = append(w.args, args...)
	}
	if f.Result != "" {
		add("r.result = %s", string(f.Result))
	}
	if f.TargetTable != "" || f.TargetID != "" {
		sub := "EXISTS (SELECT 1 FROM audit_targets t WHERE t.record_id = r.id"
		if f.TargetTable != "" {
			sub += " AND LOWER(t.table_name) = LOWER(" + next() + ")"
			w.args = append(w.args, f.TargetTable)
		}
		if f.TargetID != "" {
			sub += " AND t.target_id = " + next()
			w.args = append(w.args, f.TargetID)
		}
		w.clauses = append(w.clauses, sub+")")
	}
	if f.ClientIP != "" {
		add(`r.client_ip `+like+` %s ESCAPE '\'`, containsPattern(f.ClientIP))
	}
	if f.Keyword != "" {
		pattern := containsPattern(f.Keyword)
		marks := make([]any, 3)
		for i := range marks {
			marks[i] = next()
			w.args = append(w.args, pattern)
		}
		w.clauses = append(w.clauses, fmt.Sprintf(
			`(r.summary %[4]s %[1]s ESCAPE '\' OR r.operation_name %[4]s %[2]s ESCAPE '\' OR r.request_uri %[4]s %[3]s ESCAPE '\')`,
			marks[0], marks[1], marks[2], like))
	}
	if f.ChainID != "" {
		add("r.chain_id = %s", f.ChainID)
	}
	if f.Start != nil {
		add("r.occurred_at >= %s", f.Start.UTC())
	}
	if f.End != nil {
		add("r.occurred_at <= %s", f.End.UTC())
	}
	if f.Before != nil {
		atMark := next()
		w.args = append(w.args, f.Before.OccurredAt.UTC())
		atEqMark := next()
		w.args = append(w.args, f.Before.OccurredAt.UTC())
		idMark := next()
		w.args = append(w.args, f.Before.ID)
		w.clauses = append(w.clauses, fmt.Sprintf("(r.occurred_at < %s OR (r.occurred_at = %s AND r.id < %s))", atMark, atEqMark, idMark))
	}
	return w
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*audit.Record, error) {
	rec := &audit.Record{}
	var roles, metadata, extra, details sql.NullString
	var kind, result string

	err := row.Scan(
		&rec.ID, &rec.OccurredAt, &rec.SourceSystem, &rec.ChainID,
		&rec.ActorID, &rec.ActorName, &roles,
		&rec.ModuleKey, &rec.ModuleName, &rec.ActionCode, &rec.OperationCode, &rec.OperationName, &kind,
		&result, &rec.Summary, &rec.ChangeRequestRef,
		&rec.ClientIP, &rec.ClientAgent, &rec.RequestURI, &rec.HTTPMethod,
		&metadata, &extra, &details,
		&rec.Signature, &rec.PreviousSignatureRef, &rec.EncryptedPayload, &rec.PayloadIV,
	)
	if err != nil {
		return nil, err
	}
	rec.OccurredAt = rec.OccurredAt.UTC()
	rec.OperationKind = audit.OperationKind(kind)
	rec.Result = audit.Result(result)

	if err := unmarshalNullable(roles, &rec.ActorRoles); err != nil {
		return nil, fmt.Errorf("failed to unmarshal actor roles: %w", err)
	}
	if err := unmarshalNullable(metadata, &rec.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	if err := unmarshalNullable(extra, &rec.ExtraAttributes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal extra attributes: %w", err)
	}
	if err := unmarshalNullable(details, &rec.Details); err != nil {
		return nil, fmt.Errorf("failed to unmarshal details: %w", err)
	}
	if len(rec.EncryptedPayload) == 0 {
		rec.EncryptedPayload = nil
	}
	if len(rec.PayloadIV) == 0 {
		rec.PayloadIV = nil
	}
	return rec, nil
}

func (s *SQLStore) queryRecords(ctx context.Context, query string, args ...any) ([]*audit.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []*audit.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit records: %w", err)
	}
	return records, nil
}

// attachTargets loads targets for records with one query
func (s *SQLStore) attachTargets(ctx context.Context, records []*audit.Record) error {
	if len(records) == 0 {
		return nil
	}
	byID := make(map[int64]*audit.Record, len(records))
	ids := make([]string, 0, len(records))
	args := make([]any, 0, len(records))
	for i, rec := range records {
		byID[rec.ID] = rec
		ids = append(ids, s.dialect.Placeholder(i+1))
		args = append(args, rec.ID)
	}

	query := fmt.Sprintf(
		"SELECT record_id, table_name, target_id, label FROM audit_targets WHERE record_id IN (%s) ORDER BY record_id, position",
		strings.Join(ids, ", "))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to load audit targets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var t audit.Target
		if err := rows.Scan(&id, &t.Table, &t.ID, &t.Label); err != nil {
			return fmt.Errorf("failed to scan audit target: %w", err)
		}
		if rec, ok := byID[id]; ok {
			rec.Targets = append(rec.Targets, t)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating audit targets: %w", err)
	}
	return nil
}

func marshalNullable(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalNullable(ns sql.NullString, dst any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dst)
}

// prefixed qualifies each column in a comma separated list
func prefixed(columns, prefix string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
