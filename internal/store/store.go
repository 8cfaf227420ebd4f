// Package store provides the record store the queue and ledger are built on.
//
// The contract is deliberately narrow (see [Table]): insert, single-row
// conditional update, equality-filtered ordered scan and point lookup. Any
// backend offering an atomic per-row compare-and-set can implement it.
// Three backends ship: Postgres (pgxpool + squirrel), Redis (WATCH/MULTI) and
// an in-memory table for tests and single-process use.
package store

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgUniqueViolation is the SQLSTATE for a unique constraint violation.
const pgUniqueViolation = "23505"

// Store owns the Postgres pool. Tables are views over it; the pool is closed
// by the caller that created it.
type Store struct {
	pool *pgxpool.Pool
	psql sq.StatementBuilderType
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool: pool,
		psql: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// Pool returns the underlying pgxpool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Table returns a Table for schema. The table must exist (see migrations).
func (s *Store) Table(schema Schema) *PostgresTable {
	return &PostgresTable{store: s, schema: schema, cols: schema.columns()}
}

// PostgresTable implements Table on one Postgres table. Every row carries an
// id text primary key and a bigserial seq column.
type PostgresTable struct {
	store  *Store
	schema Schema
	cols   []string
}

// Insert implements Table.
func (t *PostgresTable) Insert(ctx context.Context, row Row) (string, error) {
	if err := t.schema.validate(row); err != nil {
		return "", err
	}
	r := row.Clone()
	delete(r, ColSeq)
	id := r.String(ColID)
	if id == "" {
		id = uuid.NewString()
		r[ColID] = id
	}

	query, args, err := t.store.psql.Insert(t.schema.Name).SetMap(r).ToSql()
	if err != nil {
		return "", fmt.Errorf("%s insert: build query: %w", t.schema.Name, err)
	}
	if _, err := t.store.pool.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return "", ErrDuplicate
		}
		return "", unavailable(t.schema.Name+" insert", err)
	}
	return id, nil
}

// ConditionalUpdate implements Table. The expected columns are part of the
// UPDATE's WHERE clause, so Postgres row locking serializes competing calls
// and only one of them can observe a given expected value.
func (t *PostgresTable) ConditionalUpdate(ctx context.Context, id string, expected, set Row) (bool, error) {
	if err := t.schema.validate(expected, set); err != nil {
		return false, err
	}
	s := set.Clone()
	delete(s, ColID)
	delete(s, ColSeq)
	if len(s) == 0 {
		return false, fmt.Errorf("%s update: empty set", t.schema.Name)
	}

	ub := t.store.psql.Update(t.schema.Name).SetMap(s).Where(sq.Eq{ColID: id})
	if len(expected) > 0 {
		ub = ub.Where(sq.Eq(expected))
	}
	query, args, err := ub.ToSql()
	if err != nil {
		return false, fmt.Errorf("%s update: build query: %w", t.schema.Name, err)
	}
	tag, err := t.store.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, unavailable(t.schema.Name+" update", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Query implements Table.
func (t *PostgresTable) Query(ctx context.Context, q Query) ([]Row, error) {
	if err := t.schema.validate(q.Where); err != nil {
		return nil, err
	}
	sb := t.store.psql.Select(t.cols...).From(t.schema.Name)
	if len(q.Where) > 0 {
		sb = sb.Where(sq.Eq(q.Where))
	}
	sb = sb.OrderBy(append(append([]string{}, q.OrderBy...), ColSeq)...)
	if q.Limit > 0 {
		sb = sb.Limit(uint64(q.Limit)) //nolint:gosec // G115: positive, checked above
	}
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s query: build query: %w", t.schema.Name, err)
	}

	rows, err := t.store.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable(t.schema.Name+" query", err)
	}
	defer rows.Close()

	out := make([]Row, 0)
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, unavailable(t.schema.Name+" scan", err)
		}
		out = append(out, t.toRow(vals))
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(t.schema.Name+" rows", err)
	}
	return out, nil
}

// Get implements Table.
func (t *PostgresTable) Get(ctx context.Context, id string) (Row, error) {
	rows, err := t.Query(ctx, Query{Where: Row{ColID: id}, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

// toRow converts pgx native values to the Row value set.
func (t *PostgresTable) toRow(vals []any) Row {
	r := make(Row, len(t.cols))
	for i, col := range t.cols {
		switch v := vals[i].(type) {
		case int16:
			r[col] = int64(v)
		case int32:
			r[col] = int64(v)
		case [16]byte:
			r[col] = uuid.UUID(v).String()
		default:
			r[col] = v
		}
	}
	return r
}

// compile-time interface checks
var (
	_ Table = (*PostgresTable)(nil)
	_ Table = (*MemoryTable)(nil)
	_ Table = (*RedisTable)(nil)
)
