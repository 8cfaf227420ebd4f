// ABOUTME: Record store contract shared by the job queue and the account ledger.
// ABOUTME: A Table is a keyed set of rows supporting insert, conditional update and filtered scan.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Reserved column names present on every row.
const (
	ColID  = "id"
	ColSeq = "seq"
)

var (
	// ErrNotFound is returned by Get when no row has the requested id.
	ErrNotFound = errors.New("store: row not found")
	// ErrDuplicate is returned by Insert when a row with the same id exists.
	ErrDuplicate = errors.New("store: duplicate id")
	// ErrUnavailable wraps every backend failure. Callers may retry.
	ErrUnavailable = errors.New("store: unavailable")
)

// Row maps column names to values. Values are string, int64, time.Time or nil.
type Row map[string]any

// String returns the string value of col, or "" if absent or not a string.
func (r Row) String(col string) string {
	s, _ := r[col].(string)
	return s
}

// Int returns the int64 value of col, or 0.
func (r Row) Int(col string) int64 {
	n, _ := r[col].(int64)
	return n
}

// Time returns the time value of col. ok is false when the column is unset.
func (r Row) Time(col string) (t time.Time, ok bool) {
	t, ok = r[col].(time.Time)
	return t, ok
}

// Clone returns a shallow copy of r.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Query selects rows whose columns equal every value in Where, sorted
// ascending by OrderBy. Limit 0 means no limit.
type Query struct {
	Where   Row
	OrderBy []string
	Limit   int
}

// Table is the storage contract the queue and ledger are built on.
//
// ConditionalUpdate must be a single indivisible operation per call: the set
// is applied only if every expected column currently matches, and concurrent
// conditional updates on the same row must serialize so that at most one of
// them observes a given expected value.
type Table interface {
	// Insert stores row and returns its id. If row has no id one is generated.
	// The store assigns a strictly increasing seq.
	Insert(ctx context.Context, row Row) (string, error)
	// ConditionalUpdate applies set to row id only if every column in expected
	// matches. A missing row reports false.
	ConditionalUpdate(ctx context.Context, id string, expected, set Row) (bool, error)
	// Query returns rows matching q.
	Query(ctx context.Context, q Query) ([]Row, error)
	// Get returns one row or ErrNotFound.
	Get(ctx context.Context, id string) (Row, error)
}

// Kind is the type of a column as stored by string-typed backends.
type Kind uint8

const (
	KindString Kind = iota
	KindInt
	KindTime
)

// Schema declares the columns of a table. The id and seq columns are implicit.
type Schema struct {
	Name    string
	Columns map[string]Kind
}

// kind returns the declared kind of col.
func (s Schema) kind(col string) (Kind, bool) {
	switch col {
	case ColID:
		return KindString, true
	case ColSeq:
		return KindInt, true
	}
	k, ok := s.Columns[col]
	return k, ok
}

// validate rejects columns the schema does not declare.
func (s Schema) validate(rows ...Row) error {
	for _, r := range rows {
		for col := range r {
			if _, ok := s.kind(col); !ok {
				return fmt.Errorf("%s: unknown column %q", s.Name, col)
			}
		}
	}
	return nil
}

// columns returns every column name in a stable order.
func (s Schema) columns() []string {
	cols := make([]string, 0, len(s.Columns)+2)
	cols = append(cols, ColID, ColSeq)
	for c := range s.Columns {
		cols = append(cols, c)
	}
	sort.Strings(cols[2:])
	return cols
}

// equalValue compares two row values, treating times by instant.
func equalValue(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	return a == b
}

// matches reports whether row satisfies every equality in where.
func matches(row, where Row) bool {
	for col, want := range where {
		if !equalValue(row[col], want) {
			return false
		}
	}
	return true
}

// compareValue orders two values of the same kind. nil sorts first.
func compareValue(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	switch av := a.(type) {
	case int64:
		bv, _ := b.(int64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case time.Time:
		bv, _ := b.(time.Time)
		return av.Compare(bv)
	case string:
		bv, _ := b.(string)
		return strings.Compare(av, bv)
	}
	return 0
}

// sortRows orders rows ascending by the given columns, falling back to seq.
func sortRows(rows []Row, orderBy []string) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, col := range orderBy {
			if c := compareValue(rows[i][col], rows[j][col]); c != 0 {
				return c < 0
			}
		}
		return rows[i].Int(ColSeq) < rows[j].Int(ColSeq)
	})
}

// unavailable wraps err as ErrUnavailable with operation context.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
