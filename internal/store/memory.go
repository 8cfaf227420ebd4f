// ABOUTME: In-process Table backend. A one-slot channel lock makes every call atomic.
// ABOUTME: Used by unit tests and STORE_BACKEND=memory single-process deployments.
package store

import (
	"context"

	"github.com/google/uuid"
)

// MemoryTable is a Table held in process memory.
type MemoryTable struct {
	schema Schema
	mu     chan struct{} // 1-slot semaphore so Lock can honour ctx
	rows   map[string]Row
	seq    int64
}

// NewMemoryTable returns an empty MemoryTable for schema.
func NewMemoryTable(schema Schema) *MemoryTable {
	return &MemoryTable{
		schema: schema,
		mu:     make(chan struct{}, 1),
		rows:   make(map[string]Row),
	}
}

func (t *MemoryTable) lock(ctx context.Context) error {
	select {
	case t.mu <- struct{}{}:
		return nil
	case <-ctx.Done():
		return unavailable(t.schema.Name, ctx.Err())
	}
}

func (t *MemoryTable) unlock() { <-t.mu }

// Insert implements Table.
func (t *MemoryTable) Insert(ctx context.Context, row Row) (string, error) {
	if err := t.schema.validate(row); err != nil {
		return "", err
	}
	if err := t.lock(ctx); err != nil {
		return "", err
	}
	defer t.unlock()

	r := row.Clone()
	id := r.String(ColID)
	if id == "" {
		id = uuid.NewString()
		r[ColID] = id
	}
	if _, exists := t.rows[id]; exists {
		return "", ErrDuplicate
	}
	t.seq++
	r[ColSeq] = t.seq
	t.rows[id] = r
	return id, nil
}

// ConditionalUpdate implements Table.
func (t *MemoryTable) ConditionalUpdate(ctx context.Context, id string, expected, set Row) (bool, error) {
	if err := t.schema.validate(expected, set); err != nil {
		return false, err
	}
	if err := t.lock(ctx); err != nil {
		return false, err
	}
	defer t.unlock()

	cur, ok := t.rows[id]
	if !ok || !matches(cur, expected) {
		return false, nil
	}
	next := cur.Clone()
	for k, v := range set {
		if k == ColID || k == ColSeq {
			continue
		}
		next[k] = v
	}
	t.rows[id] = next
	return true, nil
}

// Query implements Table.
func (t *MemoryTable) Query(ctx context.Context, q Query) ([]Row, error) {
	if err := t.schema.validate(q.Where); err != nil {
		return nil, err
	}
	if err := t.lock(ctx); err != nil {
		return nil, err
	}
	out := make([]Row, 0)
	for _, r := range t.rows {
		if matches(r, q.Where) {
			out = append(out, r.Clone())
		}
	}
	t.unlock()

	sortRows(out, q.OrderBy)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Get implements Table.
func (t *MemoryTable) Get(ctx context.Context, id string) (Row, error) {
	if err := t.lock(ctx); err != nil {
		return nil, err
	}
	defer t.unlock()
	r, ok := t.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}
