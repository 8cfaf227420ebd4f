// ABOUTME: Redis Table backend: one hash per row, a set of ids per table, INCR for seq.
// ABOUTME: ConditionalUpdate runs under WATCH/MULTI so a concurrent writer aborts the loser.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisTable implements Table on a Redis server. Values are stored as strings
// and decoded through the schema's column kinds; a missing hash field is nil.
type RedisTable struct {
	rdb    redis.UniversalClient
	schema Schema
	prefix string
}

// NewRedisTable returns a RedisTable for schema. prefix namespaces every key.
func NewRedisTable(rdb redis.UniversalClient, prefix string, schema Schema) *RedisTable {
	return &RedisTable{rdb: rdb, schema: schema, prefix: prefix}
}

func (t *RedisTable) rowKey(id string) string { return t.prefix + t.schema.Name + ":row:" + id }
func (t *RedisTable) idsKey() string          { return t.prefix + t.schema.Name + ":ids" }
func (t *RedisTable) seqKey() string          { return t.prefix + t.schema.Name + ":seq" }

// Insert implements Table. The row key is watched and written in one
// MULTI together with the id set, so a failed insert leaves nothing behind
// and two inserts of the same id cannot both succeed. seq is drawn first; a
// failed insert only leaves a gap in the sequence.
func (t *RedisTable) Insert(ctx context.Context, row Row) (string, error) {
	if err := t.schema.validate(row); err != nil {
		return "", err
	}
	r := row.Clone()
	id := r.String(ColID)
	if id == "" {
		id = uuid.NewString()
	}
	key := t.rowKey(id)

	seq, err := t.rdb.Incr(ctx, t.seqKey()).Result()
	if err != nil {
		return "", unavailable(t.schema.Name+" insert seq", err)
	}
	r[ColID] = id
	r[ColSeq] = seq

	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicate
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, t.encode(r))
			pipe.SAdd(ctx, t.idsKey(), id)
			return nil
		})
		return err
	}

	err = t.rdb.Watch(ctx, txf, key)
	switch {
	case err == nil:
		return id, nil
	case errors.Is(err, ErrDuplicate), errors.Is(err, redis.TxFailedErr):
		// The watched key changed under us: a concurrent insert of this id won.
		return "", ErrDuplicate
	default:
		return "", unavailable(t.schema.Name+" insert", err)
	}
}

// ConditionalUpdate implements Table.
func (t *RedisTable) ConditionalUpdate(ctx context.Context, id string, expected, set Row) (bool, error) {
	if err := t.schema.validate(expected, set); err != nil {
		return false, err
	}
	key := t.rowKey(id)
	applied := false

	txf := func(tx *redis.Tx) error {
		raw, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(raw) == 0 || !matches(t.decode(raw), expected) {
			return nil
		}
		s := set.Clone()
		delete(s, ColID)
		delete(s, ColSeq)
		var clear []string
		for col, v := range s {
			if v == nil {
				clear = append(clear, col)
				delete(s, col)
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if fields := t.encode(s); len(fields) > 0 {
				pipe.HSet(ctx, key, fields)
			}
			if len(clear) > 0 {
				pipe.HDel(ctx, key, clear...)
			}
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}

	err := t.rdb.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, unavailable(t.schema.Name+" update", err)
	}
	return applied, nil
}

// Query implements Table by scanning the table's id set.
func (t *RedisTable) Query(ctx context.Context, q Query) ([]Row, error) {
	if err := t.schema.validate(q.Where); err != nil {
		return nil, err
	}
	ids, err := t.rdb.SMembers(ctx, t.idsKey()).Result()
	if err != nil {
		return nil, unavailable(t.schema.Name+" query", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = t.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, t.rowKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, unavailable(t.schema.Name+" query", err)
	}

	out := make([]Row, 0)
	for _, cmd := range cmds {
		raw := cmd.Val()
		if len(raw) == 0 {
			continue
		}
		r := t.decode(raw)
		if matches(r, q.Where) {
			out = append(out, r)
		}
	}
	sortRows(out, q.OrderBy)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Get implements Table.
func (t *RedisTable) Get(ctx context.Context, id string) (Row, error) {
	raw, err := t.rdb.HGetAll(ctx, t.rowKey(id)).Result()
	if err != nil {
		return nil, unavailable(t.schema.Name+" get", err)
	}
	if len(raw) == 0 {
		return nil, ErrNotFound
	}
	return t.decode(raw), nil
}

func (t *RedisTable) encode(r Row) map[string]any {
	out := make(map[string]any, len(r))
	for col, v := range r {
		switch val := v.(type) {
		case nil:
		case time.Time:
			out[col] = val.UTC().Format(time.RFC3339Nano)
		case int64:
			out[col] = strconv.FormatInt(val, 10)
		case string:
			out[col] = val
		default:
			out[col] = fmt.Sprint(val)
		}
	}
	return out
}

func (t *RedisTable) decode(raw map[string]string) Row {
	r := make(Row, len(t.schema.Columns)+2)
	for col := range t.schema.Columns {
		r[col] = nil
	}
	for col, s := range raw {
		kind, ok := t.schema.kind(col)
		if !ok {
			continue
		}
		switch kind {
		case KindInt:
			n, err := strconv.ParseInt(s, 10, 64)
			if err == nil {
				r[col] = n
			}
		case KindTime:
			ts, err := time.Parse(time.RFC3339Nano, s)
			if err == nil {
				r[col] = ts
			}
		default:
			r[col] = s
		}
	}
	return r
}
