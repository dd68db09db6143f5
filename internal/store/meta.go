package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
)

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// upsertMeta bulk-upserts key-value pairs. Keys are applied in sorted order
// so two stores seeded with the same map end up byte-identical.
func upsertMeta(db execer, values map[string]string) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		_, err := db.Exec(`
			INSERT INTO meta (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, k, values[k])
		if err != nil {
			return fmt.Errorf("upsert meta %q: %w", k, err)
		}
	}
	return nil
}

// ReadMeta returns the full metadata table.
func (s *Store) ReadMeta(ctx context.Context) (map[string]string, error) {
	rows, err := s.readDB.QueryContext(ctx, `SELECT key, value FROM meta`)
	if err != nil {
		return nil, fmt.Errorf("read meta: %w", err)
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("read meta: %w", err)
		}
		meta[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read meta: %w", err)
	}
	return meta, nil
}

// WriteMeta bulk-upserts metadata through the write serializer.
func (s *Store) WriteMeta(ctx context.Context, values map[string]string) error {
	return s.Mutate(ctx, func(tx *sql.Tx) error {
		return upsertMeta(tx, values)
	})
}
