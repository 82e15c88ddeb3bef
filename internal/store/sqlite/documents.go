package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/store"
)

// buildWhere compiles a dotted-path equality filter into SQL. Paths are
// validated against a conservative character set because they end up inside
// the json_extract expression, not as bind parameters.
func buildWhere(collection string, filter store.Filter) (string, []any, error) {
	clauses := []string{"collection = ?"}
	args := []any{collection}
	for path, val := range filter {
		if !validPath(path) {
			return "", nil, fmt.Errorf("sqlite: invalid filter path %q", path)
		}
		clauses = append(clauses, fmt.Sprintf("json_extract(doc, '$.%s') = ?", path))
		args = append(args, bindValue(val))
	}
	return strings.Join(clauses, " AND "), args, nil
}

func validPath(path string) bool {
	for _, r := range path {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '_', r == '.', r == '-':
		default:
			return false
		}
	}
	return path != ""
}

// bindValue normalizes Go values to what json_extract yields: booleans
// compare as 0/1, everything else binds as-is.
func bindValue(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}

// FindOne returns the first matching document.
func (s *Store) FindOne(ctx context.Context, collection string, filter store.Filter) (store.Document, error) {
	where, args, err := buildWhere(collection, filter)
	if err != nil {
		return nil, err
	}
	var raw string
	err = s.read.QueryRowContext(ctx,
		"SELECT doc FROM documents WHERE "+where+" ORDER BY id LIMIT 1", args...,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, gateway.ErrNotFound
		}
		return nil, err
	}
	var doc store.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("sqlite: decode document: %w", err)
	}
	return doc, nil
}

// Find returns matching documents with optional sort/skip/limit.
func (s *Store) Find(ctx context.Context, collection string, filter store.Filter, opts *store.FindOptions) ([]store.Document, error) {
	where, args, err := buildWhere(collection, filter)
	if err != nil {
		return nil, err
	}

	order := "id"
	if opts != nil && opts.Sort != "" {
		path, dir := opts.Sort, "ASC"
		if strings.HasPrefix(path, "-") {
			path, dir = path[1:], "DESC"
		}
		if !validPath(path) {
			return nil, fmt.Errorf("sqlite: invalid sort path %q", opts.Sort)
		}
		order = fmt.Sprintf("json_extract(doc, '$.%s') %s", path, dir)
	}

	q := "SELECT doc FROM documents WHERE " + where + " ORDER BY " + order
	if opts != nil && opts.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", opts.Limit)
		if opts.Skip > 0 {
			q += fmt.Sprintf(" OFFSET %d", opts.Skip)
		}
	} else if opts != nil && opts.Skip > 0 {
		q += fmt.Sprintf(" LIMIT -1 OFFSET %d", opts.Skip)
	}

	rows, err := s.read.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Document
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var doc store.Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("sqlite: decode document: %w", err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// InsertOne stores a new document.
func (s *Store) InsertOne(ctx context.Context, collection string, doc store.Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("sqlite: encode document: %w", err)
	}
	_, err = s.write.ExecContext(ctx,
		"INSERT INTO documents (collection, doc) VALUES (?, ?)", collection, string(raw))
	return err
}

// UpdateOne applies the update to the first match inside one transaction on
// the single-writer connection, so filter-guarded updates behave as CAS.
func (s *Store) UpdateOne(ctx context.Context, collection string, filter store.Filter, update store.Update) error {
	where, args, err := buildWhere(collection, filter)
	if err != nil {
		return err
	}

	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	var id int64
	var raw string
	err = tx.QueryRowContext(ctx,
		"SELECT id, doc FROM documents WHERE "+where+" ORDER BY id LIMIT 1", args...,
	).Scan(&id, &raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return gateway.ErrNotFound
		}
		return err
	}

	var doc store.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return fmt.Errorf("sqlite: decode document: %w", err)
	}
	if err := store.ApplyUpdate(doc, update); err != nil {
		return err
	}
	updated, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("sqlite: encode document: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE documents SET doc = ? WHERE id = ?", string(updated), id); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteOne removes the first matching document.
func (s *Store) DeleteOne(ctx context.Context, collection string, filter store.Filter) error {
	where, args, err := buildWhere(collection, filter)
	if err != nil {
		return err
	}
	res, err := s.write.ExecContext(ctx,
		"DELETE FROM documents WHERE id IN (SELECT id FROM documents WHERE "+where+" ORDER BY id LIMIT 1)",
		args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return gateway.ErrNotFound
	}
	return nil
}

// Count returns the number of matching documents.
func (s *Store) Count(ctx context.Context, collection string, filter store.Filter) (int64, error) {
	where, args, err := buildWhere(collection, filter)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.read.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM documents WHERE "+where, args...).Scan(&n)
	return n, err
}

// Watch is not supported by the SQLite backend.
func (s *Store) Watch(context.Context, string) (<-chan store.Event, error) {
	return nil, store.ErrWatchUnsupported
}
