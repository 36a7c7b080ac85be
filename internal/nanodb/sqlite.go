package nanodb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteDatabase backs collections with a sqlite file. Each collection is a
// table with the document id and its JSON form; rowid preserves insertion
// order. Filters are evaluated in Go so behavior matches the memory backend.
type SQLiteDatabase struct {
	db *sql.DB
}

// OpenSQLiteDatabase opens (creating if needed) the database at path.
func OpenSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single writer keeps collection operations serialized.
	db.SetMaxOpenConns(1)
	return &SQLiteDatabase{db: db}, nil
}

// Close closes the underlying database.
func (d *SQLiteDatabase) Close() error {
	return d.db.Close()
}

// SQLiteCollection is a sqlite-backed document collection.
type SQLiteCollection[T Document] struct {
	db    *sql.DB
	table string
}

// OpenSQLiteCollection ensures the backing table exists and returns the
// collection.
func OpenSQLiteCollection[T Document](db *SQLiteDatabase, name string) (*SQLiteCollection[T], error) {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		id TEXT NOT NULL,
		doc TEXT NOT NULL
	)`, name)
	if _, err := db.db.Exec(query); err != nil {
		return nil, fmt.Errorf("create collection table %q: %w", name, err)
	}
	return &SQLiteCollection[T]{db: db.db, table: name}, nil
}

// Find returns all documents matching filter in insertion order.
func (c *SQLiteCollection[T]) Find(ctx context.Context, filter QueryFilter) ([]T, error) {
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf("SELECT doc FROM %q ORDER BY rowid", c.table))
	if err != nil {
		return nil, fmt.Errorf("query collection %q: %w", c.table, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []T
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		doc, m, err := decodeDoc[T](raw)
		if err != nil {
			return nil, err
		}
		if filter == nil || filter.Matches(m) {
			out = append(out, doc)
		}
	}
	return out, rows.Err()
}

// InsertOne appends a document.
func (c *SQLiteCollection[T]) InsertOne(ctx context.Context, doc T) (InsertOneResult, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return InsertOneResult{}, fmt.Errorf("marshal document: %w", err)
	}
	query := fmt.Sprintf("INSERT INTO %q (id, doc) VALUES (?, ?)", c.table)
	if _, err := c.db.ExecContext(ctx, query, doc.DocumentID(), string(raw)); err != nil {
		return InsertOneResult{}, fmt.Errorf("insert into %q: %w", c.table, err)
	}
	return InsertOneResult{Acknowledged: true, InsertedID: doc.DocumentID()}, nil
}

// DeleteOne removes the first document matching filter.
func (c *SQLiteCollection[T]) DeleteOne(ctx context.Context, filter QueryFilter) (DeleteResult[T], error) {
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf("SELECT rowid, doc FROM %q ORDER BY rowid", c.table))
	if err != nil {
		return DeleteResult[T]{}, fmt.Errorf("query collection %q: %w", c.table, err)
	}

	var (
		matchRowID int64
		matched    *T
	)
	for rows.Next() {
		var (
			rowID int64
			raw   string
		)
		if err := rows.Scan(&rowID, &raw); err != nil {
			_ = rows.Close()
			return DeleteResult[T]{}, err
		}
		doc, m, err := decodeDoc[T](raw)
		if err != nil {
			_ = rows.Close()
			return DeleteResult[T]{}, err
		}
		if filter == nil || filter.Matches(m) {
			matchRowID = rowID
			matched = &doc
			break
		}
	}
	if err := rows.Close(); err != nil {
		return DeleteResult[T]{}, err
	}

	if matched == nil {
		return DeleteResult[T]{Acknowledged: true}, nil
	}

	query := fmt.Sprintf("DELETE FROM %q WHERE rowid = ?", c.table)
	if _, err := c.db.ExecContext(ctx, query, matchRowID); err != nil {
		return DeleteResult[T]{}, fmt.Errorf("delete from %q: %w", c.table, err)
	}
	return DeleteResult[T]{Acknowledged: true, DeletedCount: 1, DeletedDocument: matched}, nil
}

func decodeDoc[T Document](raw string) (T, map[string]any, error) {
	var doc T
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return doc, nil, fmt.Errorf("unmarshal document: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return doc, nil, fmt.Errorf("unmarshal document: %w", err)
	}
	return doc, m, nil
}
