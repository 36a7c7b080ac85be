// Package nanodb is a minimal embedded document store.
//
// Collections hold JSON-serializable documents and support insert, filtered
// find in insertion order, and delete-one. Two backends exist: an in-memory
// database and a sqlite-backed one storing each document as an opaque JSON
// column. Filtering always happens in Go against the document's JSON form,
// so both backends match identically.
package nanodb

import (
	"context"
	"encoding/json"
	"fmt"
)

// Document is any record that can live in a collection.
type Document interface {
	DocumentID() string
}

// InsertOneResult reports the outcome of an insert.
type InsertOneResult struct {
	Acknowledged bool
	InsertedID   string
}

// DeleteResult reports the outcome of a delete-one.
type DeleteResult[T Document] struct {
	Acknowledged    bool
	DeletedCount    int
	DeletedDocument *T
}

// Collection is the operation surface shared by all backends.
type Collection[T Document] interface {
	// Find returns all documents matching filter in insertion order.
	// A nil filter matches everything.
	Find(ctx context.Context, filter QueryFilter) ([]T, error)
	// InsertOne appends a document to the collection.
	InsertOne(ctx context.Context, doc T) (InsertOneResult, error)
	// DeleteOne removes the first document matching filter.
	DeleteOne(ctx context.Context, filter QueryFilter) (DeleteResult[T], error)
}

// docAsMap converts a document to its JSON object form for filter matching.
func docAsMap(doc any) (map[string]any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	return m, nil
}
