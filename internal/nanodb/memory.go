package nanodb

import (
	"context"
	"fmt"
	"sync"
)

// MemoryDatabase holds named in-memory collections.
type MemoryDatabase struct {
	mu          sync.Mutex
	collections map[string]any
}

// NewMemoryDatabase creates an empty in-memory document database.
func NewMemoryDatabase() *MemoryDatabase {
	return &MemoryDatabase{collections: make(map[string]any)}
}

// MemoryCollection stores documents in insertion order.
type MemoryCollection[T Document] struct {
	mu   sync.RWMutex
	name string
	docs []T
}

// OpenMemoryCollection returns the named collection, creating it on first
// use. It fails if the name is already bound to a different document type.
func OpenMemoryCollection[T Document](db *MemoryDatabase, name string) (*MemoryCollection[T], error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if existing, ok := db.collections[name]; ok {
		col, ok := existing.(*MemoryCollection[T])
		if !ok {
			return nil, fmt.Errorf("collection %q already exists with a different schema", name)
		}
		return col, nil
	}

	col := &MemoryCollection[T]{name: name}
	db.collections[name] = col
	return col, nil
}

// Find returns all documents matching filter in insertion order.
func (c *MemoryCollection[T]) Find(ctx context.Context, filter QueryFilter) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if filter == nil {
		out := make([]T, len(c.docs))
		copy(out, c.docs)
		return out, nil
	}

	var out []T
	for _, doc := range c.docs {
		m, err := docAsMap(doc)
		if err != nil {
			return nil, err
		}
		if filter.Matches(m) {
			out = append(out, doc)
		}
	}
	return out, nil
}

// InsertOne appends a document.
func (c *MemoryCollection[T]) InsertOne(ctx context.Context, doc T) (InsertOneResult, error) {
	if err := ctx.Err(); err != nil {
		return InsertOneResult{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.docs = append(c.docs, doc)
	return InsertOneResult{Acknowledged: true, InsertedID: doc.DocumentID()}, nil
}

// DeleteOne removes the first document matching filter.
func (c *MemoryCollection[T]) DeleteOne(ctx context.Context, filter QueryFilter) (DeleteResult[T], error) {
	if err := ctx.Err(); err != nil {
		return DeleteResult[T]{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i, doc := range c.docs {
		m, err := docAsMap(doc)
		if err != nil {
			return DeleteResult[T]{}, err
		}
		if filter == nil || filter.Matches(m) {
			removed := c.docs[i]
			c.docs = append(c.docs[:i], c.docs[i+1:]...)
			return DeleteResult[T]{Acknowledged: true, DeletedCount: 1, DeletedDocument: &removed}, nil
		}
	}
	return DeleteResult[T]{Acknowledged: true}, nil
}
