package user

import (
	"context"
	"sync"
	"time"

	"github.com/sessiond/sessiond/internal/common/ids"
	"github.com/sessiond/sessiond/internal/nanodb"
)

const documentVersion = "0.0.1"

// Store is the user persistence surface.
type Store interface {
	CreateUser(ctx context.Context, sub, name, email string) (*User, error)
	ReadUser(ctx context.Context, id UserID) (*User, error)
	ReadUserBySub(ctx context.Context, sub string) (*User, error)
}

type userDocument struct {
	User
	Version string `json:"version"`
}

func (d userDocument) DocumentID() string { return string(d.ID) }

// DocumentStore persists users in a nanodb collection.
type DocumentStore struct {
	col nanodb.Collection[userDocument]
	mu  sync.RWMutex
}

// NewDocumentStore builds a user store over the given memory database.
func NewDocumentStore(db *nanodb.MemoryDatabase) (*DocumentStore, error) {
	col, err := nanodb.OpenMemoryCollection[userDocument](db, "users")
	if err != nil {
		return nil, err
	}
	return &DocumentStore{col: col}, nil
}

// NewSQLiteDocumentStore builds a user store over the given sqlite database.
func NewSQLiteDocumentStore(db *nanodb.SQLiteDatabase) (*DocumentStore, error) {
	col, err := nanodb.OpenSQLiteCollection[userDocument](db, "users")
	if err != nil {
		return nil, err
	}
	return &DocumentStore{col: col}, nil
}

// CreateUser inserts a new user with a generated id.
func (s *DocumentStore) CreateUser(ctx context.Context, sub, name, email string) (*User, error) {
	u := User{
		ID:        UserID(ids.New()),
		Sub:       sub,
		Name:      name,
		Email:     email,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.col.InsertOne(ctx, userDocument{User: u, Version: documentVersion}); err != nil {
		return nil, err
	}
	return &u, nil
}

// ReadUser returns the user with the given id, or nil if absent.
func (s *DocumentStore) ReadUser(ctx context.Context, id UserID) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs, err := s.col.Find(ctx, nanodb.Comparison{Path: "id", Op: nanodb.OpEq, Value: id})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	u := docs[0].User
	return &u, nil
}

// ReadUserBySub returns the user with the given external subject, or nil.
func (s *DocumentStore) ReadUserBySub(ctx context.Context, sub string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs, err := s.col.Find(ctx, nanodb.Comparison{Path: "sub", Op: nanodb.OpEq, Value: sub})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	u := docs[0].User
	return &u, nil
}
