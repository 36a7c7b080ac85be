package agent

import (
	"context"
	"sync"
	"time"

	"github.com/sessiond/sessiond/internal/common/ids"
	"github.com/sessiond/sessiond/internal/nanodb"
)

const documentVersion = "0.0.1"

// Store is the agent persistence surface.
type Store interface {
	CreateAgent(ctx context.Context, agentType AgentType, name, description string) (*Agent, error)
	ReadAgent(ctx context.Context, id AgentID) (*Agent, error)
	ListAgents(ctx context.Context) ([]Agent, error)
	DeleteAgent(ctx context.Context, id AgentID) (bool, error)
}

type agentDocument struct {
	Agent
	Version string `json:"version"`
}

func (d agentDocument) DocumentID() string { return string(d.ID) }

// DocumentStore persists agents in a nanodb collection.
type DocumentStore struct {
	col nanodb.Collection[agentDocument]
	mu  sync.RWMutex
}

// NewDocumentStore builds an agent store over the given memory database.
func NewDocumentStore(db *nanodb.MemoryDatabase) (*DocumentStore, error) {
	col, err := nanodb.OpenMemoryCollection[agentDocument](db, "agents")
	if err != nil {
		return nil, err
	}
	return &DocumentStore{col: col}, nil
}

// NewSQLiteDocumentStore builds an agent store over the given sqlite database.
func NewSQLiteDocumentStore(db *nanodb.SQLiteDatabase) (*DocumentStore, error) {
	col, err := nanodb.OpenSQLiteCollection[agentDocument](db, "agents")
	if err != nil {
		return nil, err
	}
	return &DocumentStore{col: col}, nil
}

// CreateAgent inserts a new agent with a generated id.
func (s *DocumentStore) CreateAgent(ctx context.Context, agentType AgentType, name, description string) (*Agent, error) {
	a := Agent{
		ID:          AgentID(ids.New()),
		Type:        agentType,
		Name:        name,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.col.InsertOne(ctx, agentDocument{Agent: a, Version: documentVersion}); err != nil {
		return nil, err
	}
	return &a, nil
}

// ReadAgent returns the agent with the given id, or nil if absent.
func (s *DocumentStore) ReadAgent(ctx context.Context, id AgentID) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs, err := s.col.Find(ctx, nanodb.Comparison{Path: "id", Op: nanodb.OpEq, Value: id})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	a := docs[0].Agent
	return &a, nil
}

// ListAgents returns all agents in insertion order.
func (s *DocumentStore) ListAgents(ctx context.Context) ([]Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs, err := s.col.Find(ctx, nil)
	if err != nil {
		return nil, err
	}
	agents := make([]Agent, 0, len(docs))
	for _, d := range docs {
		agents = append(agents, d.Agent)
	}
	return agents, nil
}

// DeleteAgent removes the agent with the given id. It returns whether an
// agent was deleted.
func (s *DocumentStore) DeleteAgent(ctx context.Context, id AgentID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.col.DeleteOne(ctx, nanodb.Comparison{Path: "id", Op: nanodb.OpEq, Value: id})
	if err != nil {
		return false, err
	}
	return res.DeletedCount > 0, nil
}
