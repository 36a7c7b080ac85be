package session

import (
	"context"
	"sync"
	"time"

	"github.com/sessiond/sessiond/internal/agent"
	"github.com/sessiond/sessiond/internal/common/errors"
	"github.com/sessiond/sessiond/internal/common/ids"
	"github.com/sessiond/sessiond/internal/nanodb"
	"github.com/sessiond/sessiond/internal/user"
)

const documentVersion = "0.0.1"

// CreateSessionParams carries the optional fields of session creation.
// A zero ID or CreatedAt is filled in by the store.
type CreateSessionParams struct {
	UserID    user.UserID
	AgentID   agent.AgentID
	ID        SessionID
	Mode      SessionMode
	Title     string
	CreatedAt time.Time
}

// UpdateSessionParams carries the mutable session fields. Nil fields are
// left unchanged.
type UpdateSessionParams struct {
	Title              *string
	ConsumptionOffsets map[ConsumerID]int
}

// CreateEventParams carries the caller-supplied fields of an event. The
// store assigns the id, the offset and the creation time.
type CreateEventParams struct {
	Source        EventSource
	Type          EventType
	CorrelationID string
	Data          any
	Metadata      map[string]any
}

// ListEventsFilter narrows ListEvents results. Zero fields do not filter.
type ListEventsFilter struct {
	Source         EventSource
	CorrelationID  string
	Types          []EventType
	MinOffset      int
	HasMinOffset   bool
	ExcludeDeleted bool
}

// Store is the session and event persistence surface. Event creation is
// serialized per store so offsets stay gap-free.
type Store interface {
	CreateSession(ctx context.Context, params CreateSessionParams) (*Session, error)
	ReadSession(ctx context.Context, id SessionID) (*Session, error)
	UpdateSession(ctx context.Context, id SessionID, params UpdateSessionParams) (*Session, error)
	DeleteSession(ctx context.Context, id SessionID) (bool, error)
	ListSessions(ctx context.Context, agentID agent.AgentID, userID user.UserID) ([]Session, error)

	CreateEvent(ctx context.Context, sessionID SessionID, params CreateEventParams) (*Event, error)
	ReadEvent(ctx context.Context, sessionID SessionID, eventID EventID) (*Event, error)
	ListEvents(ctx context.Context, sessionID SessionID, filter ListEventsFilter) ([]Event, error)
	DeleteEvent(ctx context.Context, sessionID SessionID, eventID EventID) (bool, error)
}

type sessionDocument struct {
	Session
	Version string `json:"version"`
}

func (d sessionDocument) DocumentID() string { return string(d.ID) }

type eventDocument struct {
	Event
	Version string `json:"version"`
}

func (d eventDocument) DocumentID() string { return string(d.ID) }

// DocumentStore persists sessions and their event logs in nanodb
// collections. A readers-writer lock serializes event appends.
type DocumentStore struct {
	sessions nanodb.Collection[sessionDocument]
	events   nanodb.Collection[eventDocument]
	mu       sync.RWMutex
}

// NewDocumentStore builds a session store over the given memory database.
func NewDocumentStore(db *nanodb.MemoryDatabase) (*DocumentStore, error) {
	sessions, err := nanodb.OpenMemoryCollection[sessionDocument](db, "sessions")
	if err != nil {
		return nil, err
	}
	events, err := nanodb.OpenMemoryCollection[eventDocument](db, "events")
	if err != nil {
		return nil, err
	}
	return &DocumentStore{sessions: sessions, events: events}, nil
}

// NewSQLiteDocumentStore builds a session store over the given sqlite
// database.
func NewSQLiteDocumentStore(db *nanodb.SQLiteDatabase) (*DocumentStore, error) {
	sessions, err := nanodb.OpenSQLiteCollection[sessionDocument](db, "sessions")
	if err != nil {
		return nil, err
	}
	events, err := nanodb.OpenSQLiteCollection[eventDocument](db, "events")
	if err != nil {
		return nil, err
	}
	return &DocumentStore{sessions: sessions, events: events}, nil
}

// CreateSession inserts a new session. Consumption offsets start at zero
// for the client consumer.
func (s *DocumentStore) CreateSession(ctx context.Context, params CreateSessionParams) (*Session, error) {
	sess := Session{
		ID:                 params.ID,
		UserID:             params.UserID,
		AgentID:            params.AgentID,
		Mode:               params.Mode,
		Title:              params.Title,
		ConsumptionOffsets: map[ConsumerID]int{ConsumerClient: 0},
		CreatedAt:          params.CreatedAt,
	}
	if sess.ID == "" {
		sess.ID = SessionID(ids.New())
	}
	if sess.Mode == "" {
		sess.Mode = ModeAuto
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.sessions.InsertOne(ctx, sessionDocument{Session: sess, Version: documentVersion}); err != nil {
		return nil, err
	}
	return &sess, nil
}

// ReadSession returns the session with the given id, or nil if absent.
func (s *DocumentStore) ReadSession(ctx context.Context, id SessionID) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readSessionLocked(ctx, id)
}

func (s *DocumentStore) readSessionLocked(ctx context.Context, id SessionID) (*Session, error) {
	docs, err := s.sessions.Find(ctx, nanodb.Comparison{Path: "id", Op: nanodb.OpEq, Value: id})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	sess := docs[0].Session
	return &sess, nil
}

// UpdateSession replaces the mutable fields of a session.
func (s *DocumentStore) UpdateSession(ctx context.Context, id SessionID, params UpdateSessionParams) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.readSessionLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, errors.NotFound("session", string(id))
	}

	if params.Title != nil {
		sess.Title = *params.Title
	}
	if params.ConsumptionOffsets != nil {
		sess.ConsumptionOffsets = params.ConsumptionOffsets
	}

	if _, err := s.sessions.DeleteOne(ctx, nanodb.Comparison{Path: "id", Op: nanodb.OpEq, Value: id}); err != nil {
		return nil, err
	}
	if _, err := s.sessions.InsertOne(ctx, sessionDocument{Session: *sess, Version: documentVersion}); err != nil {
		return nil, err
	}
	return sess, nil
}

// DeleteSession removes a session and its entire event log. It returns
// whether a session was deleted.
func (s *DocumentStore) DeleteSession(ctx context.Context, id SessionID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.sessions.DeleteOne(ctx, nanodb.Comparison{Path: "id", Op: nanodb.OpEq, Value: id})
	if err != nil {
		return false, err
	}
	if res.DeletedCount == 0 {
		return false, nil
	}

	eventFilter := nanodb.Comparison{Path: "session_id", Op: nanodb.OpEq, Value: id}
	for {
		del, err := s.events.DeleteOne(ctx, eventFilter)
		if err != nil {
			return true, err
		}
		if del.DeletedCount == 0 {
			return true, nil
		}
	}
}

// ListSessions returns sessions, optionally narrowed by agent and user.
func (s *DocumentStore) ListSessions(ctx context.Context, agentID agent.AgentID, userID user.UserID) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exprs []nanodb.QueryFilter
	if agentID != "" {
		exprs = append(exprs, nanodb.Comparison{Path: "agent_id", Op: nanodb.OpEq, Value: agentID})
	}
	if userID != "" {
		exprs = append(exprs, nanodb.Comparison{Path: "user_id", Op: nanodb.OpEq, Value: userID})
	}

	var filter nanodb.QueryFilter
	switch len(exprs) {
	case 0:
	case 1:
		filter = exprs[0]
	default:
		filter = nanodb.And{Expressions: exprs}
	}

	docs, err := s.sessions.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	sessions := make([]Session, 0, len(docs))
	for _, d := range docs {
		sessions = append(sessions, d.Session)
	}
	return sessions, nil
}

// CreateEvent appends an event to a session's log. The offset is the
// current event count, taken and inserted under the writer lock so
// concurrent appends never produce duplicate or skipped offsets.
func (s *DocumentStore) CreateEvent(ctx context.Context, sessionID SessionID, params CreateEventParams) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.readSessionLocked(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, errors.NotFound("session", string(sessionID))
	}

	existing, err := s.events.Find(ctx, nanodb.Comparison{Path: "session_id", Op: nanodb.OpEq, Value: sessionID})
	if err != nil {
		return nil, err
	}

	ev := Event{
		ID:            EventID(ids.New()),
		SessionID:     sessionID,
		Source:        params.Source,
		Type:          params.Type,
		Offset:        len(existing),
		CorrelationID: params.CorrelationID,
		Data:          params.Data,
		Metadata:      params.Metadata,
		CreatedAt:     time.Now().UTC(),
	}
	if _, err := s.events.InsertOne(ctx, eventDocument{Event: ev, Version: documentVersion}); err != nil {
		return nil, err
	}
	return &ev, nil
}

// ReadEvent returns one event from a session's log, or nil if absent.
func (s *DocumentStore) ReadEvent(ctx context.Context, sessionID SessionID, eventID EventID) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs, err := s.events.Find(ctx, nanodb.And{Expressions: []nanodb.QueryFilter{
		nanodb.Comparison{Path: "session_id", Op: nanodb.OpEq, Value: sessionID},
		nanodb.Comparison{Path: "id", Op: nanodb.OpEq, Value: eventID},
	}})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	ev := docs[0].Event
	return &ev, nil
}

// ListEvents returns a session's events in offset order, narrowed by the
// filter.
func (s *DocumentStore) ListEvents(ctx context.Context, sessionID SessionID, filter ListEventsFilter) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exprs := []nanodb.QueryFilter{
		nanodb.Comparison{Path: "session_id", Op: nanodb.OpEq, Value: sessionID},
	}
	if filter.Source != "" {
		exprs = append(exprs, nanodb.Comparison{Path: "source", Op: nanodb.OpEq, Value: filter.Source})
	}
	if filter.CorrelationID != "" {
		exprs = append(exprs, nanodb.Comparison{Path: "correlation_id", Op: nanodb.OpEq, Value: filter.CorrelationID})
	}
	if len(filter.Types) > 0 {
		exprs = append(exprs, nanodb.Comparison{Path: "type", Op: nanodb.OpIn, Value: filter.Types})
	}
	if filter.HasMinOffset {
		exprs = append(exprs, nanodb.Comparison{Path: "offset", Op: nanodb.OpGte, Value: filter.MinOffset})
	}

	docs, err := s.events.Find(ctx, nanodb.And{Expressions: exprs})
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(docs))
	for _, d := range docs {
		if filter.ExcludeDeleted && d.Deleted {
			continue
		}
		events = append(events, d.Event)
	}
	return events, nil
}

// DeleteEvent removes one event from a session's log. Offsets of later
// events are left untouched.
func (s *DocumentStore) DeleteEvent(ctx context.Context, sessionID SessionID, eventID EventID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.events.DeleteOne(ctx, nanodb.And{Expressions: []nanodb.QueryFilter{
		nanodb.Comparison{Path: "session_id", Op: nanodb.OpEq, Value: sessionID},
		nanodb.Comparison{Path: "id", Op: nanodb.OpEq, Value: eventID},
	}})
	if err != nil {
		return false, err
	}
	return res.DeletedCount > 0, nil
}
