package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessiond/sessiond/internal/agent"
	"github.com/sessiond/sessiond/internal/agent/runner"
	"github.com/sessiond/sessiond/internal/auth"
	"github.com/sessiond/sessiond/internal/common/config"
	"github.com/sessiond/sessiond/internal/common/logger"
	"github.com/sessiond/sessiond/internal/correlator"
	"github.com/sessiond/sessiond/internal/events/bus"
	"github.com/sessiond/sessiond/internal/nanodb"
	"github.com/sessiond/sessiond/internal/session"
	"github.com/sessiond/sessiond/internal/session/service"
	"github.com/sessiond/sessiond/internal/stream/emitter"
	streamstore "github.com/sessiond/sessiond/internal/stream/store"
	"github.com/sessiond/sessiond/internal/tasks"
	"github.com/sessiond/sessiond/internal/user"
)

type testApp struct {
	router   *gin.Engine
	sessions *session.DocumentStore
	agents   *agent.DocumentStore
	svc      *service.SessionService
	em       *emitter.MemoryEventEmitter
	factory  *runner.Factory
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	db := nanodb.NewMemoryDatabase()
	users, err := user.NewDocumentStore(db)
	require.NoError(t, err)
	agents, err := agent.NewDocumentStore(db)
	require.NoError(t, err)
	sessions, err := session.NewDocumentStore(db)
	require.NoError(t, err)

	em := emitter.NewMemoryEventEmitter(streamstore.NewMemoryChunkStore(), 16, log)
	t.Cleanup(em.Close)
	b := bus.NewMemoryBus(log)
	t.Cleanup(b.Close)
	taskSvc := tasks.NewService(log)
	t.Cleanup(func() { taskSvc.CancelAll("test over") })

	factory := runner.NewFactory()
	factory.Register(runner.TypeEcho, runner.NewEchoRunner(sessions))

	svc := service.NewSessionService(sessions, taskSvc, factory, em, b, log)
	streamCfg := config.StreamConfig{SubscriberBuffer: 16}

	routers := Routers{
		Agents:   NewAgentHandler(agents, log),
		Sessions: NewSessionHandler(sessions, agents, svc, em, streamCfg, log),
	}
	router := NewRouter("test", auth.NewNoopHandler(users), routers, log)

	return &testApp{router: router, sessions: sessions, agents: agents, svc: svc, em: em, factory: factory}
}

func (a *testApp) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testApp) createAgent(t *testing.T, agentType string) AgentDTO {
	t.Helper()
	w := a.do(t, http.MethodPost, "/api/agents", gin.H{"name": "A", "type": agentType, "description": "d"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var dto AgentDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dto))
	return dto
}

func (a *testApp) createSession(t *testing.T, agentID string) SessionDTO {
	t.Helper()
	w := a.do(t, http.MethodPost, "/api/sessions", gin.H{"agent_id": agentID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var dto SessionDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dto))
	return dto
}

func TestCreateAgent(t *testing.T) {
	app := newTestApp(t)

	dto := app.createAgent(t, "test")
	assert.NotEmpty(t, dto.ID)
	assert.Equal(t, "test", dto.Type)
	assert.Equal(t, "A", dto.Name)
	assert.False(t, dto.CreatedAt.After(time.Now().UTC()))

	w := app.do(t, http.MethodPost, "/api/agents", gin.H{"type": "test"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestGetAgentNotFound(t *testing.T) {
	app := newTestApp(t)

	w := app.do(t, http.MethodGet, "/api/agents/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "detail")
}

func TestListAgents(t *testing.T) {
	app := newTestApp(t)
	app.createAgent(t, "test")
	app.createAgent(t, "echo")

	w := app.do(t, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp listResponse[AgentDTO]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 2)
}

func TestCreateSessionWithoutGreeting(t *testing.T) {
	app := newTestApp(t)
	ag := app.createAgent(t, "echo")

	w := app.do(t, http.MethodPost, "/api/sessions?allow_greeting=false", gin.H{"agent_id": ag.ID, "title": "T"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var dto SessionDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dto))
	assert.Equal(t, "T", dto.Title)
	assert.Equal(t, 0, dto.ConsumptionOffsets["client"])

	// No background task was started for the session.
	assert.False(t, app.svc.CancelProcessingSessionTask(session.SessionID(dto.ID)))
}

func TestCreateSessionWithGreeting(t *testing.T) {
	app := newTestApp(t)
	ag := app.createAgent(t, "echo")

	w := app.do(t, http.MethodPost, "/api/sessions?allow_greeting=true", gin.H{"agent_id": ag.ID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var dto SessionDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dto))

	// The greeting task ran under the session's tag and completed.
	require.Eventually(t, func() bool {
		return !app.svc.CancelProcessingSessionTask(session.SessionID(dto.ID))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCreateSessionMissingAgent(t *testing.T) {
	app := newTestApp(t)

	w := app.do(t, http.MethodPost, "/api/sessions", gin.H{"agent_id": "ghost"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "ghost")
}

func TestGetSessionNotFound(t *testing.T) {
	app := newTestApp(t)

	w := app.do(t, http.MethodGet, "/api/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type sseFrame struct {
	Event string
	Data  map[string]any
}

func parseSSE(t *testing.T, body string) []sseFrame {
	t.Helper()
	var frames []sseFrame
	for _, block := range strings.Split(body, "\n\n") {
		if strings.TrimSpace(block) == "" {
			continue
		}
		var frame sseFrame
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event:"):
				frame.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				require.NoError(t, json.Unmarshal([]byte(payload), &frame.Data))
			}
		}
		frames = append(frames, frame)
	}
	return frames
}

func TestStreamTurn(t *testing.T) {
	app := newTestApp(t)
	ag := app.createAgent(t, "echo")
	sess := app.createSession(t, ag.ID)

	w := app.do(t, http.MethodPost, fmt.Sprintf("/api/sessions/%s/events/stream", sess.ID),
		gin.H{"type": "message", "source": "user", "content": "hi there"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")

	frames := parseSSE(t, w.Body.String())
	require.NotEmpty(t, frames)

	var statuses []string
	var sawMessageFinal bool
	var sawChunk bool
	for _, f := range frames {
		switch f.Event {
		case "status":
			data := f.Data["data"].(map[string]any)
			statuses = append(statuses, data["status"].(string))
		case "message":
			if _, isChunk := f.Data["patches"]; isChunk {
				sawChunk = true
			} else {
				sawMessageFinal = true
				data := f.Data["data"].(map[string]any)
				parts := data["parts"].([]any)
				require.Len(t, parts, 1)
				assert.Equal(t, "hi there", parts[0].(map[string]any)["content"])
			}
		}
	}

	assert.Equal(t, []string{"typing", "processing", "completed"}, statuses)
	assert.True(t, sawChunk, "expected streamed chunks before the final message")
	assert.True(t, sawMessageFinal, "expected the finalized message frame")

	// The stream closed after the terminal status; the last frame is it.
	last := frames[len(frames)-1]
	assert.Equal(t, "status", last.Event)
}

func TestStreamedEventsAreListable(t *testing.T) {
	app := newTestApp(t)
	ag := app.createAgent(t, "echo")
	sess := app.createSession(t, ag.ID)

	w := app.do(t, http.MethodPost, fmt.Sprintf("/api/sessions/%s/events/stream", sess.ID),
		gin.H{"type": "message", "source": "user", "content": "round trip"})
	require.Equal(t, http.StatusOK, w.Code)

	lw := app.do(t, http.MethodGet, fmt.Sprintf("/api/sessions/%s/events", sess.ID), nil)
	require.Equal(t, http.StatusOK, lw.Code)

	var resp listResponse[EventDTO]
	require.NoError(t, json.Unmarshal(lw.Body.Bytes(), &resp))

	// One user message, three statuses and the echoed message.
	require.Len(t, resp.Data, 5)
	assert.Equal(t, "user", resp.Data[0].Source)
	assert.Equal(t, "message", resp.Data[0].Type)

	correlationID := resp.Data[0].CorrelationID
	var echoed *EventDTO
	for i := range resp.Data {
		ev := &resp.Data[i]
		assert.Equal(t, correlationID, ev.CorrelationID, "the whole turn shares one correlation")
		assert.Equal(t, i, ev.Offset)
		if ev.Source == "ai_agent" && ev.Type == "message" {
			echoed = ev
		}
	}
	require.NotNil(t, echoed)
	data := echoed.Data.(map[string]any)
	parts := data["parts"].([]any)
	assert.Equal(t, "round trip", parts[0].(map[string]any)["content"])
}

func TestStreamRejectsNonUserMessage(t *testing.T) {
	app := newTestApp(t)
	ag := app.createAgent(t, "echo")
	sess := app.createSession(t, ag.ID)

	w := app.do(t, http.MethodPost, fmt.Sprintf("/api/sessions/%s/events/stream", sess.ID),
		gin.H{"type": "status", "source": "user", "content": "x"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = app.do(t, http.MethodPost, fmt.Sprintf("/api/sessions/%s/events/stream", sess.ID),
		gin.H{"type": "message", "source": "ai_agent", "content": "x"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestStreamMissingSession(t *testing.T) {
	app := newTestApp(t)

	w := app.do(t, http.MethodPost, "/api/sessions/ghost/events/stream",
		gin.H{"type": "message", "source": "user", "content": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// stallRunner reports processing and then holds the turn open until it
// is cancelled.
type stallRunner struct{}

func (r *stallRunner) Run(ctx context.Context, _ runner.Context, em emitter.EventEmitter) (bool, error) {
	correlationID := correlator.CorrelationID(ctx)
	if err := em.EnqueueStatusEvent(ctx, correlationID,
		session.StatusEventData{Status: session.StatusProcessing}, "", nil); err != nil {
		return false, err
	}
	<-ctx.Done()
	return false, em.EnqueueStatusEvent(context.WithoutCancel(ctx), correlationID,
		session.StatusEventData{Status: session.StatusCancelled}, "", nil)
}

func TestStreamClientDisconnectCancelsTask(t *testing.T) {
	app := newTestApp(t)
	app.factory.Register("stall", &stallRunner{})
	ag := app.createAgent(t, "stall")
	sess := app.createSession(t, ag.ID)
	sid := session.SessionID(sess.ID)

	raw, err := json.Marshal(gin.H{"type": "message", "source": "user", "content": "hold on"})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/api/sessions/%s/events/stream", sess.ID), bytes.NewReader(raw)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	served := make(chan struct{})
	go func() {
		defer close(served)
		app.router.ServeHTTP(w, req)
	}()

	// The turn is live once the bridge has persisted the runner's
	// processing status.
	require.Eventually(t, func() bool {
		events, err := app.sessions.ListEvents(context.Background(), sid, session.ListEventsFilter{
			Types: []session.EventType{session.TypeStatus},
		})
		return err == nil && len(events) > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after the client disconnected")
	}

	// The bridge cancelled the processing task on the way out and
	// released both of its subscriptions.
	require.Eventually(t, func() bool {
		return !app.svc.CancelProcessingSessionTask(sid)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, app.em.ActiveSubscribers())
}

func TestListEventsFilters(t *testing.T) {
	app := newTestApp(t)
	ag := app.createAgent(t, "echo")
	sess := app.createSession(t, ag.ID)

	_, err := app.sessions.CreateEvent(context.Background(), session.SessionID(sess.ID), session.CreateEventParams{
		Source:        session.SourceUser,
		Type:          session.TypeMessage,
		CorrelationID: "turn-x",
		Data:          session.NewMessageEventData(session.Participant{ID: "u", Name: "u"}, "hi"),
	})
	require.NoError(t, err)

	base := fmt.Sprintf("/api/sessions/%s/events", sess.ID)
	count := func(query string) int {
		w := app.do(t, http.MethodGet, base+query, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var resp listResponse[EventDTO]
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		return len(resp.Data)
	}

	assert.Equal(t, 1, count(""))
	assert.Equal(t, 0, count("?min_offset=1"))
	assert.Equal(t, 0, count("?source=ai_agent"))
	assert.Equal(t, 1, count("?correlation_id=turn-x"))
	assert.Equal(t, 0, count("?types=tool"))
	assert.Equal(t, 1, count("?types=message,tool"))
}

func TestListEventsMissingSession(t *testing.T) {
	app := newTestApp(t)

	w := app.do(t, http.MethodGet, "/api/sessions/ghost/events", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthz(t *testing.T) {
	app := newTestApp(t)

	w := app.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
