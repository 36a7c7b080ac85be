package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessiond/sessiond/internal/agent"
	"github.com/sessiond/sessiond/internal/agent/runner"
	"github.com/sessiond/sessiond/internal/common/logger"
	"github.com/sessiond/sessiond/internal/correlator"
	"github.com/sessiond/sessiond/internal/events/bus"
	"github.com/sessiond/sessiond/internal/nanodb"
	"github.com/sessiond/sessiond/internal/session"
	"github.com/sessiond/sessiond/internal/stream"
	"github.com/sessiond/sessiond/internal/stream/emitter"
	streamstore "github.com/sessiond/sessiond/internal/stream/store"
	"github.com/sessiond/sessiond/internal/tasks"
)

type fixture struct {
	svc      *SessionService
	sessions *session.DocumentStore
	emitter  *emitter.MemoryEventEmitter
	bus      *bus.MemoryBus
	taskSvc  *tasks.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	sessions, err := session.NewDocumentStore(nanodb.NewMemoryDatabase())
	require.NoError(t, err)

	em := emitter.NewMemoryEventEmitter(streamstore.NewMemoryChunkStore(), 16, log)
	t.Cleanup(em.Close)

	b := bus.NewMemoryBus(log)
	t.Cleanup(b.Close)

	taskSvc := tasks.NewService(log)
	t.Cleanup(func() { taskSvc.CancelAll("test over") })

	factory := runner.NewFactory()
	factory.Register(runner.TypeEcho, runner.NewEchoRunner(sessions))

	return &fixture{
		svc:      NewSessionService(sessions, taskSvc, factory, em, b, log),
		sessions: sessions,
		emitter:  em,
		bus:      b,
		taskSvc:  taskSvc,
	}
}

func echoAgent() *agent.Agent {
	return &agent.Agent{ID: "a1", Type: runner.TypeEcho, Name: "echo"}
}

func TestCreateUserSessionWithoutGreeting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created := make(chan *bus.Notification, 1)
	sub, err := f.bus.Subscribe(bus.SubjectSessionCreated, func(_ context.Context, n *bus.Notification) error {
		created <- n
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	sess, err := f.svc.CreateUserSession(ctx, "u1", echoAgent(), "", "my chat", false)
	require.NoError(t, err)
	assert.Equal(t, "my chat", sess.Title)
	assert.Equal(t, 0, sess.ConsumptionOffsets[session.ConsumerClient])

	// No processing task was dispatched.
	assert.False(t, f.svc.CancelProcessingSessionTask(sess.ID))

	select {
	case n := <-created:
		assert.Equal(t, string(sess.ID), n.Data["session_id"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for session.created notification")
	}
}

func TestCreateUserSessionWithGreetingDispatchesTask(t *testing.T) {
	f := newFixture(t)

	sess, err := f.svc.CreateUserSession(context.Background(), "u1", echoAgent(), "", "", true)
	require.NoError(t, err)

	// The greeting task registers under the session's tag and then
	// finishes on its own.
	require.Eventually(t, func() bool {
		return !f.svc.CancelProcessingSessionTask(sess.ID)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPostEventWithoutProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.svc.CreateUserSession(ctx, "u1", echoAgent(), "", "", false)
	require.NoError(t, err)

	ev, correlationID, err := f.svc.PostEvent(ctx, sess, echoAgent(), PostEventParams{
		Type: session.TypeMessage,
		Data: session.NewMessageEventData(session.Participant{ID: "u1", Name: "user"}, "hi"),
	})
	require.NoError(t, err)
	assert.Equal(t, correlator.DefaultCorrelationID, correlationID)
	assert.Equal(t, 0, ev.Offset)
	assert.Equal(t, session.SourceUser, ev.Source)

	assert.False(t, f.svc.CancelProcessingSessionTask(sess.ID))
}

func TestPostEventTriggersProcessingUnderFreshCorrelation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.svc.CreateUserSession(ctx, "u1", echoAgent(), "", "", false)
	require.NoError(t, err)

	ev, correlationID, err := f.svc.PostEvent(ctx, sess, echoAgent(), PostEventParams{
		Type:              session.TypeMessage,
		Data:              session.NewMessageEventData(session.Participant{ID: "u1", Name: "user"}, "hello"),
		TriggerProcessing: true,
	})
	require.NoError(t, err)
	assert.NotEqual(t, correlator.DefaultCorrelationID, correlationID)
	assert.Equal(t, correlationID, ev.CorrelationID)

	require.Eventually(t, func() bool {
		return !f.svc.CancelProcessingSessionTask(sess.ID)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatchWithSuppliedCorrelationStreamsUnderIt(t *testing.T) {
	f := newFixture(t)

	ctx := correlator.Scope(context.Background(), "turn-1")
	correlationID := correlator.CorrelationID(ctx)

	sess, err := f.svc.CreateUserSession(ctx, "u1", echoAgent(), "", "", false)
	require.NoError(t, err)

	statuses := make(chan string, 8)
	sub, err := f.emitter.SubscribeFinal(correlationID, func(_ context.Context, ev stream.EmittedEvent) error {
		if ev.Type == session.TypeStatus {
			statuses <- ev.Data["status"].(string)
		}
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	effective, err := f.svc.DispatchProcessingTask(ctx, sess, echoAgent(), correlationID)
	require.NoError(t, err)
	assert.Equal(t, correlationID, effective)

	var seen []string
	deadline := time.After(2 * time.Second)
	for {
		select {
		case st := <-statuses:
			seen = append(seen, st)
			if st == "completed" {
				assert.Equal(t, []string{"typing", "processing", "completed"}, seen)
				return
			}
		case <-deadline:
			t.Fatalf("timed out; statuses: %v", seen)
		}
	}
}

type blockingRunner struct {
	started chan struct{}
}

func (r *blockingRunner) Run(ctx context.Context, _ runner.Context, _ emitter.EventEmitter) (bool, error) {
	r.started <- struct{}{}
	<-ctx.Done()
	return false, ctx.Err()
}

func TestCancelProcessingSessionTask(t *testing.T) {
	f := newFixture(t)

	blocking := &blockingRunner{started: make(chan struct{}, 1)}
	factory := runner.NewFactory()
	factory.Register("blocking", blocking)
	f.svc.factory = factory

	ag := &agent.Agent{ID: "a2", Type: "blocking", Name: "slow"}
	sess, err := f.svc.CreateUserSession(context.Background(), "u1", ag, "", "", false)
	require.NoError(t, err)

	_, err = f.svc.DispatchProcessingTask(context.Background(), sess, ag, "")
	require.NoError(t, err)
	<-blocking.started

	assert.True(t, f.svc.CancelProcessingSessionTask(sess.ID))
	require.Eventually(t, func() bool {
		return !f.svc.CancelProcessingSessionTask(sess.ID)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedispatchSupersedesRunningTask(t *testing.T) {
	f := newFixture(t)

	first := &blockingRunner{started: make(chan struct{}, 1)}
	factory := runner.NewFactory()
	factory.Register("blocking", first)
	f.svc.factory = factory

	ag := &agent.Agent{ID: "a2", Type: "blocking", Name: "slow"}
	sess, err := f.svc.CreateUserSession(context.Background(), "u1", ag, "", "", false)
	require.NoError(t, err)

	_, err = f.svc.DispatchProcessingTask(context.Background(), sess, ag, "")
	require.NoError(t, err)
	<-first.started

	// A second dispatch cancels the running task and takes its place.
	_, err = f.svc.DispatchProcessingTask(context.Background(), sess, ag, "")
	require.NoError(t, err)
	<-first.started

	assert.True(t, f.svc.CancelProcessingSessionTask(sess.ID))
}
