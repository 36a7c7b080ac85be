package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sessiond/sessiond/internal/common/errors"
	"github.com/sessiond/sessiond/internal/metrics"
	"github.com/sessiond/sessiond/internal/session"
	"github.com/sessiond/sessiond/internal/stream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// wsFrame is one live-stream item on the websocket mirror.
type wsFrame struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload"`
}

// mirrorStream attaches a read-only websocket to a running correlation.
// Unlike the SSE bridge it persists nothing and does not cancel the
// producing task when the client leaves.
func (h *SessionHandler) mirrorStream(c *gin.Context) {
	id := session.SessionID(c.Param("id"))
	correlationID := c.Query("correlation_id")
	if correlationID == "" {
		respondError(c, h.logger, errors.Validation("correlation_id is required"))
		return
	}

	sess, err := h.sessions.ReadSession(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if sess == nil {
		respondError(c, h.logger, errors.InvalidRequest("session "+string(id)+" does not exist"))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the failure response.
		h.logger.WithContext(c.Request.Context()).Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	frames := make(chan wsFrame, h.streamCfg.SubscriberBuffer)
	done := make(chan struct{})
	var once sync.Once
	closeDone := func() { once.Do(func() { close(done) }) }
	defer closeDone()

	chunkSub, err := h.emitter.SubscribeProcessed(correlationID, func(_ context.Context, chunk stream.ChunkEvent) error {
		select {
		case frames <- wsFrame{Kind: "chunk", Payload: chunk}:
			return nil
		case <-done:
			return errStreamClosed
		}
	})
	if err != nil {
		return
	}
	defer chunkSub.Unsubscribe()

	finalSub, err := h.emitter.SubscribeFinal(correlationID, func(_ context.Context, ev stream.EmittedEvent) error {
		select {
		case frames <- wsFrame{Kind: string(ev.Type), Payload: ev}:
			return nil
		case <-done:
			return errStreamClosed
		}
	})
	if err != nil {
		return
	}
	defer finalSub.Unsubscribe()

	clientClosed := make(chan struct{})
	go func() {
		defer close(clientClosed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-clientClosed:
			return
		case frame := <-frames:
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
			if ev, ok := frame.Payload.(stream.EmittedEvent); ok && terminalFinal(ev) {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "turn finished"))
				return
			}
		}
	}
}
