package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/shellgate-io/shellgate/internal/logger"
)

const writeTimeout = 10 * time.Second

// handleInteractiveStream upgrades to a websocket and relays live session
// output as binary messages. The stream starts at the moment of connection;
// earlier output stays available through the poll endpoint, whose cursor is
// untouched by streaming.
func (s *Server) handleInteractiveStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	out, cancel, err := s.sessions.Subscribe(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	defer cancel()

	done, err := s.sessions.Done(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logger.Warn("websocket accept failed", "session", id, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ctx := r.Context()
	for {
		select {
		case data, ok := <-out:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "session closed")
				return
			}
			wctx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageBinary, data)
			cancelWrite()
			if err != nil {
				return
			}
		case <-done:
			// Drain anything already fanned out before closing.
			for {
				select {
				case data, ok := <-out:
					if !ok {
						conn.Close(websocket.StatusNormalClosure, "session closed")
						return
					}
					wctx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
					err := conn.Write(wctx, websocket.MessageBinary, data)
					cancelWrite()
					if err != nil {
						return
					}
				default:
					conn.Close(websocket.StatusNormalClosure, "session finished")
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
