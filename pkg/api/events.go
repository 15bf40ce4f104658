package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/newtron-network/newtcheck/pkg/util"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

// eventsHandler streams a batch's progress events over a websocket until the
// client disconnects or the server shuts down.
func (s *Server) eventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batchID := r.PathValue("batch_id")

		// Subscribe before the existence check so no event falls in between.
		events, cancel := s.svc.Events().Subscribe(batchID)
		defer cancel()
		if _, err := s.svc.GetBatchStatus(r.Context(), batchID); err != nil {
			writeServiceError(w, r, err)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			util.WithBatch(batchID).Warnf("Websocket upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		// The reader only detects disconnects; clients send nothing.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case e, ok := <-events:
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(e); err != nil {
					util.WithBatch(batchID).Debugf("Event stream closed: %v", err)
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			case <-gone:
				return
			case <-s.stop:
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
				conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				return
			}
		}
	}
}
