package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/diagramforge/broker/internal/middleware"
	"github.com/diagramforge/broker/internal/observability"
	"github.com/gorilla/websocket"
)

// upgrader accepts same-origin and cross-origin status-stream connections;
// CORS on the REST routes is handled by middleware.CORSMiddleware, and this
// transport carries no cookies, so a permissive origin check is safe here.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wireEvent is the event envelope sent over the stream (spec §4.5/§6.4).
type wireEvent struct {
	JobID     string         `json:"jobId"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// HandleStream implements GET /v1/jobs/{id}/stream: a WebSocket upgrade
// pushing §4.5 events for one job, generalized from the teacher's single
// per-tenant MetricsHub to a per-job subscription over internal/statusbus.
func (a *API) HandleStream(w http.ResponseWriter, r *http.Request) {
	if _, err := middleware.SubjectFromContext(r.Context()); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	jobID := jobIDFromPath(r.URL.Path, "/v1/jobs/")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("api: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	observability.WebSocketClients.Inc()
	defer observability.WebSocketClients.Dec()

	sub := a.bus.Subscribe(jobID)
	defer sub.Close()

	if err := conn.WriteJSON(map[string]string{"kind": "subscribed", "jobId": jobID}); err != nil {
		return
	}

	go a.readPump(conn)

	for evt := range sub.Events() {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(wireEvent{
			JobID:     evt.JobID,
			Kind:      string(evt.Kind),
			Data:      evt.Data,
			Timestamp: evt.Timestamp,
		}); err != nil {
			log.Printf("api: websocket write error: %v", err)
			return
		}
	}
}

// readPump drains control-direction messages (spec §6.4's optional
// "unsubscribe" control message) until the client disconnects; it discards
// anything it doesn't recognize.
func (a *API) readPump(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ctrl struct {
			Action string `json:"action"`
		}
		if json.Unmarshal(msg, &ctrl) == nil && ctrl.Action == "unsubscribe" {
			conn.Close()
			return
		}
	}
}
