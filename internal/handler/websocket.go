package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidread/bus-timeliness/internal/hub"
)

type WSHandler struct {
	hub *hub.Hub
	log *zap.SugaredLogger
}

func NewWSHandler(h *hub.Hub, log *zap.SugaredLogger) *WSHandler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &WSHandler{hub: h, log: log}
}

type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RoutesPayload is the body of subscribe and unsubscribe messages. A route of
// "*" matches every route.
type RoutesPayload struct {
	Routes []string `json:"routes"`
}

type PongMessage struct {
	Type string `json:"type"`
}

func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Errorw("websocket accept failed", "error", err)
		return
	}

	client := hub.NewClient(uuid.New().String(), 256)
	h.hub.Register(client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.writeLoop(ctx, conn, client)

	h.readLoop(ctx, conn, client)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *hub.Client) {
	defer func() {
		h.hub.Unregister(client)
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				h.log.Debugw("websocket read error", "client_id", client.ID, "error", err)
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Debugw("invalid message format", "client_id", client.ID, "error", err)
			continue
		}

		switch msg.Type {
		case "subscribe":
			var payload RoutesPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				continue
			}
			if len(payload.Routes) > 0 {
				h.hub.Subscribe(client, payload.Routes)
				h.sendSnapshot(client, payload.Routes)
			}

		case "unsubscribe":
			var payload RoutesPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				continue
			}
			if len(payload.Routes) > 0 {
				h.hub.Unsubscribe(client, payload.Routes)
			}

		case "ping":
			h.sendPong(client)
		}
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *hub.Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-client.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return

		case msg := <-client.Send:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// sendSnapshot sends the recent arrivals on the subscribed routes.
func (h *WSHandler) sendSnapshot(client *hub.Client, routes []string) {
	data, err := hub.EncodeArrivals("snapshot", h.hub.Recent(routes))
	if err != nil {
		return
	}
	if !client.Deliver(data) {
		h.log.Debugw("failed to send snapshot", "client_id", client.ID)
	}
}

func (h *WSHandler) sendPong(client *hub.Client) {
	data, err := json.Marshal(PongMessage{Type: "pong"})
	if err != nil {
		return
	}
	client.Deliver(data)
}
