package hub

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request and streams notifications until the client
// or the hub goes away. Messages sent by the client are otherwise ignored
// but count as liveness.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[HUB] websocket upgrade failed: %v", err)
		return
	}

	client := h.Connect(userID, true)
	conn.SetPongHandler(func(string) error {
		client.Touch()
		return nil
	})

	go h.readPump(conn, client)
	h.writePump(conn, client)
}

func (h *Hub) readPump(conn *websocket.Conn, client *Client) {
	defer h.Disconnect(client.ID, "client closed")
	conn.SetReadLimit(4096)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		client.Touch()
	}
}

func (h *Hub) writePump(conn *websocket.Conn, client *Client) {
	defer conn.Close()
	for {
		select {
		case <-client.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"),
				time.Now().Add(writeWait))
			return
		case f := <-client.Send():
			var err error
			if f.Ping {
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			} else {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				err = conn.WriteMessage(websocket.TextMessage, f.Data)
			}
			if err != nil {
				h.Disconnect(client.ID, "write failed")
				return
			}
		}
	}
}
