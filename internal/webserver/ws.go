package webserver

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/labstack/echo/v4"

	"github.com/talkincode/wabridge/internal/bridge"
	"github.com/talkincode/wabridge/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const wsWriteWait = 10 * time.Second

// wsCommand is a client->server frame.
type wsCommand struct {
	Type    string `json:"type"`
	Session string `json:"session"`
	Jid     string `json:"jid"`
	Limit   int    `json:"limit"`
}

// wsClient adapts one websocket connection to the hub's Subscriber contract.
// All writes go through the mutex; a failed write marks the client dead so
// the hub skips it until Drop runs.
type wsClient struct {
	conn *websocket.Conn

	mu   sync.Mutex
	dead bool
}

func (w *wsClient) Writable() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.dead
}

func (w *wsClient) Deliver(session, chat string, msg domain.Message) error {
	return w.send(echo.Map{
		"type":    "message",
		"session": session,
		"jid":     chat,
		"message": msg,
	})
}

func (w *wsClient) send(frame interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return websocket.ErrCloseSent
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		w.dead = true
		return err
	}
	return nil
}

func (w *wsClient) sendError(code string) {
	_ = w.send(echo.Map{"type": "error", "error": code})
}

// wsChat is the realtime endpoint: subscribe/unsubscribe/ping commands in,
// subscribed/unsubscribed/history/message/pong/error frames out. Malformed
// or unknown commands get an error frame; the socket stays open.
func (s *WebServer) wsChat(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	client := &wsClient{conn: conn}
	defer func() {
		s.hub.Drop(client)
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			client.sendError("bad_json")
			continue
		}

		switch cmd.Type {
		case "subscribe":
			if cmd.Session == "" || cmd.Jid == "" {
				client.sendError("missing_fields")
				continue
			}
			session := bridge.SanitizeSessionID(cmd.Session)
			chat := s.manager.Canonical(cmd.Jid)
			_ = client.send(echo.Map{"type": "subscribed", "session": session, "jid": chat})

			msgs, _ := s.manager.Messages(session, chat, cmd.Limit)
			history := echo.Map{
				"type":     "history",
				"session":  session,
				"jid":      chat,
				"success":  true,
				"messages": msgs,
			}
			if len(msgs) == 0 {
				history["note"] = "no buffered history for this chat"
			}
			_ = client.send(history)
			s.hub.Subscribe(session, chat, client)

		case "unsubscribe":
			if cmd.Session == "" || cmd.Jid == "" {
				client.sendError("missing_fields")
				continue
			}
			session := bridge.SanitizeSessionID(cmd.Session)
			chat := s.manager.Canonical(cmd.Jid)
			s.hub.Unsubscribe(session, chat, client)
			_ = client.send(echo.Map{"type": "unsubscribed", "session": session, "jid": chat})

		case "ping":
			_ = client.send(echo.Map{"type": "pong", "ts": time.Now().Unix()})

		default:
			client.sendError("unknown_command")
		}
	}
}
