package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// PongWait bounds how long a silent client is kept. Clients ping well within it.
	PongWait = 5 * time.Minute
	// MaxMessageSize caps one inbound frame.
	MaxMessageSize = 64 << 10
)

// WriteTyped sends a strongly-typed response payload over the WebSocket.
func WriteTyped(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// Write sends an event with its payload.
func Write(conn *websocket.Conn, event Event, id string, data any) error {
	return WriteTyped(conn, Message{Event: event, ID: id, Data: data})
}

// WriteError sends a typed ErrorResponse over the WebSocket.
func WriteError(conn *websocket.Conn, resp ErrorResponse) error {
	resp.Event = EventError
	return WriteTyped(conn, resp)
}

// ReadMessage reads one raw frame, extending the read deadline first.
func ReadMessage(conn *websocket.Conn) ([]byte, error) {
	conn.SetReadDeadline(time.Now().Add(PongWait))
	_, data, err := conn.ReadMessage()
	return data, err
}

// CloseWith sends a close frame with the given reason and code.
func CloseWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
