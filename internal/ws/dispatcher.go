package ws

import (
	"log"

	"github.com/horizon/dm-app/internal/protocol"
)

// Dispatch is the onMessage callback for live channels. The channel is
// push-only, so the keepalive ping is the only frame with a reply; anything
// else gets an error frame and the connection stays open.
func Dispatch(conn *Connection, data []byte) {
	msgType, _, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch rejected type=%q conn=%s: %v", msgType, conn.ID, err)
		if msgType == "" {
			SendEvent(conn, protocol.ErrorMsg{Code: "parse_error", Message: "invalid message format"})
		} else {
			SendEvent(conn, protocol.ErrorMsg{Code: "unsupported_type", Message: "unsupported message type"})
		}
		return
	}

	if msgType == protocol.TypePing {
		conn.Touch()
		SendEvent(conn, protocol.PongMsg{})
	}
}

// SendEvent queues a server event on conn and reports whether it was
// queued. Failures are logged, not propagated.
func SendEvent(conn *Connection, e protocol.Event) bool {
	data, err := protocol.Encode(e)
	if err != nil {
		log.Printf("ws: failed to build %s message conn=%s: %v", e.EventType(), conn.ID, err)
		return false
	}
	if !conn.Send(data) {
		log.Printf("ws: dropped %s message conn=%s", e.EventType(), conn.ID)
		return false
	}
	return true
}
