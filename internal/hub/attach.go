package hub

import (
	"context"
	"log"
	"time"

	"github.com/horizon/dm-app/internal/protocol"
	"github.com/horizon/dm-app/internal/ws"
)

// PresenceRecorder mirrors live channels into shared presence state.
type PresenceRecorder interface {
	SetOnline(ctx context.Context, userID, connID string) error
	Refresh(ctx context.Context, userID, connID string) error
	SetOffline(ctx context.Context, userID, connID string) (bool, error)
}

const presenceTimeout = 3 * time.Second

// Attach ties the connection lifecycle of srv to h: upgraded connections are
// registered (replacing any previous channel of the same user), released
// connections are unregistered, and presence follows along when recorder is
// not nil.
func (h *Hub) Attach(srv *ws.Server, recorder PresenceRecorder) {
	srv.SetOnConnect(func(c *ws.Connection) {
		h.Register(c.UserID, c)
		ws.SendEvent(c, protocol.ConnectedMsg{UserID: c.UserID})

		if recorder == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
		defer cancel()
		if err := recorder.SetOnline(ctx, c.UserID, c.ID); err != nil {
			log.Printf("[hub] presence online user=%s conn=%s: %v", c.UserID, c.ID, err)
		}
	})

	srv.SetOnDisconnect(func(c *ws.Connection) {
		// A replaced channel leaves presence to its successor.
		if !h.Unregister(c.UserID, c) || recorder == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
		defer cancel()
		if _, err := recorder.SetOffline(ctx, c.UserID, c.ID); err != nil {
			log.Printf("[hub] presence offline user=%s conn=%s: %v", c.UserID, c.ID, err)
		}
	})

	if recorder == nil {
		return
	}
	srv.SetOnAlive(func(c *ws.Connection) {
		ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
		defer cancel()
		if err := recorder.Refresh(ctx, c.UserID, c.ID); err != nil {
			log.Printf("[hub] presence refresh user=%s conn=%s: %v", c.UserID, c.ID, err)
		}
	})
}
