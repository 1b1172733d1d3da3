package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LeJamon/goOPRd/internal/core/bus"
	"github.com/LeJamon/goOPRd/internal/core/offer"
)

const (
	changeWriteTimeout = 10 * time.Second
	changePingInterval = 30 * time.Second
	// changeBacklog bounds how many undelivered events a slow subscriber
	// may hold before the connection is dropped.
	changeBacklog = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// changeEvent is the wire form of one change bus event.
type changeEvent struct {
	Type         string       `json:"type"`
	TimestampUTC int64        `json:"timestampUTC"`
	HostOrgURL   string       `json:"hostOrgUrl"`
	Offer        *offer.Offer `json:"offer,omitempty"`
	OldOffer     *offer.Offer `json:"oldOffer,omitempty"`
	ActorOrgURL  string       `json:"actorOrgUrl,omitempty"`
}

func eventOf(c bus.Change) changeEvent {
	return changeEvent{
		Type:         c.Type.String(),
		TimestampUTC: c.TimestampUTC,
		HostOrgURL:   c.HostOrgURL,
		Offer:        c.Offer,
		OldOffer:     c.OldOffer,
		ActorOrgURL:  c.ActorOrgURL,
	}
}

// handleChanges upgrades the request to a websocket and streams the
// host's change bus events until the peer disconnects.
func (h *Host) handleChanges(w http.ResponseWriter, r *http.Request, caller string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("change stream upgrade for %s failed: %v", caller, err)
		return
	}

	events := make(chan changeEvent, changeBacklog)
	reg := h.Model.HandleChanges(func(ctx context.Context, c bus.Change) error {
		select {
		case events <- eventOf(c):
			return nil
		default:
			// Slow subscriber; drop the connection rather than block the bus.
			conn.Close()
			return nil
		}
	})
	defer reg.Remove()

	// Reads only surface close and ping/pong control frames.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	ticker := time.NewTicker(changePingInterval)
	defer ticker.Stop()
	defer conn.Close()
	for {
		select {
		case ev := <-events:
			conn.SetWriteDeadline(time.Now().Add(changeWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("change stream to %s closed: %v", caller, err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(changeWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
