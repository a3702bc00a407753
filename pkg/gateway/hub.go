package gateway

import (
	"github.com/rs/zerolog"

	"github.com/harun/tether/pkg/eventlog"
)

// Hub fans durable appends out to subscribed clients. It implements
// eventlog.Notifier; the event log calls Notify after each commit, so
// everything a tailing client sees is already on disk. Delivery is
// best-effort: a client that misses a write recovers by re-attaching
// with its last seen seq, and deduplicates by seq.
type Hub struct {
	clients *ClientRegistry
	logger  zerolog.Logger
}

// NewHub creates a hub over the client registry.
func NewHub(clients *ClientRegistry, logger zerolog.Logger) *Hub {
	return &Hub{
		clients: clients,
		logger:  logger,
	}
}

// Notify sends the event to every client attached to its session.
func (h *Hub) Notify(event eventlog.Event) {
	subs := h.clients.SubscribersOf(event.SessionID)
	if len(subs) == 0 {
		return
	}

	msg := eventMessage(event)

	for _, client := range subs {
		if err := client.WriteJSON(msg); err != nil {
			h.logger.Warn().
				Err(err).
				Str("client_id", client.ID).
				Str("session_id", event.SessionID).
				Int64("seq", event.Seq).
				Msg("Failed to deliver event to client")
		}
	}
}

func eventMessage(event eventlog.Event) ServerMessage {
	payload, _ := event.Payload.MarshalJSON()
	return ServerMessage{
		Type:      MsgEvent,
		SessionID: event.SessionID,
		Seq:       event.Seq,
		Channel:   event.Channel,
		EventType: event.Type,
		Payload:   payload,
		Timestamp: event.Timestamp.UnixMilli(),
	}
}
