package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/minjae-lab/meetscribe/internal/logging"
	"github.com/minjae-lab/meetscribe/internal/storage"
)

type Hub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
	logger  zerolog.Logger
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[chan []byte]struct{}),
		logger:  logging.Component("hub"),
	}
}

func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

// Broadcast sends to every subscriber without blocking; slow clients drop
// messages rather than stall the pipeline.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

// NotifyStatus pushes a session state change to connected clients. It
// implements the lifecycle service's notifier hook.
func (h *Hub) NotifyStatus(sess storage.Session, from storage.Status) {
	h.broadcastEvent(StatusUpdateEvent{
		Event:      newEvent("status_update", time.Now().UTC()),
		SessionID:  sess.ID,
		MeetingID:  sess.MeetingID,
		FromStatus: string(from),
		Status:     string(sess.Status),
		Failure:    sess.Failure,
	})
}

func (h *Hub) broadcastEvent(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Msg("event marshal")
		return
	}
	h.Broadcast(payload)
}
