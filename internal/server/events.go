package server

import "time"

const EventVersion = 1

type Event struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
}

type StatusUpdateEvent struct {
	Event
	SessionID  int64  `json:"session_id"`
	MeetingID  int64  `json:"meeting_id"`
	FromStatus string `json:"from_status,omitempty"`
	Status     string `json:"status"`
	Failure    string `json:"failure,omitempty"`
}

type ConnectionEvent struct {
	Event
	Connected bool `json:"connected"`
}

func newEvent(eventType string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Event{
		Type:      eventType,
		Version:   EventVersion,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}
