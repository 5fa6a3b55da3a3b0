// Package events pushes engine events — node creation, ingestion
// resolution, entropy alerts — to subscribed consumers over WebSocket.
// External alerting attaches here; the engine itself only fires the
// callbacks that feed the hub.
package events

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// Event types broadcast by the hub.
const (
	TypeNodeCreated     = "node.created"
	TypeIngestionDone   = "ingestion.resolved"
	TypeEntropyAlert    = "entropy.alert"
	TypeInstanceSpawned = "instance.spawned"
)

// Event is one engine event pushed to subscribers.
type Event struct {
	Type string                 `json:"type"`
	At   time.Time              `json:"at"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// subscriber decouples the hub from the transport so tests can attach
// in-process sinks.
type subscriber interface {
	sendChannel() chan []byte
	close()
}

// Hub fans engine events out to connected subscribers. Slow subscribers
// are dropped rather than allowed to stall the broadcast loop.
type Hub struct {
	mu         sync.Mutex
	subs       map[subscriber]bool
	broadcast  chan Event
	register   chan subscriber
	unregister chan subscriber
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewHub creates a hub; call Run in a goroutine to start delivery.
func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		subs:       make(map[subscriber]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan subscriber),
		unregister: make(chan subscriber),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run delivers events until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case sub := <-h.register:
			h.mu.Lock()
			h.subs[sub] = true
			h.mu.Unlock()

		case sub := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.subs[sub]; ok {
				delete(h.subs, sub)
				close(sub.sendChannel())
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				log.Printf("events: failed to encode %s event: %v", event.Type, err)
				continue
			}
			h.mu.Lock()
			for sub := range h.subs {
				select {
				case sub.sendChannel() <- data:
				default:
					close(sub.sendChannel())
					delete(h.subs, sub)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			return
		}
	}
}

// Stop shuts the hub down and disconnects every subscriber.
func (h *Hub) Stop() {
	h.cancel()

	h.mu.Lock()
	for sub := range h.subs {
		close(sub.sendChannel())
		sub.close()
	}
	h.subs = make(map[subscriber]bool)
	h.mu.Unlock()
}

// Publish queues an event for delivery. Never blocks; under backpressure
// the event is dropped with a warning.
func (h *Hub) Publish(eventType string, data map[string]interface{}) {
	event := Event{Type: eventType, At: time.Now().UTC(), Data: data}
	select {
	case h.broadcast <- event:
	default:
		log.Printf("events: broadcast backlog full, dropping %s event", eventType)
	}
}

// attach registers a subscriber with the running hub. Returns false when
// the hub has stopped, in which case the subscriber's channel is closed so
// receivers see the shutdown.
func (h *Hub) attach(sub subscriber) bool {
	select {
	case h.register <- sub:
		return true
	case <-h.ctx.Done():
		close(sub.sendChannel())
		return false
	}
}

// detach unregisters a subscriber. Never blocks after Stop: once the hub
// context is cancelled nobody drains the unregister channel.
func (h *Hub) detach(sub subscriber) {
	select {
	case h.unregister <- sub:
	case <-h.ctx.Done():
	}
}

// SubscriberCount returns the number of attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// wsSubscriber is a live WebSocket connection.
type wsSubscriber struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func (s *wsSubscriber) sendChannel() chan []byte { return s.send }

func (s *wsSubscriber) close() {
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
	}
}

// ServeHTTP upgrades the request and attaches the connection as a
// subscriber.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("events: websocket upgrade failed: %v", err)
		return
	}

	sub := &wsSubscriber{hub: h, conn: conn, send: make(chan []byte, 256)}
	if !h.attach(sub) {
		_ = conn.Close(websocket.StatusGoingAway, "hub stopped")
		return
	}

	go sub.writePump()
	go sub.readPump()
}

// writePump pushes queued events to the connection.
func (s *wsSubscriber) writePump() {
	defer func() {
		s.hub.detach(s)
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for message := range s.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.conn.Write(ctx, websocket.MessageText, message)
		cancel()
		if err != nil {
			return
		}
	}
}

// readPump drains the connection to detect disconnects.
func (s *wsSubscriber) readPump() {
	defer func() {
		s.hub.detach(s)
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		if _, _, err := s.conn.Read(context.Background()); err != nil {
			return
		}
	}
}

// sinkSubscriber is an in-process subscriber for tests and embedded
// consumers.
type sinkSubscriber struct {
	send chan []byte
}

func (s *sinkSubscriber) sendChannel() chan []byte { return s.send }
func (s *sinkSubscriber) close()                   {}

// Subscribe attaches an in-process sink and returns its receive channel.
func (h *Hub) Subscribe(buffer int) <-chan []byte {
	sub := &sinkSubscriber{send: make(chan []byte, buffer)}
	h.attach(sub)
	return sub.send
}
