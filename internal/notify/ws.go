package notify

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/ridedispatch/internal/ride/domain"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	subscriberSize = 16
)

// Hub pushes ride events to websocket subscribers of that ride. A subscriber
// that cannot keep up is disconnected rather than slowing the publisher.
type Hub struct {
	mu       sync.RWMutex
	subs     map[uuid.UUID]map[*subscriber]struct{}
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

type subscriber struct {
	mu     sync.Mutex
	closed bool
	send   chan domain.Event
}

// offer queues an event, closing the subscription when its buffer is full.
func (s *subscriber) offer(event domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.send <- event:
	default:
		s.closed = true
		close(s.send)
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subs: make(map[uuid.UUID]map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *Hub) Publish(_ context.Context, event domain.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[event.RideID] {
		sub.offer(event)
	}
	return nil
}

// ServeRide upgrades the request and streams the ride's events until the
// client goes away.
func (h *Hub) ServeRide(w http.ResponseWriter, r *http.Request, rideID uuid.UUID) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	sub := h.add(rideID)
	defer h.remove(rideID, sub)
	h.logger.Debug("ws subscribed", zap.String("ride_id", rideID.String()))

	go h.readPump(conn, sub)
	h.writePump(conn, sub)
}

func (h *Hub) add(rideID uuid.UUID) *subscriber {
	sub := &subscriber{send: make(chan domain.Event, subscriberSize)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[rideID] == nil {
		h.subs[rideID] = make(map[*subscriber]struct{})
	}
	h.subs[rideID][sub] = struct{}{}
	hubSubscribers.Inc()
	return sub
}

func (h *Hub) remove(rideID uuid.UUID, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[rideID][sub]; !ok {
		return
	}
	delete(h.subs[rideID], sub)
	if len(h.subs[rideID]) == 0 {
		delete(h.subs, rideID)
	}
	sub.close()
	hubSubscribers.Dec()
}

// Subscribers reports how many connections follow a ride.
func (h *Hub) Subscribers(rideID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[rideID])
}

// readPump discards client messages and ends the subscription when the
// connection fails or stops answering pings.
func (h *Hub) readPump(conn *websocket.Conn, sub *subscriber) {
	defer sub.close()
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case event, ok := <-sub.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
