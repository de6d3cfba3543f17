package hub

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transitlab/fleet-telemetry-go/internal/models"
)

// Hub owns the observer connections and the vehicle → subscriber
// registry. All map mutation happens under h.mu; broadcasts take the
// read side and use non-blocking sends, so a slow observer never stalls
// delivery to the rest.
type Hub struct {
	mu          sync.RWMutex
	clients     map[string]*Client
	subscribers map[string]map[string]*Client // vehicle number → client ID → client
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients:     make(map[string]*Client),
		subscribers: make(map[string]map[string]*Client),
	}
}

// Register adds a new observer connection with no subscriptions, starts
// its pumps, and acknowledges with a connection_established message.
func (h *Hub) Register(conn Conn) *Client {
	client := newClient(uuid.NewString(), conn)

	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()

	go client.writePump()
	go client.readPump(h)

	h.send(client, outboundMessage{Type: typeConnectionEstablished, ClientID: client.ID})
	return client
}

// Disconnect removes the client from every vehicle subscriber set and
// discards the connection. Holding the write lock makes the removal
// atomic with respect to in-flight broadcasts.
func (h *Hub) Disconnect(clientID string) {
	h.mu.Lock()
	client, ok := h.clients[clientID]
	if ok {
		delete(h.clients, clientID)
		for vehicleNumber, subs := range h.subscribers {
			delete(subs, clientID)
			if len(subs) == 0 {
				delete(h.subscribers, vehicleNumber)
			}
		}
	}
	h.mu.Unlock()

	if ok {
		client.closeSend()
		// Closing the transport unblocks a write pump stuck on a dead
		// peer.
		client.conn.Close()
	}
}

// Subscribe adds the observer to a vehicle's subscriber set.
func (h *Hub) Subscribe(clientID, vehicleNumber string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[clientID]
	if !ok {
		return false
	}

	subs, ok := h.subscribers[vehicleNumber]
	if !ok {
		subs = make(map[string]*Client)
		h.subscribers[vehicleNumber] = subs
	}
	subs[clientID] = client
	return true
}

// Unsubscribe removes the pairing; unsubscribing a vehicle that was
// never subscribed is a no-op, not an error.
func (h *Hub) Unsubscribe(clientID, vehicleNumber string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.subscribers[vehicleNumber]; ok {
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(h.subscribers, vehicleNumber)
		}
	}
}

// Broadcast delivers a location update to every observer subscribed to
// the vehicle. Delivery failure for one observer evicts only that
// observer; the rest still receive the message.
func (h *Hub) Broadcast(vehicleNumber string, report models.LocationReport) {
	msg := locationUpdate(vehicleNumber, report)

	h.mu.RLock()
	var failed []string
	for _, client := range h.subscribers[vehicleNumber] {
		if !h.trySend(client, msg) {
			failed = append(failed, client.ID)
		}
	}
	h.mu.RUnlock()

	for _, id := range failed {
		log.Printf("hub: evicting unresponsive observer %s", id)
		h.Disconnect(id)
	}
}

// SubscriberCount returns how many observers follow a vehicle.
func (h *Hub) SubscriberCount(vehicleNumber string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[vehicleNumber])
}

// Close discards every connection without attempting further delivery.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[string]*Client)
	h.subscribers = make(map[string]map[string]*Client)
	h.mu.Unlock()

	for _, client := range clients {
		client.closeSend()
		client.conn.Close()
	}
}

// handle dispatches one observer message.
func (h *Hub) handle(c *Client, msg inboundMessage) {
	switch msg.Type {
	case typeSubscribe:
		if msg.VehicleNumber == "" {
			h.send(c, outboundMessage{Type: typeError, Message: "vehicleNumber is required"})
			return
		}
		if !h.Subscribe(c.ID, msg.VehicleNumber) {
			// Client lost the registration race; nothing to confirm.
			return
		}
		h.send(c, outboundMessage{Type: typeSubscriptionConfirmed, VehicleNumber: msg.VehicleNumber})

	case typeUnsubscribe:
		if msg.VehicleNumber == "" {
			h.send(c, outboundMessage{Type: typeError, Message: "vehicleNumber is required"})
			return
		}
		h.Unsubscribe(c.ID, msg.VehicleNumber)
		h.send(c, outboundMessage{Type: typeUnsubscriptionConfirmed, VehicleNumber: msg.VehicleNumber})

	case typePing:
		now := time.Now()
		h.send(c, outboundMessage{Type: typePong, Timestamp: &now})

	default:
		h.send(c, outboundMessage{Type: typeError, Message: "unknown message type"})
	}
}

// send queues a control message for one client, evicting it when the
// queue is full or closed.
func (h *Hub) send(c *Client, msg outboundMessage) {
	h.mu.RLock()
	ok := h.trySend(c, msg)
	h.mu.RUnlock()

	if !ok {
		h.Disconnect(c.ID)
	}
}

// trySend enqueues without blocking. Callers hold at least the read
// lock, which excludes closeSend (only ever called after removal under
// the write lock), so sending cannot race a channel close.
func (h *Hub) trySend(c *Client, msg outboundMessage) bool {
	if _, registered := h.clients[c.ID]; !registered {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}
