package hub

import "sync"

// Conn is the duplex transport under one observer connection. A gorilla
// *websocket.Conn satisfies it; tests substitute fakes.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

// sendQueueSize bounds the per-connection outbound queue. An observer
// that falls this far behind is treated as dead.
const sendQueueSize = 64

// Client is one registered observer connection.
type Client struct {
	ID   string
	conn Conn
	send chan outboundMessage
	once sync.Once
}

func newClient(id string, conn Conn) *Client {
	return &Client{
		ID:   id,
		conn: conn,
		send: make(chan outboundMessage, sendQueueSize),
	}
}

// closeSend closes the send queue exactly once, ending the write pump.
func (c *Client) closeSend() {
	c.once.Do(func() { close(c.send) })
}

// writePump drains the send queue onto the socket. A write error ends
// the connection; the hub evicts the client via the read pump unwind.
func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// readPump parses observer messages and hands them to the hub until the
// connection errors or closes, then disconnects the client.
func (c *Client) readPump(h *Hub) {
	defer h.Disconnect(c.ID)
	for {
		var msg inboundMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		h.handle(c, msg)
	}
}
