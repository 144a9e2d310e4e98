package testbackend

import (
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jrsteele09/go-listsync/realtime"
)

// Broker is a minimal STOMP 1.2 broker. Clients authenticate with the bearer
// token in the CONNECT frame (or the upgrade request) and subscribe to topics.
type Broker struct {
	backend  *Backend
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conns     map[*brokerConn]struct{}
	connects  int
	heartbeat string
}

type brokerConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]string // subscription id -> destination
}

func (c *brokerConn) send(f realtime.Frame) error {
	return c.sendRaw(f.Encode())
}

func (c *brokerConn) sendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func newBroker(b *Backend) *Broker {
	return &Broker{
		backend:   b,
		conns:     make(map[*brokerConn]struct{}),
		heartbeat: "0,0",
	}
}

// SetHeartbeat sets the heart-beat header returned in CONNECTED.
func (br *Broker) SetHeartbeat(value string) {
	br.mu.Lock()
	defer br.mu.Unlock()
	br.heartbeat = value
}

func (br *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := br.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &brokerConn{ws: ws, subs: make(map[string]string)}
	defer func() {
		br.mu.Lock()
		delete(br.conns, c)
		br.mu.Unlock()
		ws.Close()
	}()

	if !br.handshake(c, r) {
		return
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		f, err := realtime.DecodeFrame(data)
		if err != nil || f.IsHeartbeat() {
			continue
		}
		switch f.Command {
		case realtime.CmdSubscribe:
			c.mu.Lock()
			c.subs[f.Header("id")] = f.Header("destination")
			c.mu.Unlock()
		case realtime.CmdUnsubscribe:
			c.mu.Lock()
			delete(c.subs, f.Header("id"))
			c.mu.Unlock()
		case realtime.CmdDisconnect:
			return
		}
	}
}

func (br *Broker) handshake(c *brokerConn, r *http.Request) bool {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return false
	}
	f, err := realtime.DecodeFrame(data)
	if err != nil || f.Command != realtime.CmdConnect {
		_ = c.send(realtime.NewFrame(realtime.CmdError, map[string]string{"message": "CONNECT expected"}, nil))
		return false
	}
	auth := f.Header("Authorization")
	if auth == "" {
		auth = r.Header.Get("Authorization")
	}
	if _, ok := br.backend.userForToken(bearerToken(auth)); !ok {
		_ = c.send(realtime.NewFrame(realtime.CmdError, map[string]string{"message": "unauthorized"}, nil))
		return false
	}

	br.mu.Lock()
	br.conns[c] = struct{}{}
	br.connects++
	heartbeat := br.heartbeat
	br.mu.Unlock()

	return c.send(realtime.NewFrame(realtime.CmdConnected, map[string]string{
		"version":    "1.2",
		"heart-beat": heartbeat,
	}, nil)) == nil
}

// Publish sends body as a MESSAGE to every subscription on destination and
// returns how many received it.
func (br *Broker) Publish(destination string, body []byte) int {
	delivered := 0
	for _, c := range br.snapshot() {
		c.mu.Lock()
		var ids []string
		for id, dest := range c.subs {
			if dest == destination {
				ids = append(ids, id)
			}
		}
		c.mu.Unlock()

		for _, id := range ids {
			err := c.send(realtime.NewFrame(realtime.CmdMessage, map[string]string{
				"subscription": id,
				"message-id":   uuid.NewString(),
				"destination":  destination,
				"content-type": "application/json",
			}, body))
			if err == nil {
				delivered++
			}
		}
	}
	return delivered
}

// PublishRaw writes data verbatim to every connection subscribed to
// destination.
func (br *Broker) PublishRaw(destination string, data []byte) int {
	delivered := 0
	for _, c := range br.snapshot() {
		if br.subscribed(c, destination) && c.sendRaw(data) == nil {
			delivered++
		}
	}
	return delivered
}

// Subscribers counts live subscriptions on destination.
func (br *Broker) Subscribers(destination string) int {
	n := 0
	for _, c := range br.snapshot() {
		c.mu.Lock()
		for _, dest := range c.subs {
			if dest == destination {
				n++
			}
		}
		c.mu.Unlock()
	}
	return n
}

// Destinations lists every destination with a live subscription.
func (br *Broker) Destinations() []string {
	var out []string
	for _, c := range br.snapshot() {
		c.mu.Lock()
		for _, dest := range c.subs {
			out = append(out, dest)
		}
		c.mu.Unlock()
	}
	return out
}

func (br *Broker) Connects() int {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.connects
}

func (br *Broker) OpenConnections() int {
	br.mu.Lock()
	defer br.mu.Unlock()
	return len(br.conns)
}

// DropAll closes every connection, simulating a network drop.
func (br *Broker) DropAll() {
	for _, c := range br.snapshot() {
		c.ws.Close()
	}
}

func (br *Broker) subscribed(c *brokerConn, destination string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, dest := range c.subs {
		if strings.EqualFold(dest, destination) {
			return true
		}
	}
	return false
}

func (br *Broker) snapshot() []*brokerConn {
	br.mu.Lock()
	defer br.mu.Unlock()
	out := make([]*brokerConn, 0, len(br.conns))
	for c := range br.conns {
		out = append(out, c)
	}
	return out
}
