package server

import (
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// ConnID identifies a live connection for the lifetime of the process.
type ConnID uint64

// authState tracks a connection's progress through the challenge-response
// exchange.
type authState uint8

const (
	stateUnauthenticated authState = iota
	stateChallengeSent
	stateAuthenticated
)

// Conn is one live client connection. All fields are owned by the server
// loop goroutine; the reader goroutine only touches the underlying net.Conn.
type Conn struct {
	ID        ConnID
	Transport string // "tcp" or "websocket"

	netConn net.Conn

	// Authentication state. Username is empty until the challenge-response
	// completes; pendingUser/nonce/pendingKey live only between PRESENCE
	// and AUTH_RESPONSE.
	state       authState
	Username    string
	pendingUser string
	pendingKey  []byte
	nonce       []byte

	lastActivity time.Time
	limiter      *rate.Limiter
}

// RemoteEndpoint splits the peer address into host and port. A transport
// whose address does not parse reports an empty host and port zero.
func (c *Conn) RemoteEndpoint() (string, uint16) {
	addr := c.netConn.RemoteAddr()
	if addr == nil {
		return "", 0
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	p, err := net.LookupPort("tcp", port)
	if err != nil {
		return host, 0
	}
	return host, uint16(p)
}

// ConnectionTable tracks all live connections and the username binding for
// the authenticated ones. It is owned exclusively by the server loop and is
// deliberately unsynchronized: every method except Counts must be called
// from that one goroutine.
type ConnectionTable struct {
	conns  map[ConnID]*Conn
	byName map[string]*Conn
	nextID ConnID

	// Snapshot totals kept alongside the maps so other goroutines (the
	// health endpoint) can read counts without touching loop-owned state.
	connCount   atomic.Int64
	onlineCount atomic.Int64
}

// NewConnectionTable returns an empty table.
func NewConnectionTable() *ConnectionTable {
	return &ConnectionTable{
		conns:  make(map[ConnID]*Conn),
		byName: make(map[string]*Conn),
		nextID: 1,
	}
}

// Register adds an unauthenticated connection and assigns its ID.
func (t *ConnectionTable) Register(netConn net.Conn, transport string, limiter *rate.Limiter) *Conn {
	c := &Conn{
		ID:           t.nextID,
		Transport:    transport,
		netConn:      netConn,
		state:        stateUnauthenticated,
		lastActivity: time.Now(),
		limiter:      limiter,
	}
	t.nextID++
	t.conns[c.ID] = c
	t.connCount.Add(1)
	return c
}

// Get returns the connection with the given ID.
func (t *ConnectionTable) Get(id ConnID) (*Conn, bool) {
	c, ok := t.conns[id]
	return c, ok
}

// Bind records a username for a registered connection. It fails when the
// username is already bound to a different live connection, or when the
// connection already carries a different name.
func (t *ConnectionTable) Bind(id ConnID, username string) bool {
	c, ok := t.conns[id]
	if !ok {
		return false
	}
	if c.Username != "" && c.Username != username {
		return false
	}
	if existing, taken := t.byName[username]; taken && existing.ID != id {
		return false
	}
	if c.Username == "" {
		t.onlineCount.Add(1)
	}
	c.Username = username
	t.byName[username] = c
	return true
}

// Unbind removes any username binding from a connection.
func (t *ConnectionTable) Unbind(id ConnID) {
	c, ok := t.conns[id]
	if !ok || c.Username == "" {
		return
	}
	delete(t.byName, c.Username)
	c.Username = ""
	t.onlineCount.Add(-1)
}

// Remove closes and forgets a connection, unbinding its username. Removing
// an unknown ID is a no-op.
func (t *ConnectionTable) Remove(id ConnID) (*Conn, bool) {
	c, ok := t.conns[id]
	if !ok {
		return nil, false
	}
	if c.Username != "" {
		delete(t.byName, c.Username)
		t.onlineCount.Add(-1)
	}
	delete(t.conns, id)
	t.connCount.Add(-1)
	c.netConn.Close()
	return c, true
}

// Lookup returns the live connection bound to a username. A hit is always
// a currently registered connection.
func (t *ConnectionTable) Lookup(username string) (*Conn, bool) {
	c, ok := t.byName[username]
	return c, ok
}

// All returns every registered connection.
func (t *ConnectionTable) All() []*Conn {
	conns := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	return conns
}

// Len returns the number of registered connections.
func (t *ConnectionTable) Len() int {
	return len(t.conns)
}

// OnlineCount returns the number of authenticated connections. Usernames in
// the name table are exactly the online users.
func (t *ConnectionTable) OnlineCount() int {
	return len(t.byName)
}

// Counts reports the registered and authenticated totals. Unlike every other
// method it may be called from any goroutine.
func (t *ConnectionTable) Counts() (conns, online int) {
	return int(t.connCount.Load()), int(t.onlineCount.Load())
}
