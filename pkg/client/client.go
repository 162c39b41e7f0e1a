// Package client implements the wire protocol driver shared by the terminal
// client, the load generator and the integration tests. It speaks the same
// length-framed binary protocol as the server, over plain TCP or the
// websocket bridge.
package client

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/courierchat/courier/pkg/protocol"
)

// ErrTimeout is returned when the server does not answer a request within
// the reply timeout.
var ErrTimeout = errors.New("timed out waiting for server reply")

// ServerError is a rejection the server answered with. Code is the wire
// status code, Message the human-readable reason.
type ServerError struct {
	Code    uint16
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server rejected request (%d): %s", e.Code, e.Message)
}

// Client is one connection to the relay server. Request methods are
// synchronous: they send a frame and wait for the matching reply. Relayed
// messages and service notifications arrive on their own channels, fed by a
// background reader.
//
// Request methods must not be called concurrently: the protocol has no
// request IDs, so replies are matched by arrival order.
type Client struct {
	conn     net.Conn
	username string

	writeMu sync.Mutex

	replies  chan *protocol.Frame
	relays   chan *protocol.ChatMessage
	notifies chan *protocol.ServiceNotifyMessage

	timeout time.Duration

	closeOnce sync.Once
	shutdown  chan struct{}

	readErrMu sync.Mutex
	readErr   error
}

// Dial connects to a server address. Plain "host:port" and "tcp://host:port"
// dial TCP; "ws://host:port" and "wss://host:port" use the websocket bridge.
func Dial(addr string) (*Client, error) {
	var conn net.Conn
	var err error

	switch {
	case strings.HasPrefix(addr, "ws://"):
		conn, err = dialWebSocket("ws", strings.TrimPrefix(addr, "ws://"))
	case strings.HasPrefix(addr, "wss://"):
		conn, err = dialWebSocket("wss", strings.TrimPrefix(addr, "wss://"))
	case strings.HasPrefix(addr, "tcp://"):
		conn, err = net.DialTimeout("tcp", strings.TrimPrefix(addr, "tcp://"), 10*time.Second)
	default:
		conn, err = net.DialTimeout("tcp", addr, 10*time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	c := &Client{
		conn:     conn,
		replies:  make(chan *protocol.Frame, 16),
		relays:   make(chan *protocol.ChatMessage, 64),
		notifies: make(chan *protocol.ServiceNotifyMessage, 16),
		timeout:  10 * time.Second,
		shutdown: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// SetTimeout changes the reply timeout for subsequent requests.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Username returns the authenticated username, empty before Authenticate.
func (c *Client) Username() string {
	return c.username
}

// Relays delivers messages other users send to this client.
func (c *Client) Relays() <-chan *protocol.ChatMessage {
	return c.relays
}

// Notifies delivers service notifications, sent when the online-user set
// changes.
func (c *Client) Notifies() <-chan *protocol.ServiceNotifyMessage {
	return c.notifies
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.shutdown)
		err = c.conn.Close()
	})
	return err
}

// readLoop decodes server frames and demultiplexes them: relays and
// notifications to their channels, everything else to the reply queue.
func (c *Client) readLoop() {
	for {
		frame, err := protocol.DecodeFrame(c.conn)
		if err != nil {
			c.readErrMu.Lock()
			c.readErr = err
			c.readErrMu.Unlock()
			close(c.replies)
			return
		}

		switch frame.Type {
		case protocol.TypeRelay:
			msg := &protocol.ChatMessage{}
			if err := msg.Decode(frame.Payload); err != nil {
				continue
			}
			select {
			case c.relays <- msg:
			default:
				// A reader that stopped draining loses messages rather
				// than wedging the connection.
			}
		case protocol.TypeServiceNotify:
			msg := &protocol.ServiceNotifyMessage{}
			if err := msg.Decode(frame.Payload); err != nil {
				continue
			}
			select {
			case c.notifies <- msg:
			default:
			}
		default:
			select {
			case c.replies <- frame:
			case <-c.shutdown:
				return
			}
		}
	}
}

// send writes one request frame.
func (c *Client) send(msgType uint8, msg protocol.Payloader) error {
	frame, err := protocol.NewFrame(msgType, msg)
	if err != nil {
		return err
	}
	data, err := protocol.EncodeBytes(frame)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(data)
	return err
}

// nextReply waits for the next reply frame.
func (c *Client) nextReply() (*protocol.Frame, error) {
	select {
	case frame, ok := <-c.replies:
		if !ok {
			c.readErrMu.Lock()
			err := c.readErr
			c.readErrMu.Unlock()
			return nil, fmt.Errorf("connection lost: %w", err)
		}
		return frame, nil
	case <-time.After(c.timeout):
		return nil, ErrTimeout
	case <-c.shutdown:
		return nil, net.ErrClosed
	}
}

// expectAck waits for an ACK and converts a rejection into a ServerError.
func (c *Client) expectAck() error {
	frame, err := c.nextReply()
	if err != nil {
		return err
	}
	if frame.Type != protocol.TypeAck {
		return fmt.Errorf("expected ACK, got %s", protocol.TypeName(frame.Type))
	}
	ack := &protocol.AckMessage{}
	if err := ack.Decode(frame.Payload); err != nil {
		return err
	}
	if ack.Code != protocol.CodeOK {
		return &ServerError{Code: ack.Code, Message: ack.Message}
	}
	return nil
}

// Authenticate performs the challenge-response login. The password never
// crosses the wire; only the keyed digest of the server's nonce does. The
// public key, when given, is stored server-side for other users to fetch.
func (c *Client) Authenticate(username, password string, pubkey []byte) error {
	err := c.send(protocol.TypePresence, &protocol.PresenceMessage{
		Username:  username,
		Time:      time.Now(),
		PublicKey: pubkey,
	})
	if err != nil {
		return err
	}

	frame, err := c.nextReply()
	if err != nil {
		return err
	}
	if frame.Type == protocol.TypeAck {
		ack := &protocol.AckMessage{}
		if err := ack.Decode(frame.Payload); err != nil {
			return err
		}
		return &ServerError{Code: ack.Code, Message: ack.Message}
	}
	if frame.Type != protocol.TypeChallenge {
		return fmt.Errorf("expected CHALLENGE, got %s", protocol.TypeName(frame.Type))
	}
	challenge := &protocol.ChallengeMessage{}
	if err := challenge.Decode(frame.Payload); err != nil {
		return err
	}

	digest := protocol.ChallengeDigest(protocol.DeriveLoginKey(username, password), challenge.Nonce)
	if err := c.send(protocol.TypeAuthResponse, &protocol.AuthResponseMessage{Digest: digest}); err != nil {
		return err
	}
	if err := c.expectAck(); err != nil {
		return err
	}

	c.username = username
	return nil
}

// SendMessage sends a text message to another online user.
func (c *Client) SendMessage(to, text string) error {
	err := c.send(protocol.TypeChat, &protocol.ChatMessage{
		From: c.username,
		To:   to,
		Time: time.Now(),
		Text: text,
	})
	if err != nil {
		return err
	}
	return c.expectAck()
}

// Contacts fetches the caller's contact list.
func (c *Client) Contacts() ([]string, error) {
	if err := c.send(protocol.TypeGetContacts, &protocol.GetContactsMessage{Username: c.username}); err != nil {
		return nil, err
	}

	frame, err := c.nextReply()
	if err != nil {
		return nil, err
	}
	if frame.Type == protocol.TypeAck {
		ack := &protocol.AckMessage{}
		if err := ack.Decode(frame.Payload); err != nil {
			return nil, err
		}
		return nil, &ServerError{Code: ack.Code, Message: ack.Message}
	}
	if frame.Type != protocol.TypeContactList {
		return nil, fmt.Errorf("expected CONTACT_LIST, got %s", protocol.TypeName(frame.Type))
	}

	list := &protocol.ContactListMessage{}
	if err := list.Decode(frame.Payload); err != nil {
		return nil, err
	}
	return list.Contacts, nil
}

// AddContact adds a user to the caller's contact list.
func (c *Client) AddContact(target string) error {
	if err := c.send(protocol.TypeAddContact, &protocol.AddContactMessage{Username: c.username, Target: target}); err != nil {
		return err
	}
	return c.expectAck()
}

// RemoveContact removes a user from the caller's contact list.
func (c *Client) RemoveContact(target string) error {
	if err := c.send(protocol.TypeRemoveContact, &protocol.RemoveContactMessage{Username: c.username, Target: target}); err != nil {
		return err
	}
	return c.expectAck()
}

// Users fetches all registered users with their last login times.
func (c *Client) Users() ([]protocol.UserEntry, error) {
	if err := c.send(protocol.TypeGetUsers, &protocol.GetUsersMessage{Username: c.username}); err != nil {
		return nil, err
	}

	frame, err := c.nextReply()
	if err != nil {
		return nil, err
	}
	if frame.Type == protocol.TypeAck {
		ack := &protocol.AckMessage{}
		if err := ack.Decode(frame.Payload); err != nil {
			return nil, err
		}
		return nil, &ServerError{Code: ack.Code, Message: ack.Message}
	}
	if frame.Type != protocol.TypeUserList {
		return nil, fmt.Errorf("expected USER_LIST, got %s", protocol.TypeName(frame.Type))
	}

	list := &protocol.UserListMessage{}
	if err := list.Decode(frame.Payload); err != nil {
		return nil, err
	}
	return list.Users, nil
}

// Pubkey fetches another user's stored public key.
func (c *Client) Pubkey(target string) ([]byte, error) {
	if err := c.send(protocol.TypePubkeyRequest, &protocol.PubkeyRequestMessage{Target: target}); err != nil {
		return nil, err
	}

	frame, err := c.nextReply()
	if err != nil {
		return nil, err
	}
	if frame.Type == protocol.TypeAck {
		ack := &protocol.AckMessage{}
		if err := ack.Decode(frame.Payload); err != nil {
			return nil, err
		}
		return nil, &ServerError{Code: ack.Code, Message: ack.Message}
	}
	if frame.Type != protocol.TypePubkey {
		return nil, fmt.Errorf("expected PUBKEY, got %s", protocol.TypeName(frame.Type))
	}

	reply := &protocol.PubkeyMessage{}
	if err := reply.Decode(frame.Payload); err != nil {
		return nil, err
	}
	return reply.PublicKey, nil
}

// Ping measures round-trip time to the server.
func (c *Client) Ping() (time.Duration, error) {
	start := time.Now()
	if err := c.send(protocol.TypePing, &protocol.PingMessage{Timestamp: start.UnixMilli()}); err != nil {
		return 0, err
	}

	frame, err := c.nextReply()
	if err != nil {
		return 0, err
	}
	if frame.Type != protocol.TypePong {
		return 0, fmt.Errorf("expected PONG, got %s", protocol.TypeName(frame.Type))
	}
	pong := &protocol.PongMessage{}
	if err := pong.Decode(frame.Payload); err != nil {
		return 0, err
	}
	if pong.ClientTimestamp != start.UnixMilli() {
		return 0, fmt.Errorf("pong echoed wrong timestamp")
	}
	return time.Since(start), nil
}

// Exit announces departure and closes the connection. The server sends no
// reply to an exit.
func (c *Client) Exit() error {
	if c.username != "" {
		if err := c.send(protocol.TypeExit, &protocol.ExitMessage{Username: c.username}); err != nil {
			c.Close()
			return err
		}
	}
	return c.Close()
}
