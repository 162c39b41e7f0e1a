package server

import (
	"github.com/courierchat/courier/pkg/protocol"
)

// requireAuth guards handlers that only make sense on a bound connection.
// Out-of-state frames are a protocol error, not an auth failure, so the
// connection stays open.
func (s *Server) requireAuth(c *Conn) bool {
	if c.state != stateAuthenticated {
		s.sendAck(c, protocol.CodeError, "authentication required")
		return false
	}
	return true
}

// requireSelf rejects frames whose username field names someone other than
// the bound user.
func (s *Server) requireSelf(c *Conn, username string) bool {
	if username != c.Username {
		s.sendAck(c, protocol.CodeError, "username does not match session")
		return false
	}
	return true
}

// handleChat routes a point-to-point message to its recipient's live
// connection. Delivery is best-effort: an offline recipient means an error
// to the sender and a dropped message, never a queue.
func (s *Server) handleChat(c *Conn, frame *protocol.Frame) {
	if !s.requireAuth(c) {
		return
	}

	msg := &protocol.ChatMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		s.sendAck(c, protocol.CodeError, "malformed payload")
		return
	}

	if len(msg.Text) > s.config.MaxMessageLength {
		s.sendAck(c, protocol.CodeError, "message too long")
		return
	}

	if !c.limiter.Allow() {
		if s.metrics != nil {
			s.metrics.RecordRateLimited()
		}
		s.sendAck(c, protocol.CodeError, "message rate limit exceeded")
		return
	}

	recipient, online := s.table.Lookup(msg.To)
	if !online {
		if s.metrics != nil {
			s.metrics.RecordRelayFailure("offline")
		}
		s.sendAck(c, protocol.CodeError, "user not available")
		return
	}

	// The sender field is the authenticated identity, whatever the client
	// put on the wire.
	relay := &protocol.ChatMessage{
		From: c.Username,
		To:   msg.To,
		Time: msg.Time,
		Text: msg.Text,
	}
	relayFrame, err := protocol.NewFrame(protocol.TypeRelay, relay)
	if err != nil {
		errorLog.Printf("Failed to encode relay frame: %v", err)
		s.sendAck(c, protocol.CodeError, "internal error")
		return
	}

	if err := s.writeFrame(recipient, relayFrame); err != nil {
		// The recipient's socket is dead: drop them, and the sender learns
		// the recipient is gone rather than seeing a phantom delivery.
		s.removeConn(recipient.ID, true)
		if s.metrics != nil {
			s.metrics.RecordRelayFailure("write")
		}
		s.sendAck(c, protocol.CodeError, "user not available")
		return
	}

	if err := s.dir.ProcessMessage(c.Username, msg.To); err != nil {
		errorLog.Printf("Directory error counting message %q→%q: %v", c.Username, msg.To, err)
		s.sendAck(c, protocol.CodeError, "directory error")
		return
	}

	if s.metrics != nil {
		s.metrics.RecordMessageRelayed()
	}
	s.sendAck(c, protocol.CodeOK, "delivered")
}

// handleExit drops the connection without a reply.
func (s *Server) handleExit(c *Conn, frame *protocol.Frame) {
	msg := &protocol.ExitMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		// The peer is leaving either way.
		debugLog.Printf("Connection %d: malformed exit payload: %v", c.ID, err)
	}
	s.removeConn(c.ID, true)
}

func (s *Server) handleGetContacts(c *Conn, frame *protocol.Frame) {
	msg := &protocol.GetContactsMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		s.sendAck(c, protocol.CodeError, "malformed payload")
		return
	}
	if !s.requireAuth(c) || !s.requireSelf(c, msg.Username) {
		return
	}

	contacts, err := s.dir.GetContacts(c.Username)
	if err != nil {
		errorLog.Printf("Directory error listing contacts for %q: %v", c.Username, err)
		s.sendAck(c, protocol.CodeError, "directory error")
		return
	}

	s.send(c, protocol.TypeContactList, &protocol.ContactListMessage{
		Code:     protocol.CodeList,
		Contacts: contacts,
	})
}

func (s *Server) handleAddContact(c *Conn, frame *protocol.Frame) {
	msg := &protocol.AddContactMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		s.sendAck(c, protocol.CodeError, "malformed payload")
		return
	}
	if !s.requireAuth(c) || !s.requireSelf(c, msg.Username) {
		return
	}

	if err := s.dir.AddContact(c.Username, msg.Target); err != nil {
		errorLog.Printf("Directory error adding contact %q→%q: %v", c.Username, msg.Target, err)
		s.sendAck(c, protocol.CodeError, "directory error")
		return
	}

	s.sendAck(c, protocol.CodeOK, "contact added")
}

func (s *Server) handleRemoveContact(c *Conn, frame *protocol.Frame) {
	msg := &protocol.RemoveContactMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		s.sendAck(c, protocol.CodeError, "malformed payload")
		return
	}
	if !s.requireAuth(c) || !s.requireSelf(c, msg.Username) {
		return
	}

	if err := s.dir.RemoveContact(c.Username, msg.Target); err != nil {
		errorLog.Printf("Directory error removing contact %q→%q: %v", c.Username, msg.Target, err)
		s.sendAck(c, protocol.CodeError, "directory error")
		return
	}

	s.sendAck(c, protocol.CodeOK, "contact removed")
}

func (s *Server) handleGetUsers(c *Conn, frame *protocol.Frame) {
	msg := &protocol.GetUsersMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		s.sendAck(c, protocol.CodeError, "malformed payload")
		return
	}
	if !s.requireAuth(c) || !s.requireSelf(c, msg.Username) {
		return
	}

	users, err := s.dir.UsersList()
	if err != nil {
		errorLog.Printf("Directory error listing users: %v", err)
		s.sendAck(c, protocol.CodeError, "directory error")
		return
	}

	entries := make([]protocol.UserEntry, 0, len(users))
	for _, u := range users {
		entries = append(entries, protocol.UserEntry{
			Username:  u.Username,
			LastLogin: u.LastLogin,
		})
	}

	s.send(c, protocol.TypeUserList, &protocol.UserListMessage{
		Code:  protocol.CodeList,
		Users: entries,
	})
}

func (s *Server) handlePubkeyRequest(c *Conn, frame *protocol.Frame) {
	msg := &protocol.PubkeyRequestMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		s.sendAck(c, protocol.CodeError, "malformed payload")
		return
	}
	if !s.requireAuth(c) {
		return
	}

	pubkey, err := s.dir.GetPubkey(msg.Target)
	if err != nil {
		errorLog.Printf("Directory error loading pubkey for %q: %v", msg.Target, err)
		s.sendAck(c, protocol.CodeError, "directory error")
		return
	}
	if len(pubkey) == 0 {
		s.sendAck(c, protocol.CodeError, "no public key")
		return
	}

	s.send(c, protocol.TypePubkey, &protocol.PubkeyMessage{
		Code:      protocol.CodePubkey,
		Target:    msg.Target,
		PublicKey: pubkey,
	})
}

func (s *Server) handlePing(c *Conn, frame *protocol.Frame) {
	msg := &protocol.PingMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		s.sendAck(c, protocol.CodeError, "malformed payload")
		return
	}

	s.send(c, protocol.TypePong, &protocol.PongMessage{ClientTimestamp: msg.Timestamp})
}
