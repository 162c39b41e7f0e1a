package server

import (
	"github.com/courierchat/courier/pkg/protocol"
)

// handlePresence handles the hello frame that opens an authentication
// attempt. On success the connection moves to stateChallengeSent and holds
// the nonce until the client answers or drops.
func (s *Server) handlePresence(c *Conn, frame *protocol.Frame) {
	msg := &protocol.PresenceMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		s.sendAck(c, protocol.CodeError, "malformed payload")
		return
	}

	switch c.state {
	case stateAuthenticated:
		s.sendAck(c, protocol.CodeError, "already authenticated")
		return
	case stateChallengeSent:
		s.sendAck(c, protocol.CodeError, "challenge already pending")
		return
	}

	exists, err := s.dir.CheckUser(msg.Username)
	if err != nil {
		errorLog.Printf("Directory error checking %q: %v", msg.Username, err)
		s.sendAck(c, protocol.CodeError, "directory error")
		return
	}
	if !exists {
		s.rejectAuth(c, "user not registered")
		return
	}

	if _, online := s.table.Lookup(msg.Username); online {
		s.rejectAuth(c, "username already in use")
		return
	}

	nonce, err := protocol.NewNonce()
	if err != nil {
		errorLog.Printf("Failed to generate challenge nonce: %v", err)
		s.sendAck(c, protocol.CodeError, "internal error")
		return
	}

	c.pendingUser = msg.Username
	c.pendingKey = msg.PublicKey
	c.nonce = nonce
	c.state = stateChallengeSent

	s.send(c, protocol.TypeChallenge, &protocol.ChallengeMessage{Nonce: nonce})
}

// handleAuthResponse validates the client's digest for the pending
// challenge. A correct digest binds the username; a wrong one rejects and
// closes, leaving the name table untouched.
func (s *Server) handleAuthResponse(c *Conn, frame *protocol.Frame) {
	msg := &protocol.AuthResponseMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		s.sendAck(c, protocol.CodeError, "malformed payload")
		return
	}

	if c.state != stateChallengeSent {
		s.sendAck(c, protocol.CodeError, "no pending challenge")
		return
	}

	username := c.pendingUser

	loginKey, err := s.dir.GetHash(username)
	if err != nil {
		errorLog.Printf("Directory error loading hash for %q: %v", username, err)
		s.sendAck(c, protocol.CodeError, "directory error")
		c.resetAuth()
		return
	}

	if !protocol.VerifyDigest(loginKey, c.nonce, msg.Digest) {
		s.rejectAuth(c, "wrong password")
		return
	}

	// The name may have been claimed by another connection while this
	// challenge was in flight; Bind is the authoritative check.
	if !s.table.Bind(c.ID, username) {
		s.rejectAuth(c, "username already in use")
		return
	}

	ip, port := c.RemoteEndpoint()
	if err := s.dir.UserLogin(username, ip, port, c.pendingKey); err != nil {
		errorLog.Printf("Directory error recording login for %q: %v", username, err)
		s.table.Unbind(c.ID)
		s.sendAck(c, protocol.CodeError, "directory error")
		c.resetAuth()
		return
	}

	c.state = stateAuthenticated
	c.resetAuth()

	errorLog.Printf("User %q authenticated (connection %d, %s)", username, c.ID, c.Transport)
	if s.metrics != nil {
		s.metrics.RecordAuthSuccess()
		s.metrics.RecordOnlineUsers(s.table.OnlineCount())
	}

	s.sendAck(c, protocol.CodeOK, "authenticated")
	s.notifyListChanged(c.ID)
}

// rejectAuth sends the rejection and closes the offending connection.
// Authentication failures always cost the socket.
func (s *Server) rejectAuth(c *Conn, reason string) {
	if s.metrics != nil {
		s.metrics.RecordAuthFailure(reason)
	}
	s.sendAck(c, protocol.CodeError, reason)
	s.removeConn(c.ID, true)
}

// resetAuth clears transient challenge state. The nonce never outlives the
// attempt it was generated for.
func (c *Conn) resetAuth() {
	c.pendingUser = ""
	c.pendingKey = nil
	c.nonce = nil
	if c.state == stateChallengeSent {
		c.state = stateUnauthenticated
	}
}
