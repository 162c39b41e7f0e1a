package server

import (
	"errors"
	"testing"
	"time"

	"github.com/courierchat/courier/pkg/protocol"
)

func TestAuthFlowSuccess(t *testing.T) {
	dir := newMockDirectory()
	registerUser(dir, "alice", "hunter2")
	srv := testServer(t, dir)

	alice, aliceConn := testConn(srv)
	dispatch(t, srv, alice, protocol.TypePresence, &protocol.PresenceMessage{
		Username:  "alice",
		Time:      time.Now(),
		PublicKey: []byte("ALICEKEY"),
	})

	if alice.state != stateChallengeSent {
		t.Fatalf("expected challenge-sent state, got %d", alice.state)
	}

	frame := readFrame(t, aliceConn)
	if frame.Type != protocol.TypeChallenge {
		t.Fatalf("expected CHALLENGE, got %s", protocol.TypeName(frame.Type))
	}
	challenge := &protocol.ChallengeMessage{}
	if err := challenge.Decode(frame.Payload); err != nil {
		t.Fatalf("failed to decode challenge: %v", err)
	}
	if len(challenge.Nonce) != protocol.NonceSize {
		t.Fatalf("expected %d-byte nonce, got %d", protocol.NonceSize, len(challenge.Nonce))
	}

	digest := protocol.ChallengeDigest(protocol.DeriveLoginKey("alice", "hunter2"), challenge.Nonce)
	dispatch(t, srv, alice, protocol.TypeAuthResponse, &protocol.AuthResponseMessage{Digest: digest})
	expectAck(t, aliceConn, protocol.CodeOK, "authenticated")

	if alice.state != stateAuthenticated {
		t.Fatalf("expected authenticated state, got %d", alice.state)
	}
	if alice.Username != "alice" {
		t.Fatalf("expected bound username, got %q", alice.Username)
	}
	if alice.nonce != nil || alice.pendingUser != "" || alice.pendingKey != nil {
		t.Fatalf("expected challenge state cleared after success")
	}
	if bound, ok := srv.table.Lookup("alice"); !ok || bound.ID != alice.ID {
		t.Fatalf("expected name table to point at the connection")
	}
	if _, ok := dir.sessions["alice"]; !ok {
		t.Fatalf("expected session recorded")
	}
	if string(dir.pubkeys["alice"]) != "ALICEKEY" {
		t.Fatalf("expected pubkey stored at login, got %q", dir.pubkeys["alice"])
	}
}

func TestAuthUnknownUser(t *testing.T) {
	dir := newMockDirectory()
	srv := testServer(t, dir)

	c, mc := testConn(srv)
	dispatch(t, srv, c, protocol.TypePresence, &protocol.PresenceMessage{Username: "ghost", Time: time.Now()})

	expectAck(t, mc, protocol.CodeError, "user not registered")
	if _, ok := srv.table.Get(c.ID); ok {
		t.Fatalf("auth failure must cost the connection")
	}
	if !mc.closed {
		t.Fatalf("expected socket closed")
	}
}

func TestAuthWrongPassword(t *testing.T) {
	dir := newMockDirectory()
	registerUser(dir, "alice", "hunter2")
	srv := testServer(t, dir)

	c, mc := testConn(srv)
	dispatch(t, srv, c, protocol.TypePresence, &protocol.PresenceMessage{Username: "alice", Time: time.Now()})

	frame := readFrame(t, mc)
	challenge := &protocol.ChallengeMessage{}
	if err := challenge.Decode(frame.Payload); err != nil {
		t.Fatalf("failed to decode challenge: %v", err)
	}

	digest := protocol.ChallengeDigest(protocol.DeriveLoginKey("alice", "wrong"), challenge.Nonce)
	dispatch(t, srv, c, protocol.TypeAuthResponse, &protocol.AuthResponseMessage{Digest: digest})

	expectAck(t, mc, protocol.CodeError, "wrong password")
	if _, ok := srv.table.Get(c.ID); ok {
		t.Fatalf("auth failure must cost the connection")
	}
	if _, ok := srv.table.Lookup("alice"); ok {
		t.Fatalf("failed attempt must not bind the name")
	}
}

func TestAuthNameAlreadyOnline(t *testing.T) {
	dir := newMockDirectory()
	registerUser(dir, "alice", "pw")
	srv := testServer(t, dir)

	first, firstConn := testConn(srv)
	authenticate(t, srv, first, firstConn, "alice", "pw")

	second, secondConn := testConn(srv)
	dispatch(t, srv, second, protocol.TypePresence, &protocol.PresenceMessage{Username: "alice", Time: time.Now()})

	expectAck(t, secondConn, protocol.CodeError, "username already in use")
	if _, ok := srv.table.Get(second.ID); ok {
		t.Fatalf("expected duplicate-name connection removed")
	}

	// The original session is untouched.
	if bound, ok := srv.table.Lookup("alice"); !ok || bound.ID != first.ID {
		t.Fatalf("expected original binding intact")
	}
	if _, ok := dir.sessions["alice"]; !ok {
		t.Fatalf("expected original session intact")
	}
}

func TestAuthNameClaimedDuringChallenge(t *testing.T) {
	dir := newMockDirectory()
	registerUser(dir, "alice", "pw")
	srv := testServer(t, dir)

	// Two connections request a challenge for the same name before either
	// answers.
	first, firstConn := testConn(srv)
	dispatch(t, srv, first, protocol.TypePresence, &protocol.PresenceMessage{Username: "alice", Time: time.Now()})
	firstChallenge := &protocol.ChallengeMessage{}
	if err := firstChallenge.Decode(readFrame(t, firstConn).Payload); err != nil {
		t.Fatalf("failed to decode challenge: %v", err)
	}

	second, secondConn := testConn(srv)
	dispatch(t, srv, second, protocol.TypePresence, &protocol.PresenceMessage{Username: "alice", Time: time.Now()})
	secondChallenge := &protocol.ChallengeMessage{}
	if err := secondChallenge.Decode(readFrame(t, secondConn).Payload); err != nil {
		t.Fatalf("failed to decode challenge: %v", err)
	}

	key := protocol.DeriveLoginKey("alice", "pw")
	dispatch(t, srv, first, protocol.TypeAuthResponse, &protocol.AuthResponseMessage{
		Digest: protocol.ChallengeDigest(key, firstChallenge.Nonce),
	})
	expectAck(t, firstConn, protocol.CodeOK, "authenticated")

	// The second answer is correct too, but the name is taken now.
	dispatch(t, srv, second, protocol.TypeAuthResponse, &protocol.AuthResponseMessage{
		Digest: protocol.ChallengeDigest(key, secondChallenge.Nonce),
	})
	expectAck(t, secondConn, protocol.CodeError, "username already in use")

	if bound, ok := srv.table.Lookup("alice"); !ok || bound.ID != first.ID {
		t.Fatalf("expected first connection to keep the binding")
	}
}

func TestAuthResponseWithoutChallenge(t *testing.T) {
	dir := newMockDirectory()
	srv := testServer(t, dir)

	c, mc := testConn(srv)
	dispatch(t, srv, c, protocol.TypeAuthResponse, &protocol.AuthResponseMessage{Digest: []byte("junk")})

	expectAck(t, mc, protocol.CodeError, "no pending challenge")
	if _, ok := srv.table.Get(c.ID); !ok {
		t.Fatalf("out-of-state frame must not cost the connection")
	}
}

func TestPresenceWhileChallengePending(t *testing.T) {
	dir := newMockDirectory()
	registerUser(dir, "alice", "pw")
	srv := testServer(t, dir)

	c, mc := testConn(srv)
	dispatch(t, srv, c, protocol.TypePresence, &protocol.PresenceMessage{Username: "alice", Time: time.Now()})
	readFrame(t, mc) // challenge

	dispatch(t, srv, c, protocol.TypePresence, &protocol.PresenceMessage{Username: "alice", Time: time.Now()})
	expectAck(t, mc, protocol.CodeError, "challenge already pending")

	if c.state != stateChallengeSent {
		t.Fatalf("expected pending challenge to survive")
	}
}

func TestPresenceWhileAuthenticated(t *testing.T) {
	dir := newMockDirectory()
	registerUser(dir, "alice", "pw")
	srv := testServer(t, dir)

	alice, aliceConn := testConn(srv)
	authenticate(t, srv, alice, aliceConn, "alice", "pw")

	dispatch(t, srv, alice, protocol.TypePresence, &protocol.PresenceMessage{Username: "alice", Time: time.Now()})
	expectAck(t, aliceConn, protocol.CodeError, "already authenticated")

	if alice.state != stateAuthenticated {
		t.Fatalf("expected state unchanged")
	}
}

func TestAuthDirectoryErrorOnLogin(t *testing.T) {
	dir := newMockDirectory()
	registerUser(dir, "alice", "pw")
	dir.loginErr = errors.New("disk on fire")
	srv := testServer(t, dir)

	c, mc := testConn(srv)
	dispatch(t, srv, c, protocol.TypePresence, &protocol.PresenceMessage{Username: "alice", Time: time.Now()})
	challenge := &protocol.ChallengeMessage{}
	if err := challenge.Decode(readFrame(t, mc).Payload); err != nil {
		t.Fatalf("failed to decode challenge: %v", err)
	}

	digest := protocol.ChallengeDigest(protocol.DeriveLoginKey("alice", "pw"), challenge.Nonce)
	dispatch(t, srv, c, protocol.TypeAuthResponse, &protocol.AuthResponseMessage{Digest: digest})

	expectAck(t, mc, protocol.CodeError, "directory error")

	// The connection survives but the name is released and the attempt
	// must be restarted from PRESENCE.
	if _, ok := srv.table.Get(c.ID); !ok {
		t.Fatalf("storage error must not cost the connection")
	}
	if _, ok := srv.table.Lookup("alice"); ok {
		t.Fatalf("expected name released after failed login")
	}
	if c.state != stateUnauthenticated {
		t.Fatalf("expected state reset, got %d", c.state)
	}

	// A retry succeeds once the directory recovers.
	dir.loginErr = nil
	authenticate(t, srv, c, mc, "alice", "pw")
}

func TestAuthDirectoryErrorOnCheck(t *testing.T) {
	dir := newMockDirectory()
	registerUser(dir, "alice", "pw")
	dir.checkErr = errors.New("disk on fire")
	srv := testServer(t, dir)

	c, mc := testConn(srv)
	dispatch(t, srv, c, protocol.TypePresence, &protocol.PresenceMessage{Username: "alice", Time: time.Now()})

	expectAck(t, mc, protocol.CodeError, "directory error")
	if _, ok := srv.table.Get(c.ID); !ok {
		t.Fatalf("storage error must not cost the connection")
	}
	if c.state != stateUnauthenticated {
		t.Fatalf("expected state unchanged, got %d", c.state)
	}
}
