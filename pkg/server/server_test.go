package server

import (
	"io"
	"net"
	"testing"
	"time"
)

// A transport handed in after shutdown has begun must be closed, not queued.
func TestEnqueueConnAfterShutdown(t *testing.T) {
	srv := testServer(t, newMockDirectory())
	close(srv.shutdown)

	peer, accepted := net.Pipe()
	defer peer.Close()
	srv.enqueueConn(accepted, "tcp")

	select {
	case <-srv.events:
		t.Fatalf("connect event queued after shutdown")
	default:
	}

	peer.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := peer.Read(buf); err != io.EOF {
		t.Fatalf("expected EOF from the closed accepted side, got %v", err)
	}
}

// A connect that won the race into the event buffer just as the loop exited
// is still closed by Stop.
func TestStopClosesQueuedConnection(t *testing.T) {
	srv := testServer(t, newMockDirectory())

	peer, accepted := net.Pipe()
	defer peer.Close()
	srv.events <- event{kind: eventConnect, netConn: accepted, transport: "tcp"}

	// The loop never ran; Stop must not need it to drain the queue.
	close(srv.loopDone)
	if err := srv.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	peer.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := peer.Read(buf); err != io.EOF {
		t.Fatalf("expected EOF from the closed queued connection, got %v", err)
	}
}
