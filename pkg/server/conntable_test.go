package server

import (
	"testing"
)

func TestConnectionTableRegisterAssignsIDs(t *testing.T) {
	table := NewConnectionTable()

	first := table.Register(newMockConn(), "tcp", nil)
	second := table.Register(newMockConn(), "websocket", nil)

	if first.ID == second.ID {
		t.Fatalf("expected distinct IDs, both got %d", first.ID)
	}
	if table.Len() != 2 {
		t.Fatalf("expected 2 connections, got %d", table.Len())
	}
	if got, ok := table.Get(first.ID); !ok || got != first {
		t.Fatalf("expected Get to return the registered connection")
	}
	if second.Transport != "websocket" {
		t.Fatalf("expected transport recorded, got %q", second.Transport)
	}
}

func TestConnectionTableBind(t *testing.T) {
	table := NewConnectionTable()
	c := table.Register(newMockConn(), "tcp", nil)

	if !table.Bind(c.ID, "alice") {
		t.Fatalf("expected bind to succeed")
	}
	if c.Username != "alice" {
		t.Fatalf("expected username set, got %q", c.Username)
	}
	if bound, ok := table.Lookup("alice"); !ok || bound.ID != c.ID {
		t.Fatalf("expected lookup to find the binding")
	}
	if table.OnlineCount() != 1 {
		t.Fatalf("expected 1 online user, got %d", table.OnlineCount())
	}

	// Re-binding the same name to the same connection is fine.
	if !table.Bind(c.ID, "alice") {
		t.Fatalf("expected idempotent rebind to succeed")
	}
}

func TestConnectionTableBindConflicts(t *testing.T) {
	table := NewConnectionTable()
	first := table.Register(newMockConn(), "tcp", nil)
	second := table.Register(newMockConn(), "tcp", nil)

	if !table.Bind(first.ID, "alice") {
		t.Fatalf("expected first bind to succeed")
	}
	if table.Bind(second.ID, "alice") {
		t.Fatalf("expected bind to a taken name to fail")
	}
	if table.Bind(first.ID, "bob") {
		t.Fatalf("expected rebinding a named connection to fail")
	}
	if table.Bind(999, "carol") {
		t.Fatalf("expected bind of unknown connection to fail")
	}
	if table.OnlineCount() != 1 {
		t.Fatalf("expected 1 online user, got %d", table.OnlineCount())
	}
}

func TestConnectionTableUnbind(t *testing.T) {
	table := NewConnectionTable()
	c := table.Register(newMockConn(), "tcp", nil)
	table.Bind(c.ID, "alice")

	table.Unbind(c.ID)

	if c.Username != "" {
		t.Fatalf("expected username cleared, got %q", c.Username)
	}
	if _, ok := table.Lookup("alice"); ok {
		t.Fatalf("expected name released")
	}
	if _, ok := table.Get(c.ID); !ok {
		t.Fatalf("expected connection still registered")
	}

	// Unbinding an unbound or unknown connection is a no-op.
	table.Unbind(c.ID)
	table.Unbind(999)
}

func TestConnectionTableRemove(t *testing.T) {
	table := NewConnectionTable()
	mc := newMockConn()
	c := table.Register(mc, "tcp", nil)
	table.Bind(c.ID, "alice")

	removed, ok := table.Remove(c.ID)
	if !ok || removed.ID != c.ID {
		t.Fatalf("expected removal to return the connection")
	}
	if !mc.closed {
		t.Fatalf("expected underlying socket closed")
	}
	if table.Len() != 0 || table.OnlineCount() != 0 {
		t.Fatalf("expected empty table, got %d/%d", table.Len(), table.OnlineCount())
	}
	if _, ok := table.Lookup("alice"); ok {
		t.Fatalf("expected name released on removal")
	}

	if _, ok := table.Remove(c.ID); ok {
		t.Fatalf("expected double removal to report a miss")
	}
}

func TestConnectionTableNameReusableAfterRemove(t *testing.T) {
	table := NewConnectionTable()
	first := table.Register(newMockConn(), "tcp", nil)
	table.Bind(first.ID, "alice")
	table.Remove(first.ID)

	second := table.Register(newMockConn(), "tcp", nil)
	if !table.Bind(second.ID, "alice") {
		t.Fatalf("expected name free after removal")
	}
}
