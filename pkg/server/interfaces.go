package server

import "github.com/courierchat/courier/pkg/directory"

// UserDirectory is the persistence boundary the relay core depends on.
// The production implementation is the SQLite store in pkg/directory; tests
// swap in an in-memory double. All calls happen from the server loop
// goroutine, one at a time, and are expected to be fast and local.
type UserDirectory interface {
	// CheckUser reports whether a username is registered.
	CheckUser(name string) (bool, error)

	// GetHash returns the stored login key (derived password hash).
	GetHash(name string) ([]byte, error)

	// GetPubkey returns the stored public key, or nil when unset.
	GetPubkey(name string) ([]byte, error)

	// UserLogin records a successful login with the client's endpoint and
	// public key, and stamps last_login.
	UserLogin(name, ip string, port uint16, pubkey []byte) error

	// UserLogout clears the active-session record.
	UserLogout(name string) error

	// Contact list operations.
	GetContacts(name string) ([]string, error)
	AddContact(owner, contact string) error
	RemoveContact(owner, contact string) error

	// UsersList returns all registered users with last-login times.
	UsersList() ([]directory.User, error)

	// ProcessMessage bumps the sender's sent and the recipient's received
	// counters for one routed message.
	ProcessMessage(sender, recipient string) error

	Close() error
}
