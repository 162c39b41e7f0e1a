package server

import (
	"sort"
	"time"

	"github.com/courierchat/courier/pkg/directory"
)

// mockDirectory is an in-memory UserDirectory for tests. Error fields, when
// set, are returned by the matching method to exercise failure paths.
type mockDirectory struct {
	loginKeys map[string][]byte
	pubkeys   map[string][]byte
	contacts  map[string]map[string]bool
	sessions  map[string]string // username → "ip:port"
	lastLogin map[string]time.Time
	sent      map[string]int
	received  map[string]int

	checkErr    error
	hashErr     error
	pubkeyErr   error
	loginErr    error
	contactsErr error
	usersErr    error
	processErr  error

	closed bool
}

func newMockDirectory() *mockDirectory {
	return &mockDirectory{
		loginKeys: make(map[string][]byte),
		pubkeys:   make(map[string][]byte),
		contacts:  make(map[string]map[string]bool),
		sessions:  make(map[string]string),
		lastLogin: make(map[string]time.Time),
		sent:      make(map[string]int),
		received:  make(map[string]int),
	}
}

// addUser registers a user with the given login key.
func (m *mockDirectory) addUser(name string, loginKey, pubkey []byte) {
	m.loginKeys[name] = loginKey
	if pubkey != nil {
		m.pubkeys[name] = pubkey
	}
}

func (m *mockDirectory) CheckUser(name string) (bool, error) {
	if m.checkErr != nil {
		return false, m.checkErr
	}
	_, ok := m.loginKeys[name]
	return ok, nil
}

func (m *mockDirectory) GetHash(name string) ([]byte, error) {
	if m.hashErr != nil {
		return nil, m.hashErr
	}
	key, ok := m.loginKeys[name]
	if !ok {
		return nil, directory.ErrUnknownUser
	}
	return key, nil
}

func (m *mockDirectory) GetPubkey(name string) ([]byte, error) {
	if m.pubkeyErr != nil {
		return nil, m.pubkeyErr
	}
	if _, ok := m.loginKeys[name]; !ok {
		return nil, directory.ErrUnknownUser
	}
	return m.pubkeys[name], nil
}

func (m *mockDirectory) UserLogin(name, ip string, port uint16, pubkey []byte) error {
	if m.loginErr != nil {
		return m.loginErr
	}
	if _, ok := m.loginKeys[name]; !ok {
		return directory.ErrUnknownUser
	}
	m.sessions[name] = ip
	m.lastLogin[name] = time.Now()
	if len(pubkey) > 0 {
		m.pubkeys[name] = pubkey
	}
	return nil
}

func (m *mockDirectory) UserLogout(name string) error {
	delete(m.sessions, name)
	return nil
}

func (m *mockDirectory) GetContacts(name string) ([]string, error) {
	if m.contactsErr != nil {
		return nil, m.contactsErr
	}
	var out []string
	for contact := range m.contacts[name] {
		out = append(out, contact)
	}
	sort.Strings(out)
	return out, nil
}

func (m *mockDirectory) AddContact(owner, contact string) error {
	if m.contactsErr != nil {
		return m.contactsErr
	}
	if _, ok := m.loginKeys[contact]; !ok {
		return nil
	}
	if m.contacts[owner] == nil {
		m.contacts[owner] = make(map[string]bool)
	}
	m.contacts[owner][contact] = true
	return nil
}

func (m *mockDirectory) RemoveContact(owner, contact string) error {
	if m.contactsErr != nil {
		return m.contactsErr
	}
	delete(m.contacts[owner], contact)
	return nil
}

func (m *mockDirectory) UsersList() ([]directory.User, error) {
	if m.usersErr != nil {
		return nil, m.usersErr
	}
	names := make([]string, 0, len(m.loginKeys))
	for name := range m.loginKeys {
		names = append(names, name)
	}
	sort.Strings(names)
	users := make([]directory.User, 0, len(names))
	for _, name := range names {
		users = append(users, directory.User{Username: name, LastLogin: m.lastLogin[name]})
	}
	return users, nil
}

func (m *mockDirectory) ProcessMessage(sender, recipient string) error {
	if m.processErr != nil {
		return m.processErr
	}
	m.sent[sender]++
	m.received[recipient]++
	return nil
}

func (m *mockDirectory) Close() error {
	m.closed = true
	return nil
}
