// Package directory implements the SQLite-backed user directory: registered
// users, password hashes, public keys, active sessions, contact lists and
// per-user message counters.
package directory

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrUnknownUser indicates the username is not registered.
	ErrUnknownUser = errors.New("user not registered")
	// ErrUserExists indicates a registration attempt for a taken username.
	ErrUserExists = errors.New("username already registered")
)

// User is one registered user as listed to clients.
type User struct {
	Username  string
	LastLogin time.Time
}

// Store is the SQLite user directory. Safe for use from a single goroutine;
// the server loop is its only caller at runtime.
type Store struct {
	conn *sql.DB
	path string
}

// Open opens the directory database at the given path, applying pending
// migrations and clearing any stale session records.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The server loop serializes all access; one connection is enough and
	// sidesteps SQLITE_BUSY entirely.
	conn.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := runMigrations(conn, path); err != nil {
		conn.Close()
		return nil, err
	}

	s := &Store{conn: conn, path: path}
	if err := s.ClearSessions(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.conn.Close()
}

// CreateUser registers a username with its login key and optional public
// key. Used by the userctl admin tool; registration is not a wire
// operation.
func (s *Store) CreateUser(name string, passHash, pubkey []byte) error {
	_, err := s.conn.Exec(
		"INSERT INTO users (username, pass_hash, pubkey) VALUES (?, ?, ?)",
		name, passHash, pubkey,
	)
	if err != nil {
		if exists, checkErr := s.CheckUser(name); checkErr == nil && exists {
			return ErrUserExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// DeleteUser removes a user along with their contacts and counters.
func (s *Store) DeleteUser(name string) error {
	res, err := s.conn.Exec("DELETE FROM users WHERE username = ?", name)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUnknownUser
	}
	return nil
}

// CheckUser reports whether a username is registered.
func (s *Store) CheckUser(name string) (bool, error) {
	var one int
	err := s.conn.QueryRow("SELECT 1 FROM users WHERE username = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check user: %w", err)
	}
	return true, nil
}

// GetHash returns the stored login key for a user.
func (s *Store) GetHash(name string) ([]byte, error) {
	var hash []byte
	err := s.conn.QueryRow("SELECT pass_hash FROM users WHERE username = ?", name).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownUser
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load hash: %w", err)
	}
	return hash, nil
}

// GetPubkey returns the stored public key for a user, nil when unset.
func (s *Store) GetPubkey(name string) ([]byte, error) {
	var pubkey []byte
	err := s.conn.QueryRow("SELECT pubkey FROM users WHERE username = ?", name).Scan(&pubkey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownUser
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pubkey: %w", err)
	}
	return pubkey, nil
}

// UserLogin records a successful login: active session row, last-login
// stamp, endpoint, and a refreshed public key when the client sent one.
func (s *Store) UserLogin(name, ip string, port uint16, pubkey []byte) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin login transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	res, err := tx.Exec(
		"UPDATE users SET last_login = ?, last_ip = ?, last_port = ? WHERE username = ?",
		now, ip, port, name,
	)
	if err != nil {
		return fmt.Errorf("failed to stamp login: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUnknownUser
	}

	if len(pubkey) > 0 {
		if _, err := tx.Exec("UPDATE users SET pubkey = ? WHERE username = ?", pubkey, name); err != nil {
			return fmt.Errorf("failed to store pubkey: %w", err)
		}
	}

	_, err = tx.Exec(
		"INSERT OR REPLACE INTO sessions (username, ip, port, login_at) VALUES (?, ?, ?, ?)",
		name, ip, port, now,
	)
	if err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}

	return tx.Commit()
}

// UserLogout clears the active-session record. Logging out a user with no
// session is a no-op.
func (s *Store) UserLogout(name string) error {
	if _, err := s.conn.Exec("DELETE FROM sessions WHERE username = ?", name); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// ClearSessions drops all active-session records, called once at startup.
func (s *Store) ClearSessions() error {
	if _, err := s.conn.Exec("DELETE FROM sessions"); err != nil {
		return fmt.Errorf("failed to clear sessions: %w", err)
	}
	return nil
}

// GetContacts returns the owner's contact list, sorted.
func (s *Store) GetContacts(name string) ([]string, error) {
	rows, err := s.conn.Query(
		"SELECT contact FROM contacts WHERE owner = ? ORDER BY contact",
		name,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	defer rows.Close()

	var contacts []string
	for rows.Next() {
		var contact string
		if err := rows.Scan(&contact); err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		contacts = append(contacts, contact)
	}
	return contacts, rows.Err()
}

// AddContact records a directed owner→contact edge. Adding an unregistered
// or already-present contact is a silent no-op.
func (s *Store) AddContact(owner, contact string) error {
	exists, err := s.CheckUser(contact)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	_, err = s.conn.Exec(
		"INSERT OR IGNORE INTO contacts (owner, contact) VALUES (?, ?)",
		owner, contact,
	)
	if err != nil {
		return fmt.Errorf("failed to add contact: %w", err)
	}
	return nil
}

// RemoveContact deletes a contact edge; removing an absent one is a no-op.
func (s *Store) RemoveContact(owner, contact string) error {
	_, err := s.conn.Exec(
		"DELETE FROM contacts WHERE owner = ? AND contact = ?",
		owner, contact,
	)
	if err != nil {
		return fmt.Errorf("failed to remove contact: %w", err)
	}
	return nil
}

// UsersList returns every registered user with their last login time.
// Users that never logged in report the zero time.
func (s *Store) UsersList() ([]User, error) {
	rows, err := s.conn.Query("SELECT username, last_login FROM users ORDER BY username")
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var name string
		var lastLogin sql.NullInt64
		if err := rows.Scan(&name, &lastLogin); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		u := User{Username: name}
		if lastLogin.Valid {
			u.LastLogin = time.UnixMilli(lastLogin.Int64)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ProcessMessage bumps the sender's sent counter and the recipient's
// received counter for one routed message.
func (s *Store) ProcessMessage(sender, recipient string) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin counter transaction: %w", err)
	}
	defer tx.Rollback()

	inc := func(name, column string) error {
		// Column name comes from the two call sites below, never from input.
		query := fmt.Sprintf(
			"INSERT INTO message_stats (username, %[1]s) VALUES (?, 1) "+
				"ON CONFLICT(username) DO UPDATE SET %[1]s = %[1]s + 1",
			column,
		)
		_, err := tx.Exec(query, name)
		return err
	}

	if err := inc(sender, "sent"); err != nil {
		return fmt.Errorf("failed to count sent message: %w", err)
	}
	if err := inc(recipient, "received"); err != nil {
		return fmt.Errorf("failed to count received message: %w", err)
	}

	return tx.Commit()
}

// MessageStats returns the sent/received counters for a user. Users with
// no routed messages report zeros.
func (s *Store) MessageStats(name string) (sent, received int64, err error) {
	err = s.conn.QueryRow(
		"SELECT sent, received FROM message_stats WHERE username = ?",
		name,
	).Scan(&sent, &received)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load message stats: %w", err)
	}
	return sent, received, nil
}
