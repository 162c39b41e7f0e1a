package protocol

import (
	"bytes"
	"errors"
	"io"
	"time"
)

// Message type constants (Client → Server)
const (
	TypePresence      = 0x01
	TypeAuthResponse  = 0x02
	TypeChat          = 0x03
	TypeExit          = 0x04
	TypeGetContacts   = 0x05
	TypeAddContact    = 0x06
	TypeRemoveContact = 0x07
	TypeGetUsers      = 0x08
	TypePubkeyRequest = 0x09
	TypePing          = 0x10
)

// Message type constants (Server → Client)
const (
	TypeChallenge     = 0x81
	TypeAck           = 0x82
	TypeContactList   = 0x83
	TypeUserList      = 0x84
	TypePubkey        = 0x85
	TypeServiceNotify = 0x86
	TypeRelay         = 0x87
	TypePong          = 0x90
)

// Response status codes, carried in server replies.
const (
	CodeOK     = 200 // request accepted
	CodeList   = 202 // reply carries a list
	CodeNotify = 205 // service notification, refresh your lists
	CodeError  = 400 // request rejected, message explains why
	CodePubkey = 511 // reply carries a public key
)

var (
	ErrUsernameTooLong = errors.New("username exceeds maximum length (64 bytes)")
	ErrEmptyUsername   = errors.New("username cannot be empty")
	ErrTextTooLong     = errors.New("message text exceeds maximum length (16384 bytes)")
)

// MaxUsernameLength bounds usernames at the codec level; the server applies
// its own configured limits on top.
const MaxUsernameLength = 64

// MaxTextLength bounds chat text at the codec level.
const MaxTextLength = 16384

func writeUsername(w io.Writer, name string) error {
	if name == "" {
		return ErrEmptyUsername
	}
	if len(name) > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	return WriteString(w, name)
}

// PresenceMessage (0x01) - Announce a username and request a challenge.
// The public key travels with the hello so a successful login can record it.
type PresenceMessage struct {
	Username  string
	Time      time.Time
	PublicKey []byte // optional, empty when the client has none
}

func (m *PresenceMessage) EncodeTo(w io.Writer) error {
	if err := writeUsername(w, m.Username); err != nil {
		return err
	}
	if err := WriteTimestamp(w, m.Time); err != nil {
		return err
	}
	return WriteBytes(w, m.PublicKey)
}

func (m *PresenceMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *PresenceMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	username, err := ReadString(buf)
	if err != nil {
		return err
	}
	if username == "" {
		return ErrEmptyUsername
	}
	ts, err := ReadTimestamp(buf)
	if err != nil {
		return err
	}
	pubkey, err := ReadBytes(buf)
	if err != nil {
		return err
	}

	m.Username = username
	m.Time = ts
	m.PublicKey = pubkey
	return nil
}

// ChallengeMessage (0x81) - Random nonce the client must answer.
type ChallengeMessage struct {
	Nonce []byte
}

func (m *ChallengeMessage) EncodeTo(w io.Writer) error {
	return WriteBytes(w, m.Nonce)
}

func (m *ChallengeMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *ChallengeMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	nonce, err := ReadBytes(buf)
	if err != nil {
		return err
	}

	m.Nonce = nonce
	return nil
}

// AuthResponseMessage (0x02) - Keyed digest of the challenge nonce.
type AuthResponseMessage struct {
	Digest []byte
}

func (m *AuthResponseMessage) EncodeTo(w io.Writer) error {
	return WriteBytes(w, m.Digest)
}

func (m *AuthResponseMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *AuthResponseMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	digest, err := ReadBytes(buf)
	if err != nil {
		return err
	}

	m.Digest = digest
	return nil
}

// AckMessage (0x82) - Generic status reply: 200 on success, 400 with a
// reason on any failure.
type AckMessage struct {
	Code    uint16
	Message string
}

func (m *AckMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint16(w, m.Code); err != nil {
		return err
	}
	return WriteString(w, m.Message)
}

func (m *AckMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *AckMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	code, err := ReadUint16(buf)
	if err != nil {
		return err
	}
	message, err := ReadString(buf)
	if err != nil {
		return err
	}

	m.Code = code
	m.Message = message
	return nil
}

// ChatMessage (0x03 client→server, 0x87 relayed server→client) -
// Point-to-point text message. The same payload is used in both
// directions; the server overwrites From with the authenticated sender
// before relaying.
type ChatMessage struct {
	From string
	To   string
	Time time.Time
	Text string
}

func (m *ChatMessage) EncodeTo(w io.Writer) error {
	if err := writeUsername(w, m.From); err != nil {
		return err
	}
	if err := writeUsername(w, m.To); err != nil {
		return err
	}
	if err := WriteTimestamp(w, m.Time); err != nil {
		return err
	}
	if len(m.Text) > MaxTextLength {
		return ErrTextTooLong
	}
	return WriteString(w, m.Text)
}

func (m *ChatMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *ChatMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	from, err := ReadString(buf)
	if err != nil {
		return err
	}
	to, err := ReadString(buf)
	if err != nil {
		return err
	}
	if from == "" || to == "" {
		return ErrEmptyUsername
	}
	ts, err := ReadTimestamp(buf)
	if err != nil {
		return err
	}
	text, err := ReadString(buf)
	if err != nil {
		return err
	}

	m.From = from
	m.To = to
	m.Time = ts
	m.Text = text
	return nil
}

// ExitMessage (0x04) - Client is leaving; no reply is sent.
type ExitMessage struct {
	Username string
}

func (m *ExitMessage) EncodeTo(w io.Writer) error {
	return writeUsername(w, m.Username)
}

func (m *ExitMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *ExitMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	username, err := ReadString(buf)
	if err != nil {
		return err
	}

	m.Username = username
	return nil
}

// GetContactsMessage (0x05) - Request the caller's contact list.
type GetContactsMessage struct {
	Username string
}

func (m *GetContactsMessage) EncodeTo(w io.Writer) error {
	return writeUsername(w, m.Username)
}

func (m *GetContactsMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *GetContactsMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	username, err := ReadString(buf)
	if err != nil {
		return err
	}

	m.Username = username
	return nil
}

// ContactListMessage (0x83) - Contact list reply, code 202.
type ContactListMessage struct {
	Code     uint16
	Contacts []string
}

func (m *ContactListMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint16(w, m.Code); err != nil {
		return err
	}
	if err := WriteUint16(w, uint16(len(m.Contacts))); err != nil {
		return err
	}
	for _, c := range m.Contacts {
		if err := WriteString(w, c); err != nil {
			return err
		}
	}
	return nil
}

func (m *ContactListMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *ContactListMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	code, err := ReadUint16(buf)
	if err != nil {
		return err
	}
	count, err := ReadUint16(buf)
	if err != nil {
		return err
	}
	contacts := make([]string, 0, count)
	for i := uint16(0); i < count; i++ {
		c, err := ReadString(buf)
		if err != nil {
			return err
		}
		contacts = append(contacts, c)
	}

	m.Code = code
	m.Contacts = contacts
	return nil
}

// AddContactMessage (0x06) - Add target to the caller's contact list.
type AddContactMessage struct {
	Username string
	Target   string
}

func (m *AddContactMessage) EncodeTo(w io.Writer) error {
	if err := writeUsername(w, m.Username); err != nil {
		return err
	}
	return writeUsername(w, m.Target)
}

func (m *AddContactMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *AddContactMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	username, err := ReadString(buf)
	if err != nil {
		return err
	}
	target, err := ReadString(buf)
	if err != nil {
		return err
	}

	m.Username = username
	m.Target = target
	return nil
}

// RemoveContactMessage (0x07) - Remove target from the caller's contact list.
type RemoveContactMessage struct {
	Username string
	Target   string
}

func (m *RemoveContactMessage) EncodeTo(w io.Writer) error {
	if err := writeUsername(w, m.Username); err != nil {
		return err
	}
	return writeUsername(w, m.Target)
}

func (m *RemoveContactMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *RemoveContactMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	username, err := ReadString(buf)
	if err != nil {
		return err
	}
	target, err := ReadString(buf)
	if err != nil {
		return err
	}

	m.Username = username
	m.Target = target
	return nil
}

// GetUsersMessage (0x08) - Request the full registered-user list.
type GetUsersMessage struct {
	Username string
}

func (m *GetUsersMessage) EncodeTo(w io.Writer) error {
	return writeUsername(w, m.Username)
}

func (m *GetUsersMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *GetUsersMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	username, err := ReadString(buf)
	if err != nil {
		return err
	}

	m.Username = username
	return nil
}

// UserEntry is one row of a USER_LIST reply.
type UserEntry struct {
	Username  string
	LastLogin time.Time
}

// UserListMessage (0x84) - Registered users with last-login times, code 202.
type UserListMessage struct {
	Code  uint16
	Users []UserEntry
}

func (m *UserListMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint16(w, m.Code); err != nil {
		return err
	}
	if err := WriteUint16(w, uint16(len(m.Users))); err != nil {
		return err
	}
	for _, u := range m.Users {
		if err := WriteString(w, u.Username); err != nil {
			return err
		}
		if err := WriteTimestamp(w, u.LastLogin); err != nil {
			return err
		}
	}
	return nil
}

func (m *UserListMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *UserListMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	code, err := ReadUint16(buf)
	if err != nil {
		return err
	}
	count, err := ReadUint16(buf)
	if err != nil {
		return err
	}
	users := make([]UserEntry, 0, count)
	for i := uint16(0); i < count; i++ {
		name, err := ReadString(buf)
		if err != nil {
			return err
		}
		lastLogin, err := ReadTimestamp(buf)
		if err != nil {
			return err
		}
		users = append(users, UserEntry{Username: name, LastLogin: lastLogin})
	}

	m.Code = code
	m.Users = users
	return nil
}

// PubkeyRequestMessage (0x09) - Request another user's public key.
type PubkeyRequestMessage struct {
	Target string
}

func (m *PubkeyRequestMessage) EncodeTo(w io.Writer) error {
	return writeUsername(w, m.Target)
}

func (m *PubkeyRequestMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *PubkeyRequestMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	target, err := ReadString(buf)
	if err != nil {
		return err
	}

	m.Target = target
	return nil
}

// PubkeyMessage (0x85) - Stored public key for a user, code 511.
type PubkeyMessage struct {
	Code      uint16
	Target    string
	PublicKey []byte
}

func (m *PubkeyMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint16(w, m.Code); err != nil {
		return err
	}
	if err := writeUsername(w, m.Target); err != nil {
		return err
	}
	return WriteBytes(w, m.PublicKey)
}

func (m *PubkeyMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *PubkeyMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	code, err := ReadUint16(buf)
	if err != nil {
		return err
	}
	target, err := ReadString(buf)
	if err != nil {
		return err
	}
	pubkey, err := ReadBytes(buf)
	if err != nil {
		return err
	}

	m.Code = code
	m.Target = target
	m.PublicKey = pubkey
	return nil
}

// ServiceNotifyMessage (0x86) - Unsolicited server hint, code 205.
// Sent when the online-user set changes so clients refresh their lists.
type ServiceNotifyMessage struct {
	Code    uint16
	Message string
}

func (m *ServiceNotifyMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint16(w, m.Code); err != nil {
		return err
	}
	return WriteString(w, m.Message)
}

func (m *ServiceNotifyMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *ServiceNotifyMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	code, err := ReadUint16(buf)
	if err != nil {
		return err
	}
	message, err := ReadString(buf)
	if err != nil {
		return err
	}

	m.Code = code
	m.Message = message
	return nil
}

// PingMessage (0x10) - Keepalive probe.
type PingMessage struct {
	Timestamp int64
}

func (m *PingMessage) EncodeTo(w io.Writer) error {
	return WriteInt64(w, m.Timestamp)
}

func (m *PingMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *PingMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	ts, err := ReadInt64(buf)
	if err != nil {
		return err
	}

	m.Timestamp = ts
	return nil
}

// PongMessage (0x90) - Keepalive reply echoing the client timestamp.
type PongMessage struct {
	ClientTimestamp int64
}

func (m *PongMessage) EncodeTo(w io.Writer) error {
	return WriteInt64(w, m.ClientTimestamp)
}

func (m *PongMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *PongMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	ts, err := ReadInt64(buf)
	if err != nil {
		return err
	}

	m.ClientTimestamp = ts
	return nil
}

// TypeName returns the human-readable name of a message type, for logs
// and metric labels.
func TypeName(msgType uint8) string {
	switch msgType {
	case TypePresence:
		return "PRESENCE"
	case TypeAuthResponse:
		return "AUTH_RESPONSE"
	case TypeChat:
		return "CHAT"
	case TypeExit:
		return "EXIT"
	case TypeGetContacts:
		return "GET_CONTACTS"
	case TypeAddContact:
		return "ADD_CONTACT"
	case TypeRemoveContact:
		return "REMOVE_CONTACT"
	case TypeGetUsers:
		return "GET_USERS"
	case TypePubkeyRequest:
		return "PUBKEY_REQUEST"
	case TypePing:
		return "PING"
	case TypeChallenge:
		return "CHALLENGE"
	case TypeAck:
		return "ACK"
	case TypeContactList:
		return "CONTACT_LIST"
	case TypeUserList:
		return "USER_LIST"
	case TypePubkey:
		return "PUBKEY"
	case TypeServiceNotify:
		return "SERVICE_NOTIFY"
	case TypeRelay:
		return "RELAY"
	case TypePong:
		return "PONG"
	default:
		return "UNKNOWN"
	}
}
