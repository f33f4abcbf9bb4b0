// Package crypter implements the chat payload convention: a password-derived
// Fernet token prefixed with its salt, base64url encoded for transport.
//
// Wire format: base64url(salt[16] || fernet token). The key is
// PBKDF2-HMAC-SHA256(password, salt, 100000 iterations, 32 bytes).
package crypter

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// SaltSize is the length of the random salt prefixed to every payload.
	SaltSize = 16
	// Iterations is the PBKDF2 iteration count.
	Iterations = 100_000
	// keySize is the Fernet key length: 16 bytes signing, 16 bytes encryption.
	keySize = 32
)

// ErrDecrypt is returned when a payload cannot be authenticated with the
// given password.
var ErrDecrypt = errors.New("crypter: payload does not decrypt with this password")

// MaxAge bounds how old a token may be when decrypted. Zero accepts any age.
var MaxAge time.Duration

// deriveKey stretches password into a Fernet key.
func deriveKey(password string, salt []byte) *fernet.Key {
	var k fernet.Key
	copy(k[:], pbkdf2.Key([]byte(password), salt, Iterations, keySize, sha256.New))
	return &k
}

// Encrypt seals plain under password and returns the transport encoding.
func Encrypt(plain, password string) (string, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("crypter: salt: %w", err)
	}
	tok, err := fernet.EncryptAndSign([]byte(plain), deriveKey(password, salt))
	if err != nil {
		return "", fmt.Errorf("crypter: encrypt: %w", err)
	}
	return base64.URLEncoding.EncodeToString(append(salt, tok...)), nil
}

// Decrypt opens a payload produced by Encrypt.
func Decrypt(payload, password string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return "", fmt.Errorf("crypter: decode: %w", err)
	}
	if len(raw) <= SaltSize {
		return "", fmt.Errorf("crypter: payload too short (%d bytes)", len(raw))
	}
	salt, tok := raw[:SaltSize], raw[SaltSize:]
	msg := fernet.VerifyAndDecrypt(tok, MaxAge, []*fernet.Key{deriveKey(password, salt)})
	if msg == nil {
		return "", ErrDecrypt
	}
	return string(msg), nil
}

// Keyring holds the password for each session this client takes part in.
type Keyring struct {
	mu        sync.RWMutex
	passwords map[string]string
}

// NewKeyring creates an empty Keyring.
func NewKeyring() *Keyring {
	return &Keyring{passwords: make(map[string]string)}
}

// Set stores the password for sid.
func (k *Keyring) Set(sid, password string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.passwords[sid] = password
}

// Clear forgets the password for sid.
func (k *Keyring) Clear(sid string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.passwords, sid)
}

// Encrypt seals plain with sid's password.
func (k *Keyring) Encrypt(sid, plain string) (string, error) {
	pwd, ok := k.get(sid)
	if !ok {
		return "", fmt.Errorf("crypter: no password for session %s", sid)
	}
	return Encrypt(plain, pwd)
}

// Decrypt opens a payload with sid's password.
func (k *Keyring) Decrypt(sid, payload string) (string, error) {
	pwd, ok := k.get(sid)
	if !ok {
		return "", fmt.Errorf("crypter: no password for session %s", sid)
	}
	return Decrypt(payload, pwd)
}

func (k *Keyring) get(sid string) (string, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pwd, ok := k.passwords[sid]
	return pwd, ok
}

// Message is a decoded chat line. System lines carry join/leave notices.
type Message struct {
	Sender string
	Text   string
}

// SystemSender names the pseudo-sender of membership notices.
const SystemSender = "System"

// IsSystem reports whether m is a membership notice.
func (m Message) IsSystem() bool { return m.Sender == SystemSender }

// String renders m in its plaintext wire form, "sender:text".
func (m Message) String() string { return m.Sender + ":" + m.Text }

// ParseMessage splits "sender:text" at the first colon. A line without a
// colon is attributed to no one.
func ParseMessage(line string) Message {
	sender, text, ok := strings.Cut(line, ":")
	if !ok {
		return Message{Text: line}
	}
	return Message{Sender: sender, Text: text}
}

// JoinNotice is the system line announcing name joined.
func JoinNotice(name string) Message {
	return Message{Sender: SystemSender, Text: name + " has joined the session"}
}

// LeaveNotice is the system line announcing name left.
func LeaveNotice(name string) Message {
	return Message{Sender: SystemSender, Text: name + " has left the session"}
}
