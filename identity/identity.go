// Package identity manages user identities on top of the replicated store:
// alias claiming, passphrase authentication, and the in-process session the
// rest of the system scopes its work to. An identity is an asymmetric key
// pair plus a human alias; the store only ever sees the key pair wrapped
// under a passphrase-derived secret.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/canturgay/p2pEditor/cryptobox"
	"github.com/canturgay/p2pEditor/store"
)

var (
	ErrAliasTaken           = errors.New("alias is already taken")
	ErrAliasNotFound        = errors.New("alias not found")
	ErrNotAuthenticated     = errors.New("no authenticated identity")
	ErrAuthUnavailable      = errors.New("auth record unavailable")
	ErrInvalidRecoveryFile  = errors.New("invalid recovery file")
	ErrRecoveryInputMissing = errors.New("provide either your alias or your passphrase")
)

// Session is an authenticated identity held in memory for the process
// lifetime; nothing secret about it is persisted.
type Session struct {
	Alias string            `json:"alias"`
	Pair  cryptobox.KeyPair `json:"pair"`
}

// Pub is the identity's durable public identifier.
func (s Session) Pub() string {
	return s.Pair.Pub
}

// authRecord is the stored form of a wrapped key pair.
type authRecord struct {
	Salt    string `json:"salt"`
	Wrapped string `json:"wrapped"`
}

type Manager struct {
	store store.Store

	mu      sync.Mutex
	current *Session
}

func NewManager(s store.Store) *Manager {
	return &Manager{store: s}
}

// Create claims alias and provisions a fresh identity behind it. The claim is
// check-then-create: under the store's last-writer-wins semantics two
// concurrent signups for one alias can both pass the check and converge to a
// single record afterwards; that race is accepted and documented, not fixed.
func (m *Manager) Create(ctx context.Context, alias, passphrase string) (*Session, error) {
	claimed, err := m.store.Get("~@" + alias).Once(ctx)
	if err != nil {
		return nil, fmt.Errorf("alias lookup: %w", err)
	}
	if claimed != nil {
		return nil, fmt.Errorf("alias %q: %w", alias, ErrAliasTaken)
	}

	pair, err := cryptobox.Generate()
	if err != nil {
		return nil, err
	}

	record, err := wrapPair(pair, passphrase)
	if err != nil {
		return nil, err
	}
	rawRecord, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}

	puts := []struct {
		path  []string
		value string
	}{
		{[]string{"~@" + alias}, pair.Pub},
		{[]string{"~" + pair.Pub, "alias"}, alias},
		{[]string{"~" + pair.Pub, "epub"}, pair.EPub},
		{[]string{"~" + pair.Pub, "auth"}, string(rawRecord)},
	}
	for _, p := range puts {
		if err := m.store.Get(p.path...).Put(ctx, store.Val(p.value)); err != nil {
			return nil, fmt.Errorf("write identity records: %w", err)
		}
	}

	session := &Session{Alias: alias, Pair: pair}
	m.setCurrent(session)
	return session, nil
}

// Authenticate resolves alias to its auth record and unwraps the key pair
// with the passphrase. A wrong passphrase surfaces as a decryption failure;
// nothing is retried.
func (m *Manager) Authenticate(ctx context.Context, alias, passphrase string) (*Session, error) {
	pub, err := m.store.Get("~@" + alias).Once(ctx)
	if err != nil {
		return nil, fmt.Errorf("alias lookup: %w", err)
	}
	if pub == nil {
		return nil, fmt.Errorf("alias %q: %w", alias, ErrAliasNotFound)
	}

	rawRecord, err := m.store.Get("~"+*pub, "auth").Once(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth record lookup: %w", err)
	}
	if rawRecord == nil {
		return nil, fmt.Errorf("alias %q: %w", alias, ErrAuthUnavailable)
	}

	var record authRecord
	if err := json.Unmarshal([]byte(*rawRecord), &record); err != nil {
		return nil, fmt.Errorf("auth record for %q: %w", alias, ErrAuthUnavailable)
	}

	pair, err := unwrapPair(record, passphrase)
	if err != nil {
		return nil, err
	}

	session := &Session{Alias: alias, Pair: pair}
	m.setCurrent(session)
	return session, nil
}

// Current returns the authenticated session, nil when none.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) Logout() {
	m.setCurrent(nil)
}

// Export serializes the current session so a later process can Recall it.
func (m *Manager) Export() ([]byte, error) {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()
	if current == nil {
		return nil, ErrNotAuthenticated
	}
	return json.Marshal(current)
}

// Recall restores a session from an Export snapshot.
func (m *Manager) Recall(snapshot []byte) (*Session, error) {
	var session Session
	if err := json.Unmarshal(snapshot, &session); err != nil {
		return nil, fmt.Errorf("session snapshot: %w", err)
	}
	if session.Alias == "" || session.Pair.Pub == "" {
		return nil, fmt.Errorf("session snapshot incomplete: %w", ErrNotAuthenticated)
	}
	m.setCurrent(&session)
	return &session, nil
}

func (m *Manager) setCurrent(s *Session) {
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
}

func wrapPair(pair cryptobox.KeyPair, passphrase string) (authRecord, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return authRecord{}, fmt.Errorf("generate salt: %w", err)
	}
	kek, err := cryptobox.DeriveKEK(passphrase, salt)
	if err != nil {
		return authRecord{}, err
	}
	rawPair, err := json.Marshal(pair)
	if err != nil {
		return authRecord{}, err
	}
	wrapped, err := cryptobox.Encrypt(string(rawPair), kek)
	if err != nil {
		return authRecord{}, err
	}
	return authRecord{
		Salt:    base64.RawURLEncoding.EncodeToString(salt),
		Wrapped: wrapped,
	}, nil
}

func unwrapPair(record authRecord, passphrase string) (cryptobox.KeyPair, error) {
	salt, err := base64.RawURLEncoding.DecodeString(record.Salt)
	if err != nil {
		return cryptobox.KeyPair{}, fmt.Errorf("auth record salt: %w", ErrAuthUnavailable)
	}
	kek, err := cryptobox.DeriveKEK(passphrase, salt)
	if err != nil {
		return cryptobox.KeyPair{}, err
	}
	rawPair, err := cryptobox.Decrypt(record.Wrapped, kek)
	if err != nil {
		return cryptobox.KeyPair{}, err
	}
	var pair cryptobox.KeyPair
	if err := json.Unmarshal([]byte(rawPair), &pair); err != nil {
		return cryptobox.KeyPair{}, fmt.Errorf("auth record payload: %w", ErrAuthUnavailable)
	}
	return pair, nil
}
