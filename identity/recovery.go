package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/canturgay/p2pEditor/cryptobox"
)

// RecoveryFile is the downloadable account-recovery artifact: the alias and
// the full key pair, in a structured text form. Whoever holds it holds the
// account.
type RecoveryFile struct {
	Alias string            `json:"alias"`
	Keys  cryptobox.KeyPair `json:"keys"`
}

// ExportRecovery produces the recovery artifact for the current session.
func (m *Manager) ExportRecovery() ([]byte, error) {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()
	if current == nil {
		return nil, ErrNotAuthenticated
	}
	return json.MarshalIndent(RecoveryFile{Alias: current.Alias, Keys: current.Pair}, "", "  ")
}

// Recover restores access from a recovery file plus either the alias or the
// passphrase. With the alias, it must match the file and the file's keys
// become the session. With the passphrase, the normal authentication path is
// tried first; if the store has no reachable auth record yet (fresh device),
// possession of the file is credential enough and its keys are adopted.
func (m *Manager) Recover(ctx context.Context, file []byte, alias, passphrase string) (*Session, error) {
	var parsed RecoveryFile
	if err := json.Unmarshal(file, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecoveryFile, err)
	}
	if parsed.Alias == "" || parsed.Keys.Pub == "" || parsed.Keys.EPriv == "" {
		return nil, fmt.Errorf("%w: missing alias or keys", ErrInvalidRecoveryFile)
	}

	switch {
	case alias != "":
		if alias != parsed.Alias {
			return nil, fmt.Errorf("%w: alias does not match", ErrInvalidRecoveryFile)
		}
		session := &Session{Alias: parsed.Alias, Pair: parsed.Keys}
		m.setCurrent(session)
		return session, nil

	case passphrase != "":
		session, err := m.Authenticate(ctx, parsed.Alias, passphrase)
		if err == nil {
			return session, nil
		}
		if errors.Is(err, ErrAliasNotFound) || errors.Is(err, ErrAuthUnavailable) {
			session := &Session{Alias: parsed.Alias, Pair: parsed.Keys}
			m.setCurrent(session)
			return session, nil
		}
		return nil, err

	default:
		return nil, ErrRecoveryInputMissing
	}
}
