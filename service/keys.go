package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/canturgay/p2pEditor/cryptobox"
	"github.com/canturgay/p2pEditor/identity"
	"github.com/canturgay/p2pEditor/models"
	"github.com/canturgay/p2pEditor/store"
)

// CreateDocumentKey generates the document's symmetric content key and wraps
// it for the creator. The wrap uses the creator's agreement with their own
// epub, the same derivation path grants to others use, so one unwrap chain
// serves both.
func (s *Service) CreateDocumentKey(ctx context.Context, who identity.Session, docId string) error {
	key, err := cryptobox.NewContentKey()
	if err != nil {
		return err
	}

	secret, err := cryptobox.SharedSecret(who.Pair.EPub, who.Pair)
	if err != nil {
		return err
	}
	wrapped, err := cryptobox.Encrypt(key, secret)
	if err != nil {
		return err
	}

	if err := s.doc(docId, "keys", who.Pub()).Put(ctx, store.Val(wrapped)); err != nil {
		return fmt.Errorf("write key grant: %w", err)
	}
	// Record which epub wrapped this grant; unwrapping must reproduce the
	// same shared secret later.
	if err := s.doc(docId, "keyEncryptor", who.Pub()).Put(ctx, store.Val(who.Pair.EPub)); err != nil {
		return fmt.Errorf("write key encryptor: %w", err)
	}
	return nil
}

// ShareKey re-wraps the document key for the recipient resolved from alias
// and records their role. Re-sharing with the same recipient overwrites the
// existing grant and role rather than duplicating them.
func (s *Service) ShareKey(ctx context.Context, who identity.Session, docId, alias string, role models.Role) error {
	targetPub, err := s.ResolveAlias(ctx, alias)
	if err != nil {
		return err
	}

	targetEPub, err := s.user(targetPub, "epub").Once(ctx)
	if err != nil {
		return fmt.Errorf("recipient epub lookup: %w", err)
	}
	if targetEPub == nil {
		return fmt.Errorf("alias %q: %w", alias, ErrRecipientKeyUnavailable)
	}

	key, err := s.unwrapOwnGrant(ctx, who, docId)
	if err != nil {
		return err
	}

	secret, err := cryptobox.SharedSecret(*targetEPub, who.Pair)
	if err != nil {
		return err
	}
	wrapped, err := cryptobox.Encrypt(key, secret)
	if err != nil {
		return err
	}

	if err := s.doc(docId, "keys", targetPub).Put(ctx, store.Val(wrapped)); err != nil {
		return fmt.Errorf("write key grant: %w", err)
	}
	if err := s.doc(docId, "keyEncryptor", targetPub).Put(ctx, store.Val(who.Pair.EPub)); err != nil {
		return fmt.Errorf("write key encryptor: %w", err)
	}
	if err := s.SetRole(ctx, docId, targetPub, role); err != nil {
		return err
	}
	return nil
}

// ResolveDocumentKey recovers the document's symmetric key from this
// identity's grant. The recorded wrapper epub is tried first, then the
// identity's own epub for legacy self-wrapped grants. Failure of both is the
// terminal "you do not have access" condition; access is never granted
// silently on any other path.
func (s *Service) ResolveDocumentKey(ctx context.Context, who identity.Session, docId string) (string, error) {
	grant, err := s.doc(docId, "keys", who.Pub()).Once(ctx)
	if err != nil {
		return "", fmt.Errorf("key grant lookup: %w", err)
	}
	if grant == nil {
		return "", fmt.Errorf("document %s: %w", docId,
			errors.Join(ErrKeyUnavailable, ErrKeyResolutionFailed))
	}

	wrappedBy, err := s.doc(docId, "keyEncryptor", who.Pub()).Once(ctx)
	if err != nil {
		return "", fmt.Errorf("key encryptor lookup: %w", err)
	}

	if key, ok := unwrapGrant(*grant, wrappedBy, who.Pair); ok {
		return key, nil
	}
	return "", fmt.Errorf("document %s: %w", docId, ErrKeyResolutionFailed)
}

// unwrapOwnGrant is the sharer's own unwrap, with share-specific errors:
// a missing grant is ErrKeyUnavailable, an undecryptable one a decryption
// failure.
func (s *Service) unwrapOwnGrant(ctx context.Context, who identity.Session, docId string) (string, error) {
	grant, err := s.doc(docId, "keys", who.Pub()).Once(ctx)
	if err != nil {
		return "", fmt.Errorf("key grant lookup: %w", err)
	}
	if grant == nil {
		return "", fmt.Errorf("document %s: %w", docId, ErrKeyUnavailable)
	}

	wrappedBy, err := s.doc(docId, "keyEncryptor", who.Pub()).Once(ctx)
	if err != nil {
		return "", fmt.Errorf("key encryptor lookup: %w", err)
	}

	if key, ok := unwrapGrant(*grant, wrappedBy, who.Pair); ok {
		return key, nil
	}
	return "", fmt.Errorf("document %s key grant: %w", docId, cryptobox.ErrDecryptionFailed)
}

// unwrapGrant tries each candidate wrapper epub in order. The fallback to the
// holder's own epub keeps grants wrapped before encryptor tracking working.
func unwrapGrant(wrapped string, wrappedBy *string, pair cryptobox.KeyPair) (string, bool) {
	candidates := make([]string, 0, 2)
	if wrappedBy != nil && *wrappedBy != "" {
		candidates = append(candidates, *wrappedBy)
	}
	if len(candidates) == 0 || candidates[0] != pair.EPub {
		candidates = append(candidates, pair.EPub)
	}

	for _, epub := range candidates {
		secret, err := cryptobox.SharedSecret(epub, pair)
		if err != nil {
			continue
		}
		if key, err := cryptobox.Decrypt(wrapped, secret); err == nil {
			return key, true
		}
	}
	return "", false
}
