package service

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/canturgay/p2pEditor/identity"
	"github.com/canturgay/p2pEditor/models"
	"github.com/canturgay/p2pEditor/store"
)

// DeleteDocumentMessage is the fan-out work item the tombstone worker
// consumes to purge a deleted document's subtree on persisting peers.
type DeleteDocumentMessage struct {
	DocumentId string `json:"documentId"`
}

// CreateDocument provisions a new empty document: metadata, the creator's
// ownership flag, the content key wrapped for the creator, and the back-
// reference that makes it discoverable from the creator's profile.
func (s *Service) CreateDocument(ctx context.Context, who identity.Session, title string) (models.Document, error) {
	if title == "" {
		title = "Untitled"
	}

	docId, err := newDocumentId()
	if err != nil {
		return models.Document{}, err
	}
	now := time.Now().UnixMilli()

	meta := []struct {
		parts []string
		value string
	}{
		{[]string{"title"}, title},
		{[]string{"created"}, strconv.FormatInt(now, 10)},
		{[]string{"creator"}, who.Alias},
		{[]string{"owners", who.Pub()}, "true"},
	}
	for _, m := range meta {
		if err := s.doc(docId, m.parts...).Put(ctx, store.Val(m.value)); err != nil {
			return models.Document{}, fmt.Errorf("write document meta: %w", err)
		}
	}

	if err := s.CreateDocumentKey(ctx, who, docId); err != nil {
		return models.Document{}, err
	}

	if err := s.user(who.Pub(), "docs", docId).Put(ctx, store.Val("true")); err != nil {
		return models.Document{}, fmt.Errorf("write document back-reference: %w", err)
	}

	return models.Document{
		Id:           docId,
		Title:        title,
		CreatedAt:    now,
		CreatorAlias: who.Alias,
	}, nil
}

func (s *Service) RenameDocument(ctx context.Context, docId, title string) error {
	if err := s.doc(docId, "title").Put(ctx, store.Val(title)); err != nil {
		return fmt.Errorf("rename document: %w", err)
	}
	return nil
}

// DeleteDocument breaks this identity's references to the document and
// tombstones its root. Peers that persist the graph finish the cleanup via
// the fan-out queue; data may linger on peers until they process it.
func (s *Service) DeleteDocument(ctx context.Context, who identity.Session, docId string) error {
	tombstones := [][]string{
		{"~" + who.Pub(), "docs", docId},
		{"documents", docId, "owners", who.Pub()},
		{"documents", docId, "roles", who.Pub()},
		{"documents", docId, "keys", who.Pub()},
		{"documents", docId},
	}
	for _, path := range tombstones {
		if err := s.Store.Get(path...).Put(ctx, nil); err != nil {
			return fmt.Errorf("tombstone %s: %w", store.JoinPath(path), err)
		}
	}

	// Async side-effect - return to caller as soon as local tombstones land
	if s.MQ != nil {
		go func() {
			msg := DeleteDocumentMessage{DocumentId: docId}
			if msgBytes, err := json.Marshal(msg); err == nil {
				if err := s.MQ.Send(context.Background(), string(msgBytes)); err != nil {
					log.Printf("enqueue document delete fan-out: %v", err)
				}
			}
		}()
	}
	return nil
}

// newDocumentId builds a client-side id from a time component and a random
// suffix. Collisions are not checked: with 24 random bits on top of
// millisecond time they are treated as astronomically unlikely, an accepted
// risk rather than a guarantee.
func newDocumentId() (string, error) {
	random, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("generate document id: %w", err)
	}
	return strconv.FormatInt(time.Now().UnixMilli(), 36) + hex.EncodeToString(random.Bytes()[:3]), nil
}
