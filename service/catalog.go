package service

import (
	"context"
	"log"
	"sort"
	"sync"

	"github.com/canturgay/p2pEditor/identity"
	"github.com/canturgay/p2pEditor/models"
)

// Catalog maintains the list of documents the identity owns or was granted a
// role on. Two discovery paths feed it, the profile's explicit back-
// references and a full scan of all documents, resolving asynchronously in
// any order. A document found by either path is kept exactly once, and its
// role updates live through a standing subscription: entries are mutable
// cells, not rebuilt per change.
type Catalog struct {
	svc *Service
	who identity.Session

	mu       sync.Mutex
	entries  map[string]*models.DocumentMeta
	unsubs   map[string]func()
	onChange func()
	closed   bool
}

func (s *Service) NewCatalog(who identity.Session) *Catalog {
	return &Catalog{
		svc:     s,
		who:     who,
		entries: make(map[string]*models.DocumentMeta),
		unsubs:  make(map[string]func()),
	}
}

// OnChange registers a single notification hook invoked after any entry
// changes. Set it before Load.
func (c *Catalog) OnChange(cb func()) {
	c.mu.Lock()
	c.onChange = cb
	c.mu.Unlock()
}

// Load kicks off both discovery paths and returns immediately; entries fill
// in as the store answers.
func (c *Catalog) Load(ctx context.Context) {
	go c.discoverFromBackRefs(ctx)
	go c.discoverFromScan(ctx)
}

// Documents snapshots the current entries, newest document id last.
func (c *Catalog) Documents() []models.DocumentMeta {
	c.mu.Lock()
	defer c.mu.Unlock()

	docs := make([]models.DocumentMeta, 0, len(c.entries))
	for _, e := range c.entries {
		docs = append(docs, *e)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Id < docs[j].Id })
	return docs
}

// Close tears down every standing role subscription.
func (c *Catalog) Close() {
	c.mu.Lock()
	c.closed = true
	unsubs := c.unsubs
	c.unsubs = make(map[string]func())
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// discoverFromBackRefs walks the identity's own document list.
func (c *Catalog) discoverFromBackRefs(ctx context.Context) {
	err := c.svc.user(c.who.Pub(), "docs").Map(ctx, func(docId string, val *string) {
		if val == nil || *val != "true" {
			return
		}
		c.resolveAndAdd(ctx, docId)
	})
	if err != nil {
		log.Printf("catalog back-reference discovery: %v", err)
	}
}

// discoverFromScan is the fallback: scan all documents and keep those
// carrying a role for this identity.
func (c *Catalog) discoverFromScan(ctx context.Context) {
	err := c.svc.Store.Get("documents").Map(ctx, func(docId string, _ *string) {
		if docId == "" {
			return
		}
		_, hasRole, err := c.svc.Role(ctx, docId, c.who.Pub())
		if err != nil || !hasRole {
			return
		}
		c.resolveAndAdd(ctx, docId)
	})
	if err != nil {
		log.Printf("catalog scan discovery: %v", err)
	}
}

func (c *Catalog) resolveAndAdd(ctx context.Context, docId string) {
	title, err := c.svc.doc(docId, "title").Once(ctx)
	if err != nil {
		log.Printf("catalog title lookup for %s: %v", docId, err)
		return
	}
	isOwner, err := c.svc.IsOwner(ctx, docId, c.who.Pub())
	if err != nil {
		log.Printf("catalog ownership lookup for %s: %v", docId, err)
		return
	}
	role, _, err := c.svc.Role(ctx, docId, c.who.Pub())
	if err != nil {
		log.Printf("catalog role lookup for %s: %v", docId, err)
		return
	}

	c.add(docId, title, role, isOwner)
}

// add inserts or updates the entry for docId and, on first sight, starts its
// live role subscription.
func (c *Catalog) add(docId string, title *string, role models.Role, isOwner bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	entry, seen := c.entries[docId]
	if !seen {
		entry = &models.DocumentMeta{Id: docId, Title: "Untitled"}
		c.entries[docId] = entry
	}
	if title != nil && *title != "" {
		entry.Title = *title
	}
	entry.Role = role
	entry.IsOwner = entry.IsOwner || isOwner
	cb := c.onChange
	c.mu.Unlock()

	if !seen {
		unsub := c.svc.SubscribeRole(docId, c.who.Pub(), func(role *string) {
			c.updateRole(docId, role)
		})

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			unsub()
			return
		}
		c.unsubs[docId] = unsub
		c.mu.Unlock()
	}

	if cb != nil {
		cb()
	}
}

func (c *Catalog) updateRole(docId string, role *string) {
	c.mu.Lock()
	entry, ok := c.entries[docId]
	if !ok || c.closed {
		c.mu.Unlock()
		return
	}
	if role == nil {
		entry.Role = ""
	} else {
		entry.Role = models.NormalizeRole(*role)
	}
	cb := c.onChange
	c.mu.Unlock()

	if cb != nil {
		cb()
	}
}
