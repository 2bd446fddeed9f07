// Package service holds the document-store business logic: key management,
// membership, the document catalog, and document lifecycle. Everything works
// against the injected replicated-store capability; no hidden globals.
package service

import (
	"github.com/canturgay/p2pEditor/mq"
	"github.com/canturgay/p2pEditor/store"
)

type Service struct {
	Store store.Store
	// MQ, when present, receives document-deletion fan-out work for the
	// tombstone worker. Nil disables the fan-out (pure client processes).
	MQ mq.MessageQueue
}

func NewService(store store.Store, mq mq.MessageQueue) *Service {
	return &Service{
		Store: store,
		MQ:    mq,
	}
}

// doc returns the node for a path under one document's subtree.
func (s *Service) doc(docId string, parts ...string) store.Node {
	path := append([]string{"documents", docId}, parts...)
	return s.Store.Get(path...)
}

// user returns the node for a path under an identity's profile subtree.
func (s *Service) user(pub string, parts ...string) store.Node {
	path := append([]string{"~" + pub}, parts...)
	return s.Store.Get(path...)
}
