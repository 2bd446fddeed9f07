// Package worker runs the background side of document deletion: draining the
// fan-out queue and tombstoning every replicated slot of a deleted document.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/canturgay/p2pEditor/mq"
	"github.com/canturgay/p2pEditor/service"
	"github.com/canturgay/p2pEditor/store"
)

// Tombstoning a document touches one slot per member per branch; a couple of
// minutes covers even well-shared documents.
const visibilityTimeout = 120

// memberBranches hold one slot per member public key under a document.
var memberBranches = []string{"keys", "keyEncryptor", "roles", "owners", "drafts"}

// scalarFields are the document's single-value slots.
var scalarFields = []string{"title", "created", "creator", "text"}

type TombstoneWorker struct {
	deleteDocumentsQueue mq.MessageQueue
	graph                store.Store
}

func NewTombstoneWorker(deleteDocumentsQueue mq.MessageQueue, graph store.Store) *TombstoneWorker {
	return &TombstoneWorker{
		deleteDocumentsQueue: deleteDocumentsQueue,
		graph:                graph,
	}
}

func (w TombstoneWorker) Run(shutdownCtx context.Context) {
	for {
		msg, err := w.deleteDocumentsQueue.Receive(shutdownCtx, visibilityTimeout)

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			log.Printf("tombstone worker receive error: %v", err)
			continue
		}

		if msg == nil {
			continue
		}

		var deleteMsg service.DeleteDocumentMessage
		if err := json.Unmarshal([]byte(msg.Body), &deleteMsg); err != nil {
			continue
		}

		// timeout should be a little less than queue visibility timeout
		ctx, cancel := context.WithTimeout(context.Background(), (visibilityTimeout-1)*time.Second)
		err = w.purge(ctx, deleteMsg.DocumentId)
		cancel()

		if err != nil {
			// Leave the message for redelivery; tombstone writes are
			// idempotent, so a partial purge just resumes.
			log.Printf("purge document %s: %v", deleteMsg.DocumentId, err)
			continue
		}

		if err := w.deleteDocumentsQueue.Delete(context.Background(), msg); err != nil {
			log.Printf("tombstone worker ack error: %v", err)
		}
	}
}

// purge tombstones every slot under a deleted document so the deletion wins
// the last-writer-wins merge on every peer that replicates it.
func (w TombstoneWorker) purge(ctx context.Context, docId string) error {
	for _, branch := range memberBranches {
		var pubs []string
		err := w.graph.Get("documents", docId, branch).Map(ctx, func(key string, _ *string) {
			pubs = append(pubs, key)
		})
		if err != nil {
			return err
		}
		for _, pub := range pubs {
			if err := w.graph.Get("documents", docId, branch, pub).Put(ctx, nil); err != nil {
				return err
			}
		}
	}

	for _, field := range scalarFields {
		if err := w.graph.Get("documents", docId, field).Put(ctx, nil); err != nil {
			return err
		}
	}

	return w.graph.Get("documents", docId).Put(ctx, nil)
}
