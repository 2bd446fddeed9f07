package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/canturgay/p2pEditor/connectivity"
	"github.com/canturgay/p2pEditor/mq/sqsmq"
	"github.com/canturgay/p2pEditor/store"
	"github.com/canturgay/p2pEditor/store/dynamostore"
	"github.com/canturgay/p2pEditor/store/memstore"
	"github.com/canturgay/p2pEditor/store/redistore"
	"github.com/canturgay/p2pEditor/store/relaystore"
	"github.com/canturgay/p2pEditor/worker"
)

const (
	DynamoDBTable           = "P2PEditorGraph"
	SQSDeleteDocumentsQueue = "DeleteDocumentsQueue"
)

// The daemon side of the editor: a persisting peer that replicates the
// document graph and drains the document-deletion fan-out queue.
func main() {
	ctx := context.Background()
	devMode := os.Getenv("DEV_MODE") == "true"

	graph, err := buildStore(ctx, devMode)
	if err != nil {
		log.Fatalf("Failed to create graph store: %v", err)
	}

	deleteDocumentsQueue, err := sqsmq.NewSQSMessageQueue(ctx, devMode, os.Getenv("SQS_ENDPOINT"), SQSDeleteDocumentsQueue)
	if err != nil {
		log.Fatalf("Failed to create SQS MQ: %v", err)
	}

	shutdownCtx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	if relayURL := os.Getenv("RELAY_URL"); relayURL != "" {
		local, ok := graph.(relaystore.Local)
		if !ok {
			log.Fatalf("Relay peering needs a store that exposes local write events; %q does not", os.Getenv("STORE_BACKEND"))
		}
		monitor := connectivity.NewMonitor(false)
		relay := relaystore.New(local, monitor, relayURL, relaystore.Options{})
		if err := relay.Connect(ctx); err != nil {
			log.Fatalf("Failed to connect to relay %s: %v", relayURL, err)
		}
		defer relay.Close()
		log.Printf("Peering with relay %s", relayURL)
	}

	log.Printf("Draining %s", SQSDeleteDocumentsQueue)
	worker.NewTombstoneWorker(deleteDocumentsQueue, graph).Run(shutdownCtx)

	log.Printf("Shutting down...")
}

func buildStore(ctx context.Context, devMode bool) (store.Store, error) {
	backend := os.Getenv("STORE_BACKEND")
	switch backend {
	case "", "memory":
		return memstore.New(), nil
	case "redis":
		return redistore.New(ctx, devMode, os.Getenv("REDIS_ENDPOINT"))
	case "dynamo":
		table := os.Getenv("DYNAMODB_TABLE")
		if table == "" {
			table = DynamoDBTable
		}
		return dynamostore.New(ctx, devMode, os.Getenv("DYNAMODB_ENDPOINT"), table)
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", backend)
	}
}
