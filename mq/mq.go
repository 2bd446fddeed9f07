// Package mq abstracts the queue that carries slow cleanup work out of the
// request path, such as purging a deleted document's replicated subtree.
package mq

import "context"

type MessageQueue interface {
	Send(ctx context.Context, body string) error
	// Receive returns nil, nil when the poll yields no message.
	Receive(ctx context.Context, visibilityTimeout int32) (*Message, error)
	Delete(ctx context.Context, msg *Message) error
}

// Message is one fan-out work item. Body carries the JSON-encoded payload
// (a document-deletion request); Id is the backend's acknowledgement handle,
// the receipt handle on SQS.
type Message struct {
	Id   string
	Body string
}
