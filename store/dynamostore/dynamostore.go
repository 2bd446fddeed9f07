// Package dynamostore backs the replicated store contract with DynamoDB.
// Nodes are items keyed (Parent, Key) so children enumerate with a Query;
// last-writer-wins rides on conditional puts. Live subscriptions poll: the
// contract only promises possibly-stale delivery in local apply order.
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/canturgay/p2pEditor/store"
)

// rootParent stands in for the empty parent path; DynamoDB forbids empty
// key attribute values.
const rootParent = "#root"

const defaultPollInterval = 2 * time.Second

type dynamoNode struct {
	Parent string  `dynamodbav:"Parent"`
	Key    string  `dynamodbav:"Key"`
	Val    *string `dynamodbav:"Val"`
	State  int64   `dynamodbav:"State"`
}

type DynamoStore struct {
	client       *dynamodb.Client
	tableName    string
	pollInterval time.Duration
}

func New(ctx context.Context, devMode bool, dynamodbEndpoint string, tableName string) (*DynamoStore, error) {
	client, err := newDynamoDBClient(ctx, devMode, dynamodbEndpoint)
	if err != nil {
		return nil, err
	}

	tables, err := getTables(client, ctx)
	if err != nil {
		return nil, err
	}
	foundTable := false
	for _, table := range tables {
		if table == tableName {
			foundTable = true
			break
		}
	}
	if !foundTable {
		return nil, fmt.Errorf("given table name '%s' not found in dynamodb", tableName)
	}

	return &DynamoStore{
		client:       client,
		tableName:    tableName,
		pollInterval: defaultPollInterval,
	}, nil
}

// SetPollInterval tunes how often On subscriptions poll for changes.
func (d *DynamoStore) SetPollInterval(interval time.Duration) {
	if interval > 0 {
		d.pollInterval = interval
	}
}

func (d *DynamoStore) Get(path ...string) store.Node {
	return &node{store: d, path: path}
}

func (d *DynamoStore) Merge(ctx context.Context, path []string, value *string, state int64) (bool, error) {
	if len(path) == 0 {
		return false, store.ErrEmptyPath
	}

	parent, key := splitPath(path)
	avMap, err := attributevalue.MarshalMap(dynamoNode{
		Parent: parent,
		Key:    key,
		Val:    value,
		State:  state,
	})
	if err != nil {
		return false, fmt.Errorf("marshal error: %w", err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(d.tableName),
		Item:                     avMap,
		ConditionExpression:      aws.String("attribute_not_exists(#s) OR #s < :s"),
		ExpressionAttributeNames: map[string]string{"#s": "State"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s": &types.AttributeValueMemberN{Value: fmt.Sprint(state)},
		},
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			// A newer write is already in place; not an error under LWW.
			return false, nil
		}
		return false, fmt.Errorf("PutItem failed: %w", err)
	}

	// Ensure branch edge items exist so Query enumerates every prefix,
	// without touching any scalar value stored at those paths.
	for i := 1; i < len(path); i++ {
		edgeParent, edgeKey := splitPath(path[:i])
		if err := d.ensureEdge(ctx, edgeParent, edgeKey); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (d *DynamoStore) ensureEdge(ctx context.Context, parent, key string) error {
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			"Parent": &types.AttributeValueMemberS{Value: parent},
			"Key":    &types.AttributeValueMemberS{Value: key},
		},
		UpdateExpression: aws.String("SET Edge = :t"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberBOOL{Value: true},
		},
	})
	if err != nil {
		return fmt.Errorf("UpdateItem failed: %w", err)
	}
	return nil
}

func (d *DynamoStore) State(ctx context.Context, path []string) (int64, error) {
	item, err := d.getNode(ctx, path)
	if err != nil {
		return 0, err
	}
	if item == nil {
		return 0, nil
	}
	return item.State, nil
}

func (d *DynamoStore) getNode(ctx context.Context, path []string) (*dynamoNode, error) {
	parent, key := splitPath(path)
	resp, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			"Parent": &types.AttributeValueMemberS{Value: parent},
			"Key":    &types.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("GetItem failed: %w", err)
	}
	if resp.Item == nil {
		return nil, nil
	}

	var item dynamoNode
	if err := attributevalue.UnmarshalMap(resp.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal item: %w", err)
	}
	return &item, nil
}

type node struct {
	store *DynamoStore
	path  []string
}

func (n *node) Path() []string {
	return n.path
}

func (n *node) Put(ctx context.Context, value *string) error {
	_, err := n.store.Merge(ctx, n.path, value, time.Now().UnixNano())
	return err
}

func (n *node) Once(ctx context.Context) (*string, error) {
	if len(n.path) == 0 {
		return nil, store.ErrEmptyPath
	}
	item, err := n.store.getNode(ctx, n.path)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, nil
	}
	return item.Val, nil
}

// On polls the item and invokes cb whenever a newer state lands. Polling is
// within contract: subscriptions deliver possibly-stale values with no
// cross-peer ordering promise.
func (n *node) On(cb func(value *string)) (unsubscribe func()) {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		ticker := time.NewTicker(n.store.pollInterval)
		defer ticker.Stop()

		var lastState int64
		if item, err := n.store.getNode(ctx, n.path); err == nil && item != nil {
			lastState = item.State
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				item, err := n.store.getNode(ctx, n.path)
				if err != nil || item == nil {
					continue
				}
				if item.State > lastState {
					lastState = item.State
					cb(item.Val)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(cancel)
	}
}

func (n *node) Map(ctx context.Context, cb func(key string, value *string)) error {
	parent := store.JoinPath(n.path)
	if parent == "" {
		parent = rootParent
	}

	paginator := dynamodb.NewQueryPaginator(n.store.client, &dynamodb.QueryInput{
		TableName:              aws.String(n.store.tableName),
		KeyConditionExpression: aws.String("Parent = :p"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p": &types.AttributeValueMemberS{Value: parent},
		},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("Query failed: %w", err)
		}
		for _, raw := range page.Items {
			var item dynamoNode
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				return fmt.Errorf("failed to unmarshal item: %w", err)
			}
			cb(item.Key, item.Val)
		}
	}
	return nil
}

func splitPath(path []string) (parent, key string) {
	parent = store.JoinPath(path[:len(path)-1])
	if parent == "" {
		parent = rootParent
	}
	return parent, path[len(path)-1]
}
