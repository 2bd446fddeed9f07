// Package redistore backs the replicated store contract with Redis: node
// records as JSON values, last-writer-wins enforced by a compare-state-and-set
// script, live subscriptions over pub/sub, child sets for enumeration.
package redistore

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/canturgay/p2pEditor/store"
)

const updatesChannel = "p2p:node-updates"

// mergeScript applies a write only if its state is newer than the stored one.
var mergeScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[2])
if cur and tonumber(cur) >= tonumber(ARGV[2]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2])
return 1
`)

// record is the stored form of one node value. V nil is a tombstone.
type record struct {
	V *string `json:"v"`
}

// update is the pub/sub frame fanned out on every applied write.
type update struct {
	P []string `json:"p"`
	V *string  `json:"v"`
	S int64    `json:"s"`
}

type RedisStore struct {
	client redis.UniversalClient

	mu      sync.Mutex
	subs    map[string]map[int]func(*string)
	nextSub int
	pubsub  *redis.PubSub
	closed  bool
}

func New(ctx context.Context, devMode bool, redisEndpoint string) (*RedisStore, error) {
	var client redis.UniversalClient
	if devMode {
		client = redis.NewClient(&redis.Options{
			Addr: redisEndpoint,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr: redisEndpoint,
			// Managed redis endpoints require TLS
			TLSConfig: &tls.Config{},
		})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return NewWithClient(client), nil
}

// NewWithClient wraps an existing client; tests hand in a miniredis-backed one.
func NewWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client: client,
		subs:   make(map[string]map[int]func(*string)),
	}
}

func (r *RedisStore) Get(path ...string) store.Node {
	return &node{store: r, path: path}
}

func (r *RedisStore) Merge(ctx context.Context, path []string, value *string, state int64) (bool, error) {
	if len(path) == 0 {
		return false, store.ErrEmptyPath
	}

	raw, err := json.Marshal(record{V: value})
	if err != nil {
		return false, err
	}

	key := store.JoinPath(path)
	applied, err := mergeScript.Run(ctx, r.client,
		[]string{valueKey(key), stateKey(key)},
		string(raw), state,
	).Int()
	if err != nil {
		return false, err
	}
	if applied == 0 {
		return false, nil
	}

	// Register the path's prefix edges so Map can enumerate children.
	for i := 1; i <= len(path); i++ {
		parent := store.JoinPath(path[:i-1])
		if err := r.client.SAdd(ctx, childrenKey(parent), path[i-1]).Err(); err != nil {
			return true, err
		}
	}

	frame, err := json.Marshal(update{P: path, V: value, S: state})
	if err != nil {
		return true, err
	}
	return true, r.client.Publish(ctx, updatesChannel, frame).Err()
}

func (r *RedisStore) State(ctx context.Context, path []string) (int64, error) {
	state, err := r.client.Get(ctx, stateKey(store.JoinPath(path))).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return state, err
}

// Close tears down the pub/sub subscription feeding On callbacks.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	r.closed = true
	pubsub := r.pubsub
	r.pubsub = nil
	r.mu.Unlock()

	if pubsub != nil {
		return pubsub.Close()
	}
	return nil
}

// ensureSubscribed lazily starts the single pub/sub consumer that feeds all
// On subscriptions. Caller holds r.mu.
func (r *RedisStore) ensureSubscribed() {
	if r.pubsub != nil || r.closed {
		return
	}
	pubsub := r.client.Subscribe(context.Background(), updatesChannel)
	r.pubsub = pubsub
	ch := pubsub.Channel()

	go func() {
		for msg := range ch {
			var u update
			if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
				continue
			}
			key := store.JoinPath(u.P)

			r.mu.Lock()
			cbs := make([]func(*string), 0, len(r.subs[key]))
			for _, cb := range r.subs[key] {
				cbs = append(cbs, cb)
			}
			r.mu.Unlock()

			for _, cb := range cbs {
				cb(u.V)
			}
		}
	}()
}

type node struct {
	store *RedisStore
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
	raw, err := n.store.client.Get(ctx, valueKey(store.JoinPath(n.path))).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, err
	}
	return rec.V, nil
}

func (n *node) On(cb func(value *string)) (unsubscribe func()) {
	key := store.JoinPath(n.path)

	n.store.mu.Lock()
	n.store.ensureSubscribed()
	if n.store.subs[key] == nil {
		n.store.subs[key] = make(map[int]func(*string))
	}
	id := n.store.nextSub
	n.store.nextSub++
	n.store.subs[key][id] = cb
	n.store.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.store.mu.Lock()
			delete(n.store.subs[key], id)
			n.store.mu.Unlock()
		})
	}
}

func (n *node) Map(ctx context.Context, cb func(key string, value *string)) error {
	parent := store.JoinPath(n.path)
	kids, err := n.store.client.SMembers(ctx, childrenKey(parent)).Result()
	if err != nil {
		return err
	}

	for _, k := range kids {
		childPath := parent + "/" + k
		if parent == "" {
			childPath = k
		}
		raw, err := n.store.client.Get(ctx, valueKey(childPath)).Result()
		if err == redis.Nil {
			cb(k, nil)
			continue
		}
		if err != nil {
			return err
		}
		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			log.Printf("redistore: corrupt record at %s: %v", childPath, err)
			cb(k, nil)
			continue
		}
		cb(k, rec.V)
	}
	return nil
}

// Key builders use hash tags so a node's value and state land on the same
// cluster slot.
func valueKey(path string) string {
	return "node:{" + path + "}"
}

func stateKey(path string) string {
	return "nodestate:{" + path + "}"
}

func childrenKey(parent string) string {
	return "children:{" + parent + "}"
}
