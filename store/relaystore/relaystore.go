// Package relaystore peers a local replica with a relay over a websocket.
// Writes applied locally are mirrored to the relay as JSON frames; inbound
// frames merge into the local replica under the same last-writer-wins rule.
// The relay is a dumb fan-out point: peer discovery and the mesh protocol
// beyond these frames are not this layer's business.
package relaystore

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/canturgay/p2pEditor/connectivity"
	"github.com/canturgay/p2pEditor/store"
)

// Local is the replica being peered: a store whose merge takes explicit
// states and which can report every write it applies.
type Local interface {
	store.Replica
	Watch(cb func(path []string, value *string, state int64)) (unsubscribe func())
}

type frame struct {
	Path  []string `json:"path"`
	Value *string  `json:"value,omitempty"`
	State int64    `json:"state"`
}

type Options struct {
	// ReconnectDelay is the pause between redial attempts after a drop.
	ReconnectDelay time.Duration
	// SendRate bounds outbound frames per second. Zero means 200/s.
	SendRate rate.Limit
}

type RelayStore struct {
	local   Local
	monitor *connectivity.Monitor
	url     string
	opts    Options
	limiter *rate.Limiter

	mu      sync.Mutex
	conn    *websocket.Conn
	blocked bool
	closed  bool
	// inbound remembers the state last received per path so the local
	// Watch callback does not echo relay-originated writes back out.
	inbound map[string]int64

	sendCh  chan frame
	done    chan struct{}
	unwatch func()
}

func New(local Local, monitor *connectivity.Monitor, url string, opts Options) *RelayStore {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.SendRate <= 0 {
		opts.SendRate = 200
	}

	r := &RelayStore{
		local:   local,
		monitor: monitor,
		url:     url,
		opts:    opts,
		limiter: rate.NewLimiter(opts.SendRate, 64),
		inbound: make(map[string]int64),
		sendCh:  make(chan frame, 1024), // buffer to absorb edit bursts
		done:    make(chan struct{}),
	}
	r.unwatch = local.Watch(r.onLocalWrite)
	go r.writeLoop()
	return r
}

// Get delegates to the local replica; the peering happens underneath.
func (r *RelayStore) Get(path ...string) store.Node {
	return r.local.Get(path...)
}

// Connect dials the relay and starts the read/write pumps. It also clears a
// previous Disconnect, so a regained network can simply call Connect again.
func (r *RelayStore) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return store.ErrClosed
	}
	if r.conn != nil {
		r.mu.Unlock()
		return nil
	}
	r.blocked = false
	r.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	go r.readPump(conn)

	r.monitor.Set(true)
	return nil
}

// Disconnect drops the relay connection and stops reconnect attempts until
// the next explicit Connect.
func (r *RelayStore) Disconnect() {
	r.mu.Lock()
	r.blocked = true
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	r.monitor.Set(false)
}

// Close tears the peering down for good.
func (r *RelayStore) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	r.unwatch()
	close(r.done)
	if conn != nil {
		conn.Close()
	}
	r.monitor.Set(false)
}

func (r *RelayStore) onLocalWrite(path []string, value *string, state int64) {
	key := store.JoinPath(path)

	r.mu.Lock()
	if r.inbound[key] == state {
		// This write came from the relay; do not echo it back.
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	select {
	case r.sendCh <- frame{Path: path, Value: value, State: state}:
	default:
		// The relay will converge via later writes; dropping under
		// sustained backpressure beats blocking the store.
		log.Printf("relaystore: send buffer full, dropping frame for %s", key)
	}
}

func (r *RelayStore) readPump(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			r.dropped(conn, err)
			return
		}
		if len(f.Path) == 0 {
			continue
		}

		r.mu.Lock()
		r.inbound[store.JoinPath(f.Path)] = f.State
		r.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := r.local.Merge(ctx, f.Path, f.Value, f.State); err != nil {
			log.Printf("relaystore: merge inbound frame: %v", err)
		}
		cancel()
	}
}

// writeLoop is the single outbound writer for the life of the peering.
// While disconnected frames are dropped; last-writer-wins converges the
// relay once writes flow again.
func (r *RelayStore) writeLoop() {
	for {
		select {
		case <-r.done:
			return
		case f := <-r.sendCh:
			if err := r.limiter.Wait(context.Background()); err != nil {
				return
			}

			r.mu.Lock()
			conn := r.conn
			r.mu.Unlock()
			if conn == nil {
				continue
			}
			if err := conn.WriteJSON(f); err != nil {
				// readPump notices the drop and handles reconnect.
				continue
			}
		}
	}
}

// dropped handles a connection loss: flips the monitor offline and, unless
// the drop was deliberate, keeps redialing until it gets through.
func (r *RelayStore) dropped(conn *websocket.Conn, err error) {
	conn.Close()

	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	stop := r.blocked || r.closed
	r.mu.Unlock()

	r.monitor.Set(false)
	if stop {
		return
	}
	log.Printf("relaystore: connection lost: %v", err)

	go func() {
		for {
			time.Sleep(r.opts.ReconnectDelay)

			r.mu.Lock()
			stop := r.blocked || r.closed || r.conn != nil
			r.mu.Unlock()
			if stop {
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := r.Connect(ctx)
			cancel()
			if err == nil {
				return
			}
			log.Printf("relaystore: reconnect failed: %v", err)
		}
	}()
}
