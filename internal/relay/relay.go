// Package relay bridges tree broadcasts between server instances over
// Redis pub/sub. Each instance tags outgoing messages with its own id
// and drops its echoes on receipt, so a multi-instance deployment
// converges without a message loop.
package relay

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

const channelPrefix = "arbor:tree:"

// frame is the wire form of one relayed broadcast.
type frame struct {
	Origin  string `msgpack:"o"`
	Kind    string `msgpack:"k"`
	Payload []byte `msgpack:"p"`
}

// RedisRelay publishes and subscribes per-tree channels on a shared
// Redis instance.
type RedisRelay struct {
	client   *redis.Client
	instance string

	mu   sync.Mutex
	subs map[string]*treeSub
}

type treeSub struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// NewRedisRelay connects to Redis and verifies the connection. instance
// is this server's unique id, used to filter out its own messages.
func NewRedisRelay(redisURL, instance string) (*RedisRelay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisRelay{
		client:   client,
		instance: instance,
		subs:     make(map[string]*treeSub),
	}, nil
}

// Publish sends one broadcast to the tree's channel. Failures are
// logged and dropped; the local fan-out already happened.
func (r *RedisRelay) Publish(treeID, kind string, payload []byte) {
	b, err := msgpack.Marshal(frame{Origin: r.instance, Kind: kind, Payload: payload})
	if err != nil {
		log.Printf("relay: marshal for %s: %v", treeID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.Publish(ctx, channelPrefix+treeID, b).Err(); err != nil {
		log.Printf("relay: publish %s: %v", treeID, err)
	}
}

// Subscribe starts listening on the tree's channel and invokes fn for
// every message that originated elsewhere. The returned cancel stops
// the listener.
func (r *RedisRelay) Subscribe(treeID string, fn func(kind string, payload []byte)) (cancel func()) {
	ctx, stop := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, channelPrefix+treeID)

	r.mu.Lock()
	r.subs[treeID] = &treeSub{pubsub: pubsub, cancel: stop}
	r.mu.Unlock()

	go func() {
		ch := pubsub.Channel()
		for msg := range ch {
			var f frame
			if err := msgpack.Unmarshal([]byte(msg.Payload), &f); err != nil {
				log.Printf("relay: bad frame on %s: %v", msg.Channel, err)
				continue
			}
			if f.Origin == r.instance {
				continue
			}
			fn(f.Kind, f.Payload)
		}
	}()

	return func() {
		r.mu.Lock()
		delete(r.subs, treeID)
		r.mu.Unlock()
		stop()
		if err := pubsub.Close(); err != nil {
			log.Printf("relay: close subscription %s: %v", treeID, err)
		}
	}
}

// Close tears down all subscriptions and the client connection.
func (r *RedisRelay) Close() error {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]*treeSub)
	r.mu.Unlock()

	for _, s := range subs {
		s.cancel()
		_ = s.pubsub.Close()
	}
	return r.client.Close()
}
