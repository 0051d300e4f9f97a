// Package cluster relays envelopes between server nodes over Redis pub/sub.
//
// Every node publishes to one channel and subscribes to it. A node delivers
// to its own connections only when the message comes back through the
// subscription, so a node sees exactly one copy of every envelope whether it
// published it or not.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/agent-workspace/realtime/internal/metrics"
	"github.com/agent-workspace/realtime/pkg/protocol"
)

// Deliverer delivers envelopes to the connections of this node.
type Deliverer interface {
	Deliver(env *protocol.Envelope, exclude string, rooms ...protocol.Room) (int, error)
	SendToUser(env *protocol.Envelope, userID string) (int, error)
}

// RoomRef is the wire form of a room.
type RoomRef struct {
	Family      protocol.RoomFamily `json:"family"`
	WorkspaceID string              `json:"workspaceId"`
	ID          string              `json:"id"`
}

// Message is what travels over the channel. Exactly one of Rooms and UserID
// is set.
type Message struct {
	Node     string             `json:"node"`
	Envelope *protocol.Envelope `json:"envelope"`
	Rooms    []RoomRef          `json:"rooms,omitempty"`
	Exclude  string             `json:"exclude,omitempty"`
	UserID   string             `json:"userId,omitempty"`
}

func (m *Message) rooms() []protocol.Room {
	out := make([]protocol.Room, 0, len(m.Rooms))
	for _, r := range m.Rooms {
		out = append(out, protocol.Room{Family: r.Family, WorkspaceID: r.WorkspaceID, ID: r.ID})
	}
	return out
}

// Relay publishes envelopes to every node and delivers those it receives.
type Relay struct {
	client  *redis.Client
	channel string
	node    string
	local   Deliverer
	logger  zerolog.Logger

	ready     chan struct{}
	readyOnce sync.Once
}

// NewRelay connects to Redis and creates a relay.
func NewRelay(ctx context.Context, redisURL, channel string, local Deliverer, logger zerolog.Logger) (*Relay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewRelayWithClient(client, channel, local, logger), nil
}

// NewRelayWithClient creates a relay on an existing client.
func NewRelayWithClient(client *redis.Client, channel string, local Deliverer, logger zerolog.Logger) *Relay {
	node := uuid.NewString()
	return &Relay{
		client:  client,
		channel: channel,
		node:    node,
		local:   local,
		logger:  logger.With().Str("component", "cluster").Str("node", node).Logger(),
		ready:   make(chan struct{}),
	}
}

// Node returns the id of this node.
func (r *Relay) Node() string {
	return r.node
}

// Ready is closed once the subscription is active.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// Publish implements the room manager's Publisher.
func (r *Relay) Publish(ctx context.Context, env *protocol.Envelope, exclude string, rooms ...protocol.Room) error {
	msg := &Message{Node: r.node, Envelope: env, Exclude: exclude}
	for _, room := range rooms {
		msg.Rooms = append(msg.Rooms, RoomRef{Family: room.Family, WorkspaceID: room.WorkspaceID, ID: room.ID})
	}
	return r.publish(ctx, msg)
}

// PublishToUser implements the room manager's Publisher.
func (r *Relay) PublishToUser(ctx context.Context, env *protocol.Envelope, userID string) error {
	return r.publish(ctx, &Message{Node: r.node, Envelope: env, UserID: userID})
}

func (r *Relay) publish(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode relay message: %w", err)
	}

	start := time.Now()
	err = r.client.Publish(ctx, r.channel, data).Err()
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("publish to %s: %w", r.channel, err)
	}
	return nil
}

// Run subscribes to the channel and delivers messages until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	// wait for the subscription to be confirmed
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", r.channel, err)
	}
	r.readyOnce.Do(func() { close(r.ready) })
	r.logger.Info().Str("channel", r.channel).Msg("relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return errors.New("relay subscription closed")
			}
			if err := r.Handle([]byte(m.Payload)); err != nil {
				r.logger.Warn().Err(err).Msg("dropped relay message")
			}
		}
	}
}

// Handle decodes one relayed message and delivers it locally.
func (r *Relay) Handle(payload []byte) error {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decode relay message: %w", err)
	}
	if msg.Envelope == nil {
		return errors.New("relay message without envelope")
	}

	if msg.UserID != "" {
		_, err := r.local.SendToUser(msg.Envelope, msg.UserID)
		return err
	}
	_, err := r.local.Deliver(msg.Envelope, msg.Exclude, msg.rooms()...)
	return err
}

// Ping checks the Redis connection.
func (r *Relay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (r *Relay) Close() error {
	return r.client.Close()
}
