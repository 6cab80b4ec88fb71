// Package events fans governance lifecycle changes out to notification consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	ProposalCreated         = "proposal.created"
	ProposalActivated       = "proposal.activated"
	VoteCast                = "vote.cast"
	ProposalResolved        = "proposal.resolved"
	ProposalExecuted        = "proposal.executed"
	ProposalExecutionFailed = "proposal.execution_failed"
	ProposalCancelled       = "proposal.cancelled"
)

type Event struct {
	Name       string         `json:"event"`
	GroupID    string         `json:"group_id"`
	ProposalID string         `json:"proposal_id"`
	ActorID    string         `json:"actor_id,omitempty"`
	Status     string         `json:"status,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	At         time.Time      `json:"at"`
}

// Publisher delivers events best-effort. Implementations never fail the caller.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

type Noop struct{}

func (Noop) Publish(context.Context, Event) {}

// Channel is the Pub/Sub channel an event is published on.
func Channel(groupID, name string) string {
	return fmt.Sprintf("governance:%s:%s", groupID, name)
}

type RedisPublisher struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPublisher connects to redisURL and verifies it answers a ping.
func NewRedisPublisher(ctx context.Context, redisURL string, logger *zap.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisPublisherWithClient(client, logger), nil
}

func NewRedisPublisherWithClient(client *redis.Client, logger *zap.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, logger: logger}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("failed to encode event", zap.String("event", event.Name), zap.Error(err))
		return
	}
	channel := Channel(event.GroupID, event.Name)
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		p.logger.Warn("failed to publish event",
			zap.String("channel", channel),
			zap.String("proposal_id", event.ProposalID),
			zap.Error(err),
		)
	}
}

func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
