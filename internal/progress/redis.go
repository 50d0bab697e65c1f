package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"snapsync/internal/logger"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher pushes progress events and service status onto redis
// pub/sub channels so dashboards and home-automation bridges can
// subscribe without touching the engine. Channel layout:
//
//	<prefix>:events   one JSON Event per state transition
//	<prefix>:status   service status string (idle, backing_up, ...)
//	<prefix>:sessions one JSON summary when a session finalizes
//
// The last status is mirrored into the key <prefix>:status for
// late-joining consumers.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

func NewRedisPublisher(addr, password string, db int, prefix string) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connect %s: %w", addr, err)
	}
	if prefix == "" {
		prefix = "snapsync"
	}
	return &RedisPublisher{client: client, prefix: prefix}, nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// Notify implements Observer; called from the Notifier goroutine so a
// slow broker never stalls the engine.
func (p *RedisPublisher) Notify(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.client.Publish(ctx, p.prefix+":events", payload).Err(); err != nil {
		logger.Debugf("redis publish event: %v", err)
	}
}

// PublishStatus announces the service status (idle, backing_up,
// completed, completed_with_errors, failed, offline).
func (p *RedisPublisher) PublishStatus(ctx context.Context, status string) {
	if err := p.client.Publish(ctx, p.prefix+":status", status).Err(); err != nil {
		logger.Debugf("redis publish status: %v", err)
	}
	if err := p.client.Set(ctx, p.prefix+":status", status, 0).Err(); err != nil {
		logger.Debugf("redis set status: %v", err)
	}
}

// SessionSummary is the payload published when a session finalizes.
type SessionSummary struct {
	SessionID        string    `json:"session_id"`
	RootPath         string    `json:"root_path"`
	State            string    `json:"state"`
	TotalFiles       int       `json:"total_files"`
	CompletedFiles   int       `json:"completed_files"`
	FailedFiles      int       `json:"failed_files"`
	SkippedFiles     int       `json:"skipped_files"`
	TransferredBytes int64     `json:"transferred_bytes"`
	EndedAt          time.Time `json:"ended_at"`
}

func (p *RedisPublisher) PublishSessionComplete(ctx context.Context, sum SessionSummary) {
	payload, err := json.Marshal(sum)
	if err != nil {
		return
	}
	if err := p.client.Publish(ctx, p.prefix+":sessions", payload).Err(); err != nil {
		logger.Debugf("redis publish session: %v", err)
	}
}
