package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/matst80/punchhole/internal/obs"
	"github.com/matst80/punchhole/internal/proto"
)

// peerData is the JSON value stored per peer.
type peerData struct {
	proto.PeerRecord
	Instance     string    `json:"instance"`
	RegisteredAt time.Time `json:"registered_at"`
}

// RedisMirror copies registry changes into Redis so operators can see which
// peers each server instance holds. It is write-only: the registry never reads
// it back, and a restart starts from an empty registry.
type RedisMirror struct {
	client     *redis.Client
	prefix     string
	ttl        time.Duration
	timeout    time.Duration
	instanceID string
	logger     *zap.Logger
}

var _ Observer = (*RedisMirror)(nil)

// NewRedisMirror connects to Redis and verifies it answers PING.
func NewRedisMirror(addr, password string, db int, ttl time.Duration, logger *zap.Logger) (*RedisMirror, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("registry: redis connection failed: %w", err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisMirror{
		client:     rdb,
		prefix:     "punchhole:peer:",
		ttl:        ttl,
		timeout:    2 * time.Second,
		instanceID: fmt.Sprintf("punchhole-%d", time.Now().UnixNano()),
		logger:     obs.OrNop(logger).Named("redis"),
	}, nil
}

func (m *RedisMirror) key(rec proto.PeerRecord) string { return m.prefix + rec.Key() }

func (m *RedisMirror) OnRegister(rec proto.PeerRecord) {
	data, err := json.Marshal(peerData{PeerRecord: rec, Instance: m.instanceID, RegisteredAt: time.Now().UTC()})
	if err != nil {
		m.logger.Error("redis.marshal_peer", zap.Error(err), zap.String("peer", rec.Key()))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.client.Set(ctx, m.key(rec), data, m.ttl).Err(); err != nil {
		m.logger.Error("redis.set_peer", zap.Error(err), zap.String("peer", rec.Key()))
		obs.ErrorsTotal.WithLabelValues("redis_set").Inc()
	}
}

func (m *RedisMirror) OnUnregister(rec proto.PeerRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.client.Del(ctx, m.key(rec)).Err(); err != nil {
		m.logger.Error("redis.del_peer", zap.Error(err), zap.String("peer", rec.Key()))
		obs.ErrorsTotal.WithLabelValues("redis_del").Inc()
	}
}

func (m *RedisMirror) Close() error { return m.client.Close() }
