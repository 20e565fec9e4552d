package gvt

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ROOT-Sim/core-sub001/internal/event"
)

// RedisReducer is the alternative cross-node all-reduce backend for
// deployments where nodes cannot reach each other directly: each
// node's local minimum is written to a per-round hash, and the leader
// that fills the last slot computes the minimum across all of them.
type RedisReducer struct {
	Client    *redis.Client
	NodeID    string
	NodeCount int
	KeyPrefix string
	Poll      time.Duration
	TTL       time.Duration
}

// NewRedisReducer creates a reducer for one of nodeCount cooperating
// nodes, identified by the unique nodeID.
func NewRedisReducer(client *redis.Client, nodeID string, nodeCount int) *RedisReducer {
	return &RedisReducer{
		Client:    client,
		NodeID:    nodeID,
		NodeCount: nodeCount,
		KeyPrefix: "timewarp:gvt:",
		Poll:      5 * time.Millisecond,
		TTL:       time.Minute,
	}
}

func (r *RedisReducer) key(round uint64) string {
	return fmt.Sprintf("%s%d", r.KeyPrefix, round)
}

// Reduce publishes nodeMin for this round and polls until every node
// has contributed, then returns the minimum across all of them.
func (r *RedisReducer) Reduce(ctx context.Context, round uint64, nodeMin event.Time) (event.Time, error) {
	key := r.key(round)
	if err := r.Client.HSet(ctx, key, r.NodeID, float64(nodeMin)).Err(); err != nil {
		return 0, err
	}
	r.Client.Expire(ctx, key, r.TTL)

	ticker := time.NewTicker(r.Poll)
	defer ticker.Stop()
	for {
		vals, err := r.Client.HGetAll(ctx, key).Result()
		if err != nil {
			return 0, err
		}
		if len(vals) >= r.NodeCount {
			min := math.Inf(1)
			for _, v := range vals {
				f, err := strconv.ParseFloat(v, 64)
				if err != nil {
					continue
				}
				if f < min {
					min = f
				}
			}
			return event.Time(min), nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}
