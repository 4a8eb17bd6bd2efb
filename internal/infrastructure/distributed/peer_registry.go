package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// PresenceRegistry records which instance holds each peer connection so
// relay instances can route to each other.
type PresenceRegistry struct {
	client     *redis.Client
	instanceID string
	ttl        time.Duration
	logger     *zap.SugaredLogger
	prefix     string
}

var _ ports.PresenceRegistry = (*PresenceRegistry)(nil)

func NewPresenceRegistry(client *redis.Client, instanceID string, ttl time.Duration, logger *zap.SugaredLogger) *PresenceRegistry {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &PresenceRegistry{
		client:     client,
		instanceID: instanceID,
		ttl:        ttl,
		logger:     logger,
		prefix:     "callmesh:presence:",
	}
}

func (r *PresenceRegistry) Register(ctx context.Context, p ports.Presence) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.peerKey(p.SessionID, p.PeerID), data, r.ttl)
		pipe.SAdd(ctx, r.sessionKey(p.SessionID), string(p.PeerID))
		pipe.Expire(ctx, r.sessionKey(p.SessionID), 2*r.ttl)
		pipe.SAdd(ctx, r.instanceKey(p.InstanceID), r.member(p.SessionID, p.PeerID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to register presence: %w", err)
	}
	return nil
}

// Unregister removes the peer unless another instance registered it since.
func (r *PresenceRegistry) Unregister(ctx context.Context, sessionID domain.SessionID, peerID domain.PeerID) error {
	current, err := r.Lookup(ctx, sessionID, peerID)
	if errors.Is(err, domain.ErrPeerNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if current.InstanceID != r.instanceID {
		r.logger.Debugw("presence owned by another instance, keeping it",
			"session_id", sessionID,
			"peer_id", peerID,
			"owner", current.InstanceID,
		)
		return nil
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.peerKey(sessionID, peerID))
		pipe.SRem(ctx, r.sessionKey(sessionID), string(peerID))
		pipe.SRem(ctx, r.instanceKey(r.instanceID), r.member(sessionID, peerID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to unregister presence: %w", err)
	}
	return nil
}

func (r *PresenceRegistry) Lookup(ctx context.Context, sessionID domain.SessionID, peerID domain.PeerID) (*ports.Presence, error) {
	data, err := r.client.Get(ctx, r.peerKey(sessionID, peerID)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrPeerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}

	var p ports.Presence
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal presence: %w", err)
	}
	return &p, nil
}

// SessionPeers lists the live peers of a session. Members whose entry
// expired are pruned from the set.
func (r *PresenceRegistry) SessionPeers(ctx context.Context, sessionID domain.SessionID) ([]domain.PeerID, error) {
	members, err := r.client.SMembers(ctx, r.sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get session peers: %w", err)
	}

	peers := make([]domain.PeerID, 0, len(members))
	for _, m := range members {
		peerID := domain.PeerID(m)
		exists, err := r.client.Exists(ctx, r.peerKey(sessionID, peerID)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to check presence: %w", err)
		}
		if exists == 0 {
			r.client.SRem(ctx, r.sessionKey(sessionID), m)
			continue
		}
		peers = append(peers, peerID)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers, nil
}

func (r *PresenceRegistry) Refresh(ctx context.Context, sessionID domain.SessionID, peerID domain.PeerID) error {
	ok, err := r.client.Expire(ctx, r.peerKey(sessionID, peerID), r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	if !ok {
		return domain.ErrPeerNotFound
	}
	r.client.Expire(ctx, r.sessionKey(sessionID), 2*r.ttl)
	return nil
}

// RefreshMany extends the TTL of several presences in one round trip.
// It returns the keys that no longer exist.
func (r *PresenceRegistry) RefreshMany(ctx context.Context, keys []PresenceKey) ([]PresenceKey, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.BoolCmd, len(keys))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.Expire(ctx, r.peerKey(k.SessionID, k.PeerID), r.ttl)
			pipe.Expire(ctx, r.sessionKey(k.SessionID), 2*r.ttl)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to refresh presence: %w", err)
	}

	var missing []PresenceKey
	for i, cmd := range cmds {
		if !cmd.Val() {
			missing = append(missing, keys[i])
		}
	}
	return missing, nil
}

// CleanupInstance removes every presence held by this instance, for use on
// shutdown.
func (r *PresenceRegistry) CleanupInstance(ctx context.Context) error {
	members, err := r.client.SMembers(ctx, r.instanceKey(r.instanceID)).Result()
	if err != nil {
		return fmt.Errorf("failed to get instance peers: %w", err)
	}
	for _, m := range members {
		var key struct {
			SessionID domain.SessionID `json:"s"`
			PeerID    domain.PeerID    `json:"p"`
		}
		if err := json.Unmarshal([]byte(m), &key); err != nil {
			continue
		}
		if err := r.Unregister(ctx, key.SessionID, key.PeerID); err != nil {
			r.logger.Warnw("failed to clean up presence",
				"session_id", key.SessionID,
				"peer_id", key.PeerID,
				"error", err,
			)
		}
	}
	r.logger.Infow("cleaned up instance presence", "instance_id", r.instanceID, "peers", len(members))
	return r.client.Del(ctx, r.instanceKey(r.instanceID)).Err()
}

// PresenceKey identifies one peer of one session.
type PresenceKey struct {
	SessionID domain.SessionID
	PeerID    domain.PeerID
}

func (r *PresenceRegistry) peerKey(sessionID domain.SessionID, peerID domain.PeerID) string {
	return fmt.Sprintf("%speer:%s:%s", r.prefix, sessionID, peerID)
}

func (r *PresenceRegistry) sessionKey(sessionID domain.SessionID) string {
	return fmt.Sprintf("%ssession:%s", r.prefix, sessionID)
}

func (r *PresenceRegistry) instanceKey(instanceID string) string {
	return fmt.Sprintf("%sinstance:%s", r.prefix, instanceID)
}

func (r *PresenceRegistry) member(sessionID domain.SessionID, peerID domain.PeerID) string {
	data, _ := json.Marshal(map[string]string{"s": string(sessionID), "p": string(peerID)})
	return string(data)
}
