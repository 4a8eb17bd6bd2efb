package distributed

import (
	"context"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
	"callmesh/pkg/batch"

	"go.uber.org/zap"
)

// BatchedPresence queues heartbeat refreshes and flushes them as one
// pipelined round trip, so pong handlers never wait on redis.
type BatchedPresence struct {
	*PresenceRegistry
	batcher *batch.Batcher[PresenceKey]
}

var _ ports.PresenceRegistry = (*BatchedPresence)(nil)

func NewBatchedPresence(registry *PresenceRegistry, batchSize int, interval time.Duration, logger *zap.SugaredLogger) *BatchedPresence {
	process := func(ctx context.Context, keys []PresenceKey) error {
		missing, err := registry.RefreshMany(ctx, dedupe(keys))
		if err != nil {
			return err
		}
		for _, k := range missing {
			logger.Debugw("presence expired before refresh",
				"session_id", k.SessionID,
				"peer_id", k.PeerID,
			)
		}
		return nil
	}
	onError := func(err error, keys []PresenceKey) {
		logger.Warnw("failed to refresh presence batch", "error", err, "size", len(keys))
	}
	return &BatchedPresence{
		PresenceRegistry: registry,
		batcher:          batch.New(batchSize, interval, process, onError),
	}
}

// Refresh queues the refresh and returns immediately.
func (b *BatchedPresence) Refresh(_ context.Context, sessionID domain.SessionID, peerID domain.PeerID) error {
	b.batcher.Add(PresenceKey{SessionID: sessionID, PeerID: peerID})
	return nil
}

// Close flushes queued refreshes.
func (b *BatchedPresence) Close() {
	b.batcher.Stop()
}

func dedupe(keys []PresenceKey) []PresenceKey {
	seen := make(map[PresenceKey]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
