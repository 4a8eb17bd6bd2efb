package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddRelayCheck fails once the relay holds more than maxConnections open
// sockets. A zero limit only verifies the relay answers.
func (h *HealthChecker) AddRelayCheck(connections func() int, maxConnections int, interval, timeout time.Duration) {
	h.AddCheck("relay", func(ctx context.Context) (bool, error) {
		n := connections()
		if maxConnections > 0 && n > maxConnections {
			return false, fmt.Errorf("%d connections exceed limit %d", n, maxConnections)
		}
		return true, nil
	}, interval, timeout)
}

// AddTURNCheck reports whether the embedded TURN server is still running.
func (h *HealthChecker) AddTURNCheck(running func() bool, interval, timeout time.Duration) {
	h.AddCheck("turn", func(ctx context.Context) (bool, error) {
		if !running() {
			return false, fmt.Errorf("TURN server is not running")
		}
		return true, nil
	}, interval, timeout)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == StatusHealthy
}
