package services

import (
	"context"
	"sync"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
	"callmesh/pkg/circuitbreaker"
	"callmesh/pkg/retry"

	"go.uber.org/zap"
)

type outboundMessage struct {
	env    domain.Envelope
	onFail func(error)
}

// signalSender delivers outbound envelopes in FIFO order from a single
// goroutine, retrying transient failures behind a circuit breaker.
type signalSender struct {
	channel ports.SignalingChannel
	retry   retry.Config
	breaker *circuitbreaker.CircuitBreaker
	metrics ports.CallMetrics
	logger  *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queue   []outboundMessage
	closing bool
	wake    chan struct{}
	done    chan struct{}
}

func newSignalSender(
	channel ports.SignalingChannel,
	retryCfg retry.Config,
	breakerCfg circuitbreaker.Config,
	metrics ports.CallMetrics,
	logger *zap.SugaredLogger,
) *signalSender {
	ctx, cancel := context.WithCancel(context.Background())
	retryCfg.NonRetryableErrors = append(retryCfg.NonRetryableErrors,
		circuitbreaker.ErrOpen,
		domain.ErrInvalidEnvelope,
		domain.ErrUnknownMessageType,
		domain.ErrPeerNotFound,
		context.Canceled,
	)

	s := &signalSender{
		channel: channel,
		retry:   retryCfg,
		metrics: metrics,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	s.breaker = circuitbreaker.New(breakerCfg, circuitbreaker.WithStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("signaling circuit breaker changed state", "from", from.String(), "to", to.String())
	}))

	go s.run()
	return s
}

// enqueue schedules env for delivery. onFail runs on the sender goroutine
// when delivery is abandoned.
func (s *signalSender) enqueue(env domain.Envelope, onFail func(error)) bool {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, outboundMessage{env: env, onFail: onFail})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *signalSender) run() {
	defer close(s.done)

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closing {
			s.mu.Unlock()
			select {
			case <-s.wake:
			case <-s.ctx.Done():
				return
			}
			s.mu.Lock()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		msg := s.queue[0]
		s.queue[0] = outboundMessage{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(msg)
	}
}

func (s *signalSender) deliver(msg outboundMessage) {
	err := retry.Retry(s.ctx, s.retry, func() error {
		return s.breaker.Execute(s.ctx, func() error {
			return s.channel.Send(s.ctx, msg.env)
		})
	})
	if err == nil {
		return
	}

	s.metrics.RecordSignalingFailure(msg.env.Type)
	s.logger.Warnw("signaling send abandoned",
		"type", msg.env.Type,
		"to", msg.env.To,
		"error", err,
	)
	if msg.onFail != nil {
		msg.onFail(err)
	}
}

// close stops accepting messages and waits up to timeout for the queue to
// flush before abandoning what is left.
func (s *signalSender) close(timeout time.Duration) {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.done:
	case <-timer.C:
		s.cancel()
		<-s.done
	}
	s.cancel()
}
