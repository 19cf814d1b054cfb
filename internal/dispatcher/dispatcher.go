package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/domain"

	"github.com/rs/zerolog/log"
)

// Dispatcher drains the dispatch queue and invokes the agent runtime under a
// bounded timeout. It holds the only credentials able to reach the runtime;
// the ingress receiver can enqueue and nothing more. Timeouts and failures
// are reported back to the originating channel and never retried: agent
// invocations are not guaranteed idempotent.
type Dispatcher struct {
	queue    chan domain.DispatchRequest
	invoker  domain.AgentInvoker
	notifier domain.FailureNotifier
	timeout  time.Duration
	workers  int

	wg sync.WaitGroup
}

type Dependencies struct {
	Invoker  domain.AgentInvoker
	Notifier domain.FailureNotifier

	// Timeout bounds a single agent invocation. Minutes-scale: the agent may
	// legitimately run a long tool chain.
	Timeout time.Duration
	// Workers is the number of concurrent invocations allowed.
	Workers int
	// QueueSize bounds the backlog between receiver and workers.
	QueueSize int
}

func NewDispatcher(deps Dependencies) *Dispatcher {
	workers := deps.Workers
	if workers <= 0 {
		workers = 4
	}

	queueSize := deps.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}

	return &Dispatcher{
		queue:    make(chan domain.DispatchRequest, queueSize),
		invoker:  deps.Invoker,
		notifier: deps.Notifier,
		timeout:  deps.Timeout,
		workers:  workers,
	}
}

// Enqueue adds a request without blocking the caller. A full queue is the
// caller's signal to shed load rather than make the webhook wait.
func (d *Dispatcher) Enqueue(req domain.DispatchRequest) error {
	select {
	case d.queue <- req:
		return nil
	default:
		return domain.ErrQueueFull
	}
}

// Start launches the worker pool. Workers stop when ctx is cancelled; Wait
// blocks until in-flight dispatches finish.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.run(ctx)
		}()
	}

	log.Info().Int("workers", d.workers).Dur("timeout", d.timeout).Msg("Dispatcher started")
}

func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-d.queue:
			d.process(ctx, req)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, req domain.DispatchRequest) {
	result, err := d.Dispatch(ctx, req)
	if err != nil {
		d.reportFailure(ctx, req, err)
		return
	}

	log.Info().
		Str("dispatch_id", req.ID).
		Str("event_id", req.EventID).
		Str("session_id", result.SessionID).
		Msg("Dispatch completed")
}

// Dispatch invokes the agent runtime for one request under the configured
// timeout. The timeout cancels our wait; cleanup of the runtime side is the
// runtime's own responsibility.
func (d *Dispatcher) Dispatch(ctx context.Context, req domain.DispatchRequest) (domain.InvocationResult, error) {
	invokeCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	result, err := d.invoker.Invoke(invokeCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(invokeCtx.Err(), context.DeadlineExceeded) {
			return domain.InvocationResult{}, fmt.Errorf("%w: dispatch %s after %s", domain.ErrDispatchTimeout, req.ID, d.timeout)
		}
		return domain.InvocationResult{}, fmt.Errorf("agent invocation failed: %w", err)
	}

	return result, nil
}

func (d *Dispatcher) reportFailure(ctx context.Context, req domain.DispatchRequest, cause error) {
	log.Error().
		Err(cause).
		Str("dispatch_id", req.ID).
		Str("event_id", req.EventID).
		Msg("Dispatch failed")

	if req.ChannelID == "" {
		return
	}

	message := "Something went wrong while working on your request. Please try again."
	if errors.Is(cause, domain.ErrDispatchTimeout) {
		message = "Your request took too long and was cancelled. Please try again, or break the task into smaller steps."
	}

	// Notification gets its own deadline so a cancelled dispatch context
	// cannot also swallow the user-visible failure message.
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := d.notifier.NotifyFailure(notifyCtx, req.ChannelID, req.ThreadTS, message); err != nil {
		log.Error().Err(err).Str("channel", req.ChannelID).Msg("Failed to post failure notification")
	}
}
