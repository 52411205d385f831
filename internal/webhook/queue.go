package webhook

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/bausoptical/lenses/internal/automation"
	"github.com/bausoptical/lenses/internal/pos"
	"github.com/bausoptical/lenses/pkg/messaging"
	"github.com/bausoptical/lenses/pkg/observability"
)

// PosEventsQueue is the durable work queue for inbound POS events.
const PosEventsQueue = "pos.events"

// EventQueue hands a normalized event off for asynchronous processing. The
// webhook handler acknowledges the POS as soon as the handoff succeeds; the
// pipeline outcome is never part of the webhook response.
type EventQueue interface {
	Enqueue(ctx context.Context, ev *pos.NormalizedEvent) error
}

// RabbitQueue publishes events onto the durable pos.events queue.
type RabbitQueue struct {
	client *messaging.RabbitMQClient
}

func NewRabbitQueue(client *messaging.RabbitMQClient) (*RabbitQueue, error) {
	if _, err := client.DeclareQueueWithDLQ(PosEventsQueue); err != nil {
		return nil, err
	}
	return &RabbitQueue{client: client}, nil
}

func (q *RabbitQueue) Enqueue(ctx context.Context, ev *pos.NormalizedEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return q.client.Publish(ctx, PosEventsQueue, body)
}

// RunConsumer drains pos.events into the automation engine until ctx is
// done. Pipeline failures are recorded by the engine itself, so messages are
// acked either way; a malformed payload is logged and dropped rather than
// dead-lettered twice.
func RunConsumer(ctx context.Context, client *messaging.RabbitMQClient, engine *automation.Engine, logger *observability.Logger) error {
	return client.ConsumeWithContext(ctx, PosEventsQueue, func(body []byte) error {
		var ev pos.NormalizedEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			logger.Error("dropping undecodable queue message", "error", err)
			return nil
		}
		res := engine.ProcessPosEvent(ctx, &ev)
		if !res.Success {
			logger.Warn("event processing failed", "pos_event_id", ev.PosEventID, "error", res.Error)
		}
		return nil
	})
}

// InProcessQueue is the no-broker fallback: a bounded channel drained by a
// fixed worker pool in the same process. Enqueue blocks when the buffer is
// full, which back-pressures the webhook handler instead of dropping events.
type InProcessQueue struct {
	engine *automation.Engine
	events chan *pos.NormalizedEvent
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewInProcessQueue(engine *automation.Engine, workers, buffer int) *InProcessQueue {
	if workers <= 0 {
		workers = 4
	}
	if buffer <= 0 {
		buffer = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &InProcessQueue{
		engine: engine,
		events: make(chan *pos.NormalizedEvent, buffer),
		cancel: cancel,
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	return q
}

func (q *InProcessQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-q.events:
			q.engine.ProcessPosEvent(ctx, ev)
		}
	}
}

func (q *InProcessQueue) Enqueue(ctx context.Context, ev *pos.NormalizedEvent) error {
	select {
	case q.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the workers. Buffered events not yet picked up are lost to
// this process; the POS retry plus the claim/resume path recover them.
func (q *InProcessQueue) Close() {
	q.cancel()
	q.wg.Wait()
}
