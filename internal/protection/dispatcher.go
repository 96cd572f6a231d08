package protection

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ilshield/protection-engine/internal/model"
)

// ErrQueueFull is returned when a pool's event queue has no room; the caller
// should back off and redeliver.
var ErrQueueFull = errors.New("protection: pool event queue full")

// Dispatcher fans pool events out to one worker per pool, so events for the
// same pool are processed in arrival order while distinct pools proceed in
// parallel.
type Dispatcher struct {
	controller *Controller
	queueSize  int

	mu     sync.Mutex
	queues map[string]chan *model.PoolEvent
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the given per-pool queue capacity.
func NewDispatcher(controller *Controller, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Dispatcher{
		controller: controller,
		queueSize:  queueSize,
		queues:     make(map[string]chan *model.PoolEvent),
	}
}

// Enqueue hands a pool event to its pool's worker without blocking.
func (d *Dispatcher) Enqueue(ev *model.PoolEvent) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.New("protection: dispatcher closed")
	}
	q, ok := d.queues[ev.PoolID]
	if !ok {
		q = make(chan *model.PoolEvent, d.queueSize)
		d.queues[ev.PoolID] = q
		d.wg.Add(1)
		go d.work(ev.PoolID, q)
	}
	d.mu.Unlock()

	select {
	case q <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close drains all queues and waits for in-flight evaluations to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) work(poolID string, q <-chan *model.PoolEvent) {
	defer d.wg.Done()
	for ev := range q {
		results, err := d.controller.HandlePoolEvent(context.Background(), ev)
		if err != nil {
			slog.Error("pool event rejected", "pool", poolID, "event_id", ev.ID, "err", err)
			continue
		}
		for _, res := range results {
			if res.Err != nil {
				slog.Warn("position evaluation failed",
					"pool", poolID, "position_id", res.PositionID, "err", res.Err)
			}
		}
	}
}
