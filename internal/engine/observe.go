package engine

import (
	"context"
	"errors"
	"reflect"
	"time"

	"github.com/harborline/tasksync/internal/bus"
	"github.com/harborline/tasksync/internal/model"
	"github.com/harborline/tasksync/internal/store"
)

// observeDebounce batches bursts of change events into one re-read. A sync
// cycle applying a pull batch fires one event per record; the UI only
// needs the final list.
const observeDebounce = 50 * time.Millisecond

// Observe streams the merged task list matching filter. The current list
// is delivered immediately, then a fresh one after every change, until ctx
// is cancelled. Slow consumers see fewer, newer lists rather than a
// backlog: delivery keeps only the latest snapshot.
func (e *Engine) Observe(ctx context.Context, filter store.Filter) (<-chan []model.Task, error) {
	if e.bus == nil {
		return nil, errors.New("observe requires an event bus")
	}
	// Subscribe before the initial read. A change landing between the two
	// then shows up as a buffered event and triggers a re-read, instead of
	// falling into a gap where neither the list nor the stream carries it.
	sub := e.bus.Subscribe("task.")
	initial, err := e.store.List(ctx, filter)
	if err != nil {
		e.bus.Unsubscribe(sub)
		return nil, err
	}

	out := make(chan []model.Task, 1)
	out <- initial

	go e.observeLoop(ctx, filter, sub, out, initial)
	return out, nil
}

func (e *Engine) observeLoop(ctx context.Context, filter store.Filter, sub *bus.Subscription, out chan []model.Task, last []model.Task) {
	defer e.bus.Unsubscribe(sub)
	defer close(out)

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sub.Ch():
			if !ok {
				return
			}
			if timer == nil {
				timer = time.NewTimer(observeDebounce)
				fire = timer.C
			}
		case <-fire:
			timer, fire = nil, nil
			current, err := e.store.List(ctx, filter)
			if err != nil {
				if ctx.Err() == nil {
					e.logger.Warn("observe re-read failed", "error", err)
				}
				continue
			}
			if reflect.DeepEqual(current, last) {
				continue
			}
			last = current
			// Replace a stale, unconsumed snapshot instead of blocking.
			select {
			case out <- current:
			default:
				select {
				case <-out:
				default:
				}
				out <- current
			}
		}
	}
}
