// Package dispatcher implements EventDispatcher (spec §4.3): the two
// ordered queues that decouple sync services from the R-stream and X
// platform, plus the batching discipline during reconciliation and the
// first-wins routing discipline during replay to X.
package dispatcher

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/muni-town/roomy-discord-bridge/internal/rplatform"
	"github.com/muni-town/roomy-discord-bridge/internal/statemachine"
)

// toRBatchSize is the flush threshold during backfillXAndSyncToR (spec §4.1).
const toRBatchSize = 100

// ToXItem is either a decoded R-origin event to replay to X, or — when
// Decoded is nil — a batch-boundary sentinel carrying the BatchID the
// producer tagged it with and whether it is the last event of that batch.
type ToXItem struct {
	Decoded     *rplatform.Event
	BatchID     string
	IsLastEvent bool
}

// ServiceHandler is the contract every domain sync service implements for
// R→X routing: try to handle ev, report whether it did. The dispatcher
// tries each handler in the fixed declaration order from spec §5
// ([profile, structure, message, reaction]) and stops at the first true.
type ServiceHandler interface {
	SyncToX(ctx context.Context, ev rplatform.Event) (handled bool, err error)
}

// Dispatcher owns the toR and toX queues for one Bridge.
type Dispatcher struct {
	log     zerolog.Logger
	machine *statemachine.Machine
	stream  rplatform.Stream

	spaceDid string

	toR         *Queue[rplatform.Event]
	toX         *Queue[ToXItem]
	flushSignal chan struct{}

	services []ServiceHandler

	lastBatchID string
}

func New(machine *statemachine.Machine, stream rplatform.Stream, spaceDid string, services []ServiceHandler, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		log:         log.With().Str("component", "dispatcher").Logger(),
		machine:     machine,
		stream:      stream,
		spaceDid:    spaceDid,
		toR:         NewQueue[rplatform.Event](),
		toX:         NewQueue[ToXItem](),
		flushSignal: make(chan struct{}, 1),
		services:    services,
	}
}

// PushToR enqueues an R-bound event, submitted by a sync service during
// X→R processing.
func (d *Dispatcher) PushToR(ev rplatform.Event) {
	d.toR.Push(ev)
}

// PushToX enqueues an R event (or sentinel) to replay to X, submitted by
// the backfillR classification loop.
func (d *Dispatcher) PushToX(item ToXItem) {
	d.toX.Push(item)
}

// FlushR forces the accumulated toR batch to send immediately, called by
// the phase-transition code when backfillXAndSyncToR completes.
func (d *Dispatcher) FlushR() {
	select {
	case d.flushSignal <- struct{}{}:
	default:
	}
}

// SetLastBatchID records the batch id the backfillR phase finished on
// (spec §4.1: "record the lastBatchId and advance"); the toX consumer uses
// it to recognize the terminating sentinel.
func (d *Dispatcher) SetLastBatchID(id string) {
	d.lastBatchID = id
}

// Run starts both consumer loops in their own goroutines and returns at
// once; the loops exit when ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	go d.runToR(ctx)
	go d.runToX(ctx)
}

// Absorb routes an X-origin R-stream event straight through the same
// service chain routeToX uses, without going through the toX queue. Used
// during backfillR (spec §4.1): origin-guarded handlers turn this into a
// pure cache/mapping update, since they refuse to issue the matching X call
// for an event that carries their own origin extension.
func (d *Dispatcher) Absorb(ctx context.Context, ev rplatform.Event) {
	d.routeToX(ctx, ev)
}

func (d *Dispatcher) runToR(ctx context.Context) {
	var batch []rplatform.Event

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, ev := range batch {
			if _, err := d.stream.Send(ctx, d.spaceDid, ev); err != nil {
				d.log.Err(err).Str("kind", string(ev.Kind)).Msg("failed to send batched event to R stream")
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.toR.Out():
			switch d.machine.Current() {
			case statemachine.BackfillXAndSyncToR:
				batch = append(batch, ev)
				if len(batch) >= toRBatchSize {
					flush()
				}
			case statemachine.Listening:
				if _, err := d.stream.Send(ctx, d.spaceDid, ev); err != nil {
					d.log.Err(err).Str("kind", string(ev.Kind)).Msg("failed to send event to R stream")
				}
			default:
				d.log.Warn().Str("state", d.machine.Current().String()).Str("kind", string(ev.Kind)).
					Msg("discarding toR event: reached consumer in an unexpected state")
			}
		case <-d.flushSignal:
			flush()
		}
	}
}

func (d *Dispatcher) runToX(ctx context.Context) {
	if err := d.machine.AwaitState(ctx, statemachine.SyncRToX); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-d.toX.Out():
			if item.Decoded == nil {
				if item.IsLastEvent && item.BatchID == d.lastBatchID {
					d.machine.Advance(statemachine.Listening)
				}
				continue
			}
			d.routeToX(ctx, *item.Decoded)
		}
	}
}

func (d *Dispatcher) routeToX(ctx context.Context, ev rplatform.Event) {
	for _, svc := range d.services {
		handled, err := svc.SyncToX(ctx, ev)
		if err != nil {
			d.log.Err(err).Str("kind", string(ev.Kind)).Str("event_id", string(ev.ID)).
				Msg("service failed while syncing event to X")
			return
		}
		if handled {
			return
		}
	}
	d.log.Debug().Str("kind", string(ev.Kind)).Msg("no service handled event")
}
