package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muni-town/roomy-discord-bridge/internal/ids"
	"github.com/muni-town/roomy-discord-bridge/internal/rplatform"
	"github.com/muni-town/roomy-discord-bridge/internal/statemachine"
)

type fakeStream struct {
	mu   sync.Mutex
	sent []rplatform.Event
}

func (f *fakeStream) Backfill(context.Context, string, string, func(context.Context, rplatform.Event) error) (string, error) {
	return "", nil
}

func (f *fakeStream) Subscribe(context.Context, string, string, func(context.Context, rplatform.Event) error) error {
	return nil
}

func (f *fakeStream) Send(_ context.Context, _ string, ev rplatform.Event) (ids.RUlid, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, ev)
	return ev.ID, nil
}

func (f *fakeStream) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeHandler struct {
	mu      sync.Mutex
	handled []rplatform.Event
	accept  bool
}

func (h *fakeHandler) SyncToX(_ context.Context, ev rplatform.Event) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.accept {
		h.handled = append(h.handled, ev)
	}
	return h.accept, nil
}

func (h *fakeHandler) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handled)
}

func TestDispatcher_ToR_FlushesOnBatchSize(t *testing.T) {
	m := statemachine.New()
	m.Advance(statemachine.BackfillXAndSyncToR)
	stream := &fakeStream{}
	d := New(m, stream, "did:plc:space", nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Run(ctx)

	for i := 0; i < 100; i++ {
		d.PushToR(rplatform.Event{ID: ids.NewRUlid(time.Now()), Kind: rplatform.KindCreateMessage})
	}

	require.Eventually(t, func() bool { return stream.Count() == 100 }, time.Second, time.Millisecond)
}

func TestDispatcher_ToR_ExplicitFlush(t *testing.T) {
	m := statemachine.New()
	m.Advance(statemachine.BackfillXAndSyncToR)
	stream := &fakeStream{}
	d := New(m, stream, "did:plc:space", nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Run(ctx)

	d.PushToR(rplatform.Event{ID: ids.NewRUlid(time.Now()), Kind: rplatform.KindCreateRoom})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, stream.Count(), "below batch size, should not have flushed yet")

	d.FlushR()
	require.Eventually(t, func() bool { return stream.Count() == 1 }, time.Second, time.Millisecond)
}

func TestDispatcher_ToR_ImmediateInListening(t *testing.T) {
	m := statemachine.New()
	m.Advance(statemachine.BackfillXAndSyncToR)
	m.Advance(statemachine.SyncRToX)
	m.Advance(statemachine.Listening)
	stream := &fakeStream{}
	d := New(m, stream, "did:plc:space", nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Run(ctx)

	d.PushToR(rplatform.Event{ID: ids.NewRUlid(time.Now()), Kind: rplatform.KindCreateRoom})
	require.Eventually(t, func() bool { return stream.Count() == 1 }, time.Second, time.Millisecond)
}

func TestDispatcher_ToX_FirstWinsRouting(t *testing.T) {
	m := statemachine.New()
	m.Advance(statemachine.BackfillXAndSyncToR)
	m.Advance(statemachine.SyncRToX)

	skip := &fakeHandler{accept: false}
	accept := &fakeHandler{accept: true}
	neverReached := &fakeHandler{accept: true}

	d := New(m, &fakeStream{}, "did:plc:space", []ServiceHandler{skip, accept, neverReached}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Run(ctx)

	ev := rplatform.Event{ID: ids.NewRUlid(time.Now()), Kind: rplatform.KindCreateMessage}
	d.PushToX(ToXItem{Decoded: &ev})

	require.Eventually(t, func() bool { return accept.Count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, skip.Count())
	assert.Equal(t, 0, neverReached.Count(), "first handler to accept should stop routing")
}

func TestDispatcher_ToX_SentinelTransitionsToListening(t *testing.T) {
	m := statemachine.New()
	m.Advance(statemachine.BackfillXAndSyncToR)
	m.Advance(statemachine.SyncRToX)

	d := New(m, &fakeStream{}, "did:plc:space", nil, zerolog.Nop())
	d.SetLastBatchID("batch-1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Run(ctx)

	d.PushToX(ToXItem{BatchID: "batch-0", IsLastEvent: true})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, statemachine.SyncRToX, m.Current(), "sentinel for an earlier batch must not trigger transition")

	d.PushToX(ToXItem{BatchID: "batch-1", IsLastEvent: true})
	require.Eventually(t, func() bool { return m.Current() == statemachine.Listening }, time.Second, time.Millisecond)
}
