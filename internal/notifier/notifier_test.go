package notifier

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestMaskFiltering(t *testing.T) {
	n := New()
	n.Start()
	defer n.Stop()

	var src, snk recorder
	n.AddListener(src.listen, SourceEvents)
	n.AddListener(snk.listen, SinkEnabled|SinkDisabled)

	n.Notify(Event{Kind: SourceConnected, Source: 1})
	n.Notify(Event{Kind: SinkEnabled, Sink: 2})
	n.Notify(Event{Kind: SinkCreated, Sink: 2})

	require.Eventually(t, func() bool { return len(snk.snapshot()) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(src.snapshot()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, SourceConnected, src.snapshot()[0].Kind)
	assert.Equal(t, SinkEnabled, snk.snapshot()[0].Kind)
}

func TestNotifyBeforeStartIsDelivered(t *testing.T) {
	var started, exited bool
	var r recorder
	n := New(WithHooks(func() { started = true }, func() { exited = true }))
	n.AddListener(r.listen, All)
	n.Notify(Event{Kind: SourceCreated, Name: "cam"})
	n.Start()
	require.Eventually(t, func() bool { return len(r.snapshot()) == 1 }, time.Second, time.Millisecond)
	n.Stop()
	assert.True(t, started)
	assert.True(t, exited)
	assert.True(t, n.Destroyed())

	n.Notify(Event{Kind: SourceCreated})
	assert.Len(t, r.snapshot(), 1)
}

func TestValueUpdatesCoalesce(t *testing.T) {
	n := New()
	var r recorder
	n.AddListener(r.listen, All)

	for v := 0; v < 5; v++ {
		n.Notify(Event{Kind: SourcePropertyValueUpdated, Source: 1, Property: 3, Value: v})
	}
	n.Notify(Event{Kind: SourcePropertyValueUpdated, Source: 1, Property: 4, Value: 9})
	n.Notify(Event{Kind: SourceConnected, Source: 1})
	n.Notify(Event{Kind: SourceConnected, Source: 1})

	n.Start()
	require.Eventually(t, func() bool { return len(r.snapshot()) == 4 }, time.Second, time.Millisecond)
	n.Stop()

	got := r.snapshot()
	assert.Equal(t, 3, got[0].Property)
	assert.Equal(t, 4, got[0].Value)
	assert.Equal(t, 4, got[1].Property)
	assert.Equal(t, SourceConnected, got[2].Kind)
	assert.Equal(t, SourceConnected, got[3].Kind)
}

func TestNotifyListenerTargetsOne(t *testing.T) {
	n := New()
	n.Start()
	defer n.Stop()

	var a, b recorder
	ida := n.AddListener(a.listen, 0)
	n.AddListener(b.listen, All)

	n.NotifyListener(ida, Event{Kind: SourceCreated})
	require.Eventually(t, func() bool { return len(a.snapshot()) == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, b.snapshot())
}

func TestRemoveListenerDuringDispatch(t *testing.T) {
	n := New()
	var second recorder
	var secondID int
	n.AddListener(func(ev Event) {
		n.RemoveListener(secondID)
	}, All)
	secondID = n.AddListener(second.listen, All)

	n.Notify(Event{Kind: SourceCreated})
	n.Notify(Event{Kind: SourceDestroyed})
	n.Start()
	n.Stop()

	assert.Empty(t, second.snapshot())
}

func TestPanickingListenerDoesNotStopDispatch(t *testing.T) {
	n := New()
	var r recorder
	n.AddListener(func(Event) { panic("bad listener") }, All)
	n.AddListener(r.listen, All)
	n.Start()
	n.Notify(Event{Kind: SinkCreated})
	n.Notify(Event{Kind: SinkDestroyed})
	require.Eventually(t, func() bool { return len(r.snapshot()) == 2 }, time.Second, time.Millisecond)
	n.Stop()
}

func TestNotifyNeverBlocks(t *testing.T) {
	n := New()
	block := make(chan struct{})
	n.AddListener(func(Event) { <-block }, All)
	n.Start()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			n.Notify(Event{Kind: SourceConnected})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked behind a slow listener")
	}
	close(block)
	n.Stop()
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "sink_enabled", SinkEnabled.String())
	assert.Equal(t, "unknown", Kind(0).String())
}
