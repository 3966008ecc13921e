package browser

import (
	"sync"
	"testing"
	"time"

	"github.com/pastorenue/expothesis-sub001/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestPage_HistoryNavigation(t *testing.T) {
	p := NewPage("https://app.example.com/home")

	var pops int
	remove := p.AddEventListener(EventPopState, func(Event) { pops++ })

	p.Push("/orders?id=7")
	assert.Equal(t, "https://app.example.com/orders?id=7", p.Href())

	p.Replace("/orders?id=8")
	assert.Equal(t, "https://app.example.com/orders?id=8", p.Href())

	p.Back()
	assert.Equal(t, "https://app.example.com/home", p.Href())
	p.Back()
	assert.Equal(t, 1, pops, "back at the first entry is a no-op")

	p.Forward()
	assert.Equal(t, "https://app.example.com/orders?id=8", p.Href())
	assert.Equal(t, 2, pops)

	remove()
	remove()
	p.Back()
	assert.Equal(t, 2, pops)
	assert.Equal(t, 0, p.ListenerCount(EventPopState))
}

func TestPage_SetHash(t *testing.T) {
	p := NewPage("https://app.example.com/docs")

	var changes int
	p.AddEventListener(EventHashChange, func(Event) { changes++ })

	p.SetHash("intro")
	p.SetHash("intro")

	assert.Equal(t, "https://app.example.com/docs#intro", p.Href())
	assert.Equal(t, 1, changes)
}

func TestPage_SwappedPushStateIsUsed(t *testing.T) {
	p := NewPage("https://app.example.com/")
	native := p.PushState()

	var seen []string
	p.SetPushState(func(state any, title, u string) {
		native(state, title, u)
		seen = append(seen, u)
	})

	p.Push("/a")
	assert.Equal(t, []string{"/a"}, seen)
	assert.Equal(t, "https://app.example.com/a", p.Href())
}

func TestPage_VisibilityAndClick(t *testing.T) {
	p := NewPage("https://app.example.com/")

	var got []Event
	p.AddEventListener(EventVisibilityChange, func(ev Event) { got = append(got, ev) })
	p.AddEventListener(EventClick, func(ev Event) { got = append(got, ev) })

	p.SetHidden(true)
	p.SetHidden(true)
	p.Click(10, 20, &Element{Tag: "button", ID: "buy"})

	require.Len(t, got, 2)
	assert.True(t, got[0].Hidden)
	assert.Equal(t, EventClick, got[1].Type)
	assert.Equal(t, "buy", got[1].Target.ID)
}

func TestScriptedRecorder_EmitsSnapshotThenIncrementals(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r := &ScriptedRecorder{SnapshotDelay: 5 * time.Millisecond, Interval: 5 * time.Millisecond}

	var mu sync.Mutex
	var types []int
	stop, err := r.Start(func(rec model.ReplayRecord) {
		mu.Lock()
		types = append(types, rec.Type)
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.True(t, r.Running())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, typ := range types {
			if typ == model.RecordTypeFullSnapshot {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	stop()
	stop()
	assert.False(t, r.Running())
	assert.Equal(t, 1, r.Starts())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, RecordTypeMeta, types[0])
}

func TestScriptedRecorder_NeverSnapshots(t *testing.T) {
	r := &ScriptedRecorder{SnapshotDelay: -1, Interval: 2 * time.Millisecond}

	var mu sync.Mutex
	snapshots := 0
	stop, err := r.Start(func(rec model.ReplayRecord) {
		mu.Lock()
		if rec.IsFullSnapshot() {
			snapshots++
		}
		mu.Unlock()
	})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, snapshots)
}
