package tracker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pastorenue/expothesis-sub001/internal/browser"
	"github.com/pastorenue/expothesis-sub001/internal/config"
	"github.com/pastorenue/expothesis-sub001/internal/metrics"
	"github.com/pastorenue/expothesis-sub001/internal/model"
	"github.com/pastorenue/expothesis-sub001/internal/transport"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type sentCall struct {
	path    string
	payload any
	mode    transport.Mode
}

// recordingSender 는 모든 요청을 순서대로 기록한다.
// failReplay 가 true 면 /replay 요청만 실패시킨다.
type recordingSender struct {
	mu         sync.Mutex
	calls      []sentCall
	failReplay atomic.Bool
}

func (r *recordingSender) Send(_ context.Context, path string, payload any, mode transport.Mode) bool {
	if path == model.PathReplay && r.failReplay.Load() {
		return false
	}
	if req, ok := payload.(model.ReplayRequest); ok {
		req.Events = append([]model.ReplayRecord(nil), req.Events...)
		payload = req
	}

	r.mu.Lock()
	r.calls = append(r.calls, sentCall{path: path, payload: payload, mode: mode})
	r.mu.Unlock()
	return true
}

func (r *recordingSender) byPath(path string) []sentCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sentCall
	for _, c := range r.calls {
		if c.path == path {
			out = append(out, c)
		}
	}
	return out
}

func (r *recordingSender) count(path string) int {
	return len(r.byPath(path))
}

type memSpool struct {
	mu      sync.Mutex
	batches []model.ReplayBatch
	err     error
}

func (s *memSpool) Save(b model.ReplayBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, b)
	return nil
}

func (s *memSpool) saved() []model.ReplayBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ReplayBatch(nil), s.batches...)
}

func testConfig(mutate func(*config.Tracker)) config.Tracker {
	cfg := config.DefaultTracker()
	cfg.Endpoint = "http://collector.test/track"
	cfg.Replay = false
	cfg.SnapshotGrace = 100 * time.Millisecond
	cfg.FlushInterval = time.Minute
	if mutate != nil {
		mutate(&cfg)
	}
	return cfg
}

func newTestTracker(t *testing.T, page *browser.Page, cfg config.Tracker, opts ...Option) (*Tracker, *recordingSender) {
	t.Helper()
	tx := &recordingSender{}
	base := []Option{WithSender(tx), WithLogger(zerolog.Nop()), WithMetrics(metrics.New())}
	tr, err := New(cfg, page, append(base, opts...)...)
	require.NoError(t, err)
	return tr, tx
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := New(testConfig(func(c *config.Tracker) { c.Endpoint = "not a url" }), browser.NewPage("https://shop.test/"))
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalidTracker)

	_, err = New(testConfig(nil), nil)
	assert.Error(t, err)
}

func TestInit_StartsSessionAndTracksPageview(t *testing.T) {
	page := browser.NewPage("https://shop.test/home",
		browser.WithReferrer("https://search.test/"),
		browser.WithViewport(390, 844),
		browser.WithLocale("ko-KR", "Asia/Seoul"),
	)
	tr, tx := newTestTracker(t, page, testConfig(func(c *config.Tracker) {
		c.SessionID = "seed-1"
		c.UserID = "u-7"
	}))

	tr.Init(context.Background())
	defer tr.End(context.Background(), EndOptions{})

	assert.Equal(t, StateActive, tr.State())
	assert.Equal(t, "seed-1", tr.SessionID())

	starts := tx.byPath(model.PathSessionStart)
	require.Len(t, starts, 1)
	start := starts[0].payload.(model.StartSessionRequest)
	assert.Equal(t, "seed-1", start.SessionID)
	assert.Equal(t, "u-7", start.UserID)
	assert.Equal(t, "https://shop.test/home", start.EntryURL)
	assert.Equal(t, "https://search.test/", start.Referrer)
	assert.Equal(t, map[string]int{"width": 390, "height": 844}, start.Metadata["viewport"])
	assert.Equal(t, "ko-KR", start.Metadata["locale"])
	assert.Equal(t, "Asia/Seoul", start.Metadata["timezone"])

	events := tx.byPath(model.PathEvent)
	require.Len(t, events, 1)
	pv := events[0].payload.(model.ActivityEvent)
	assert.Equal(t, model.EventTypePageview, pv.Type)
	assert.Equal(t, "seed-1", pv.SessionID)
	assert.Equal(t, "https://shop.test/home", pv.URL)

	assert.Equal(t, 1, page.ListenerCount(browser.EventClick))
	assert.Equal(t, 1, page.ListenerCount(browser.EventVisibilityChange))
	assert.Equal(t, 1, page.ListenerCount(browser.EventPageHide))
	assert.Equal(t, 1, page.ListenerCount(browser.EventBeforeUnload))
	assert.Equal(t, 1, page.ListenerCount(browser.EventPopState))
}

func TestInit_SecondCallWhileActiveIsNoop(t *testing.T) {
	page := browser.NewPage("https://shop.test/")
	tr, tx := newTestTracker(t, page, testConfig(nil))

	tr.Init(context.Background())
	id := tr.SessionID()
	tr.Init(context.Background())

	assert.Equal(t, id, tr.SessionID())
	assert.Equal(t, 1, tx.count(model.PathSessionStart))
	assert.Equal(t, 1, page.ListenerCount(browser.EventClick))

	tr.End(context.Background(), EndOptions{})
}

func TestInit_SeedSessionIDUsedOnce(t *testing.T) {
	page := browser.NewPage("https://shop.test/")
	tr, _ := newTestTracker(t, page, testConfig(func(c *config.Tracker) { c.SessionID = "seed-1" }))

	tr.Init(context.Background())
	tr.End(context.Background(), EndOptions{})
	require.Equal(t, StateEnded, tr.State())

	tr.Init(context.Background())
	defer tr.End(context.Background(), EndOptions{})

	assert.Equal(t, StateActive, tr.State())
	assert.NotEqual(t, "seed-1", tr.SessionID())
	assert.NotEmpty(t, tr.SessionID())
}

func TestEnd_ConcurrentCallsEndSessionOnce(t *testing.T) {
	page := browser.NewPage("https://shop.test/")
	tr, tx := newTestTracker(t, page, testConfig(nil))
	tr.Init(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.End(context.Background(), EndOptions{})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, tx.count(model.PathSessionEnd))
	assert.Equal(t, int64(1), atomic.LoadInt64(&tr.Metrics().SessionsEndedTotal))
	assert.Equal(t, StateEnded, tr.State())

	end := tx.byPath(model.PathSessionEnd)[0]
	assert.Equal(t, transport.ModeKeepalive, end.mode)
	assert.Equal(t, tr.SessionID(), end.payload.(model.EndSessionRequest).SessionID)

	// 리스너와 history wrapper 가 모두 해제돼야 한다.
	assert.Zero(t, page.ListenerCount(browser.EventClick))
	assert.Zero(t, page.ListenerCount(browser.EventVisibilityChange))
	assert.Zero(t, page.ListenerCount(browser.EventPageHide))
	assert.Zero(t, page.ListenerCount(browser.EventPopState))
	assert.Zero(t, page.ListenerCount(browser.EventHashChange))
}

func TestEnd_WithoutSessionIsNoop(t *testing.T) {
	page := browser.NewPage("https://shop.test/")
	tr, tx := newTestTracker(t, page, testConfig(nil))

	tr.End(context.Background(), EndOptions{WaitForSnapshot: true})

	assert.Equal(t, StateIdle, tr.State())
	assert.Zero(t, tx.count(model.PathSessionEnd))
}

func TestTrack(t *testing.T) {
	page := browser.NewPage("https://shop.test/cart")
	tr, tx := newTestTracker(t, page, testConfig(func(c *config.Tracker) { c.AutoTrack = false }))

	assert.False(t, tr.Track(context.Background(), "before_init", nil, ""), "no session yet")

	tr.Init(context.Background())
	tr.SetUserID("u-9")
	ok := tr.Track(context.Background(), "add_to_cart", map[string]any{"sku": "A-1"}, "")
	require.True(t, ok)

	events := tx.byPath(model.PathEvent)
	require.Len(t, events, 1)
	ev := events[0].payload.(model.ActivityEvent)
	assert.Equal(t, "add_to_cart", ev.Name)
	assert.Equal(t, model.EventTypeCustom, ev.Type)
	assert.Equal(t, "u-9", ev.UserID)
	assert.Equal(t, "A-1", ev.Metadata["sku"])
	assert.Equal(t, "https://shop.test/cart", ev.URL)

	tr.End(context.Background(), EndOptions{})
	assert.False(t, tr.Track(context.Background(), "after_end", nil, ""))
	assert.Equal(t, 1, tx.count(model.PathEvent))
}

func TestClick_SendsEventWithSelector(t *testing.T) {
	page := browser.NewPage("https://shop.test/")
	tr, tx := newTestTracker(t, page, testConfig(nil))
	tr.Init(context.Background())
	defer tr.End(context.Background(), EndOptions{})

	form := &browser.Element{Tag: "form", ID: "checkout"}
	btn := &browser.Element{Tag: "BUTTON", Classes: []string{"btn", "primary"}, Parent: form}
	page.Click(12, 34, btn)
	tr.Wait()

	var click *model.ActivityEvent
	for _, c := range tx.byPath(model.PathEvent) {
		ev := c.payload.(model.ActivityEvent)
		if ev.Type == model.EventTypeClick {
			click = &ev
		}
	}
	require.NotNil(t, click)
	assert.Equal(t, "form#checkout > button.btn.primary", click.Selector)
	require.NotNil(t, click.X)
	require.NotNil(t, click.Y)
	assert.Equal(t, 12.0, *click.X)
	assert.Equal(t, 34.0, *click.Y)
}

func TestRouteChange_SameURLDoesNotRotate(t *testing.T) {
	page := browser.NewPage("https://shop.test/a")
	tr, tx := newTestTracker(t, page, testConfig(nil))
	tr.Init(context.Background())
	defer tr.End(context.Background(), EndOptions{})

	id := tr.SessionID()
	page.Push("/a")
	page.Replace("https://shop.test/a")
	tr.Wait()

	assert.Equal(t, id, tr.SessionID())
	assert.Zero(t, atomic.LoadInt64(&tr.Metrics().RotationsTotal))
	assert.Equal(t, 1, tx.count(model.PathSessionStart))
}

func TestRouteChange_RotatesSession(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	page := browser.NewPage("https://shop.test/a")
	rec := &browser.ScriptedRecorder{Page: page, SnapshotDelay: 0, Interval: 5 * time.Millisecond}
	tr, tx := newTestTracker(t, page, testConfig(func(c *config.Tracker) {
		c.Replay = true
		c.WaitForSnapshot = true
	}), WithRecorder(rec))

	tr.Init(context.Background())
	first := tr.SessionID()

	page.Push("/b")
	tr.Wait()

	second := tr.SessionID()
	assert.NotEqual(t, first, second)
	assert.Equal(t, StateActive, tr.State())
	assert.Equal(t, int64(1), atomic.LoadInt64(&tr.Metrics().RotationsTotal))

	ends := tx.byPath(model.PathSessionEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, first, ends[0].payload.(model.EndSessionRequest).SessionID)

	starts := tx.byPath(model.PathSessionStart)
	require.Len(t, starts, 2)
	assert.Equal(t, "https://shop.test/b", starts[1].payload.(model.StartSessionRequest).EntryURL)

	// 리스너는 중복 등록되지 않고 recorder 는 새 세션용으로 다시 시작된다.
	assert.Equal(t, 1, page.ListenerCount(browser.EventClick))
	assert.Equal(t, 1, page.ListenerCount(browser.EventPopState))
	assert.Equal(t, 2, rec.Starts())
	assert.True(t, rec.Running())

	// 첫 세션의 replay 는 첫 세션 ID 로만 전송된다.
	for _, c := range tx.byPath(model.PathReplay) {
		req := c.payload.(model.ReplayRequest)
		assert.Contains(t, []string{first, second}, req.SessionID)
	}
	var firstDelivered int
	for _, c := range tx.byPath(model.PathReplay) {
		if req := c.payload.(model.ReplayRequest); req.SessionID == first {
			firstDelivered += len(req.Events)
		}
	}
	assert.Positive(t, firstDelivered)

	page.Push("/c")
	tr.Wait()
	assert.Equal(t, int64(2), atomic.LoadInt64(&tr.Metrics().RotationsTotal))

	tr.End(context.Background(), EndOptions{})
	tr.Wait()
	assert.False(t, rec.Running())
	assert.Equal(t, 3, tx.count(model.PathSessionEnd))
}

func TestRouteChange_EndsWhenRestartDisabled(t *testing.T) {
	page := browser.NewPage("https://shop.test/a")
	tr, tx := newTestTracker(t, page, testConfig(func(c *config.Tracker) { c.RestartOnRouteChange = false }))
	tr.Init(context.Background())

	page.Push("/b")
	tr.Wait()

	assert.Equal(t, StateEnded, tr.State())
	assert.Equal(t, 1, tx.count(model.PathSessionEnd))
	assert.Equal(t, 1, tx.count(model.PathSessionStart))
	assert.Zero(t, page.ListenerCount(browser.EventPopState))

	// 원본 pushState 가 복원됐는지: 이후 이동은 아무것도 유발하지 않는다.
	page.Push("/c")
	tr.Wait()
	assert.Equal(t, "https://shop.test/c", page.Href())
	assert.Equal(t, 1, tx.count(model.PathSessionEnd))
	assert.Equal(t, 1, tx.count(model.PathSessionStart))
}

func TestRouteChange_IgnoredWhenDisabled(t *testing.T) {
	page := browser.NewPage("https://shop.test/a")
	tr, tx := newTestTracker(t, page, testConfig(func(c *config.Tracker) { c.EndOnRouteChange = false }))
	tr.Init(context.Background())
	defer tr.End(context.Background(), EndOptions{})

	page.Push("/b")
	page.SetHash("#top")
	tr.Wait()

	assert.Equal(t, StateActive, tr.State())
	assert.Zero(t, tx.count(model.PathSessionEnd))
	assert.Zero(t, page.ListenerCount(browser.EventPopState))
}

func TestEnd_SnapshotWaitBoundedByGrace(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	page := browser.NewPage("https://shop.test/")
	rec := &browser.ScriptedRecorder{Page: page, SnapshotDelay: -1, Interval: 10 * time.Millisecond}
	tr, tx := newTestTracker(t, page, testConfig(func(c *config.Tracker) {
		c.Replay = true
		c.SnapshotGrace = 150 * time.Millisecond
	}), WithRecorder(rec))
	tr.Init(context.Background())

	start := time.Now()
	tr.End(context.Background(), EndOptions{WaitForSnapshot: true})
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, 3*time.Second)
	assert.Equal(t, int64(1), atomic.LoadInt64(&tr.Metrics().SnapshotWaitTimeoutsTotal))
	assert.Equal(t, 1, tx.count(model.PathSessionEnd))
	assert.False(t, rec.Running())
}

func TestEnd_SnapshotWaitResolvesEarly(t *testing.T) {
	page := browser.NewPage("https://shop.test/")
	rec := &browser.ScriptedRecorder{Page: page, SnapshotDelay: 20 * time.Millisecond, Interval: time.Hour}
	tr, tx := newTestTracker(t, page, testConfig(func(c *config.Tracker) {
		c.Replay = true
		c.SnapshotGrace = 10 * time.Second
	}), WithRecorder(rec))
	tr.Init(context.Background())

	start := time.Now()
	tr.End(context.Background(), EndOptions{WaitForSnapshot: true})

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Zero(t, atomic.LoadInt64(&tr.Metrics().SnapshotWaitTimeoutsTotal))

	var types []int
	for _, c := range tx.byPath(model.PathReplay) {
		for _, r := range c.payload.(model.ReplayRequest).Events {
			types = append(types, r.Type)
		}
	}
	assert.Equal(t, []int{browser.RecordTypeMeta, model.RecordTypeFullSnapshot}, types)
}

func TestEnd_UndeliveredReplayGoesToSpool(t *testing.T) {
	page := browser.NewPage("https://shop.test/")
	rec := &browser.ScriptedRecorder{Page: page, SnapshotDelay: 0, Interval: 5 * time.Millisecond}
	spool := &memSpool{}
	tr, tx := newTestTracker(t, page, testConfig(func(c *config.Tracker) { c.Replay = true }),
		WithRecorder(rec), WithSpool(spool))
	tx.failReplay.Store(true)

	tr.Init(context.Background())
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&tr.Metrics().ReplayRecordsBufferedTotal) >= 5
	}, 2*time.Second, 5*time.Millisecond)

	tr.End(context.Background(), EndOptions{WaitForSnapshot: true})

	saved := spool.saved()
	require.Len(t, saved, 1)
	assert.Equal(t, tr.SessionID(), saved[0].SessionID)
	assert.Equal(t, uint64(1), saved[0].FirstSeq())
	assert.Equal(t, atomic.LoadInt64(&tr.Metrics().ReplayRecordsBufferedTotal), int64(len(saved[0].Records)))
	for i, r := range saved[0].Records {
		assert.Equal(t, uint64(i+1), r.Seq)
	}

	assert.Zero(t, tx.count(model.PathReplay))
	assert.Equal(t, 1, tx.count(model.PathSessionEnd), "session end is sent even when replay delivery fails")
}

func TestEnd_SpoolErrorStillEndsSession(t *testing.T) {
	page := browser.NewPage("https://shop.test/")
	rec := &browser.ScriptedRecorder{Page: page, SnapshotDelay: 0, Interval: time.Hour}
	spool := &memSpool{err: errors.New("disk full")}
	tr, tx := newTestTracker(t, page, testConfig(func(c *config.Tracker) { c.Replay = true }),
		WithRecorder(rec), WithSpool(spool))
	tx.failReplay.Store(true)

	tr.Init(context.Background())
	tr.End(context.Background(), EndOptions{WaitForSnapshot: true})

	assert.Equal(t, StateEnded, tr.State())
	assert.Equal(t, 1, tx.count(model.PathSessionEnd))
}

type failingRecorder struct{}

func (failingRecorder) Start(func(model.ReplayRecord)) (func(), error) {
	return nil, errors.New("recorder unavailable")
}

func TestInit_RecorderFailureDisablesReplayOnly(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	page := browser.NewPage("https://shop.test/")
	tr, tx := newTestTracker(t, page, testConfig(func(c *config.Tracker) { c.Replay = true }),
		WithRecorder(failingRecorder{}))

	tr.Init(context.Background())
	assert.Equal(t, StateActive, tr.State())

	start := time.Now()
	tr.End(context.Background(), EndOptions{WaitForSnapshot: true})
	assert.Less(t, time.Since(start), time.Second, "no snapshot wait without a recorder")
	assert.Equal(t, 1, tx.count(model.PathSessionEnd))
}

func TestVisibilityHidden_FlushesReplay(t *testing.T) {
	page := browser.NewPage("https://shop.test/")
	rec := &browser.ScriptedRecorder{Page: page, SnapshotDelay: -1, Interval: time.Hour}
	tr, tx := newTestTracker(t, page, testConfig(func(c *config.Tracker) { c.Replay = true }), WithRecorder(rec))
	tr.Init(context.Background())
	defer tr.End(context.Background(), EndOptions{})

	// meta 레코드가 버퍼에 들어올 때까지 기다린다.
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&tr.Metrics().ReplayRecordsBufferedTotal) >= 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, tx.count(model.PathReplay))

	page.SetHidden(true)

	require.Eventually(t, func() bool {
		return tx.count(model.PathReplay) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, transport.ModeAbortable, tx.byPath(model.PathReplay)[0].mode)
}

func TestUnload_EndsSession(t *testing.T) {
	page := browser.NewPage("https://shop.test/")
	tr, tx := newTestTracker(t, page, testConfig(nil))
	tr.Init(context.Background())

	page.Unload()
	tr.Wait()

	assert.Equal(t, StateEnded, tr.State())
	assert.Equal(t, 1, tx.count(model.PathSessionEnd))
}

func TestUnload_FlushesOnlyWhenEndOnReloadDisabled(t *testing.T) {
	page := browser.NewPage("https://shop.test/")
	tr, tx := newTestTracker(t, page, testConfig(func(c *config.Tracker) { c.EndOnReload = false }))
	tr.Init(context.Background())
	defer tr.End(context.Background(), EndOptions{})

	page.Unload()
	tr.Wait()

	assert.Equal(t, StateActive, tr.State())
	assert.Zero(t, tx.count(model.PathSessionEnd))
}

// gatedStartSender 는 gate 가 걸려 있는 동안 /session/start 를 release 까지 붙잡는다.
type gatedStartSender struct {
	*recordingSender
	gate    atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStartSender) Send(ctx context.Context, path string, payload any, mode transport.Mode) bool {
	if path == model.PathSessionStart && g.gate.Load() {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.recordingSender.Send(ctx, path, payload, mode)
}

func TestUnload_DuringRotationEndsRotatedSession(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	page := browser.NewPage("https://shop.test/a")
	tx := &gatedStartSender{
		recordingSender: &recordingSender{},
		entered:         make(chan struct{}, 1),
		release:         make(chan struct{}),
	}
	tr, err := New(testConfig(nil), page, WithSender(tx), WithLogger(zerolog.Nop()), WithMetrics(metrics.New()))
	require.NoError(t, err)

	tr.Init(context.Background())
	first := tr.SessionID()

	tx.gate.Store(true)
	page.Push("/b")
	<-tx.entered
	second := tr.SessionID()
	require.NotEqual(t, first, second)

	// 새 세션의 /session/start 가 끝나기 전에 pagehide
	page.Unload()
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.endPending
	}, 2*time.Second, 5*time.Millisecond)

	close(tx.release)
	tr.Wait()

	assert.Equal(t, StateEnded, tr.State())
	ends := tx.byPath(model.PathSessionEnd)
	require.Len(t, ends, 2)
	assert.Equal(t, first, ends[0].payload.(model.EndSessionRequest).SessionID)
	assert.Equal(t, second, ends[1].payload.(model.EndSessionRequest).SessionID)
	assert.Zero(t, page.ListenerCount(browser.EventPopState))
}
