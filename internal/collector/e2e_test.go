package collector_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pastorenue/expothesis-sub001/internal/browser"
	"github.com/pastorenue/expothesis-sub001/internal/collector"
	"github.com/pastorenue/expothesis-sub001/internal/config"
	"github.com/pastorenue/expothesis-sub001/internal/metrics"
	"github.com/pastorenue/expothesis-sub001/internal/model"
	"github.com/pastorenue/expothesis-sub001/internal/tracker"
	"github.com/pastorenue/expothesis-sub001/internal/transport"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 실제 transport 로 collector 에 붙여 세션 2개(rotation)를 끝까지 흘려본다.
func TestTrackerToCollector_RotationKeepsReplayPerSession(t *testing.T) {
	cfg := config.Config{
		MaxBodySize: 10 << 20,
		CORSOrigins: []string{"*"},
		APIKey:      "secret",
		Tracker:     config.DefaultTracker(),
	}
	h := collector.NewHandler(cfg, metrics.New(), nil).WithLogger(zerolog.Nop())
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	tcfg := config.DefaultTracker()
	tcfg.Endpoint = srv.URL + "/track"
	tcfg.APIKey = "secret"
	tcfg.FlushInterval = 50 * time.Millisecond
	tcfg.WaitForSnapshot = true
	tcfg.SnapshotGrace = time.Second

	page := browser.NewPage("https://shop.test/home")
	rec := &browser.ScriptedRecorder{Page: page, SnapshotDelay: 10 * time.Millisecond, Interval: 15 * time.Millisecond}
	tx := transport.New(tcfg, nil).WithLogger(zerolog.Nop())

	tr, err := tracker.New(tcfg, page,
		tracker.WithRecorder(rec),
		tracker.WithSender(tx),
		tracker.WithLogger(zerolog.Nop()),
	)
	require.NoError(t, err)

	tr.Init(context.Background())
	first := tr.SessionID()

	page.Click(10, 20, &browser.Element{Tag: "button", ID: "buy"})
	time.Sleep(120 * time.Millisecond)

	page.Push("/checkout")
	tr.Wait()
	second := tr.SessionID()
	require.NotEqual(t, first, second)

	time.Sleep(80 * time.Millisecond)
	tr.End(context.Background(), tracker.EndOptions{WaitForSnapshot: true})
	tr.Wait()
	assert.Equal(t, tracker.StateEnded, tr.State())

	store := h.Store()
	sessions, total := store.ListSessions(0, 0)
	assert.Equal(t, 2, total)
	for _, s := range sessions {
		assert.NotNil(t, s.EndedAt, "session %s ended", s.SessionID)
	}

	firstView, ok := store.Session(first)
	require.True(t, ok)
	assert.Equal(t, "https://shop.test/home", firstView.EntryURL)
	assert.Equal(t, 1, firstView.ClicksCount)

	secondView, ok := store.Session(second)
	require.True(t, ok)
	assert.Equal(t, "https://shop.test/checkout", secondView.EntryURL)

	for _, id := range []string{first, second} {
		replay := store.Replay(id, 0, 0)
		require.NotEmpty(t, replay, "session %s has replay", id)

		snapshot := false
		for i, r := range replay {
			assert.Equal(t, uint64(i+1), r.Sequence, "contiguous sequence in %s", id)
			var head struct {
				Type int `json:"type"`
			}
			require.NoError(t, json.Unmarshal(r.Event, &head))
			if head.Type == model.RecordTypeFullSnapshot {
				snapshot = true
			}
		}
		assert.True(t, snapshot, "session %s contains a full snapshot", id)
	}

	pageviews := store.Events(first, model.EventTypePageview, 0)
	assert.Len(t, pageviews, 1)
}
