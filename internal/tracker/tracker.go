// internal/tracker/tracker.go
package tracker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pastorenue/expothesis-sub001/internal/browser"
	"github.com/pastorenue/expothesis-sub001/internal/config"
	"github.com/pastorenue/expothesis-sub001/internal/metrics"
	"github.com/pastorenue/expothesis-sub001/internal/model"
	"github.com/pastorenue/expothesis-sub001/internal/navigation"
	"github.com/pastorenue/expothesis-sub001/internal/replay"
	"github.com/pastorenue/expothesis-sub001/internal/transport"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Recorder 는 DOM-mutation recorder 기능이다.
// emit 은 recorder 의 goroutine 에서 호출될 수 있다.
type Recorder interface {
	Start(emit func(model.ReplayRecord)) (stop func(), err error)
}

// Spooler 는 세션 종료 시점까지 전달하지 못한 replay 레코드를 넘겨받는다.
type Spooler interface {
	Save(batch model.ReplayBatch) error
}

// State 는 Lifecycle Manager 의 상태다.
//
//	Idle → Active → Ending → (Ended | Active')
type State int

const (
	StateIdle State = iota
	StateActive
	StateEnding
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	default:
		return "idle"
	}
}

// EndOptions 는 End 호출 옵션이다.
type EndOptions struct {
	// WaitForSnapshot 이 true 면 full snapshot 을 최대 SnapshotGrace 동안 기다린 뒤 종료한다.
	WaitForSnapshot bool
}

// Tracker 는 Session Lifecycle Manager 다.
//
// 세션 시작/교체(rotation)/종료 상태 머신을 소유하고, 아래 구성 요소를 조율한다.
//   - Transport: session/start, session/end, event 전송
//   - replay.Pipeline: 세션별 replay 버퍼 + flush 타이머
//   - navigation.Interceptor: 앱 내 라우트 변경 감지 → rotation
//   - 페이지 리스너: click, visibilitychange, pagehide/beforeunload
//
// 공개 메서드는 호스트 애플리케이션에 에러를 올리지 않는다. 실패는 Warn 로그로만 남는다.
type Tracker struct {
	cfg      config.Tracker
	win      browser.Window
	recorder Recorder
	tx       replay.Sender
	spool    Spooler
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time

	nav *navigation.Interceptor

	mu       sync.Mutex
	state    State
	busy     bool // Init 또는 종료 시퀀스 진행 중
	rotating bool // busy 가 rotation 때문에 잡혀 있음
	seedUsed bool
	session  *model.Session
	userID   string

	// rotation 중에 들어온 End. rotation 이 새 세션을 시작한 뒤 이어서 처리한다.
	endPending     bool
	endPendingWait bool

	pipe         *replay.Pipeline
	snapshot     *replay.Signal
	stopRecorder func()

	unbindClick      func()
	unbindVisibility func()
	unbindUnload     []func()

	// rotation 은 라우트 변경마다 하나씩 순서대로 처리한다.
	rotateMu sync.Mutex

	// 리스너에서 떼어낸 백그라운드 작업 (클릭 전송, unload 종료)
	bg sync.WaitGroup
}

// Option 은 New 옵션이다.
type Option func(*Tracker)

func WithRecorder(r Recorder) Option { return func(t *Tracker) { t.recorder = r } }

func WithSender(s replay.Sender) Option { return func(t *Tracker) { t.tx = s } }

// WithSpool 은 종료 시 전달하지 못한 replay 레코드를 받을 Spooler 를 지정한다.
// 지정하지 않으면 해당 레코드는 Warn 로그와 함께 버려진다.
func WithSpool(s Spooler) Option { return func(t *Tracker) { t.spool = s } }

func WithMetrics(m *metrics.Metrics) Option { return func(t *Tracker) { t.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(t *Tracker) { t.logger = l } }

func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

// New 는 옵션을 검증하고 Tracker 를 만든다. 세션은 Init 전까지 시작되지 않는다.
// Sender 를 주지 않으면 cfg 로 transport.Client 를 만든다.
func New(cfg config.Tracker, win browser.Window, opts ...Option) (*Tracker, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("tracker.New: %w", err)
	}
	if win == nil {
		return nil, fmt.Errorf("tracker.New: nil window")
	}

	t := &Tracker{
		cfg:    cfg,
		win:    win,
		userID: cfg.UserID,
		logger: zlog.Logger.With().Str("component", "tracker").Logger(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	if t.metrics == nil {
		t.metrics = metrics.New()
	}
	if t.tx == nil {
		t.tx = transport.New(cfg, nil).WithLogger(t.logger)
	}
	t.nav = navigation.New(win, t.handleRouteChange)

	return t, nil
}

// ------------------------------------------------------------
// 공개 API
// ------------------------------------------------------------

// Init 은 세션을 시작한다.
//   - 세션 ID 생성(또는 seed 사용) → /session/start
//   - AutoTrack: pageview 이벤트 + click 리스너
//   - Replay: recorder 시작 + snapshot 신호 arm
//   - visibility / unload 리스너, navigation interceptor 등록
//
// 종료가 진행 중이면(busy) 무시하고, 이미 Active 면 아무것도 하지 않는다.
func (t *Tracker) Init(ctx context.Context) {
	t.mu.Lock()
	if t.busy {
		t.mu.Unlock()
		t.logger.Debug().Msg("init ignored: lifecycle transition in progress")
		return
	}
	if t.state == StateActive {
		t.mu.Unlock()
		return
	}
	t.busy = true
	sess := t.newSessionLocked()
	t.mu.Unlock()

	t.startSession(ctx, sess, true)

	t.mu.Lock()
	t.busy = false
	t.mu.Unlock()
}

// End 는 현재 세션을 종료한다. 진행 중인 종료가 있으면 바로 반환한다.
// 세션 ID 당 /session/end 는 정확히 한 번만 나간다.
func (t *Tracker) End(ctx context.Context, opts EndOptions) {
	t.endSession(ctx, opts.WaitForSnapshot, false)
}

// Track 은 custom Activity Event 를 즉시 전송한다.
// 세션이 없거나 End 가 완전히 끝난 뒤에는 false.
func (t *Tracker) Track(ctx context.Context, name string, metadata map[string]any, eventType string) bool {
	if eventType == "" {
		eventType = model.EventTypeCustom
	}

	t.mu.Lock()
	if t.session == nil || t.state == StateEnded || t.state == StateIdle {
		t.mu.Unlock()
		return false
	}
	ev := t.newEventLocked(name, eventType)
	t.mu.Unlock()

	ev.Metadata = metadata
	return t.sendEvent(ctx, ev)
}

// SetUserID 는 이후의 이벤트/세션에 붙을 사용자 ID 를 바꾼다.
func (t *Tracker) SetUserID(id string) {
	t.mu.Lock()
	t.userID = id
	if t.session != nil && t.session.Live() {
		t.session.UserID = id
	}
	t.mu.Unlock()
}

// SessionID 는 현재(또는 마지막) 세션 ID 다.
func (t *Tracker) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return ""
	}
	return t.session.ID
}

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Flush 는 replay 버퍼를 즉시 flush 한다. (전달을 기다리지 않는다)
func (t *Tracker) Flush() {
	t.mu.Lock()
	pipe := t.pipe
	t.mu.Unlock()

	if pipe != nil {
		pipe.Flush()
	}
}

// Wait 은 리스너에서 떼어낸 백그라운드 작업(rotation, 클릭 전송, unload 종료)이 끝날 때까지 기다린다.
func (t *Tracker) Wait() {
	t.nav.Wait()
	t.bg.Wait()
}

// Metrics 는 이 Tracker 의 카운터다.
func (t *Tracker) Metrics() *metrics.Metrics {
	return t.metrics
}

// ------------------------------------------------------------
// 세션 시작 / 종료
// ------------------------------------------------------------

func (t *Tracker) newSessionLocked() *model.Session {
	id := uuid.NewString()
	if !t.seedUsed && t.cfg.SessionID != "" {
		id = t.cfg.SessionID
	}
	// seed 는 첫 세션에만 쓴다. 종료된 ID 는 재사용하지 않는다.
	t.seedUsed = true

	w, h := t.win.Viewport()
	sess := &model.Session{
		ID:        id,
		UserID:    t.userID,
		EntryURL:  t.win.Href(),
		Referrer:  t.win.Referrer(),
		UserAgent: t.win.UserAgent(),
		Metadata: map[string]any{
			"viewport": map[string]int{"width": w, "height": h},
			"locale":   t.win.Locale(),
			"timezone": t.win.Timezone(),
		},
		StartedAt: t.now().UTC(),
	}
	t.session = sess
	t.state = StateActive
	return sess
}

// startSession 은 sess 를 수집기에 알리고 캡처를 시작한다.
// bindListeners 가 false 면 rotation 이므로 기존 리스너를 재사용한다.
func (t *Tracker) startSession(ctx context.Context, sess *model.Session, bindListeners bool) {
	log := t.logger.With().Str("session_id", sess.ID).Logger()

	if !t.tx.Send(ctx, model.PathSessionStart, model.NewStartSessionRequest(sess), transport.ModeDefault) {
		log.Warn().Msg("session start not acknowledged")
	}
	atomic.AddInt64(&t.metrics.SessionsStartedTotal, 1)

	if t.cfg.AutoTrack {
		t.mu.Lock()
		ev := t.newEventLocked(model.EventTypePageview, model.EventTypePageview)
		t.mu.Unlock()
		t.sendEvent(ctx, ev)

		if bindListeners {
			t.bindClick()
		}
	}

	if t.cfg.Replay && t.recorder != nil {
		t.startReplay(sess.ID)
	}

	if bindListeners {
		t.bindVisibility()
		t.bindUnload()
		if t.cfg.EndOnRouteChange {
			t.nav.Bind()
		}
	}

	log.Info().Str("entry_url", sess.EntryURL).Msg("session started")
}

// startReplay 는 세션 전용 Pipeline 을 만들고 recorder 를 (재)시작한다.
func (t *Tracker) startReplay(sessionID string) {
	pipe := replay.NewPipeline(sessionID, t.cfg, t.tx, t.metrics).WithLogger(t.logger)
	pipe.Start()
	sig := replay.NewSignal()

	emit := func(rec model.ReplayRecord) {
		pipe.Append(rec)
		if rec.IsFullSnapshot() {
			sig.Resolve()
		}
	}

	stop, err := t.recorder.Start(emit)
	if err != nil {
		// recorder 부재: replay 없이 계속 진행
		t.logger.Warn().Err(err).Str("session_id", sessionID).Msg("recorder start failed, replay disabled for session")
		pipe.Stop()
		return
	}

	t.mu.Lock()
	t.pipe = pipe
	t.snapshot = sig
	t.stopRecorder = stop
	t.mu.Unlock()
}

// endSession 은 종료 시퀀스다. 실제로 종료를 수행했으면 true.
//
//  1. (옵션) full snapshot 대기 (grace period 와 경쟁)
//  2. recorder 정지
//  3. 리스너 해제 (rotation 이면 유지)
//  4. replay flush (실패분은 spool 로)
//  5. /session/end (keepalive)
//
// rotating 이면 busy 를 풀지 않는다. 호출자가 새 세션을 시작한 뒤 푼다.
// 그 사이 들어온 End(pagehide 등)는 버리지 않고 endPending 으로 남긴다.
func (t *Tracker) endSession(ctx context.Context, waitSnapshot, rotating bool) bool {
	t.mu.Lock()
	if t.busy && t.rotating && !rotating {
		t.endPending = true
		t.endPendingWait = t.endPendingWait || waitSnapshot
		t.mu.Unlock()
		t.logger.Debug().Msg("end deferred until rotation completes")
		return false
	}
	if t.busy || t.state != StateActive || t.session == nil {
		t.mu.Unlock()
		return false
	}
	t.busy = true
	t.rotating = rotating
	t.state = StateEnding
	sess := t.session
	pipe := t.pipe
	sig := t.snapshot
	stopRecorder := t.stopRecorder
	t.pipe = nil
	t.snapshot = nil
	t.stopRecorder = nil
	t.mu.Unlock()

	log := t.logger.With().Str("session_id", sess.ID).Logger()

	if waitSnapshot && sig != nil {
		if !sig.Wait(ctx, t.cfg.SnapshotGrace) {
			atomic.AddInt64(&t.metrics.SnapshotWaitTimeoutsTotal, 1)
			log.Warn().Dur("grace", t.cfg.SnapshotGrace).Msg("full snapshot not produced before end, proceeding")
		}
	}

	if stopRecorder != nil {
		stopRecorder()
	}

	if !rotating {
		t.releaseListeners()
	}

	// 페이지가 내려가는 중이어도 flush 는 끝까지 시도한다. (각 배치는 ReplayTimeout 으로 제한)
	durable := context.WithoutCancel(ctx)
	if pipe != nil {
		pipe.Stop()
		if !pipe.FlushWait(durable) {
			t.spoolRemaining(pipe.TakeRemaining())
		}
	}

	endedAt := t.now().UTC()
	if !t.tx.Send(durable, model.PathSessionEnd, model.EndSessionRequest{SessionID: sess.ID, EndedAt: endedAt}, transport.ModeKeepalive) {
		log.Warn().Msg("session end not acknowledged")
	}
	atomic.AddInt64(&t.metrics.SessionsEndedTotal, 1)

	t.mu.Lock()
	sess.EndedAt = endedAt
	if !rotating {
		t.state = StateEnded
		t.busy = false
	}
	t.mu.Unlock()

	log.Info().Bool("rotating", rotating).Msg("session ended")
	return true
}

func (t *Tracker) spoolRemaining(batch model.ReplayBatch) {
	if len(batch.Records) == 0 {
		return
	}
	log := t.logger.With().Str("session_id", batch.SessionID).Int("records", len(batch.Records)).Logger()

	if t.spool == nil {
		log.Warn().Msg("replay records undelivered at session end, dropped")
		return
	}
	if err := t.spool.Save(batch); err != nil {
		log.Warn().Err(err).Msg("replay spool save failed, dropped")
		return
	}
	log.Info().Msg("replay records spooled for redelivery")
}

// ------------------------------------------------------------
// rotation / 페이지 리스너
// ------------------------------------------------------------

// handleRouteChange 는 navigation interceptor 가 별도 goroutine 에서 호출한다.
func (t *Tracker) handleRouteChange(from, to string) {
	t.rotateMu.Lock()
	defer t.rotateMu.Unlock()

	ctx := context.Background()

	if !t.cfg.RestartOnRouteChange {
		t.End(ctx, EndOptions{WaitForSnapshot: t.cfg.WaitForSnapshot})
		return
	}

	if !t.endSession(ctx, t.cfg.WaitForSnapshot, true) {
		return
	}
	atomic.AddInt64(&t.metrics.RotationsTotal, 1)

	t.mu.Lock()
	sess := t.newSessionLocked()
	t.mu.Unlock()

	t.logger.Debug().Str("from", from).Str("to", to).Str("session_id", sess.ID).Msg("route changed, rotating session")
	t.startSession(ctx, sess, false)

	t.mu.Lock()
	t.busy = false
	t.rotating = false
	pending, wait := t.endPending, t.endPendingWait
	t.endPending = false
	t.endPendingWait = false
	t.mu.Unlock()

	if pending {
		t.endSession(ctx, wait, false)
	}
}

func (t *Tracker) bindClick() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.unbindClick != nil {
		return
	}
	t.unbindClick = t.win.AddEventListener(browser.EventClick, t.handleClick)
}

func (t *Tracker) bindVisibility() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.unbindVisibility != nil {
		return
	}
	t.unbindVisibility = t.win.AddEventListener(browser.EventVisibilityChange, func(ev browser.Event) {
		// 탭이 가려지면 즉시 flush. unload 가 안정적으로 오지 않는 경우를 대비.
		if ev.Hidden {
			t.Flush()
		}
	})
}

func (t *Tracker) bindUnload() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.unbindUnload != nil {
		return
	}
	t.unbindUnload = []func(){
		t.win.AddEventListener(browser.EventPageHide, t.handleUnload),
		t.win.AddEventListener(browser.EventBeforeUnload, t.handleUnload),
	}
}

func (t *Tracker) releaseListeners() {
	t.mu.Lock()
	click := t.unbindClick
	visibility := t.unbindVisibility
	unload := t.unbindUnload
	t.unbindClick = nil
	t.unbindVisibility = nil
	t.unbindUnload = nil
	t.mu.Unlock()

	if click != nil {
		click()
	}
	if visibility != nil {
		visibility()
	}
	for _, remove := range unload {
		remove()
	}
	t.nav.Unbind()
}

func (t *Tracker) handleClick(ev browser.Event) {
	t.mu.Lock()
	if t.session == nil || t.state == StateEnded {
		t.mu.Unlock()
		return
	}
	out := t.newEventLocked(model.EventTypeClick, model.EventTypeClick)
	t.mu.Unlock()

	x, y := ev.X, ev.Y
	out.X = &x
	out.Y = &y
	out.Selector = Selector(ev.Target)

	t.bg.Add(1)
	go func() {
		defer t.bg.Done()
		t.sendEvent(context.Background(), out)
	}()
}

func (t *Tracker) handleUnload(browser.Event) {
	if !t.cfg.EndOnReload {
		t.Flush()
		return
	}

	t.bg.Add(1)
	go func() {
		defer t.bg.Done()
		t.End(context.Background(), EndOptions{WaitForSnapshot: t.cfg.WaitForSnapshot})
	}()
}

// ------------------------------------------------------------
// Activity Event
// ------------------------------------------------------------

func (t *Tracker) newEventLocked(name, eventType string) model.ActivityEvent {
	return model.ActivityEvent{
		SessionID: t.session.ID,
		UserID:    t.userID,
		Name:      name,
		Type:      eventType,
		URL:       t.win.Href(),
		Timestamp: t.now().UTC(),
	}
}

func (t *Tracker) sendEvent(ctx context.Context, ev model.ActivityEvent) bool {
	if t.tx.Send(ctx, model.PathEvent, ev, transport.ModeDefault) {
		atomic.AddInt64(&t.metrics.EventsSentTotal, 1)
		return true
	}
	atomic.AddInt64(&t.metrics.EventsFailedTotal, 1)
	return false
}
