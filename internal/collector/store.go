package collector

import (
	"sort"
	"sync"
	"time"

	"github.com/pastorenue/expothesis-sub001/internal/model"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// SessionView 는 조회 API 가 돌려주는 세션 한 건이다.
type SessionView struct {
	SessionID         string         `json:"session_id"`
	UserID            string         `json:"user_id,omitempty"`
	EntryURL          string         `json:"entry_url"`
	Referrer          string         `json:"referrer,omitempty"`
	UserAgent         string         `json:"user_agent,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	StartedAt         time.Time      `json:"started_at"`
	EndedAt           *time.Time     `json:"ended_at,omitempty"`
	DurationSeconds   *int64         `json:"duration_seconds,omitempty"`
	ClicksCount       int            `json:"clicks_count"`
	ReplayEventsCount int            `json:"replay_events_count"`
}

// StoredEvent 는 수집기가 ID 를 붙여 보관한 Activity Event 다.
type StoredEvent struct {
	EventID string `json:"event_id"`
	model.ActivityEvent
}

// StoredReplay 는 세션 내 sequence 가 붙은 replay 레코드다.
type StoredReplay struct {
	SessionID string          `json:"session_id"`
	Sequence  uint64          `json:"sequence"`
	Event     json.RawMessage `json:"event"`
}

type replayLog struct {
	records []StoredReplay
	seen    map[uint64]struct{}
	next    uint64 // first_seq 없이 들어온 업로드에 부여할 다음 sequence
}

// Store 는 collector 의 in-memory 저장소다.
// 프로세스 재시작 시 모두 사라진다.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*SessionView
	events   map[string][]StoredEvent
	replays  map[string]*replayLog
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*SessionView),
		events:   make(map[string][]StoredEvent),
		replays:  make(map[string]*replayLog),
		now:      time.Now,
	}
}

// StartSession 은 세션을 기록한다. session_id 가 비어 있으면 새로 만든다.
// 같은 ID 로 다시 시작하면 시작 정보만 덮어쓴다.
func (s *Store) StartSession(req model.StartSessionRequest) SessionView {
	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess := &SessionView{
		SessionID: id,
		UserID:    req.UserID,
		EntryURL:  req.EntryURL,
		Referrer:  req.Referrer,
		UserAgent: req.UserAgent,
		Metadata:  req.Metadata,
		StartedAt: s.now().UTC(),
	}
	s.sessions[id] = sess
	return s.viewLocked(sess)
}

// EndSession 은 종료 시각과 duration 을 기록한다.
// 시작 기록이 없는 세션이면 duration 0 인 세션을 새로 만든다.
func (s *Store) EndSession(req model.EndSessionRequest) SessionView {
	endedAt := req.EndedAt.UTC()
	if req.EndedAt.IsZero() {
		endedAt = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[req.SessionID]
	if !ok {
		sess = &SessionView{SessionID: req.SessionID, StartedAt: endedAt}
		s.sessions[req.SessionID] = sess
	}

	dur := int64(endedAt.Sub(sess.StartedAt) / time.Second)
	if dur < 0 {
		dur = 0
	}
	sess.EndedAt = &endedAt
	sess.DurationSeconds = &dur
	return s.viewLocked(sess)
}

// AddEvent 는 이벤트에 ID 를 붙여 보관한다. timestamp 가 없으면 수신 시각.
func (s *Store) AddEvent(ev model.ActivityEvent) StoredEvent {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now().UTC()
	}
	stored := StoredEvent{EventID: uuid.NewString(), ActivityEvent: ev}

	s.mu.Lock()
	s.events[ev.SessionID] = append(s.events[ev.SessionID], stored)
	s.mu.Unlock()
	return stored
}

// AppendReplay 는 replay 업로드를 보관하고 (sequence_start, 중복으로 버린 수)를 반환한다.
//
// first_seq 가 있으면 레코드 i 의 sequence 는 first_seq+i 이고, 이미 본 sequence 는 버린다.
// (실패 후 재전송된 배치가 두 번 저장되지 않도록)
// first_seq 가 0 이면 세션의 다음 sequence 부터 순서대로 부여한다.
func (s *Store) AppendReplay(req model.ReplayRequest) (uint64, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rl, ok := s.replays[req.SessionID]
	if !ok {
		rl = &replayLog{seen: make(map[uint64]struct{}), next: 1}
		s.replays[req.SessionID] = rl
	}

	start := req.FirstSeq
	if start == 0 {
		start = rl.next
	}

	dup := 0
	outOfOrder := false
	for i, rec := range req.Events {
		seq := start + uint64(i)
		if _, ok := rl.seen[seq]; ok {
			dup++
			continue
		}
		if n := len(rl.records); n > 0 && rl.records[n-1].Sequence > seq {
			outOfOrder = true
		}
		rl.seen[seq] = struct{}{}
		rl.records = append(rl.records, StoredReplay{
			SessionID: req.SessionID,
			Sequence:  seq,
			Event:     append(json.RawMessage(nil), rec.Raw...),
		})
		if seq >= rl.next {
			rl.next = seq + 1
		}
	}

	if outOfOrder {
		sort.Slice(rl.records, func(i, j int) bool {
			return rl.records[i].Sequence < rl.records[j].Sequence
		})
	}
	return start, dup
}

// ListSessions 는 started_at 내림차순으로 페이지를 돌려준다.
func (s *Store) ListSessions(limit, offset int) ([]SessionView, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]SessionView, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, s.viewLocked(sess))
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].StartedAt.Equal(all[j].StartedAt) {
			return all[i].SessionID < all[j].SessionID
		}
		return all[i].StartedAt.After(all[j].StartedAt)
	})

	return page(all, limit, offset), len(all)
}

// Session 은 세션 한 건을 조회한다.
func (s *Store) Session(id string) (SessionView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return SessionView{}, false
	}
	return s.viewLocked(sess), true
}

// Replay 는 sequence 오름차순으로 레코드 페이지를 돌려준다.
func (s *Store) Replay(sessionID string, limit, offset int) []StoredReplay {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rl, ok := s.replays[sessionID]
	if !ok {
		return []StoredReplay{}
	}
	return page(append([]StoredReplay(nil), rl.records...), limit, offset)
}

// Events 는 세션의 이벤트를 시각 순으로 돌려준다. eventType 이 비어 있으면 전부.
func (s *Store) Events(sessionID, eventType string, limit int) []StoredEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]StoredEvent, 0, len(s.events[sessionID]))
	for _, ev := range s.events[sessionID] {
		if eventType != "" && ev.Type != eventType {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return page(out, limit, 0)
}

// viewLocked 는 집계 필드를 채운 복사본을 만든다.
func (s *Store) viewLocked(sess *SessionView) SessionView {
	v := *sess
	v.ClicksCount = 0
	for _, ev := range s.events[sess.SessionID] {
		if ev.Type == model.EventTypeClick {
			v.ClicksCount++
		}
	}
	if rl, ok := s.replays[sess.SessionID]; ok {
		v.ReplayEventsCount = len(rl.records)
	}
	return v
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
