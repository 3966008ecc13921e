// internal/browser/recorder.go
package browser

import (
	"fmt"
	"sync"
	"time"

	"github.com/pastorenue/expothesis-sub001/internal/model"
)

// replay 레코드 type (rrweb 호환 번호)
const (
	RecordTypeMeta        = 4
	RecordTypeIncremental = 3
)

// ScriptedRecorder 는 DOM recorder 의 결정적(deterministic) 구현이다.
//
// Start 시점부터:
//  1. meta 레코드 (type 4) 1건
//  2. SnapshotDelay 후 full snapshot (type 2) 1건 (음수면 끝까지 만들지 않는다)
//  3. 이후 Interval 마다 증분 레코드 (type 3)
//
// 실제 recorder 와 마찬가지로 emit 은 recorder 의 goroutine 에서 호출된다.
type ScriptedRecorder struct {
	Page          *Page
	SnapshotDelay time.Duration
	Interval      time.Duration
	PayloadBytes  int // 증분 레코드 본문 크기 (byte ceiling 테스트용)

	mu      sync.Mutex
	starts  int
	running bool
}

// Starts 는 Start 가 호출된 횟수다. (rotation 시 재시작 확인용)
func (r *ScriptedRecorder) Starts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

func (r *ScriptedRecorder) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *ScriptedRecorder) Start(emit func(model.ReplayRecord)) (func(), error) {
	if emit == nil {
		return nil, fmt.Errorf("browser: nil emit callback")
	}

	r.mu.Lock()
	r.starts++
	r.running = true
	r.mu.Unlock()

	stopCh := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		r.run(emit, stopCh)
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(stopCh)
			<-done
			r.mu.Lock()
			r.running = false
			r.mu.Unlock()
		})
	}
	return stop, nil
}

func (r *ScriptedRecorder) run(emit func(model.ReplayRecord), stopCh <-chan struct{}) {
	seq := 0
	href := ""
	if r.Page != nil {
		href = r.Page.Href()
	}

	emitRaw := func(typ int, data string) {
		seq++
		raw := fmt.Sprintf(`{"type":%d,"data":%s,"timestamp":%d}`, typ, data, time.Now().UnixMilli())
		rec, err := model.NewReplayRecord([]byte(raw))
		if err == nil {
			emit(rec)
		}
	}

	emitRaw(RecordTypeMeta, fmt.Sprintf(`{"href":%q,"width":1280,"height":720}`, href))

	var snapshot <-chan time.Time
	if r.SnapshotDelay >= 0 {
		snapshot = time.After(r.SnapshotDelay)
	}

	interval := r.Interval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pad := ""
	if r.PayloadBytes > 0 {
		b := make([]byte, r.PayloadBytes)
		for i := range b {
			b[i] = 'x'
		}
		pad = string(b)
	}

	for {
		select {
		case <-stopCh:
			return
		case <-snapshot:
			snapshot = nil
			emitRaw(model.RecordTypeFullSnapshot, `{"node":{"type":0,"childNodes":[{"type":2,"tagName":"html"}]}}`)
		case <-ticker.C:
			emitRaw(RecordTypeIncremental, fmt.Sprintf(`{"source":0,"seq":%d,"pad":%q}`, seq, pad))
		}
	}
}
