// internal/replay/pipeline.go
package replay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pastorenue/expothesis-sub001/internal/config"
	"github.com/pastorenue/expothesis-sub001/internal/metrics"
	"github.com/pastorenue/expothesis-sub001/internal/model"
	"github.com/pastorenue/expothesis-sub001/internal/transport"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Sender 는 Pipeline 이 필요로 하는 Transport 기능이다.
type Sender interface {
	Send(ctx context.Context, path string, payload any, mode transport.Mode) bool
}

// Pipeline 은 세션 하나의 replay 캡처 → 배치 → 전송 흐름을 제어한다.
//
// 주요 구성:
//   - buf: recorder 가 내보낸 레코드를 쌓는 FIFO
//   - queue: drain 이 끝나 전송을 기다리는 배치들 (FIFO)
//   - deliverLoop: wake 신호 또는 FlushInterval 타이머마다 queue 를 순서대로 전송
//
// flush 규칙:
//   - type 2(full snapshot) 레코드 → 임계치 판단 전에 즉시 flush
//   - len >= BatchSize 또는 bytes >= MaxBatchBytes → flush
//   - FlushInterval 타이머 → 크기와 무관하게 flush
//
// drain 은 항상 mu 아래에서 동기적으로 끝나고, 실제 네트워크 호출은 sendMu 로 직렬화된다.
// 따라서 여러 트리거가 동시에 flush 를 요청해도 배치는 서로 겹치지 않고 순서가 보존된다.
//
// 전송 실패 시 실패한 배치와 그 뒤에 대기 중이던 배치들을 모두 버퍼 앞쪽으로 되돌린다.
// (뒤 배치가 먼저 도착해 순서가 뒤집히는 것을 막기 위함)
type Pipeline struct {
	sessionID string
	cfg       config.Tracker
	tx        Sender
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	mu    sync.Mutex
	buf   *Buffer
	queue []model.ReplayBatch

	sendMu sync.Mutex

	wake     chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
	stopOnce sync.Once
}

// NewPipeline 은 sessionID 에 묶인 Pipeline 을 만든다. Start 전까지 타이머는 돌지 않는다.
func NewPipeline(sessionID string, cfg config.Tracker, tx Sender, m *metrics.Metrics) *Pipeline {
	if m == nil {
		m = metrics.New()
	}
	return &Pipeline{
		sessionID: sessionID,
		cfg:       cfg.WithDefaults(),
		tx:        tx,
		metrics:   m,
		logger:    zlog.Logger.With().Str("component", "replay").Str("session_id", sessionID).Logger(),
		buf:       NewBuffer(),
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// WithLogger 는 Start 이전에만 호출한다.
func (p *Pipeline) WithLogger(l zerolog.Logger) *Pipeline {
	p.logger = l.With().Str("session_id", p.sessionID).Logger()
	return p
}

func (p *Pipeline) SessionID() string {
	return p.sessionID
}

// Start 는 deliverLoop goroutine 을 실행한다. 두 번째 호출부터는 무시.
func (p *Pipeline) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.wg.Add(1)
	go p.deliverLoop()
}

// Stop 은 타이머와 deliverLoop 를 함께 멈춘다.
// 진행 중인 전송은 끝까지 기다리며(최대 ReplayTimeout), 버퍼에 남은 레코드는 건드리지 않는다.
// 남은 레코드는 FlushWait / TakeRemaining 으로 처리한다.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()
}

// Append 는 recorder emit 콜백에서 호출된다.
func (p *Pipeline) Append(rec model.ReplayRecord) {
	p.mu.Lock()
	rec = p.buf.Append(rec)
	atomic.AddInt64(&p.metrics.ReplayRecordsBufferedTotal, 1)

	flush := false
	switch {
	case rec.IsFullSnapshot():
		// 임계치 판단보다 먼저. snapshot 이 다음 배치들보다 늦게 시도되는 일이 없어야 한다.
		flush = true
	case p.buf.Len() >= p.cfg.BatchSize, p.buf.Bytes() >= p.cfg.MaxBatchBytes:
		flush = true
	}
	if flush {
		p.drainLocked()
	}
	p.mu.Unlock()

	if flush {
		p.notify()
	}
}

// Flush 는 현재 버퍼를 배치로 꺼내 전송을 예약한다. 전송 완료를 기다리지 않는다.
// (visibility hidden, 외부 트리거용)
func (p *Pipeline) Flush() {
	p.mu.Lock()
	drained := p.drainLocked()
	p.mu.Unlock()

	if drained {
		p.notify()
	}
}

// FlushWait 는 버퍼를 drain 하고 대기 중인 모든 배치를 호출자 goroutine 에서 전송한다.
// 모두 전달됐으면 true. 실패하면 레코드는 버퍼로 되돌아가 있다.
func (p *Pipeline) FlushWait(ctx context.Context) bool {
	p.mu.Lock()
	p.drainLocked()
	p.mu.Unlock()

	return p.deliver(ctx)
}

// TakeRemaining 은 버퍼와 큐에 남은 레코드를 순서대로 모두 꺼낸다.
// 세션이 끝났는데도 전달하지 못한 레코드를 spool 로 넘길 때 사용.
func (p *Pipeline) TakeRemaining() model.ReplayBatch {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []model.ReplayRecord
	for _, b := range p.queue {
		out = append(out, b.Records...)
	}
	p.queue = nil
	out = append(out, p.buf.Drain()...)

	return model.ReplayBatch{SessionID: p.sessionID, Records: out}
}

// Len 은 아직 drain 되지 않은 버퍼 길이다.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Len()
}

// Pending 은 버퍼 + 전송 대기 배치의 레코드 총수다.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.buf.Len()
	for _, b := range p.queue {
		n += len(b.Records)
	}
	return n
}

// SnapshotSeen 은 이 세션에서 full snapshot 레코드를 받은 적이 있는지 반환한다.
func (p *Pipeline) SnapshotSeen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.SnapshotSeen()
}

// drainLocked 는 mu 를 잡은 상태에서만 호출한다.
func (p *Pipeline) drainLocked() bool {
	recs := p.buf.Drain()
	if len(recs) == 0 {
		return false
	}
	p.queue = append(p.queue, model.ReplayBatch{SessionID: p.sessionID, Records: recs})
	return true
}

func (p *Pipeline) notify() {
	select {
	case p.wake <- struct{}{}:
	default:
		// 이미 깨워둔 상태
	}
}

// deliverLoop 는 wake 신호 또는 타이머마다 queue 를 비운다.
// 실패 후에는 다음 트리거(타이머/flush)까지 재시도하지 않는다.
func (p *Pipeline) deliverLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return

		case <-p.wake:
			p.deliver(context.Background())

		case <-ticker.C:
			// FlushInterval 도달 → 크기와 무관하게 flush
			p.mu.Lock()
			p.drainLocked()
			p.mu.Unlock()
			p.deliver(context.Background())
		}
	}
}

// deliver 는 queue 의 배치를 앞에서부터 하나씩 보낸다.
// sendMu 로 직렬화되므로 동시에 두 배치가 날아가지 않는다.
func (p *Pipeline) deliver(ctx context.Context) bool {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return true
		}
		batch := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		if p.tx.Send(ctx, model.PathReplay, model.NewReplayRequest(batch), transport.ModeAbortable) {
			atomic.AddInt64(&p.metrics.ReplayBatchesSentTotal, 1)
			atomic.AddInt64(&p.metrics.ReplayRecordsDeliveredTotal, int64(len(batch.Records)))
			continue
		}

		// 실패 → 실패 배치 + 뒤에 대기 중이던 배치를 순서대로 버퍼 앞에 되돌린다.
		p.mu.Lock()
		requeue := make([]model.ReplayRecord, 0, len(batch.Records))
		requeue = append(requeue, batch.Records...)
		for _, b := range p.queue {
			requeue = append(requeue, b.Records...)
		}
		p.queue = nil
		p.buf.Prepend(requeue)
		buffered := p.buf.Len()
		p.mu.Unlock()

		atomic.AddInt64(&p.metrics.ReplayBatchesFailedTotal, 1)
		atomic.AddInt64(&p.metrics.ReplayRecordsRequeuedTotal, int64(len(requeue)))

		p.logger.Warn().
			Int("records", len(batch.Records)).
			Int("requeued", len(requeue)).
			Int("buffered", buffered).
			Uint64("first_seq", batch.FirstSeq()).
			Msg("replay batch delivery failed, requeued")
		return false
	}
}
