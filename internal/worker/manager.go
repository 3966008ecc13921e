// internal/worker/manager.go
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/pastorenue/expothesis-sub001/internal/model"

	"github.com/rs/zerolog"
)

// 한 번 깨어날 때 처리할 최대 spool 파일 수. (starvation 방지)
const filesPerRound = 3

// DefaultPollInterval 은 새 Save 가 없을 때 spool 을 다시 훑는 주기다.
const DefaultPollInterval = 2 * time.Second

// Manager는 spool 재전송 파이프라인이다.
//
// 주요 구성:
//   - Save: 세션 종료 경로(tracker)가 미전달 레코드를 넘기는 입구. 저장 후 drainLoop 를 깨운다.
//   - drainLoop: wake 신호 또는 PollInterval 마다 가장 오래된 파일부터 최대 3개씩 처리
//
// Manager는 graceful shutdown을 지원하며, 진행 중인 재전송이 끝나야 종료된다.
// 종료 시 남은 파일은 디스크에 그대로 두고, 다음 프로세스가 NewSpool 에서 이어받는다.
type Manager struct {
	spool        *Spool
	pollInterval time.Duration
	logger       zerolog.Logger

	wake chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewManager 는 spool 위에 재전송 루프를 구성한다. pollInterval <= 0 이면 DefaultPollInterval.
func NewManager(s *Spool, pollInterval time.Duration) *Manager {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		spool:        s,
		pollInterval: pollInterval,
		logger:       s.logger.With().Str("component", "spool-manager").Logger(),
		wake:         make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Spool 은 내부 Spool 이다.
func (m *Manager) Spool() *Spool {
	return m.spool
}

// Start 는 drainLoop goroutine 을 실행한다. 두 번째 호출부터는 무시.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.drainLoop()
	})
}

// Shutdown 은 drainLoop 를 멈추고 종료될 때까지 대기한다.
// 진행 중인 재전송 요청은 ctx 취소로 중단된다.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		m.cancel()
	})
	m.wg.Wait()
}

// Save 는 tracker.Spooler 구현이다. 저장 후 재전송 루프를 깨운다.
func (m *Manager) Save(batch model.ReplayBatch) error {
	if err := m.spool.Save(batch); err != nil {
		return err
	}
	m.notify()
	return nil
}

// Nudge 는 즉시 한 라운드 처리하도록 루프를 깨운다. (수집기 복구 직후 등)
func (m *Manager) Nudge() {
	m.notify()
}

func (m *Manager) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// drainLoop 는 wake 또는 ticker 마다 spool 파일을 처리한다.
// 재전송이 실패하면 해당 라운드를 끝내고 다음 주기까지 기다린다.
func (m *Manager) drainLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info().Msg("spool manager exiting")
			return
		case <-m.wake:
		case <-ticker.C:
		}

		done := 0
		for done < filesPerRound && m.spool.ProcessOneCtx(m.ctx) {
			done++
		}

		// 한 라운드를 꽉 채웠으면 밀린 파일이 더 있을 수 있다.
		if done == filesPerRound && m.spool.pickOldest() != "" {
			select {
			case <-m.ctx.Done():
			case <-time.After(50 * time.Millisecond):
				m.notify()
			}
		}
	}
}
