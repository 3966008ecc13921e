// internal/replay/signal.go
package replay

import (
	"context"
	"sync"
	"time"
)

// Signal 은 한 번만 완료되는 신호다. ("snapshot pending")
// Resolve 는 여러 번 호출돼도 첫 호출만 효과가 있다.
type Signal struct {
	once sync.Once
	done chan struct{}
}

func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Resolve 는 신호를 완료시킨다. 이번 호출이 실제로 완료시켰으면 true.
func (s *Signal) Resolve() bool {
	resolved := false
	s.once.Do(func() {
		close(s.done)
		resolved = true
	})
	return resolved
}

func (s *Signal) Done() <-chan struct{} {
	return s.done
}

func (s *Signal) Resolved() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Wait 는 신호 완료와 timeout(또는 ctx 취소) 중 먼저 오는 쪽까지 기다린다.
// 신호가 완료돼서 풀렸으면 true.
func (s *Signal) Wait(ctx context.Context, timeout time.Duration) bool {
	if s.Resolved() {
		return true
	}
	if timeout <= 0 {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
