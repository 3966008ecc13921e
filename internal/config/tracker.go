// internal/config/tracker.go
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// 기본값.
// 브라우저 SDK 의 생성자 옵션과 동일한 의미를 가지며, 각각 독립적으로 기본값이 적용된다.
const (
	DefaultBatchSize     = 120
	DefaultFlushInterval = 4000 * time.Millisecond
	DefaultMaxBatchBytes = 200_000
	DefaultSnapshotGrace = 1500 * time.Millisecond
	DefaultReplayTimeout = 10 * time.Second
	DefaultKeyHeader     = "x-expothesis-key"
)

// Tracker
//
// Lifecycle Manager / Pipeline / Transport 에 전달되는 클라이언트 옵션.
type Tracker struct {
	Endpoint  string // 수집기 base URL (예: http://localhost:8080/track)
	UserID    string // 선택. 생성 이후에도 SetUserID 로 변경 가능
	SessionID string // 세션 ID seed. 비어 있으면 UUID 생성
	APIKey    string // 비어 있으면 키 헤더를 붙이지 않는다
	KeyHeader string

	AutoTrack bool // pageview + click 자동 수집
	Replay    bool // recorder 시작 여부

	BatchSize     int           // 버퍼 길이 임계치
	FlushInterval time.Duration // 타이머 flush 주기
	MaxBatchBytes int           // 누적 바이트 임계치

	EndOnReload          bool // unload 시 세션 종료
	EndOnRouteChange     bool // 같은 문서 내 URL 변경 시 세션 종료
	RestartOnRouteChange bool // 종료 직후 새 세션 시작 (rotation)

	WaitForSnapshot bool // 종료 전에 full snapshot 을 기다릴지

	// SnapshotGrace 는 최대 대기 시간이다. 0 은 DefaultSnapshotGrace 로 채워진다.
	// 대기를 건너뛰려면 WaitForSnapshot(또는 EndOptions.WaitForSnapshot)을 false 로 둔다.
	SnapshotGrace time.Duration
	ReplayTimeout time.Duration // replay 업로드 abort timeout
}

// DefaultTracker 는 모든 옵션이 기본값으로 채워진 Tracker 를 반환한다.
func DefaultTracker() Tracker {
	return Tracker{
		Endpoint:             "http://localhost:8080/track",
		KeyHeader:            DefaultKeyHeader,
		AutoTrack:            true,
		Replay:               true,
		BatchSize:            DefaultBatchSize,
		FlushInterval:        DefaultFlushInterval,
		MaxBatchBytes:        DefaultMaxBatchBytes,
		EndOnReload:          true,
		EndOnRouteChange:     true,
		RestartOnRouteChange: true,
		WaitForSnapshot:      true,
		SnapshotGrace:        DefaultSnapshotGrace,
		ReplayTimeout:        DefaultReplayTimeout,
	}
}

// WithDefaults 는 zero 값 필드만 기본값으로 채운 복사본을 반환한다.
// bool 토글은 zero 값과 "명시적 false" 를 구분할 수 없으므로 건드리지 않는다.
func (t Tracker) WithDefaults() Tracker {
	d := DefaultTracker()
	if t.Endpoint == "" {
		t.Endpoint = d.Endpoint
	}
	if t.KeyHeader == "" {
		t.KeyHeader = d.KeyHeader
	}
	if t.BatchSize == 0 {
		t.BatchSize = d.BatchSize
	}
	if t.FlushInterval == 0 {
		t.FlushInterval = d.FlushInterval
	}
	if t.MaxBatchBytes == 0 {
		t.MaxBatchBytes = d.MaxBatchBytes
	}
	if t.SnapshotGrace == 0 {
		t.SnapshotGrace = d.SnapshotGrace
	}
	if t.ReplayTimeout == 0 {
		t.ReplayTimeout = d.ReplayTimeout
	}
	return t
}

var ErrInvalidTracker = errors.New("config: invalid tracker options")

// Validate 는 음수/형식 오류 같은 명백한 설정 실수만 거른다.
func (t Tracker) Validate() error {
	if t.Endpoint == "" {
		return fmt.Errorf("%w: empty endpoint", ErrInvalidTracker)
	}
	if u, err := url.Parse(t.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: endpoint %q must be an absolute URL", ErrInvalidTracker, t.Endpoint)
	}
	if t.BatchSize < 1 {
		return fmt.Errorf("%w: batch size %d", ErrInvalidTracker, t.BatchSize)
	}
	if t.MaxBatchBytes < 1 {
		return fmt.Errorf("%w: max batch bytes %d", ErrInvalidTracker, t.MaxBatchBytes)
	}
	if t.FlushInterval <= 0 {
		return fmt.Errorf("%w: flush interval %s", ErrInvalidTracker, t.FlushInterval)
	}
	if t.SnapshotGrace < 0 || t.ReplayTimeout <= 0 {
		return fmt.Errorf("%w: snapshot grace %s / replay timeout %s", ErrInvalidTracker, t.SnapshotGrace, t.ReplayTimeout)
	}
	return nil
}
