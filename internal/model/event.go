// internal/model/event.go
package model

import (
	"bytes"
	"errors"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
)

// 수집 이벤트 타입.
// 브라우저에서 관측되는 대표 타입만 상수로 두고,
// 그 외 값(custom 이름 등)은 문자열 그대로 전달한다.
const (
	EventTypePageview = "pageview"
	EventTypeClick    = "click"
	EventTypeCustom   = "custom"
)

// RecordTypeFullSnapshot
// ------------------------------------------------------------
// recorder 가 내보내는 레코드 중 "전체 DOM 스냅샷"을 나타내는 type 값.
// 그 외 모든 값은 증분(delta) 레코드로 취급한다.
const RecordTypeFullSnapshot = 2

// Session
// ------------------------------------------------------------
// 클라이언트가 생성한 세션 한 건.
// Lifecycle Manager 가 Init 시점에 만들고, 세션 ID 당 정확히 한 번 종료된다.
// EndedAt 이 zero 이면 아직 살아 있는 세션이다.
type Session struct {
	ID        string
	UserID    string
	EntryURL  string
	Referrer  string
	UserAgent string
	Metadata  map[string]any // viewport / locale / timezone
	StartedAt time.Time
	EndedAt   time.Time
}

// Live 는 세션이 아직 종료되지 않았는지 반환한다.
func (s *Session) Live() bool {
	return s.EndedAt.IsZero()
}

// ActivityEvent
// ------------------------------------------------------------
// 관측 시점에 동기적으로 생성되는 단일 사용자/애플리케이션 액션.
// 배치 대상이 아니며, 이벤트 1건 = 네트워크 호출 1건으로 즉시 전송된다.
type ActivityEvent struct {
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id,omitempty"`
	Name      string         `json:"event_name"`
	Type      string         `json:"event_type"`
	URL       string         `json:"url"`
	Selector  string         `json:"selector,omitempty"`
	X         *float64       `json:"x,omitempty"`
	Y         *float64       `json:"y,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ReplayRecord
// ------------------------------------------------------------
// recorder 가 내보낸 불투명(opaque) 레코드.
// 파이프라인은 내용을 해석하지 않고 숫자 type 태그만 읽는다.
// 직렬화 시에는 Raw 를 그대로 내보낸다.
//
// Seq 는 세션 내 append 순서대로 부여되는 번호이며, 와이어에는 싣지 않는다.
// (배치 단위 first_seq 로만 전달)
type ReplayRecord struct {
	Type int
	Seq  uint64
	Raw  json.RawMessage
}

var (
	ErrEmptyRecord   = errors.New("model: empty replay record")
	ErrInvalidRecord = errors.New("model: replay record is not valid JSON")
)

// NewReplayRecord 는 recorder 가 내보낸 JSON 을 감싸 ReplayRecord 로 만든다.
// "type" 필드가 없거나 정수가 아니면(문자열, 소수, null, 객체가 아닌 값) 증분 레코드(type 0)로 간주한다.
// JSON 값이 아닌 입력만 에러다.
func NewReplayRecord(raw []byte) (ReplayRecord, error) {
	if len(raw) == 0 {
		return ReplayRecord{}, ErrEmptyRecord
	}
	if !json.Valid(raw) {
		return ReplayRecord{}, ErrInvalidRecord
	}

	buf := make([]byte, len(raw))
	copy(buf, raw)
	return ReplayRecord{Type: recordType(buf), Raw: buf}, nil
}

func recordType(raw []byte) int {
	var head struct {
		Type json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return 0
	}
	n, err := strconv.Atoi(string(bytes.TrimSpace(head.Type)))
	if err != nil {
		return 0
	}
	return n
}

// IsFullSnapshot 은 type == 2 여부를 반환한다.
func (r ReplayRecord) IsFullSnapshot() bool {
	return r.Type == RecordTypeFullSnapshot
}

// Size 는 직렬화 길이(바이트) 추정치다. 버퍼의 byte ceiling 판단에 사용.
func (r ReplayRecord) Size() int {
	return len(r.Raw)
}

// Decode 는 Raw 를 v 로 디코딩한다. (테스트, 개발용 collector 에서 내용 확인용)
func (r ReplayRecord) Decode(v any) error {
	return json.Unmarshal(r.Raw, v)
}

func (r ReplayRecord) MarshalJSON() ([]byte, error) {
	if len(r.Raw) == 0 {
		return []byte("null"), nil
	}
	return r.Raw, nil
}

func (r *ReplayRecord) UnmarshalJSON(b []byte) error {
	rec, err := NewReplayRecord(b)
	if err != nil {
		return err
	}
	*r = rec
	return nil
}

// ReplayBatch
// ------------------------------------------------------------
// 버퍼에서 FIFO 순서로 한 번에 꺼낸 레코드 묶음.
// 전송 1회 시도의 단위이며, 실패 시 버퍼 앞쪽으로 되돌려진다.
type ReplayBatch struct {
	SessionID string
	Records   []ReplayRecord
}

// FirstSeq 는 배치 첫 레코드의 시퀀스 번호다. 비어 있으면 0.
func (b ReplayBatch) FirstSeq() uint64 {
	if len(b.Records) == 0 {
		return 0
	}
	return b.Records[0].Seq
}
