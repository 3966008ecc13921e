// internal/model/wire.go
package model

import "time"

// 수집기(collector) 엔드포인트 경로.
// Transport 는 설정된 endpoint base 뒤에 이 경로를 붙인다.
const (
	PathSessionStart = "/session/start"
	PathSessionEnd   = "/session/end"
	PathEvent        = "/event"
	PathReplay       = "/replay"
)

// StartSessionRequest: POST {base}/session/start
type StartSessionRequest struct {
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id,omitempty"`
	EntryURL  string         `json:"entry_url"`
	Referrer  string         `json:"referrer,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// EndSessionRequest: POST {base}/session/end
type EndSessionRequest struct {
	SessionID string    `json:"session_id"`
	EndedAt   time.Time `json:"ended_at"`
}

// ReplayRequest: POST {base}/replay
//
// FirstSeq 는 Events[0] 의 세션 내 시퀀스 번호.
// 실패 후 재전송된 배치를 수집기 쪽에서 (session_id, seq) 로 중복 제거할 수 있게 한다.
type ReplayRequest struct {
	SessionID string         `json:"session_id"`
	FirstSeq  uint64         `json:"first_seq"`
	Events    []ReplayRecord `json:"events"`
}

// ReplayResponse 는 수집기가 replay 업로드에 돌려주는 응답.
type ReplayResponse struct {
	SequenceStart uint64 `json:"sequence_start"`
}

// NewStartSessionRequest 는 Session 으로부터 시작 메시지를 만든다.
func NewStartSessionRequest(s *Session) StartSessionRequest {
	return StartSessionRequest{
		SessionID: s.ID,
		UserID:    s.UserID,
		EntryURL:  s.EntryURL,
		Referrer:  s.Referrer,
		UserAgent: s.UserAgent,
		Metadata:  s.Metadata,
	}
}

// NewReplayRequest 는 배치를 와이어 포맷으로 변환한다.
func NewReplayRequest(b ReplayBatch) ReplayRequest {
	return ReplayRequest{
		SessionID: b.SessionID,
		FirstSeq:  b.FirstSeq(),
		Events:    b.Records,
	}
}
