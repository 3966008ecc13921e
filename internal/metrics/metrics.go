package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Metrics 는 캡처/전송 파이프라인 상태를 나타내는 카운터 모음이다.
// 모든 필드는 atomic 으로만 읽고 쓴다.
type Metrics struct {
	// ======================
	// 세션 lifecycle 지표
	// ======================

	// SessionsStartedTotal
	// - /session/start 를 보낸 세션 수 (rotation 으로 새로 시작된 세션 포함).
	SessionsStartedTotal int64

	// SessionsEndedTotal
	// - 종료 시퀀스가 끝까지 완료된 세션 수.
	// - 세션 ID 당 정확히 1회만 증가해야 하므로 SessionsStartedTotal 을 넘을 수 없다.
	SessionsEndedTotal int64

	// RotationsTotal
	// - 같은 문서 내 URL 변경으로 세션이 교체된 횟수.
	RotationsTotal int64

	// SnapshotWaitTimeoutsTotal
	// - 종료 시 full snapshot 을 기다리다 grace period 가 먼저 끝난 횟수.
	// - 이 값이 높으면 recorder 가 늦게 시작되거나 snapshot 을 만들지 못하고 있다는 신호.
	SnapshotWaitTimeoutsTotal int64

	// ======================
	// Activity Event 지표
	// ======================

	// EventsSentTotal / EventsFailedTotal
	// - /event 단건 전송 성공/실패 수. 실패는 재시도하지 않는다(fire-and-forget).
	EventsSentTotal   int64
	EventsFailedTotal int64

	// ======================
	// Replay 지표
	// ======================

	// ReplayRecordsBufferedTotal
	// - recorder 가 내보내 버퍼에 들어온 레코드 수.
	ReplayRecordsBufferedTotal int64

	// ReplayBatchesSentTotal / ReplayRecordsDeliveredTotal
	// - 수집기가 2xx 로 받은 배치 수 / 레코드 수.
	ReplayBatchesSentTotal      int64
	ReplayRecordsDeliveredTotal int64

	// ReplayBatchesFailedTotal
	// - 전송 실패한 배치 "시도" 수. 같은 레코드가 여러 번 실패하면 여러 번 증가한다.
	ReplayBatchesFailedTotal int64

	// ReplayRecordsRequeuedTotal
	// - 실패 후 버퍼 앞쪽으로 되돌린 레코드 수.
	ReplayRecordsRequeuedTotal int64

	// ======================
	// Spool (세션 종료 후에도 남은 레코드) 지표
	// ======================

	SpoolRecordsEnqueuedTotal    int64
	SpoolRecordsRedeliveredTotal int64

	// SpoolRecordsDroppedTotal
	// - spool 용량 제한(SpoolMaxSizeBytes)으로 저장조차 못 하고 버린 레코드 수.
	// - 0 이 아니면 데이터를 영구적으로 잃기 시작했다는 강한 신호.
	SpoolRecordsDroppedTotal int64

	// SpoolFilesExpiredTotal
	// - TTL 또는 용량 정책으로 정리된 spool 파일 수.
	SpoolFilesExpiredTotal int64

	// SpoolFilesCurrent / SpoolSizeBytes (gauge)
	SpoolFilesCurrent int64
	SpoolSizeBytes    int64

	// ArchiveFilesStoredTotal / ArchivePutErrorsTotal
	// - 만료·손상 spool 파일의 S3 archive 성공 수 / PutObject 실패 시도 수.
	ArchiveFilesStoredTotal int64
	ArchivePutErrorsTotal   int64

	// ======================
	// 개발용 collector 지표
	// ======================

	HTTPRequestsTotal                     int64
	HTTPRequestsAcceptedTotal             int64
	HTTPRequestsRejectedBodyTooLargeTotal int64
	HTTPRequestsRejectedUnauthorizedTotal int64
	HTTPRequestsRejectedBadRequestTotal   int64
	HTTPRequestsRejectedRateLimitedTotal  int64
	ReplayRecordsDeduplicatedTotal        int64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) String() string {
	var sb strings.Builder
	sb.Grow(1024)

	fmt.Fprintf(&sb, "sessions_started_total=%d\n", atomic.LoadInt64(&m.SessionsStartedTotal))
	fmt.Fprintf(&sb, "sessions_ended_total=%d\n", atomic.LoadInt64(&m.SessionsEndedTotal))
	fmt.Fprintf(&sb, "rotations_total=%d\n", atomic.LoadInt64(&m.RotationsTotal))
	fmt.Fprintf(&sb, "snapshot_wait_timeouts_total=%d\n", atomic.LoadInt64(&m.SnapshotWaitTimeoutsTotal))

	fmt.Fprintf(&sb, "events_sent_total=%d\n", atomic.LoadInt64(&m.EventsSentTotal))
	fmt.Fprintf(&sb, "events_failed_total=%d\n", atomic.LoadInt64(&m.EventsFailedTotal))

	fmt.Fprintf(&sb, "replay_records_buffered_total=%d\n", atomic.LoadInt64(&m.ReplayRecordsBufferedTotal))
	fmt.Fprintf(&sb, "replay_batches_sent_total=%d\n", atomic.LoadInt64(&m.ReplayBatchesSentTotal))
	fmt.Fprintf(&sb, "replay_records_delivered_total=%d\n", atomic.LoadInt64(&m.ReplayRecordsDeliveredTotal))
	fmt.Fprintf(&sb, "replay_batches_failed_total=%d\n", atomic.LoadInt64(&m.ReplayBatchesFailedTotal))
	fmt.Fprintf(&sb, "replay_records_requeued_total=%d\n", atomic.LoadInt64(&m.ReplayRecordsRequeuedTotal))

	fmt.Fprintf(&sb, "spool_records_enqueued_total=%d\n", atomic.LoadInt64(&m.SpoolRecordsEnqueuedTotal))
	fmt.Fprintf(&sb, "spool_records_redelivered_total=%d\n", atomic.LoadInt64(&m.SpoolRecordsRedeliveredTotal))
	fmt.Fprintf(&sb, "spool_records_dropped_total=%d\n", atomic.LoadInt64(&m.SpoolRecordsDroppedTotal))
	fmt.Fprintf(&sb, "spool_files_expired_total=%d\n", atomic.LoadInt64(&m.SpoolFilesExpiredTotal))
	fmt.Fprintf(&sb, "spool_files_current=%d\n", atomic.LoadInt64(&m.SpoolFilesCurrent))
	fmt.Fprintf(&sb, "spool_size_bytes=%d\n", atomic.LoadInt64(&m.SpoolSizeBytes))
	fmt.Fprintf(&sb, "archive_files_stored_total=%d\n", atomic.LoadInt64(&m.ArchiveFilesStoredTotal))
	fmt.Fprintf(&sb, "archive_put_errors_total=%d\n", atomic.LoadInt64(&m.ArchivePutErrorsTotal))

	fmt.Fprintf(&sb, "http_requests_total=%d\n", atomic.LoadInt64(&m.HTTPRequestsTotal))
	fmt.Fprintf(&sb, "http_requests_accepted_total=%d\n", atomic.LoadInt64(&m.HTTPRequestsAcceptedTotal))
	fmt.Fprintf(&sb, "http_requests_rejected_body_too_large_total=%d\n", atomic.LoadInt64(&m.HTTPRequestsRejectedBodyTooLargeTotal))
	fmt.Fprintf(&sb, "http_requests_rejected_unauthorized_total=%d\n", atomic.LoadInt64(&m.HTTPRequestsRejectedUnauthorizedTotal))
	fmt.Fprintf(&sb, "http_requests_rejected_bad_request_total=%d\n", atomic.LoadInt64(&m.HTTPRequestsRejectedBadRequestTotal))
	fmt.Fprintf(&sb, "http_requests_rejected_rate_limited_total=%d\n", atomic.LoadInt64(&m.HTTPRequestsRejectedRateLimitedTotal))
	fmt.Fprintf(&sb, "replay_records_deduplicated_total=%d\n", atomic.LoadInt64(&m.ReplayRecordsDeduplicatedTotal))

	return sb.String()
}
