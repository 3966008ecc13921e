// internal/worker/file_util.go
package worker

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

// file_util.go
// ------------------------------------------------------------
// spool 파일 저장 / archive 시 사용하는 유틸리티 모음.
// 파일명 규칙은 spool 재전송 순서와 TTL 판단의 기준이므로
// 예측 가능한 deterministic 패턴을 유지해야 한다.
//
// 파일명 규칙:
//
//	<unix>_<instance>_<counter>.jsonl.gz
//
// 예:
//
//	1764721594_web-3_000042.jsonl.gz
//
// 정렬하면 곧 시간 순 정렬이므로,
// spool 에서 가장 오래된 세션 잔여분부터 재전송하는 데 사용한다.
var globalCounter uint64

const (
	dataSuffix = ".jsonl.gz"
	metaSuffix = ".meta.json"
)

// NextCounter
// ------------------------------------------------------------
// 원자적 증가 값. 1,000,000 에서 0 으로 돌아간다.
// wrap-around 되어도 timestamp 와 instance ID 조합으로 충돌하지 않는다.
func NextCounter() uint64 {
	return atomic.AddUint64(&globalCounter, 1) % 1_000_000
}

// NewFilename
// ------------------------------------------------------------
// <unix>_<instance>_<counter>.jsonl.gz 형태의 새 파일명을 만든다.
// instance 안의 '_' 는 '-' 로 바꿔 prefix 파싱이 깨지지 않게 한다.
func NewFilename(instanceID string) string {
	instanceID = strings.ReplaceAll(instanceID, "_", "-")
	if instanceID == "" {
		instanceID = "local"
	}
	return fmt.Sprintf("%d_%s_%06d%s", Unix(), instanceID, NextCounter(), dataSuffix)
}

// BuildS3Key
// ------------------------------------------------------------
// archive 용 S3 Key 생성기.
//
//	<prefix>/dt=<YYYY-MM-DD>/hr=<HH>/<filename>
//
// Athena / Glue 파티션 스캔 비용을 줄이기 위한 표준적인 구조.
func BuildS3Key(prefix, filename string) string {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("dt=%s/hr=%s/%s", DT(), HR(), filename)
	}
	return fmt.Sprintf("%s/dt=%s/hr=%s/%s", prefix, DT(), HR(), filename)
}

// extractUnixFromFilename 은 spool 파일명 prefix 에서 Unix seconds 를 파싱한다.
func extractUnixFromFilename(name string) (int64, bool) {
	idx := strings.IndexByte(name, '_')
	if idx <= 0 {
		return 0, false
	}
	sec, err := strconv.ParseInt(name[:idx], 10, 64)
	if err != nil || sec <= 0 {
		return 0, false
	}
	return sec, true
}
