// internal/worker/timecache.go
package worker

import (
	"sync/atomic"
	"time"
)

//
// timecache.go
// ------------------------------------------------------------
// 현재 UTC epoch seconds 와 UTC 기준 날짜/시간 파티션을 1초 단위로 캐싱한다.
//
// spool 파일명 prefix, TTL 판단, archive S3 key 파티션이 모두 같은 시계를
// 보도록 하기 위한 모듈이다. 초 단위 정밀도면 충분하다.
//
// 사용처:
//   - spool 파일명 (<unix>_<instance>_<counter>.jsonl.gz)
//   - TTL 판단 (파일명 prefix 와 비교)
//   - archive S3 key (dt=YYYY-MM-DD / hr=HH)
// ------------------------------------------------------------

var (
	unixSec atomic.Int64

	// 날짜/시간 파티션 (UTC)
	dtVal atomic.Value // "YYYY-MM-DD"
	hrVal atomic.Value // "HH"
)

func init() {
	update()

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for range ticker.C {
			update()
		}
	}()
}

func update() {
	now := time.Now().UTC()
	unixSec.Store(now.Unix())
	dtVal.Store(now.Format("2006-01-02"))
	hrVal.Store(now.Format("15"))
}

// ------------------------------------------------------------
// Public API
// ------------------------------------------------------------

// Unix returns current UTC epoch seconds (cached, 1-second precision).
func Unix() int64 {
	return unixSec.Load()
}

// DT returns "YYYY-MM-DD" (UTC).
func DT() string {
	return dtVal.Load().(string)
}

// HR returns "HH" (UTC).
func HR() string {
	return hrVal.Load().(string)
}
