package pool

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// ---------------------------------------------------------------
// Pool 구성 목적
//
// replay 스트림은 클릭/DOM 변경마다 레코드를 만들고, flush 마다 JSON 본문을
// 직렬화한다. collector 쪽도 요청마다 body 를 읽는다.
// 아래 Pool 들은 "GC 줄이기, 메모리 재사용" 목적.
// ---------------------------------------------------------------

var (
	// BodyPool:
	//   - collector 가 POST body 를 임시 저장하는 버퍼
	//   - 초기 용량 4KB (event / session 요청은 대부분 여기에 수용됨)
	BodyPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 4*1024))
		},
	}

	// BufferPool:
	//   - transport 의 JSON 본문, spool 의 gzip 결과를 담는 임시 버퍼
	//   - 초기 용량 256KB (기본 MaxBatchBytes 200KB 배치가 한 번에 들어감)
	BufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 256*1024))
		},
	}

	// GzipPool:
	//   - spool 파일용 gzip.Writer 재사용
	//   - BestSpeed: 세션 종료 경로에서 호출되므로 속도 우선
	GzipPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			return w
		},
	}
)

// Pool에 되돌려줄 최대 버퍼 용량.
// 이보다 큰 버퍼는 GC 에 맡겨 메모리를 계속 보유하지 않는다.
const MaxBufferCap = 1 * 1024 * 1024 // 1MB

// PutBody:
//   - maxCap(보통 MaxBodySize*2)보다 크면 버려서 GC로.
func PutBody(buf *bytes.Buffer, maxCap int64) {
	if int64(buf.Cap()) <= maxCap {
		buf.Reset()
		BodyPool.Put(buf)
	}
}

// GetBuffer 는 비워진 버퍼를 BufferPool 에서 꺼낸다.
func GetBuffer() *bytes.Buffer {
	buf := BufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer:
//   - 1MB 이하이면 풀에 재사용
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= MaxBufferCap {
		buf.Reset()
		BufferPool.Put(buf)
	}
}
