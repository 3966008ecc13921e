package worker

import (
	"errors"
	"fmt"
	"io"

	"github.com/pastorenue/expothesis-sub001/internal/model"
	"github.com/pastorenue/expothesis-sub001/internal/pool"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

// ErrEmptySpoolFile 는 gzip 스트림은 정상이지만 레코드가 한 건도 없을 때 반환된다.
var ErrEmptySpoolFile = errors.New("worker: spool file has no records")

// spoolLine 은 spool 파일의 JSONL 한 줄이다.
// recorder 레코드 본문은 그대로 두고, 세션 내 시퀀스 번호만 옆에 붙인다.
type spoolLine struct {
	Seq    uint64          `json:"seq"`
	Record json.RawMessage `json:"record"`
}

// Encoder 는 replay 레코드 묶음을 JSONL → gzip 형태로 직렬화하고 다시 읽어 들이는 컴포넌트.
//
// 특징:
//   - goccy/json 기반 JSON 인코딩
//   - gzip.Writer + bytes.Buffer 재사용(pool 기반)
//   - 결과는 새로운 []byte 로 복사해 호출자에게 소유권을 넘긴다
//     (pool 버퍼를 그대로 반환하면 데이터 corruption 위험)
type Encoder struct{}

func NewEncoder() *Encoder {
	return &Encoder{}
}

// EncodeBatchJSONLGZ 는 레코드를 한 줄씩 {"seq":n,"record":{...}} 로 인코딩한 뒤 gzip 압축해 반환한다.
func (e *Encoder) EncodeBatchJSONLGZ(records []model.ReplayRecord) ([]byte, error) {

	// ------------------------------------------------------------
	// 1) gzip 결과를 담을 bytes.Buffer 를 pool 에서 가져온다.
	//    (기본 cap=256KB, 1MB 초과 시 pool 에 반환하지 않음)
	// ------------------------------------------------------------
	buf := pool.GetBuffer()

	// ------------------------------------------------------------
	// 2) gzip.Writer 를 pool 에서 가져오고 buffer 로 reset
	// ------------------------------------------------------------
	gz := pool.GzipPool.Get().(*gzip.Writer)
	gz.Reset(buf)

	enc := json.NewEncoder(gz)

	// ------------------------------------------------------------
	// 3) JSONL 인코딩
	// ------------------------------------------------------------
	for _, rec := range records {
		if len(rec.Raw) == 0 {
			continue
		}
		if err := enc.Encode(spoolLine{Seq: rec.Seq, Record: json.RawMessage(rec.Raw)}); err != nil {
			_ = gz.Close()
			pool.GzipPool.Put(gz)
			pool.PutBuffer(buf)
			return nil, err
		}
	}

	// ------------------------------------------------------------
	// 4) gzip footer flush & close
	// ------------------------------------------------------------
	if err := gz.Close(); err != nil {
		pool.GzipPool.Put(gz)
		pool.PutBuffer(buf)
		return nil, err
	}
	pool.GzipPool.Put(gz)

	// ------------------------------------------------------------
	// 5) caller 소유의 새 slice 로 복사 후 buffer 반환
	// ------------------------------------------------------------
	raw := buf.Bytes()
	data := make([]byte, len(raw))
	copy(data, raw)
	pool.PutBuffer(buf)

	return data, nil
}

// DecodeBatchJSONLGZ 는 EncodeBatchJSONLGZ 의 역이다.
// 한 줄이라도 깨져 있으면 에러를 반환한다. (부분 재전송은 하지 않는다)
func (e *Encoder) DecodeBatchJSONLGZ(r io.Reader) ([]model.ReplayRecord, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("gzip header: %w", err)
	}
	defer gz.Close()

	dec := json.NewDecoder(gz)

	var out []model.ReplayRecord
	for {
		var line spoolLine
		if err := dec.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("line %d: %w", len(out)+1, err)
		}

		rec, err := model.NewReplayRecord(line.Record)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", len(out)+1, err)
		}
		rec.Seq = line.Seq
		out = append(out, rec)
	}

	if len(out) == 0 {
		return nil, ErrEmptySpoolFile
	}
	return out, nil
}
