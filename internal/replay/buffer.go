// internal/replay/buffer.go
package replay

import "github.com/pastorenue/expothesis-sub001/internal/model"

// Buffer
// ------------------------------------------------------------
// replay 레코드의 in-memory FIFO 큐 + 누적 바이트 카운터.
//
// Buffer 자체는 동기화하지 않는다. 항상 Pipeline.mu 아래에서만 접근하며,
// Drain 은 네트워크 호출 이전에 동기적으로 끝나므로 겹치는 flush 들이
// 서로 겹치지 않는(disjoint) 배치를 갖게 된다.
type Buffer struct {
	records []model.ReplayRecord
	bytes   int

	// 다음 레코드에 부여할 세션 내 시퀀스 번호 (1부터)
	nextSeq uint64

	snapshotSeen bool
}

func NewBuffer() *Buffer {
	return &Buffer{nextSeq: 1}
}

// Append 는 레코드를 tail 에 넣고 시퀀스 번호를 부여해 반환한다.
func (b *Buffer) Append(rec model.ReplayRecord) model.ReplayRecord {
	rec.Seq = b.nextSeq
	b.nextSeq++

	b.records = append(b.records, rec)
	b.bytes += rec.Size()

	if rec.IsFullSnapshot() {
		b.snapshotSeen = true
	}
	return rec
}

// Drain 은 현재 큐의 모든 레코드를 한 배치로 꺼내고 바이트 카운터를 0 으로 만든다.
// 반환된 slice 는 호출자 소유다.
func (b *Buffer) Drain() []model.ReplayRecord {
	if len(b.records) == 0 {
		return nil
	}
	out := b.records
	b.records = nil
	b.bytes = 0
	return out
}

// Prepend 는 전송 실패한 레코드를 live 레코드 "앞"에 되돌린다.
// 바이트 카운터는 병합된 내용 기준으로 다시 계산한다.
func (b *Buffer) Prepend(recs []model.ReplayRecord) {
	if len(recs) == 0 {
		return
	}
	merged := make([]model.ReplayRecord, 0, len(recs)+len(b.records))
	merged = append(merged, recs...)
	merged = append(merged, b.records...)
	b.records = merged

	b.bytes = 0
	for _, r := range b.records {
		b.bytes += r.Size()
	}
}

func (b *Buffer) Len() int {
	return len(b.records)
}

func (b *Buffer) Bytes() int {
	return b.bytes
}

// SnapshotSeen 은 마지막 ResetSnapshot 이후 type 2 레코드를 본 적이 있는지 반환한다.
func (b *Buffer) SnapshotSeen() bool {
	return b.snapshotSeen
}

// ResetSnapshot 은 recorder (재)시작 시 호출된다.
func (b *Buffer) ResetSnapshot() {
	b.snapshotSeen = false
}
