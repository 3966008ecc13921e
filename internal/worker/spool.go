// internal/worker/spool.go
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pastorenue/expothesis-sub001/internal/config"
	"github.com/pastorenue/expothesis-sub001/internal/metrics"
	"github.com/pastorenue/expothesis-sub001/internal/model"
	"github.com/pastorenue/expothesis-sub001/internal/replay"
	"github.com/pastorenue/expothesis-sub001/internal/transport"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

var (
	ErrSpoolDisabled = errors.New("worker: spool dir not configured")
	ErrSpoolFull     = errors.New("worker: spool capacity exhausted")
)

// spoolMeta 는 data 파일 옆 .meta.json 내용이다.
type spoolMeta struct {
	SessionID  string `json:"session_id"`
	FirstSeq   uint64 `json:"first_seq"`
	NumRecords int    `json:"num_records"`
}

// Spool 은 세션 종료 시점까지 수집기에 전달하지 못한 replay 레코드를 로컬 디스크에 저장하고,
// 이후 /replay 로 재전송을 담당한다.
//   - Save: gzip+JSONL data 파일 + .meta.json
//   - ProcessOneCtx: 가장 오래된 파일 1개 재전송 / TTL 만료 / 손상 처리
//
// 만료되거나 손상된 파일은 Archiver 가 있으면 S3 로 보관한 뒤, 없으면 바로 삭제한다.
// TTL 판단은 "파일명 prefix 의 Unix timestamp" 기준으로 한다.
type Spool struct {
	cfg      config.Config
	metrics  *metrics.Metrics
	tx       replay.Sender
	archiver Archiver
	encoder  *Encoder
	logger   zerolog.Logger

	// 디렉토리 변경(쓰기/삭제)만 직렬화한다. 재전송 네트워크 호출 중에는 잡지 않는다.
	mu sync.Mutex

	// 현재 spool 디렉토리에 저장된 data 파일 총 바이트 수
	sizeBytes int64
}

// NewSpool 은 spool 디렉토리를 초기화하고, 기존 파일을 스캔하여
// SpoolSizeBytes / SpoolFilesCurrent 를 복원한다.
// 이때 meta orphan (data 없이 .meta.json 만 남은 경우) 도 정리한다.
// archiver 는 nil 이어도 된다.
func NewSpool(cfg config.Config, m *metrics.Metrics, tx replay.Sender, archiver Archiver) (*Spool, error) {
	if cfg.SpoolDir == "" {
		return nil, ErrSpoolDisabled
	}
	if err := os.MkdirAll(cfg.SpoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	if m == nil {
		m = metrics.New()
	}

	s := &Spool{
		cfg:      cfg,
		metrics:  m,
		tx:       tx,
		archiver: archiver,
		encoder:  NewEncoder(),
		logger:   zlog.Logger.With().Str("component", "spool").Logger(),
	}

	var total, count int64

	entries, err := os.ReadDir(cfg.SpoolDir)
	if err != nil {
		return nil, fmt.Errorf("scan spool dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		name := e.Name()
		full := filepath.Join(cfg.SpoolDir, name)

		// meta orphan 제거
		if strings.HasSuffix(name, metaSuffix) {
			dataName := strings.TrimSuffix(name, metaSuffix)
			if _, err := os.Stat(filepath.Join(cfg.SpoolDir, dataName)); os.IsNotExist(err) {
				_ = os.Remove(full)
			}
			continue
		}
		if !isDataFile(name) {
			continue
		}

		if info, err := e.Info(); err == nil {
			total += info.Size()
			count++
		}
	}

	atomic.StoreInt64(&s.sizeBytes, total)
	atomic.AddInt64(&m.SpoolSizeBytes, total)
	atomic.AddInt64(&m.SpoolFilesCurrent, count)

	if count > 0 {
		s.logger.Info().Int64("files", count).Int64("bytes", total).Msg("spool restored")
	}
	return s, nil
}

// WithLogger 는 사용 전에만 호출한다.
func (s *Spool) WithLogger(l zerolog.Logger) *Spool {
	s.logger = l.With().Str("component", "spool").Logger()
	return s
}

// SizeBytes 는 spool data 파일 총 바이트 수다.
func (s *Spool) SizeBytes() int64 {
	return atomic.LoadInt64(&s.sizeBytes)
}

// Save 는 세션 하나의 미전달 레코드를 spool 에 저장한다.
// 용량이 모자라면 가장 오래된 파일부터 정리하고, 그래도 모자라면 ErrSpoolFull.
func (s *Spool) Save(batch model.ReplayBatch) error {
	if len(batch.Records) == 0 {
		return nil
	}
	if batch.SessionID == "" {
		return fmt.Errorf("worker: spool batch without session id")
	}

	data, err := s.encoder.EncodeBatchJSONLGZ(batch.Records)
	if err != nil {
		return fmt.Errorf("encode spool batch: %w", err)
	}
	meta, err := json.Marshal(spoolMeta{
		SessionID:  batch.SessionID,
		FirstSeq:   batch.FirstSeq(),
		NumRecords: len(batch.Records),
	})
	if err != nil {
		return fmt.Errorf("encode spool meta: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	size := int64(len(data))
	if !s.ensureCapacityLocked(size) {
		atomic.AddInt64(&s.metrics.SpoolRecordsDroppedTotal, int64(len(batch.Records)))
		s.logger.Error().
			Str("session_id", batch.SessionID).
			Int64("bytes", size).
			Int("records", len(batch.Records)).
			Msg("spool full, dropping records")
		return ErrSpoolFull
	}

	filename := NewFilename(s.cfg.InstanceID)
	dataPath := filepath.Join(s.cfg.SpoolDir, filename)
	metaPath := dataPath + metaSuffix

	// meta 먼저. data 가 보이는 순간 meta 도 있어야 재전송 대상이 된다.
	if err := os.WriteFile(metaPath, meta, 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(dataPath, data, 0o600); err != nil {
		_ = os.Remove(metaPath)
		return err
	}

	atomic.AddInt64(&s.sizeBytes, size)
	atomic.AddInt64(&s.metrics.SpoolSizeBytes, size)
	atomic.AddInt64(&s.metrics.SpoolFilesCurrent, 1)
	atomic.AddInt64(&s.metrics.SpoolRecordsEnqueuedTotal, int64(len(batch.Records)))

	s.logger.Debug().
		Str("session_id", batch.SessionID).
		Str("file", filename).
		Int("records", len(batch.Records)).
		Msg("spool saved")
	return nil
}

// ensureCapacityLocked 는 SpoolMaxSizeBytes 를 초과하지 않도록
// 가장 오래된 data/meta 파일부터 삭제한다.
// data 파일이 더 이상 없으면 false 를 반환한다.
func (s *Spool) ensureCapacityLocked(incoming int64) bool {
	max := s.cfg.SpoolMaxSizeBytes
	if max <= 0 {
		return true
	}
	if incoming > max {
		return false
	}

	for {
		if atomic.LoadInt64(&s.sizeBytes)+incoming <= max {
			return true
		}

		oldest := s.pickOldest()
		if oldest == "" {
			return false
		}

		if s.removeLocked(oldest) {
			atomic.AddInt64(&s.metrics.SpoolFilesExpiredTotal, 1)
			s.logger.Warn().Str("file", oldest).Msg("spool capacity, removed oldest")
		}
	}
}

// ProcessOneCtx 는 가장 오래된 spool 파일 1개를 처리한다.
//   - TTL 초과 → archive(또는 삭제)
//   - 손상(gzip/JSON/meta) → archive(또는 삭제)
//   - 정상 → /replay 재전송, 성공 시 삭제
//
// 파일을 하나 정리했으면 true. 비어 있거나 재전송이 실패하면 false.
func (s *Spool) ProcessOneCtx(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}

	name := s.pickOldest()
	if name == "" {
		return false
	}

	dataPath := filepath.Join(s.cfg.SpoolDir, name)
	metaPath := dataPath + metaSuffix

	// --- TTL 판단: 파일명 prefix 의 Unix timestamp 기반 ---
	if s.cfg.SpoolMaxAge > 0 {
		if sec, ok := extractUnixFromFilename(name); ok {
			age := time.Duration(Unix()-sec) * time.Second
			if age > s.cfg.SpoolMaxAge {
				s.retire(ctx, name, "expired")
				s.logger.Info().Str("file", name).Str("age", age.String()).Msg("spool TTL expired")
				return true
			}
		}
	}

	data, err := os.ReadFile(dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Save 의 용량 정리와 경합한 경우
			_ = os.Remove(metaPath)
			return true
		}
		s.logger.Warn().Err(err).Str("file", name).Msg("spool read failed")
		return false
	}

	batch, err := s.load(data, metaPath)
	if err != nil {
		s.logger.Warn().Err(err).Str("file", name).Msg("spool file corrupt")
		s.retire(ctx, name, "corrupt")
		return true
	}

	select {
	case <-ctx.Done():
		return false
	default:
	}

	if !s.tx.Send(ctx, model.PathReplay, model.NewReplayRequest(batch), transport.ModeAbortable) {
		s.logger.Warn().
			Str("file", name).
			Str("session_id", batch.SessionID).
			Msg("spool redelivery failed")
		return false
	}

	s.mu.Lock()
	s.removeLocked(name)
	s.mu.Unlock()

	atomic.AddInt64(&s.metrics.SpoolRecordsRedeliveredTotal, int64(len(batch.Records)))
	s.logger.Info().
		Str("file", name).
		Str("session_id", batch.SessionID).
		Int("records", len(batch.Records)).
		Uint64("first_seq", batch.FirstSeq()).
		Msg("spool redelivered")
	return true
}

// load 는 data / meta 를 읽어 배치로 복원한다.
func (s *Spool) load(data []byte, metaPath string) (model.ReplayBatch, error) {
	rawMeta, err := os.ReadFile(metaPath)
	if err != nil {
		return model.ReplayBatch{}, fmt.Errorf("read meta: %w", err)
	}
	var meta spoolMeta
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		return model.ReplayBatch{}, fmt.Errorf("decode meta: %w", err)
	}
	if meta.SessionID == "" {
		return model.ReplayBatch{}, fmt.Errorf("meta without session_id")
	}

	records, err := s.encoder.DecodeBatchJSONLGZ(bytes.NewReader(data))
	if err != nil {
		return model.ReplayBatch{}, err
	}
	if meta.NumRecords > 0 && meta.NumRecords != len(records) {
		return model.ReplayBatch{}, fmt.Errorf("meta num_records=%d, file has %d", meta.NumRecords, len(records))
	}

	return model.ReplayBatch{SessionID: meta.SessionID, Records: records}, nil
}

// retire 는 더 이상 재전송하지 않을 파일을 archive 한 뒤 삭제한다.
// archive 가 실패하면 파일을 남겨 두고 다음 기회에 다시 시도한다.
func (s *Spool) retire(ctx context.Context, name, reason string) {
	dataPath := filepath.Join(s.cfg.SpoolDir, name)

	if s.archiver != nil {
		if err := s.archive(ctx, name, dataPath, reason); err != nil {
			s.logger.Warn().Err(err).Str("file", name).Str("reason", reason).Msg("spool archive failed")
			return
		}
	}

	s.mu.Lock()
	removed := s.removeLocked(name)
	s.mu.Unlock()

	if removed {
		atomic.AddInt64(&s.metrics.SpoolFilesExpiredTotal, 1)
	}
}

func (s *Spool) archive(ctx context.Context, name, dataPath, reason string) error {
	f, err := os.Open(dataPath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	meta := map[string]string{"reason": reason}
	if raw, err := os.ReadFile(dataPath + metaSuffix); err == nil {
		var m spoolMeta
		if json.Unmarshal(raw, &m) == nil && m.SessionID != "" {
			meta["session-id"] = m.SessionID
		}
	}

	key := BuildS3Key(s.cfg.ArchivePrefix, name)
	if err := s.archiver.ArchiveFileWithRetryCtx(ctx, key, f, info.Size(), meta); err != nil {
		return err
	}
	s.logger.Info().Str("key", key).Str("reason", reason).Msg("spool file archived")
	return nil
}

// removeLocked 는 data/meta 파일을 지우고 gauge 를 맞춘다. s.mu 를 잡은 상태에서만 호출.
// 다른 경로가 먼저 지웠으면 false.
func (s *Spool) removeLocked(name string) bool {
	dataPath := filepath.Join(s.cfg.SpoolDir, name)

	info, err := os.Stat(dataPath)
	if err != nil {
		_ = os.Remove(dataPath + metaSuffix)
		return false
	}
	if err := os.Remove(dataPath); err != nil {
		return false
	}
	_ = os.Remove(dataPath + metaSuffix)

	atomic.AddInt64(&s.sizeBytes, -info.Size())
	atomic.AddInt64(&s.metrics.SpoolSizeBytes, -info.Size())
	atomic.AddInt64(&s.metrics.SpoolFilesCurrent, -1)
	return true
}

// pickOldest 는 spool 디렉토리의 data 파일 중 파일명 기준(=timestamp 기준)으로
// 가장 오래된 파일을 반환한다.
//
// 주의:
//   - 파일 시스템은 엔트리 목록을 정렬해주지 않는다. (os.ReadDir 은 이름순이지만 의존하지 않는다)
//   - 파일명은 <unix>_<instance>_<counter>.jsonl.gz 이므로
//     문자열 정렬 = 시간 정렬 = 처리 순서 보장이 가능하다.
func (s *Spool) pickOldest() string {
	entries, err := os.ReadDir(s.cfg.SpoolDir)
	if err != nil {
		return ""
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isDataFile(e.Name()) {
			continue
		}
		files = append(files, e.Name())
	}
	if len(files) == 0 {
		return ""
	}

	sort.Strings(files)
	return files[0]
}

// isDataFile 은 숨김 파일과 meta 를 제외한 spool data 파일인지 반환한다.
func isDataFile(name string) bool {
	return name != "" && name[0] != '.' && strings.HasSuffix(name, dataSuffix)
}
