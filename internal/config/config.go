// internal/config/config.go
package config

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config
//
// 프로세스(collector / replaysim) 실행 시 필요한 환경 변수 값을 보관하는 구조체.
// 모든 값은 프로세스 시작 시점에 Load() 에 의해 초기화되며,
// 이후에는 변경되지 않는 불변(read-only) 설정들이다.
type Config struct {

	// ---------------------------
	// 서비스 식별자 / 로깅
	// ---------------------------

	ServiceName string // 로그 공통 필드 service (예: expothesis-track)
	InstanceID  string // 프로세스 고유 ID (호스트명 기반, 실패 시 랜덤 hex)
	LogLevel    string // debug / info / warn / error
	LogPretty   bool   // true 면 ConsoleWriter, false 면 JSON
	LogSampleN  uint32 // debug/info 샘플링 (N개 중 1개만 기록, 1 이하면 전부)

	// ---------------------------
	// 수집기(collector) HTTP 서버
	// ---------------------------

	HTTPAddr     string        // bind 주소 (예: ":8080")
	MaxBodySize  int64         // 단일 요청 body 최대 크기 (바이트)
	APIKey       string        // 비어 있으면 키 검증 생략
	CORSOrigins  []string      // 허용 Origin 목록
	ReadTimeout  time.Duration // http.Server ReadTimeout
	WriteTimeout time.Duration // http.Server WriteTimeout
	RateLimit    int           // IP 당 분당 수집 요청 허용 수 (0 이면 제한 없음)

	// ---------------------------
	// 클라이언트(tracker) 옵션
	// ---------------------------

	Tracker Tracker

	// ---------------------------
	// 로컬 spool (세션 종료 시 전달 실패한 replay 레코드 보관)
	// ---------------------------

	SpoolDir          string        // 비어 있으면 spool 비활성
	SpoolMaxAge       time.Duration // spool 파일 TTL (초과 시 archive 또는 삭제)
	SpoolMaxSizeBytes int64         // spool 전체 허용 용량 (바이트)

	// ---------------------------
	// S3 archive (만료/손상 spool 파일 보관)
	// ---------------------------
	// SDK retry 는 0 으로 고정하고, 재시도 횟수는 ArchiveRetries 하나로만 제어한다.

	AWSRegion      string
	ArchiveBucket  string // 비어 있으면 archive 비활성
	ArchivePrefix  string
	ArchiveTimeout time.Duration // PutObject 1회 시도당 timeout
	ArchiveRetries int

	// ---------------------------
	// replaysim (부하/시나리오 시뮬레이터)
	// ---------------------------

	Sim Sim
}

// Sim 은 cmd/replaysim 전용 옵션이다.
type Sim struct {
	Sessions      int           // 시뮬레이션할 페이지 세션 수
	Concurrency   int           // 동시에 열려 있는 페이지 수
	StartInterval time.Duration // 페이지 시작 간격 (rate limiter)
	Dwell         time.Duration // 페이지 하나에 머무는 시간 (라우트 하나당)
	Routes        int           // 세션당 SPA 라우트 이동 횟수 (rotation 유발)
}

// Load
//
// 환경 변수 기반으로 Config 값을 초기화한다.
// 필수 env 가 비어있으면 즉시 프로세스를 종료(fail-fast)하고,
// 나머지는 로컬 개발에 안전한 기본값을 사용한다.
func Load() Config {
	t := DefaultTracker()
	t.Endpoint = envOr("TRACK_ENDPOINT", t.Endpoint)
	t.APIKey = os.Getenv("TRACK_API_KEY")
	t.UserID = os.Getenv("TRACK_USER_ID")
	t.AutoTrack = envBool("TRACK_AUTO", t.AutoTrack)
	t.Replay = envBool("TRACK_REPLAY", t.Replay)
	t.BatchSize = envInt("TRACK_BATCH_SIZE", t.BatchSize)
	t.FlushInterval = envDur("TRACK_FLUSH_INTERVAL", t.FlushInterval)
	t.MaxBatchBytes = envInt("TRACK_MAX_BATCH_BYTES", t.MaxBatchBytes)
	t.EndOnReload = envBool("TRACK_END_ON_RELOAD", t.EndOnReload)
	t.EndOnRouteChange = envBool("TRACK_END_ON_ROUTE_CHANGE", t.EndOnRouteChange)
	t.RestartOnRouteChange = envBool("TRACK_RESTART_ON_ROUTE_CHANGE", t.RestartOnRouteChange)
	t.WaitForSnapshot = envBool("TRACK_WAIT_FOR_SNAPSHOT", t.WaitForSnapshot)
	t.SnapshotGrace = envDur("TRACK_SNAPSHOT_GRACE", t.SnapshotGrace)
	t.ReplayTimeout = envDur("TRACK_REPLAY_TIMEOUT", t.ReplayTimeout)

	return Config{
		ServiceName: envOr("SERVICE_NAME", "expothesis-track"),
		InstanceID:  fallbackInstanceID(),
		LogLevel:    envOr("LOG_LEVEL", "info"),
		LogPretty:   envBool("LOG_PRETTY", false),
		LogSampleN:  uint32(envInt("LOG_SAMPLE_N", 1)),

		HTTPAddr:     envOr("HTTP_ADDR", ":8080"),
		MaxBodySize:  envInt64("MAX_BODY_SIZE", 10*1024*1024),
		APIKey:       os.Getenv("COLLECTOR_API_KEY"),
		CORSOrigins:  envList("CORS_ORIGINS", []string{"*"}),
		ReadTimeout:  envDur("HTTP_READ_TIMEOUT", 8*time.Second),
		WriteTimeout: envDur("HTTP_WRITE_TIMEOUT", 8*time.Second),
		RateLimit:    envInt("COLLECTOR_RATE_LIMIT", 6000),

		Tracker: t,

		SpoolDir:          os.Getenv("SPOOL_DIR"),
		SpoolMaxAge:       envDur("SPOOL_MAX_AGE", 24*time.Hour),
		SpoolMaxSizeBytes: envInt64("SPOOL_MAX_SIZE_BYTES", 64*1024*1024),

		AWSRegion:      os.Getenv("AWS_REGION"),
		ArchiveBucket:  os.Getenv("ARCHIVE_BUCKET"),
		ArchivePrefix:  envOr("ARCHIVE_PREFIX", "replay-spool"),
		ArchiveTimeout: envDur("ARCHIVE_TIMEOUT", 5*time.Second),
		ArchiveRetries: envInt("ARCHIVE_RETRIES", 3),

		Sim: Sim{
			Sessions:      envInt("SIM_SESSIONS", 20),
			Concurrency:   envInt("SIM_CONCURRENCY", 4),
			StartInterval: envDur("SIM_START_INTERVAL", 100*time.Millisecond),
			Dwell:         envDur("SIM_DWELL", 500*time.Millisecond),
			Routes:        envInt("SIM_ROUTES", 2),
		},
	}
}

// envOr / envInt / envInt64 / envDur / envBool / envList
//
// 값이 없으면 기본값을, 형식이 잘못되면 로그 출력 후 즉시 종료(fail-fast)한다.
// 런타임 중 설정 오류를 겪지 않도록 하기 위한 보호 전략.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("invalid int env %s=%q: %v", key, v, err)
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Fatalf("invalid int64 env %s=%q: %v", key, v, err)
	}
	return n
}

func envDur(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("invalid duration env %s=%q: %v", key, v, err)
	}
	return d
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Fatalf("invalid bool env %s=%q: %v", key, v, err)
	}
	return b
}

func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// fallbackInstanceID
//
// 이 프로세스 인스턴스를 식별하는 고유 값.
//   - 기본: hostname
//   - fallback: 12자리 랜덤 hex
func fallbackInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	// 랜덤 6바이트 → 12자리 hex
	var b [6]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}
