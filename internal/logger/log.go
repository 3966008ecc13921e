// internal/logger/log.go
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/pastorenue/expothesis-sub001/internal/config"

	stdlog "log"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Init
//
// 프로세스 시작 시 한 번만 호출되는 로거 초기화 함수.
// Config(환경변수)에 따라 '개발자용 화면' 또는 '운영용 JSON 로그'로 형태를 바꾼다.
//
// [주요 기능]
//
//  1. 로그 포맷 자동 전환:
//     - LOG_PRETTY=true : 사람이 읽기 쉬운 컬러 텍스트
//     - LOG_PRETTY=false: JSON (수집/검색 시스템용)
//
//  2. 공통 필드 자동 추가:
//     - 모든 로그에 "service", "instance" 가 붙는다.
//
//  3. 로그 샘플링:
//     - Debug/Info 는 LOG_SAMPLE_N 개 중 1개만 기록.
//     - Warn/Error 는 절대 버리지 않는다. tracker 의 전송 실패는 Warn 으로만 보고되므로
//       여기서 잃으면 원인 추적이 불가능하다.
//
// 사용 예:
//
//	logger.Init(cfg)
//	log.Info().Msg("collector started")
func Init(cfg config.Config) {
	zlog.Logger = New(cfg, os.Stdout)
	zerolog.SetGlobalLevel(zlog.Logger.GetLevel())

	// 표준 log 패키지(log.Printf 등)도 zerolog 설정을 따르도록 연결.
	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)
}

// New 는 전역 로거를 건드리지 않고 설정대로 구성된 Logger 를 만든다.
// 테스트나 임베딩(호스트가 자체 writer 를 가진 경우)에서 사용.
func New(cfg config.Config, out io.Writer) zerolog.Logger {

	// 1) 로그 레벨 결정 (파싱 실패 시 info)
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel))); err == nil && cfg.LogLevel != "" {
		level = l
	}

	// 2) 출력 방식 결정 (사람 vs 기계)
	w := out
	if cfg.LogPretty {
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
		}
	}

	// 3) 기본 Logger + 공통 태그
	base := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("instance", cfg.InstanceID).
		Logger()

	// 4) 샘플링 (Warn/Error 는 nil sampler → 100% 기록)
	if cfg.LogSampleN > 1 {
		return base.Sample(&zerolog.LevelSampler{
			DebugSampler: &zerolog.BasicSampler{N: cfg.LogSampleN},
			InfoSampler:  &zerolog.BasicSampler{N: cfg.LogSampleN},
		})
	}
	return base
}
