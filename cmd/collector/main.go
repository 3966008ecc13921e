package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/pastorenue/expothesis-sub001/internal/collector"
	"github.com/pastorenue/expothesis-sub001/internal/config"
	"github.com/pastorenue/expothesis-sub001/internal/logger"
	"github.com/pastorenue/expothesis-sub001/internal/metrics"

	zlog "github.com/rs/zerolog/log"
)

func main() {

	// ====================================================================
	// CPU 설정
	// ====================================================================
	//
	// collector 는 로컬 개발/데모용이라 기본은 런타임 기본값을 그대로 쓴다.
	// 컨테이너에 CPU quota 가 걸려 있으면 GOMAXPROCS 환경변수로 맞춘다.
	// ====================================================================
	if v := os.Getenv("GOMAXPROCS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			runtime.GOMAXPROCS(n)
		}
	}

	// ====================================================================
	// Config / Logger / Metrics 초기화
	// ====================================================================
	//
	// - Config: 환경변수 기반 (HTTP_ADDR, COLLECTOR_API_KEY, CORS_ORIGINS 등)
	// - Logger: 이후 모든 로그는 zerolog 전역 로거를 통한다
	// - Metrics: /metrics 에서 text 로 노출되는 카운터
	// ====================================================================
	cfg := config.Load()
	logger.Init(cfg)
	m := metrics.New()

	// ====================================================================
	// HTTP Handler 설정
	// ====================================================================
	//
	// 엔드포인트:
	//  - /track/session/start, /track/session/end, /track/event, /track/replay : 수집
	//  - /track/sessions, /track/replay/{id}, /track/events                    : 조회
	//  - /metrics : 운영 지표
	//  - /health  : liveness
	//
	// 저장소는 in-memory 이므로 재시작하면 모두 사라진다.
	// ====================================================================
	h := collector.NewHandler(cfg, m, collector.NewStore())

	// ====================================================================
	// HTTP 서버 설정
	// ====================================================================
	//
	// replay 배치는 최대 MaxBodySize(기본 10MB) 까지 올 수 있으므로
	// ReadTimeout 은 HTTP_READ_TIMEOUT 으로 조정 가능하게 둔다.
	// ====================================================================
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      h.Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// ====================================================================
	// Graceful Shutdown
	// ====================================================================
	//
	// SIGTERM / SIGINT 수신 시 새 요청을 받지 않고,
	// 진행 중인 요청(특히 session/end keepalive)이 끝날 때까지 최대 15초 기다린다.
	// ====================================================================
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

		sig := <-sigCh
		zlog.Info().Str("signal", sig.String()).Msg("shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := srv.Shutdown(ctx); err != nil {
			zlog.Error().Err(err).Msg("http shutdown")
		}
		cancel()
	}()

	// ====================================================================
	// 서버 시작
	// ====================================================================
	zlog.Info().
		Str("addr", cfg.HTTPAddr).
		Bool("api_key", cfg.APIKey != "").
		Strs("cors_origins", cfg.CORSOrigins).
		Msg("collector listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		zlog.Fatal().Err(err).Msg("http server terminated")
	}

	zlog.Info().Str("metrics", m.String()).Msg("shutdown complete")
}
